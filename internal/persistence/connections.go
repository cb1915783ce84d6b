package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/worldgate/internal/world"
)

// ErrConnectionNotFound is returned when a lobby connection has no row.
var ErrConnectionNotFound = errors.New("connection not found")

// Connection maps a lobby connection to the player and the world it joined.
type Connection struct {
	ID          string     `json:"connection_id"`
	Subject     string     `json:"subject"`
	World       *world.Key `json:"world,omitempty"`
	ConnectedAt time.Time  `json:"connected_at"`
}

func (s *Store) SaveConnection(ctx context.Context, c Connection) error {
	if c.ID == "" {
		return fmt.Errorf("save connection: empty id")
	}
	connectedAt := c.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = s.now()
	}
	worldKey := sql.NullString{}
	if c.World != nil {
		worldKey = sql.NullString{String: c.World.String(), Valid: true}
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connections (connection_id, subject, world_key, connected_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(connection_id) DO UPDATE SET subject = excluded.subject;
		`, c.ID, c.Subject, worldKey, connectedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("save connection: %w", err)
		}
		return nil
	})
}

func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var (
		c           Connection
		worldKey    sql.NullString
		connectedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT connection_id, subject, world_key, connected_at
		FROM connections
		WHERE connection_id = ?;
	`, id).Scan(&c.ID, &c.Subject, &worldKey, &connectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if worldKey.Valid && worldKey.String != "" {
		k, err := world.ParseKey(worldKey.String)
		if err != nil {
			return nil, fmt.Errorf("get connection: %w", err)
		}
		c.World = &k
	}
	c.ConnectedAt = time.UnixMilli(connectedAt).UTC()
	return &c, nil
}

// SetConnectionWorld records (or clears, with a nil key) the world a
// connection is attached to.
func (s *Store) SetConnectionWorld(ctx context.Context, id string, key *world.Key) error {
	worldKey := sql.NullString{}
	if key != nil {
		worldKey = sql.NullString{String: key.String(), Valid: true}
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE connections SET world_key = ? WHERE connection_id = ?;
		`, worldKey, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set connection world: %w", err)
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?;`, id); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

// CountConnections returns the number of lobby connections attached to key.
func (s *Store) CountConnections(ctx context.Context, key world.Key) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM connections WHERE world_key = ?;
	`, key.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return n, nil
}
