package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/worldgate/internal/shared"
	"github.com/basket/worldgate/internal/world"
)

const worldColumns = `
	game_key,
	world_id,
	status,
	COALESCE(task_ref, ''),
	COALESCE(launch_id, ''),
	COALESCE(endpoint_address, ''),
	COALESCE(endpoint_port, 0),
	port,
	revision,
	last_activity_at,
	COALESCE(error_reason, ''),
	created_at,
	updated_at`

func scanWorld(scanFn func(dest ...any) error, rec *world.Record) error {
	var (
		status       string
		addr         string
		endpointPort int
		lastActivity sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := scanFn(
		&rec.Key.GameKey,
		&rec.Key.WorldID,
		&status,
		&rec.TaskRef,
		&rec.LaunchID,
		&addr,
		&endpointPort,
		&rec.Port,
		&rec.Revision,
		&lastActivity,
		&rec.ErrorReason,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	rec.Status = world.Status(status)
	if addr != "" {
		rec.Endpoint = &world.Endpoint{Address: addr, Port: endpointPort}
	}
	if lastActivity.Valid {
		t := time.UnixMilli(lastActivity.Int64).UTC()
		rec.LastActivityTime = &t
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return nil
}

// Get returns the record for key, or world.ErrNotFound.
func (s *Store) Get(ctx context.Context, key world.Key) (*world.Record, error) {
	var rec world.Record
	err := scanWorld(s.db.QueryRowContext(ctx, `
		SELECT `+worldColumns+`
		FROM worlds
		WHERE game_key = ? AND world_id = ?;
	`, key.GameKey, key.WorldID).Scan, &rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, world.ErrNotFound
		}
		return nil, fmt.Errorf("get world %s: %w", key, err)
	}
	return &rec, nil
}

// CreateIfAbsent inserts a STOPPED record for key. When the record already
// exists it is returned unchanged with created=false.
func (s *Store) CreateIfAbsent(ctx context.Context, key world.Key, port int) (*world.Record, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var created bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := s.nowMillis()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO worlds (game_key, world_id, status, port, revision, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(game_key, world_id) DO NOTHING;
		`, key.GameKey, key.WorldID, world.StatusStopped, port, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create world %s: %w", key, err)
	}
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// Transition moves key from one of the allowed statuses to `to`, applying the
// column rules of the target state. It returns false without side effects
// when the record is absent, its status is not in from, or a guard in f does
// not match.
func (s *Store) Transition(ctx context.Context, key world.Key, from []world.Status, to world.Status, f world.Fields) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("transition %s: invalid target status %q", key, to)
	}
	var (
		applied bool
		change  world.StateChanged
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, c, err := s.transitionWorldTx(ctx, tx, key, from, to, f)
		if err != nil {
			return err
		}
		if !ok {
			applied = false
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		applied, change = true, c
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.bus.PublishStateChanged(change)
	}
	return applied, nil
}

func (s *Store) transitionWorldTx(
	ctx context.Context,
	tx *sql.Tx,
	key world.Key,
	from []world.Status,
	to world.Status,
	f world.Fields,
) (bool, world.StateChanged, error) {
	var cur world.Record
	err := scanWorld(tx.QueryRowContext(ctx, `
		SELECT `+worldColumns+`
		FROM worlds
		WHERE game_key = ? AND world_id = ?;
	`, key.GameKey, key.WorldID).Scan, &cur)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, world.StateChanged{}, nil
		}
		return false, world.StateChanged{}, fmt.Errorf("select world for transition: %w", err)
	}
	if !slices.Contains(from, cur.Status) {
		return false, world.StateChanged{}, nil
	}
	if f.ExpectTaskRef != "" && cur.TaskRef != f.ExpectTaskRef {
		return false, world.StateChanged{}, nil
	}
	if f.ExpectLaunchID != "" && cur.LaunchID != f.ExpectLaunchID {
		return false, world.StateChanged{}, nil
	}
	if !f.ExpectIdleBefore.IsZero() && cur.LastActivityTime != nil &&
		!cur.LastActivityTime.Before(f.ExpectIdleBefore) {
		return false, world.StateChanged{}, nil
	}

	next := cur
	next.Status = to
	if f.TaskRef != "" {
		next.TaskRef = f.TaskRef
	}
	if f.LaunchID != "" {
		next.LaunchID = f.LaunchID
	}
	if f.BumpRevision {
		next.Revision++
	}
	now := s.nowMillis()

	switch to {
	case world.StatusStopped, world.StatusError:
		next.TaskRef = ""
		next.LaunchID = ""
		next.Endpoint = nil
		next.ErrorReason = f.ErrorReason
	case world.StatusStarting:
		next.Endpoint = nil
		next.ErrorReason = ""
	case world.StatusRunning:
		if f.Endpoint != nil {
			ep := *f.Endpoint
			next.Endpoint = &ep
		} else if cur.Status != world.StatusRunning {
			next.Endpoint = nil
		}
		if next.Endpoint == nil || next.Endpoint.Address == "" || next.TaskRef == "" {
			return false, world.StateChanged{}, fmt.Errorf("transition %s to RUNNING requires endpoint and task ref", key)
		}
		next.ErrorReason = ""
	}

	lastActivity := sql.NullInt64{}
	if cur.LastActivityTime != nil {
		lastActivity = sql.NullInt64{Int64: cur.LastActivityTime.UnixMilli(), Valid: true}
	}
	if to == world.StatusRunning && cur.Status != world.StatusRunning {
		lastActivity = sql.NullInt64{Int64: now, Valid: true}
	}
	var (
		addr sql.NullString
		port sql.NullInt64
	)
	if next.Endpoint != nil {
		addr = sql.NullString{String: next.Endpoint.Address, Valid: true}
		port = sql.NullInt64{Int64: int64(next.Endpoint.Port), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE worlds
		SET status = ?,
			task_ref = NULLIF(?, ''),
			launch_id = NULLIF(?, ''),
			endpoint_address = ?,
			endpoint_port = ?,
			revision = ?,
			last_activity_at = ?,
			error_reason = NULLIF(?, ''),
			updated_at = ?
		WHERE game_key = ? AND world_id = ? AND status = ? AND revision = ?;
	`, to, next.TaskRef, next.LaunchID, addr, port, next.Revision, lastActivity, next.ErrorReason, now,
		key.GameKey, key.WorldID, cur.Status, cur.Revision)
	if err != nil {
		return false, world.StateChanged{}, fmt.Errorf("update world transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, world.StateChanged{}, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, world.StateChanged{}, nil
	}
	if err := s.appendWorldEventTx(ctx, tx, key, cur.Status, to, f.ErrorReason, now); err != nil {
		return false, world.StateChanged{}, err
	}
	return true, world.StateChanged{Key: key, OldStatus: cur.Status, NewStatus: to, Revision: next.Revision}, nil
}

func (s *Store) appendWorldEventTx(ctx context.Context, tx *sql.Tx, key world.Key, from, to world.Status, reason string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO world_events (game_key, world_id, state_from, state_to, reason, trace_id, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?);
	`, key.GameKey, key.WorldID, string(from), string(to), reason, shared.TraceID(ctx), at)
	if err != nil {
		return fmt.Errorf("insert world_event: %w", err)
	}
	return nil
}

// TouchActivity refreshes last_activity_at regardless of status.
func (s *Store) TouchActivity(ctx context.Context, key world.Key) error {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE worlds
			SET last_activity_at = ?
			WHERE game_key = ? AND world_id = ?;
		`, s.nowMillis(), key.GameKey, key.WorldID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("touch activity %s: %w", key, err)
	}
	if n == 0 {
		return world.ErrNotFound
	}
	s.bus.PublishActivity(key)
	return nil
}

// ScanRunning returns RUNNING worlds whose last activity is missing or older
// than staleSince.
func (s *Store) ScanRunning(ctx context.Context, staleSince time.Time) ([]world.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+worldColumns+`
		FROM worlds
		WHERE status = ?
		  AND (last_activity_at IS NULL OR last_activity_at < ?)
		ORDER BY last_activity_at ASC;
	`, world.StatusRunning, staleSince.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("scan running worlds: %w", err)
	}
	defer rows.Close()
	return collectWorlds(rows)
}

// ListWorlds returns the most recently updated worlds first.
func (s *Store) ListWorlds(ctx context.Context, limit int) ([]world.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+worldColumns+`
		FROM worlds
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()
	return collectWorlds(rows)
}

func collectWorlds(rows *sql.Rows) ([]world.Record, error) {
	var out []world.Record
	for rows.Next() {
		var rec world.Record
		if err := scanWorld(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan world: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worlds: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of worlds in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[world.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM worlds GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count worlds: %w", err)
	}
	defer rows.Close()
	out := make(map[world.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan world count: %w", err)
		}
		out[world.Status(status)] = n
	}
	return out, rows.Err()
}

// ListWorldEvents returns the transition log for key, oldest first.
func (s *Store) ListWorldEvents(ctx context.Context, key world.Key, limit int) ([]world.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, game_key, world_id, state_from, state_to, COALESCE(reason, ''), COALESCE(trace_id, ''), created_at
		FROM world_events
		WHERE game_key = ? AND world_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, key.GameKey, key.WorldID, limit)
	if err != nil {
		return nil, fmt.Errorf("list world events: %w", err)
	}
	defer rows.Close()

	var out []world.Event
	for rows.Next() {
		var (
			ev        world.Event
			from, to  string
			createdAt int64
		)
		if err := rows.Scan(&ev.EventID, &ev.Key.GameKey, &ev.Key.WorldID, &from, &to, &ev.Reason, &ev.TraceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan world event: %w", err)
		}
		ev.From, ev.To = world.Status(from), world.Status(to)
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate world events: %w", err)
	}
	return out, nil
}
