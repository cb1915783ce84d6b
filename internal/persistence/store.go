package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/worldgate/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "wg-v1-2026-10-world-registry"

	// v2: adds worlds.launch_id and the connections.world_key column.
	schemaVersionV2  = 2
	schemaChecksumV2 = "wg-v2-2026-10-launch-nonce"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".worldgate", "registry.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	return open(path, eventBus)
}

// OpenExisting opens a registry another process created. It fails with an
// error wrapping fs.ErrNotExist instead of creating an empty database, which
// inside a world task means the registry volume is not mounted.
func OpenExisting(path string, eventBus *bus.Bus) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("registry %s is a directory", path)
	}
	return open(path, eventBus)
}

func open(path string, eventBus *bus.Bus) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// SetClock replaces the time source used for activity and audit timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

const (
	busyBaseDelay = 25 * time.Millisecond
	busyMaxDelay  = 400 * time.Millisecond
)

// retryOnBusy runs f and re-runs it while another connection holds the write
// lock, up to retries extra attempts. Claims from the gateway and self-stop
// writes from world tasks share one database file, so this sits on top of the
// driver's busy_timeout.
func retryOnBusy(ctx context.Context, retries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= retries {
			return err
		}
		t := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// busyDelay doubles from busyBaseDelay, caps at busyMaxDelay and spreads the
// result over [d/2, d).
func busyDelay(attempt int) time.Duration {
	d := busyMaxDelay
	if attempt < 5 {
		d = min(busyBaseDelay<<attempt, busyMaxDelay)
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			game_key TEXT NOT NULL,
			world_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('STOPPED', 'STARTING', 'RUNNING', 'ERROR')),
			task_ref TEXT,
			endpoint_address TEXT,
			endpoint_port INTEGER,
			port INTEGER NOT NULL DEFAULT 0,
			revision INTEGER NOT NULL DEFAULT 0,
			last_activity_at INTEGER,
			error_reason TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (game_key, world_id)
		);`,
		`CREATE TABLE IF NOT EXISTS world_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_key TEXT NOT NULL,
			world_id TEXT NOT NULL,
			state_from TEXT NOT NULL,
			state_to TEXT NOT NULL,
			reason TEXT,
			trace_id TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (game_key, world_id) REFERENCES worlds(game_key, world_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS connections (
			connection_id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			connected_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}

	if maxVersion < schemaVersionV2 {
		alters := []struct{ table, column, stmt string }{
			{"worlds", "launch_id", `ALTER TABLE worlds ADD COLUMN launch_id TEXT;`},
			{"connections", "world_key", `ALTER TABLE connections ADD COLUMN world_key TEXT;`},
		}
		for _, a := range alters {
			exists, err := columnExistsTx(ctx, tx, a.table, a.column)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if _, err := tx.ExecContext(ctx, a.stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", a.table, a.column, err)
			}
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_worlds_status_activity ON worlds(status, last_activity_at);`,
		`CREATE INDEX IF NOT EXISTS idx_world_events_key ON world_events(game_key, world_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_connections_world ON connections(world_key);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func columnExistsTx(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
