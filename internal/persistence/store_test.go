package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/world"
)

var testKey = world.Key{GameKey: "tag", WorldID: world.PublicWorldID("tag")}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func mustCreate(t *testing.T, store *persistence.Store, key world.Key) *world.Record {
	t.Helper()
	rec, _, err := store.CreateIfAbsent(context.Background(), key, 7777)
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	return rec
}

func mustTransition(t *testing.T, store *persistence.Store, key world.Key, from []world.Status, to world.Status, f world.Fields) {
	t.Helper()
	ok, err := store.Transition(context.Background(), key, from, to, f)
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	if !ok {
		t.Fatalf("transition to %s not applied", to)
	}
}

func startRunning(t *testing.T, store *persistence.Store, key world.Key) {
	t.Helper()
	mustTransition(t, store, key, []world.Status{world.StatusStopped, world.StatusError}, world.StatusStarting,
		world.Fields{LaunchID: "launch-1", BumpRevision: true})
	mustTransition(t, store, key, []world.Status{world.StatusStarting}, world.StatusRunning,
		world.Fields{TaskRef: "task-1", Endpoint: &world.Endpoint{Address: "10.0.0.5", Port: 7777}})
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
	for _, table := range []string{"schema_migrations", "worlds", "world_events", "connections"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsLedgerAndData(t *testing.T) {
	store, path := openTestStore(t)
	mustCreate(t, store, testKey)
	_ = store.Close()

	reopened, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var n int
	if err := reopened.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one ledger row, got %d", n)
	}
	if _, err := reopened.Get(context.Background(), testKey); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`); err != nil {
		t.Fatalf("insert future ledger row: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected open to fail on newer schema")
	}
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.Get(context.Background(), testKey)
	if !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec, created, err := store.CreateIfAbsent(ctx, testKey, 7777)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || rec.Status != world.StatusStopped || rec.Port != 7777 {
		t.Fatalf("unexpected first create: created=%v rec=%+v", created, rec)
	}

	startRunning(t, store, testKey)

	again, created, err := store.CreateIfAbsent(ctx, testKey, 9999)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create reported created=true")
	}
	if again.Status != world.StatusRunning || again.Port != 7777 {
		t.Fatalf("existing record must be unchanged, got %+v", again)
	}
}

func TestStore_CreateIfAbsentValidatesKey(t *testing.T) {
	store, _ := openTestStore(t)
	_, _, err := store.CreateIfAbsent(context.Background(), world.Key{GameKey: "tag"}, 0)
	if world.CodeOf(err) != world.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStore_TransitionRejectsDisallowedFrom(t *testing.T) {
	store, _ := openTestStore(t)
	mustCreate(t, store, testKey)

	ok, err := store.Transition(context.Background(), testKey, []world.Status{world.StatusRunning}, world.StatusStopped, world.Fields{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("transition from RUNNING applied to a STOPPED world")
	}
	events, err := store.ListWorldEvents(context.Background(), testKey, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected transition wrote %d events", len(events))
	}
}

func TestStore_TransitionMissingWorldIsNotApplied(t *testing.T) {
	store, _ := openTestStore(t)
	ok, err := store.Transition(context.Background(), testKey, []world.Status{world.StatusStopped}, world.StatusStarting, world.Fields{})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStore_ClaimHasExactlyOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	mustCreate(t, store, testKey)

	const contenders = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer wg.Done()
			ok, err := store.Transition(context.Background(), testKey,
				[]world.Status{world.StatusStopped, world.StatusError}, world.StatusStarting,
				world.Fields{BumpRevision: true})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", wins.Load())
	}
	rec, err := store.Get(context.Background(), testKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != world.StatusStarting || rec.Revision != 1 {
		t.Fatalf("unexpected record after claim: %+v", rec)
	}
}

func TestStore_RunningRequiresEndpointAndTaskRef(t *testing.T) {
	store, _ := openTestStore(t)
	mustCreate(t, store, testKey)
	mustTransition(t, store, testKey, []world.Status{world.StatusStopped}, world.StatusStarting, world.Fields{})

	_, err := store.Transition(context.Background(), testKey, []world.Status{world.StatusStarting}, world.StatusRunning,
		world.Fields{TaskRef: "task-1"})
	if err == nil {
		t.Fatal("expected RUNNING without endpoint to fail")
	}
	_, err = store.Transition(context.Background(), testKey, []world.Status{world.StatusStarting}, world.StatusRunning,
		world.Fields{Endpoint: &world.Endpoint{Address: "10.0.0.5", Port: 7777}})
	if err == nil {
		t.Fatal("expected RUNNING without task ref to fail")
	}
	rec, _ := store.Get(context.Background(), testKey)
	if rec.Status != world.StatusStarting {
		t.Fatalf("failed transitions must not change status, got %s", rec.Status)
	}
}

func TestStore_FieldRulesAcrossLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, testKey)
	startRunning(t, store, testKey)

	rec, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Endpoint == nil || rec.Endpoint.Address != "10.0.0.5" || rec.TaskRef != "task-1" || rec.LaunchID != "launch-1" {
		t.Fatalf("RUNNING record missing fields: %+v", rec)
	}
	if rec.LastActivityTime == nil {
		t.Fatal("entering RUNNING must stamp last activity")
	}

	mustTransition(t, store, testKey, []world.Status{world.StatusRunning}, world.StatusError,
		world.Fields{ErrorReason: "task died", ExpectTaskRef: "task-1"})
	rec, _ = store.Get(ctx, testKey)
	if rec.Endpoint != nil || rec.TaskRef != "" || rec.LaunchID != "" {
		t.Fatalf("ERROR must clear endpoint and task ref: %+v", rec)
	}
	if rec.ErrorReason != "task died" {
		t.Fatalf("error reason = %q", rec.ErrorReason)
	}

	mustTransition(t, store, testKey, []world.Status{world.StatusError}, world.StatusStarting, world.Fields{BumpRevision: true})
	rec, _ = store.Get(ctx, testKey)
	if rec.ErrorReason != "" {
		t.Fatalf("STARTING must clear error reason, got %q", rec.ErrorReason)
	}
	if rec.Revision != 2 {
		t.Fatalf("revision = %d, want 2", rec.Revision)
	}
}

func TestStore_GuardsBlockStaleWriters(t *testing.T) {
	store, _ := openTestStore(t)
	mustCreate(t, store, testKey)
	startRunning(t, store, testKey)

	ok, err := store.Transition(context.Background(), testKey, []world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ExpectTaskRef: "some-older-task"})
	if err != nil || ok {
		t.Fatalf("stale task ref guard: ok=%v err=%v", ok, err)
	}
	ok, err = store.Transition(context.Background(), testKey, []world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ExpectLaunchID: "launch-0"})
	if err != nil || ok {
		t.Fatalf("stale launch guard: ok=%v err=%v", ok, err)
	}
	mustTransition(t, store, testKey, []world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ExpectLaunchID: "launch-1", ErrorReason: "empty"})
}

func TestStore_IdleGuardBlocksRecentlyActiveWorld(t *testing.T) {
	store, _ := openTestStore(t)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })
	mustCreate(t, store, testKey)
	startRunning(t, store, testKey)

	cutoff := base.Add(5 * time.Minute)
	now = base.Add(10 * time.Minute)
	if err := store.TouchActivity(context.Background(), testKey); err != nil {
		t.Fatalf("touch: %v", err)
	}
	ok, err := store.Transition(context.Background(), testKey, []world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ExpectIdleBefore: cutoff, ErrorReason: "idle"})
	if err != nil || ok {
		t.Fatalf("idle guard on active world: ok=%v err=%v", ok, err)
	}
	mustTransition(t, store, testKey, []world.Status{world.StatusRunning}, world.StatusStopped,
		world.Fields{ExpectIdleBefore: now.Add(time.Minute), ErrorReason: "idle"})
}

func TestStore_OpenExistingRefusesMissingDatabase(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent", "registry.db")
	if _, err := persistence.OpenExisting(missing, nil); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if _, err := os.Stat(filepath.Dir(missing)); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("OpenExisting created %s", filepath.Dir(missing))
	}

	_, dbPath := openTestStore(t)
	store, err := persistence.OpenExisting(dbPath, nil)
	if err != nil {
		t.Fatalf("open existing: %v", err)
	}
	defer store.Close()
	if _, err := store.Get(context.Background(), testKey); !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("get on shared registry: %v", err)
	}
}

func TestStore_TransitionAppendsEventsAndPublishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicWorldStateChanged)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "registry.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	mustCreate(t, store, testKey)
	startRunning(t, store, testKey)

	for _, want := range []world.Status{world.StatusStarting, world.StatusRunning} {
		select {
		case ev := <-sub.Ch():
			change, ok := ev.Payload.(world.StateChanged)
			if !ok {
				t.Fatalf("payload type %T", ev.Payload)
			}
			if change.NewStatus != want || change.Key != testKey {
				t.Fatalf("change = %+v, want status %s", change, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s event", want)
		}
	}

	events, err := store.ListWorldEvents(context.Background(), testKey, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].From != world.StatusStopped || events[1].To != world.StatusRunning {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStore_ScanRunningUsesCutoff(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.SetClock(func() time.Time { return now })

	idle := world.Key{GameKey: "idle", WorldID: world.PublicWorldID("idle")}
	busy := world.Key{GameKey: "busy", WorldID: world.PublicWorldID("busy")}
	stopped := world.Key{GameKey: "off", WorldID: world.PublicWorldID("off")}
	for _, k := range []world.Key{idle, busy, stopped} {
		mustCreate(t, store, k)
	}
	startRunning(t, store, idle)
	startRunning(t, store, busy)

	now = base.Add(10 * time.Minute)
	if err := store.TouchActivity(ctx, busy); err != nil {
		t.Fatalf("touch: %v", err)
	}

	stale, err := store.ScanRunning(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(stale) != 1 || stale[0].Key != idle {
		t.Fatalf("expected only idle world, got %+v", stale)
	}
}

func TestStore_TouchActivityMissingWorld(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.TouchActivity(context.Background(), testKey); !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CountByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	mustCreate(t, store, testKey)
	other := world.Key{GameKey: "race", WorldID: world.PublicWorldID("race")}
	mustCreate(t, store, other)
	startRunning(t, store, other)

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[world.StatusStopped] != 1 || counts[world.StatusRunning] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestStore_ConnectionLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveConnection(ctx, persistence.Connection{ID: "conn-1", Subject: "player-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, err := store.GetConnection(ctx, "conn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Subject != "player-1" || c.World != nil {
		t.Fatalf("unexpected connection: %+v", c)
	}

	if err := store.SetConnectionWorld(ctx, "conn-1", &testKey); err != nil {
		t.Fatalf("set world: %v", err)
	}
	c, _ = store.GetConnection(ctx, "conn-1")
	if c.World == nil || *c.World != testKey {
		t.Fatalf("world not attached: %+v", c)
	}
	if n, err := store.CountConnections(ctx, testKey); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}

	if err := store.SetConnectionWorld(ctx, "conn-1", nil); err != nil {
		t.Fatalf("clear world: %v", err)
	}
	if err := store.DeleteConnection(ctx, "conn-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetConnection(ctx, "conn-1"); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.SetConnectionWorld(ctx, "missing", &testKey); !errors.Is(err, persistence.ErrConnectionNotFound) {
		t.Fatalf("expected not found for missing connection, got %v", err)
	}
}
