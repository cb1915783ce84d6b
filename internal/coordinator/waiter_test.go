package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/coordinator"
	"github.com/basket/worldgate/internal/persistence"
	"github.com/basket/worldgate/internal/world"
)

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "registry.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func claimed(t *testing.T, store *persistence.Store, launchID string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.CreateIfAbsent(ctx, tagKey, 7777); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := store.Transition(ctx, tagKey, []world.Status{world.StatusStopped}, world.StatusStarting, world.Fields{LaunchID: launchID})
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
}

func TestWaitForSettled_AlreadySettled(t *testing.T) {
	store := openTestStore(t, nil)
	if _, _, err := store.CreateIfAbsent(context.Background(), tagKey, 7777); err != nil {
		t.Fatalf("create: %v", err)
	}
	w := coordinator.NewWaiter(nil, store)

	rec, err := w.WaitForSettled(context.Background(), tagKey, 1, time.Hour)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status != world.StatusStopped {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestWaitForSettled_BudgetExhausted(t *testing.T) {
	store := openTestStore(t, nil)
	claimed(t, store, "launch-1")
	w := coordinator.NewWaiter(nil, store)

	start := time.Now()
	rec, err := w.WaitForSettled(context.Background(), tagKey, 3, 10*time.Millisecond)
	if world.CodeOf(err) != world.CodeStartTimeout {
		t.Fatalf("expected start timeout, got %v", err)
	}
	if rec == nil || rec.Status != world.StatusStarting {
		t.Fatalf("expected last record STARTING, got %+v", rec)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("wait overran its budget: %s", elapsed)
	}
}

func TestWaitForSettled_BusEventWakesEarly(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	claimed(t, store, "launch-1")
	w := coordinator.NewWaiter(eventBus, store)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = store.Transition(context.Background(), tagKey, []world.Status{world.StatusStarting}, world.StatusError,
			world.Fields{ErrorReason: "boom", ExpectLaunchID: "launch-1"})
	}()

	// The poll interval alone would take far longer than the test timeout.
	rec, err := w.WaitForSettled(context.Background(), tagKey, 2, 30*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status != world.StatusError || rec.ErrorReason != "boom" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestWaitForSettled_IgnoresOtherWorlds(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	claimed(t, store, "launch-1")
	other := world.Key{GameKey: "race", WorldID: world.PublicWorldID("race")}
	if _, _, err := store.CreateIfAbsent(context.Background(), other, 7777); err != nil {
		t.Fatalf("create other: %v", err)
	}
	w := coordinator.NewWaiter(eventBus, store)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = store.Transition(context.Background(), other, []world.Status{world.StatusStopped}, world.StatusStarting, world.Fields{LaunchID: "x"})
	}()

	_, err := w.WaitForSettled(context.Background(), tagKey, 3, 20*time.Millisecond)
	if world.CodeOf(err) != world.CodeStartTimeout {
		t.Fatalf("expected start timeout, got %v", err)
	}
}

func TestWaitForSettled_ContextCanceled(t *testing.T) {
	store := openTestStore(t, nil)
	claimed(t, store, "launch-1")
	w := coordinator.NewWaiter(nil, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.WaitForSettled(ctx, tagKey, 10, time.Hour); err == nil {
		t.Fatal("expected context error")
	}
}
