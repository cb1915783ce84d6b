package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/worldgate/internal/bus"
	"github.com/basket/worldgate/internal/world"
)

// Getter reads one registry record.
type Getter interface {
	Get(ctx context.Context, key world.Key) (*world.Record, error)
}

// Waiter watches a world until it leaves STARTING. The registry is polled at
// a fixed interval; bus events only trigger an earlier re-read.
type Waiter struct {
	eventBus *bus.Bus // Optional: can be nil for polling-only mode
	registry Getter
}

func NewWaiter(eventBus *bus.Bus, registry Getter) *Waiter {
	return &Waiter{eventBus: eventBus, registry: registry}
}

// WaitForSettled re-reads key until its status is no longer STARTING or the
// attempt budget runs out. On exhaustion it returns the last record seen
// together with a START_TIMEOUT error.
func (w *Waiter) WaitForSettled(ctx context.Context, key world.Key, attempts int, interval time.Duration) (*world.Record, error) {
	if attempts < 1 {
		attempts = 1
	}
	// Subscribe first so a transition between the read and the wait is not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.SubscribeWorld(key)
		defer w.eventBus.Unsubscribe(sub)
	}

	rec, err := w.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status != world.StatusStarting {
		return rec, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(time.Duration(attempts) * interval)
	defer deadline.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("wait for %s: %w", key, ctx.Err())

		case <-deadline.C:
			return rec, world.New(world.CodeStartTimeout,
				fmt.Sprintf("World did not start. Status: %s", rec.Status))

		case <-ticker.C:
			polls++
			next, err := w.registry.Get(ctx, key)
			if err != nil {
				return rec, err
			}
			rec = next
			if rec.Status != world.StatusStarting {
				return rec, nil
			}
			if polls >= attempts {
				return rec, world.New(world.CodeStartTimeout,
					fmt.Sprintf("World did not start. Status: %s", rec.Status))
			}

		case _, ok := <-sub.Ch():
			if !ok {
				sub = nil
				continue
			}
			next, err := w.registry.Get(ctx, key)
			if err != nil {
				return rec, err
			}
			rec = next
			if rec.Status != world.StatusStarting {
				return rec, nil
			}
		}
	}
}
