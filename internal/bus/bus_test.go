package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/basket/worldgate/internal/world"
)

var (
	keyA = world.Key{GameKey: "tag", WorldID: "world_tag_public"}
	keyB = world.Key{GameKey: "tag", WorldID: "w2"}
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_StateChangedCarriesWorld(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicWorldStateChanged)
	defer b.Unsubscribe(sub)

	b.PublishStateChanged(world.StateChanged{Key: keyA, OldStatus: world.StatusStopped, NewStatus: world.StatusStarting, Revision: 2})

	ev := recv(t, sub)
	if ev.Topic != TopicWorldStateChanged || ev.World != keyA {
		t.Fatalf("event = %+v", ev)
	}
	change, ok := ev.Payload.(world.StateChanged)
	if !ok || change.NewStatus != world.StatusStarting || change.Revision != 2 {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestBus_SubscribeWorldFiltersOtherWorlds(t *testing.T) {
	b := New()
	sub := b.SubscribeWorld(keyA)
	defer b.Unsubscribe(sub)

	b.PublishActivity(keyB)
	b.PublishStateChanged(world.StateChanged{Key: keyB, NewStatus: world.StatusRunning})
	b.Publish(TopicWorldSwept, "summary")
	b.PublishActivity(keyA)

	ev := recv(t, sub)
	if ev.Topic != TopicWorldActivity || ev.Payload != keyA {
		t.Fatalf("event = %+v", ev)
	}
	expectQuiet(t, sub)
}

func TestBus_PrefixSeesAllWorlds(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPrefix)
	defer b.Unsubscribe(sub)
	other := b.Subscribe("gateway.")
	defer b.Unsubscribe(other)

	b.PublishActivity(keyA)
	b.PublishActivity(keyB)
	b.Publish(TopicWorldSwept, 1)

	for i := 0; i < 3; i++ {
		recv(t, sub)
	}
	expectQuiet(t, other)
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.SubscribeWorld(keyA)
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+5; i++ {
		b.PublishActivity(keyA)
	}
	if got := len(sub.ch); got != subscriberBuffer {
		t.Fatalf("buffered %d, want %d", got, subscriberBuffer)
	}
	if got := b.Dropped(); got != 5 {
		t.Fatalf("dropped = %d, want 5", got)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	b.PublishActivity(keyA)
}

func TestBus_NilBusIsInert(t *testing.T) {
	var b *Bus
	b.PublishStateChanged(world.StateChanged{Key: keyA})
	b.PublishActivity(keyA)
	b.Publish(TopicWorldSwept, nil)
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Fatal("nil bus reported state")
	}
	var sub *Subscription
	if sub.Ch() != nil {
		t.Fatal("nil subscription should have a nil channel")
	}
}

func TestBus_ConcurrentJoinsAcrossWorlds(t *testing.T) {
	b := New()
	subA := b.SubscribeWorld(keyA)
	defer b.Unsubscribe(subA)
	subB := b.SubscribeWorld(keyB)
	defer b.Unsubscribe(subB)

	const perWorld = 20
	var wg sync.WaitGroup
	for _, k := range []world.Key{keyA, keyB} {
		wg.Add(1)
		go func(k world.Key) {
			defer wg.Done()
			for i := 0; i < perWorld; i++ {
				b.PublishActivity(k)
			}
		}(k)
	}
	wg.Wait()

	if len(subA.ch) != perWorld || len(subB.ch) != perWorld {
		t.Fatalf("buffered a=%d b=%d, want %d each", len(subA.ch), len(subB.ch), perWorld)
	}
}
