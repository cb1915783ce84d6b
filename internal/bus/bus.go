// Package bus fans world lifecycle events out to in-process watchers: start
// waiters, the admin gateway and tests. It never carries state; the registry
// stays the source of truth and an event only prompts a re-read.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/worldgate/internal/world"
)

// subscriberBuffer bounds each subscription; a full buffer drops events.
const subscriberBuffer = 64

// TopicPrefix covers every world lifecycle topic.
const TopicPrefix = "world."

const (
	TopicWorldStateChanged = TopicPrefix + "state_changed"
	TopicWorldActivity     = TopicPrefix + "activity"
	TopicWorldSwept        = TopicPrefix + "swept"
)

// Event is one delivery. World is the zero Key for events that are not about
// a single world, such as sweep summaries.
type Event struct {
	Topic   string
	World   world.Key
	Payload any
}

// Subscription receives events whose topic starts with its prefix and, when
// scoped, whose World matches.
type Subscription struct {
	id     int
	prefix string
	world  world.Key
	scoped bool
	ch     chan Event
}

// Ch returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) matches(ev Event) bool {
	if s.scoped && ev.World != s.world {
		return false
	}
	return s.prefix == "" || strings.HasPrefix(ev.Topic, s.prefix)
}

// Bus is safe for concurrent use. A nil *Bus accepts publishes and drops them.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe follows every topic starting with topicPrefix. An empty prefix
// follows everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.add(&Subscription{prefix: topicPrefix})
}

// SubscribeWorld follows every lifecycle topic for one world.
func (b *Bus) SubscribeWorld(key world.Key) *Subscription {
	return b.add(&Subscription{prefix: TopicPrefix, world: key, scoped: true})
}

func (b *Bus) add(sub *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	sub.ch = make(chan Event, subscriberBuffer)
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// PublishStateChanged announces a committed registry transition.
func (b *Bus) PublishStateChanged(change world.StateChanged) {
	b.deliver(Event{Topic: TopicWorldStateChanged, World: change.Key, Payload: change})
}

// PublishActivity announces that a player joined key.
func (b *Bus) PublishActivity(key world.Key) {
	b.deliver(Event{Topic: TopicWorldActivity, World: key, Payload: key})
}

// Publish sends an event that is not scoped to one world.
func (b *Bus) Publish(topic string, payload any) {
	b.deliver(Event{Topic: topic, Payload: payload})
}

func (b *Bus) deliver(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded on full buffers.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
