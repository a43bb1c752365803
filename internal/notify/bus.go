package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notification types published by the collaboration core.
const (
	TypeActivity  = "activity.appended"
	TypePresence  = "presence.changed"
	TypeLock      = "lock.changed"
	TypeOperation = "sync.operation"
	TypeConflict  = "sync.conflict"
	TypeHealth    = "sync.health"
	TypeEntity    = "entity.changed"
	TypeMembers   = "members.changed"
)

type Notification struct {
	Type         string    `json:"type"`
	CollectionID string    `json:"collectionId,omitempty"`
	EntityID     string    `json:"entityId,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	At           time.Time `json:"at"`
}

// Subscription receives notifications on C until Close is called.
type Subscription struct {
	C      <-chan Notification
	ch     chan Notification
	filter func(Notification) bool
	bus    *Bus
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus fans notifications out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the notification.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
	now     func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber. A nil filter receives everything.
func (b *Bus) Subscribe(buffer int, filter func(Notification) bool) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// ForCollection is a filter matching one collection.
func ForCollection(collectionID string) func(Notification) bool {
	return func(n Notification) bool {
		return n.CollectionID == collectionID
	}
}

func (b *Bus) Publish(n Notification) {
	if b == nil {
		return
	}
	if n.At.IsZero() {
		n.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was slow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
