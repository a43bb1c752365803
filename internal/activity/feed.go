package activity

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"sync-service/internal/notify"
	"sync-service/internal/permission"
)

type Kind string

const (
	CollectionCreated         Kind = "collection.created"
	CollectionSettingsChanged Kind = "collection.settings_changed"
	CollectionDeleted         Kind = "collection.deleted"
	MemberInvited             Kind = "member.invited"
	MemberJoined              Kind = "member.joined"
	MemberDeclined            Kind = "member.declined"
	MemberLeft                Kind = "member.left"
	MemberRemoved             Kind = "member.removed"
	PermissionChanged         Kind = "permission.changed"
	OwnershipTransferred      Kind = "ownership.transferred"
	EntityAdded               Kind = "entity.added"
	EntityEdited              Kind = "entity.edited"
	EntityDeleted             Kind = "entity.deleted"
	AutoMerged                Kind = "sync.auto_merged"
	ConflictDetected          Kind = "conflict.detected"
	ConflictResolved          Kind = "conflict.resolved"
	CommentAdded              Kind = "comment.added"
)

// Event is an immutable record of a collaboration action.
type Event struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collectionId"`
	Kind         Kind              `json:"kind"`
	Actor        string            `json:"actor"`
	Subject      string            `json:"subject,omitempty"`
	EntityID     string            `json:"entityId,omitempty"`
	From         permission.Level  `json:"from,omitempty"`
	To           permission.Level  `json:"to,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	At           time.Time         `json:"at"`
}

// Sink persists events outside the process.
type Sink interface {
	Append(ctx context.Context, ev Event) error
	Prune(ctx context.Context, collectionID string, keep int) error
	Drop(ctx context.Context, collectionID string) error
}

type Options struct {
	Capacity int
	Sink     Sink
	Bus      *notify.Bus
	Logger   *zap.Logger
	Now      func() time.Time
}

// Feed is the per-collection, size-bounded activity log. Once the cap is
// reached the oldest events are pruned.
type Feed struct {
	mu       sync.RWMutex
	events   map[string][]Event
	capacity int
	entropy  *ulid.MonotonicEntropy

	sink   Sink
	bus    *notify.Bus
	logger *zap.Logger
	now    func() time.Time
}

const DefaultCapacity = 500

func New(opts Options) *Feed {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Feed{
		events:   make(map[string][]Event),
		capacity: opts.Capacity,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		sink:     opts.Sink,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Append stamps ev with an id and time and records it. Sink failures are
// logged; the in-process feed stays authoritative for readers.
func (f *Feed) Append(ctx context.Context, ev Event) Event {
	f.mu.Lock()
	if ev.At.IsZero() {
		ev.At = f.now().UTC()
	}
	ev.ID = ulid.MustNew(ulid.Timestamp(ev.At), f.entropy).String()

	list := append(f.events[ev.CollectionID], ev)
	pruned := 0
	if len(list) > f.capacity {
		pruned = len(list) - f.capacity
		list = append([]Event(nil), list[pruned:]...)
	}
	f.events[ev.CollectionID] = list
	f.mu.Unlock()

	if f.sink != nil {
		if err := f.sink.Append(ctx, ev); err != nil {
			f.logger.Warn("activity: persist event", zap.String("collection", ev.CollectionID),
				zap.String("kind", string(ev.Kind)), zap.Error(err))
		} else if pruned > 0 {
			if err := f.sink.Prune(ctx, ev.CollectionID, f.capacity); err != nil {
				f.logger.Warn("activity: prune", zap.String("collection", ev.CollectionID), zap.Error(err))
			}
		}
	}

	f.bus.Publish(notify.Notification{
		Type:         notify.TypeActivity,
		CollectionID: ev.CollectionID,
		EntityID:     ev.EntityID,
		Payload:      ev,
		At:           ev.At,
	})
	return ev
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (f *Feed) Recent(collectionID string, limit int) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := f.events[collectionID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Event, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

// All returns the retained events in append order.
func (f *Feed) All(collectionID string) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Event(nil), f.events[collectionID]...)
}

// ForSubject returns, in append order, events whose subject or actor is userID.
func (f *Feed) ForSubject(collectionID, userID string) []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Event
	for _, ev := range f.events[collectionID] {
		if ev.Subject == userID || ev.Actor == userID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Feed) Len(collectionID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.events[collectionID])
}

// Drop forgets every event of a deleted collection.
func (f *Feed) Drop(ctx context.Context, collectionID string) {
	f.mu.Lock()
	delete(f.events, collectionID)
	f.mu.Unlock()

	if f.sink != nil {
		if err := f.sink.Drop(ctx, collectionID); err != nil {
			f.logger.Warn("activity: drop collection", zap.String("collection", collectionID), zap.Error(err))
		}
	}
}
