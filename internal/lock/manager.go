package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-service/internal/domain"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
)

const DefaultTTL = 5 * time.Minute

// Authorizer is satisfied by the membership store.
type Authorizer interface {
	Authorize(collectionID, userID string, action permission.Action) error
}

type Options struct {
	Store  Store
	Auth   Authorizer
	TTL    time.Duration
	Bus    *notify.Bus
	Logger *zap.Logger
	Now    func() time.Time
}

// Manager hands out edit locks. Locks only steer the UI; a lost lock can
// produce a conflict but never lost data.
type Manager struct {
	store  Store
	auth   Authorizer
	ttl    time.Duration
	bus    *notify.Bus
	logger *zap.Logger
	now    func() time.Time
}

// Event is published on the bus whenever a lock changes hands.
type Event struct {
	Action string `json:"action"`
	Lock   Lock   `json:"lock"`
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore(opts.Now)
	}
	return &Manager{
		store:  opts.Store,
		auth:   opts.Auth,
		ttl:    opts.TTL,
		bus:    opts.Bus,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims entityID for the session's user. A live lock held by
// someone else yields *domain.LockHeldError.
func (m *Manager) Acquire(ctx context.Context, s domain.Session, entityID string) (Lock, error) {
	if err := s.Validate(); err != nil {
		return Lock{}, err
	}
	if entityID == "" {
		return Lock{}, domain.Invalid("entityId is required")
	}
	if m.auth != nil {
		if err := m.auth.Authorize(s.CollectionID, s.UserID, permission.Edit); err != nil {
			return Lock{}, err
		}
	}

	now := m.now().UTC()
	want := Lock{
		ID:           uuid.NewString(),
		CollectionID: s.CollectionID,
		EntityID:     entityID,
		HolderID:     s.UserID,
		HolderName:   s.Name(),
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.ttl),
	}
	held, ok, err := m.store.Acquire(ctx, want, m.ttl)
	if err != nil {
		return Lock{}, err
	}
	if !ok {
		wait := held.ExpiresAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Lock{}, &domain.LockHeldError{
			EntityID:  entityID,
			By:        held.Holder(),
			ExpiresAt: held.ExpiresAt,
			Wait:      wait,
		}
	}
	m.publish("acquired", held)
	return held, nil
}

// Renew extends the caller's lock by a full TTL.
func (m *Manager) Renew(ctx context.Context, s domain.Session, lockID string) (Lock, error) {
	if err := s.Validate(); err != nil {
		return Lock{}, err
	}
	now := m.now().UTC()
	l, err := m.store.Renew(ctx, lockID, s.UserID, now.Add(m.ttl), m.ttl)
	if err != nil {
		return Lock{}, err
	}
	m.publish("renewed", l)
	return l, nil
}

// Release gives the lock up early. Releasing an expired or unknown lock
// succeeds. Admins may break another member's lock.
func (m *Manager) Release(ctx context.Context, s domain.Session, lockID string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l, err := m.store.ByID(ctx, lockID)
	if errors.Is(err, domain.ErrLockNotFound) || errors.Is(err, domain.ErrLockExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.HolderID != s.UserID {
		if m.auth == nil || m.auth.Authorize(l.CollectionID, s.UserID, permission.ManageMembers) != nil {
			return domain.ErrNotAuthorized
		}
	}
	if err := m.store.Release(ctx, lockID); err != nil {
		return err
	}
	m.publish("released", l)
	return nil
}

// ByID returns a live lock. Expired ids report domain.ErrLockExpired.
func (m *Manager) ByID(ctx context.Context, lockID string) (Lock, error) {
	return m.store.ByID(ctx, lockID)
}

// Current reports the live lock on entityID, if any.
func (m *Manager) Current(ctx context.Context, entityID string) (Lock, bool, error) {
	return m.store.ForEntity(ctx, entityID)
}

func (m *Manager) List(ctx context.Context, collectionID string) ([]Lock, error) {
	return m.store.List(ctx, collectionID)
}

// ReleaseHeldBy drops every lock userID holds in the collection.
func (m *Manager) ReleaseHeldBy(ctx context.Context, collectionID, userID string) error {
	return m.releaseWhere(ctx, collectionID, func(l Lock) bool { return l.HolderID == userID })
}

func (m *Manager) ReleaseCollection(ctx context.Context, collectionID string) error {
	return m.releaseWhere(ctx, collectionID, func(Lock) bool { return true })
}

// RemoveUser and RemoveCollection let the membership store cascade into locks.
func (m *Manager) RemoveUser(ctx context.Context, collectionID, userID string) error {
	return m.ReleaseHeldBy(ctx, collectionID, userID)
}

func (m *Manager) RemoveCollection(ctx context.Context, collectionID string) error {
	return m.ReleaseCollection(ctx, collectionID)
}

func (m *Manager) releaseWhere(ctx context.Context, collectionID string, match func(Lock) bool) error {
	locks, err := m.store.List(ctx, collectionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range locks {
		if !match(l) {
			continue
		}
		if err := m.store.Release(ctx, l.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		m.publish("released", l)
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(action string, l Lock) {
	m.logger.Debug("lock: "+action, zap.String("entity", l.EntityID), zap.String("holder", l.HolderID))
	m.bus.Publish(notify.Notification{
		Type:         notify.TypeLock,
		CollectionID: l.CollectionID,
		EntityID:     l.EntityID,
		Payload:      Event{Action: action, Lock: l},
		At:           m.now().UTC(),
	})
}
