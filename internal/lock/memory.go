package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"sync-service/internal/domain"
)

// graveyard is how long a released or expired lock id keeps answering
// ErrLockExpired instead of ErrLockNotFound.
const graveyard = time.Hour

type MemoryStore struct {
	mu       sync.Mutex
	byEntity map[string]Lock
	ids      map[string]Lock
	now      func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		byEntity: make(map[string]Lock),
		ids:      make(map[string]Lock),
		now:      now,
	}
}

func (m *MemoryStore) live(entityID string) (Lock, bool) {
	l, ok := m.byEntity[entityID]
	if !ok {
		return Lock{}, false
	}
	if !m.now().Before(l.ExpiresAt) {
		delete(m.byEntity, entityID)
		return Lock{}, false
	}
	return l, true
}

func (m *MemoryStore) Acquire(_ context.Context, want Lock, _ time.Duration) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()

	if cur, ok := m.live(want.EntityID); ok {
		if cur.HolderID != want.HolderID {
			return cur, false, nil
		}
		cur.ExpiresAt = want.ExpiresAt
		m.byEntity[cur.EntityID] = cur
		m.ids[cur.ID] = cur
		return cur, true, nil
	}
	m.byEntity[want.EntityID] = want
	m.ids[want.ID] = want
	return want, true, nil
}

func (m *MemoryStore) Renew(_ context.Context, lockID, holderID string, expiresAt time.Time, _ time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ids[lockID]
	if !ok {
		return Lock{}, domain.ErrLockNotFound
	}
	cur, ok := m.live(rec.EntityID)
	if !ok || cur.ID != lockID {
		return Lock{}, domain.ErrLockExpired
	}
	if cur.HolderID != holderID {
		return Lock{}, domain.ErrNotAuthorized
	}
	cur.ExpiresAt = expiresAt
	m.byEntity[cur.EntityID] = cur
	m.ids[cur.ID] = cur
	return cur, nil
}

func (m *MemoryStore) Release(_ context.Context, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ids[lockID]
	if !ok {
		return nil
	}
	if cur, ok := m.byEntity[rec.EntityID]; ok && cur.ID == lockID {
		delete(m.byEntity, rec.EntityID)
	}
	rec.ExpiresAt = m.now()
	m.ids[lockID] = rec
	return nil
}

func (m *MemoryStore) ByID(_ context.Context, lockID string) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ids[lockID]
	if !ok {
		return Lock{}, domain.ErrLockNotFound
	}
	cur, ok := m.live(rec.EntityID)
	if !ok || cur.ID != lockID {
		return Lock{}, domain.ErrLockExpired
	}
	return cur, nil
}

func (m *MemoryStore) ForEntity(_ context.Context, entityID string) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.live(entityID)
	return l, ok, nil
}

func (m *MemoryStore) List(_ context.Context, collectionID string) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Lock
	for id := range m.byEntity {
		if l, ok := m.live(id); ok && l.CollectionID == collectionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemoryStore) prune() {
	cutoff := m.now().Add(-graveyard)
	for id, l := range m.ids {
		if l.ExpiresAt.Before(cutoff) {
			delete(m.ids, id)
		}
	}
}
