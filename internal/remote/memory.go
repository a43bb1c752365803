package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"sync-service/internal/domain"
	"sync-service/internal/permission"
)

// MemoryStore is an in-process Store with the same compare-and-set
// semantics as PostgresStore.
type MemoryStore struct {
	mu           sync.Mutex
	entities     map[string]Record
	seq          int64
	collections  map[string]domain.SharedCollection
	participants map[string]map[string]domain.Member
	subs         map[string][]chan Change
	now          func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entities:     make(map[string]Record),
		collections:  make(map[string]domain.SharedCollection),
		participants: make(map[string]map[string]domain.Member),
		subs:         make(map[string][]chan Change),
		now:          now,
	}
}

func (m *MemoryStore) FetchMany(ctx context.Context, ids []string) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		if r, ok := m.entities[id]; ok {
			r.Payload = r.Payload.Clone()
			out[id] = r
		}
	}
	return out, nil
}

func (m *MemoryStore) PushBatch(ctx context.Context, reqs []PushRequest) ([]PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]PushResult, 0, len(reqs))
	var changes []Change
	for _, req := range reqs {
		cur, exists := m.entities[req.EntityID]
		res := PushResult{EntityID: req.EntityID, OperationID: req.OperationID}
		if cur.Revision != req.ExpectedRevision {
			res.Status = RevisionMismatch
			res.Revision = cur.Revision
			out = append(out, res)
			continue
		}
		collectionID := req.CollectionID
		if exists {
			collectionID = cur.CollectionID
		}
		m.seq++
		rec := Record{
			EntityID:     req.EntityID,
			CollectionID: collectionID,
			Payload:      req.Payload.Clone(),
			Revision:     cur.Revision + 1,
			Deleted:      req.Delete,
			Editor:       req.Editor,
			UpdatedAt:    m.now().UTC(),
			LastOpID:     req.OperationID,
			Seq:          m.seq,
		}
		if req.Delete {
			rec.Payload = cur.Payload.Clone()
		}
		m.entities[req.EntityID] = rec
		res.Status = Accepted
		res.Revision = rec.Revision
		res.Record = rec
		out = append(out, res)
		changes = append(changes, Change{
			CollectionID: rec.CollectionID,
			EntityID:     rec.EntityID,
			Revision:     rec.Revision,
			Seq:          rec.Seq,
			Deleted:      rec.Deleted,
		})
	}
	for _, c := range changes {
		for _, ch := range m.subs[c.CollectionID] {
			select {
			case ch <- c:
			default:
			}
		}
	}
	m.mu.Unlock()
	return out, nil
}

func (m *MemoryStore) Changes(ctx context.Context, collectionID string, since int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, r := range m.entities {
		if r.CollectionID == collectionID && r.Seq > since {
			r.Payload = r.Payload.Clone()
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, collectionID string) (<-chan Change, error) {
	ch := make(chan Change, 64)
	m.mu.Lock()
	m.subs[collectionID] = append(m.subs[collectionID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		list := m.subs[collectionID]
		for i, c := range list {
			if c == ch {
				m.subs[collectionID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *MemoryStore) SaveCollection(_ context.Context, c domain.SharedCollection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.ID] = c
	return nil
}

func (m *MemoryStore) DeleteCollection(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collectionID)
	delete(m.participants, collectionID)
	for id, r := range m.entities {
		if r.CollectionID == collectionID {
			delete(m.entities, id)
		}
	}
	return nil
}

func (m *MemoryStore) LoadCollections(context.Context) ([]domain.SharedCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SharedCollection, 0, len(m.collections))
	for _, c := range m.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, p domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[p.CollectionID] == nil {
		m.participants[p.CollectionID] = make(map[string]domain.Member)
	}
	m.participants[p.CollectionID][p.UserID] = p
	return nil
}

func (m *MemoryStore) RemoveParticipant(_ context.Context, collectionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants[collectionID], userID)
	return nil
}

func (m *MemoryStore) SetParticipantPermission(_ context.Context, collectionID, userID string, level permission.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[collectionID][userID]
	if !ok {
		return domain.ErrNotMember
	}
	p.Level = level
	m.participants[collectionID][userID] = p
	return nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, collectionID string) ([]domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Member, 0, len(m.participants[collectionID]))
	for _, p := range m.participants[collectionID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Writes counts accepted writes for an entity. Every accepted write bumps
// the revision by one, so this is the current revision.
func (m *MemoryStore) Writes(entityID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[entityID].Revision
}
