package membership

import (
	"context"

	"go.uber.org/zap"

	"sync-service/internal/activity"
	"sync-service/internal/domain"
	"sync-service/internal/permission"
)

// Authorize checks whether userID may perform action on the collection.
// Non-members are admitted only through public privacy modes.
func (s *Store) Authorize(collectionID, userID string, action permission.Action) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.collections[collectionID]
	if !ok {
		return domain.ErrCollectionNotFound
	}
	if m, ok := st.members[userID]; ok && m.Active() {
		if permission.Allows(action, m.Level) {
			return nil
		}
		return domain.ErrNotAuthorized
	}
	switch {
	case action == permission.View && (st.coll.Privacy == domain.PrivacyPublicRead || st.coll.Privacy == domain.PrivacyPublicReadWrite):
		return nil
	case action == permission.Edit && st.coll.Privacy == domain.PrivacyPublicReadWrite:
		return nil
	}
	return domain.ErrNotAuthorized
}

// Level returns the accepted member's level.
func (s *Store) Level(collectionID, userID string) (permission.Level, error) {
	m, err := s.Member(collectionID, userID)
	if err != nil {
		return 0, err
	}
	if !m.Active() {
		return 0, domain.ErrNotMember
	}
	return m.Level, nil
}

func (s *Store) Member(collectionID, userID string) (domain.Member, error) {
	if _, ok := s.collection(collectionID); !ok {
		return domain.Member{}, domain.ErrCollectionNotFound
	}
	m, ok := s.lookup(collectionID, userID)
	if !ok {
		return domain.Member{}, domain.ErrNotMember
	}
	return m, nil
}

// Members lists every member including pending and declined invitations,
// highest level first.
func (s *Store) Members(collectionID string) ([]domain.Member, error) {
	s.mu.RLock()
	st, ok := s.collections[collectionID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrCollectionNotFound
	}
	out := make([]domain.Member, 0, len(st.members))
	for _, m := range st.members {
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sortMembers(out)
	return out, nil
}

func (s *Store) Collection(collectionID string) (domain.SharedCollection, error) {
	c, ok := s.collection(collectionID)
	if !ok {
		return domain.SharedCollection{}, domain.ErrCollectionNotFound
	}
	return c, nil
}

// CollectionsFor lists the collections where userID is an accepted member.
func (s *Store) CollectionsFor(userID string) []domain.SharedCollection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SharedCollection
	for _, st := range s.collections {
		if m, ok := st.members[userID]; ok && m.Active() {
			out = append(out, st.coll)
		}
	}
	return out
}

// Invitations lists pending invitations addressed to userID.
func (s *Store) Invitations(userID string) []domain.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Member
	for _, st := range s.collections {
		if m, ok := st.members[userID]; ok && m.Status == domain.StatusPending {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) Feed() *activity.Feed {
	return s.feed
}

// RecordView counts an entity view for the member. It is a no-op when the
// collection does not track activity, and failures are only logged.
func (s *Store) RecordView(ctx context.Context, collectionID, userID, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.collections[collectionID]
	if !ok || !st.coll.Settings.TrackActivity {
		return
	}
	m, ok := st.members[userID]
	if !ok || !m.Active() {
		s.logger.Debug("membership: view by non-member",
			zap.String("collection", collectionID), zap.String("user", userID), zap.String("entity", entityID))
		return
	}
	now := s.now().UTC()
	m.EntitiesViewed++
	m.LastSeenAt = &now
}

// RecordEdit bumps the member and collection edit counters.
func (s *Store) RecordEdit(collectionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.collections[collectionID]
	if !ok {
		return
	}
	st.coll.Counters.Edits++
	if m, ok := st.members[userID]; ok {
		now := s.now().UTC()
		m.EditsMade++
		m.LastSeenAt = &now
	}
}

// AdjustEntities moves the collection's entity counter by delta.
func (s *Store) AdjustEntities(collectionID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.collections[collectionID]; ok {
		st.coll.Counters.Entities += delta
		if st.coll.Counters.Entities < 0 {
			st.coll.Counters.Entities = 0
		}
	}
}
