package collab

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"sync-service/internal/activity"
	"sync-service/internal/domain"
	"sync-service/internal/lock"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
	"sync-service/internal/presence"
	"sync-service/internal/syncer"
)

const snapshotActivity = 50

// Entity looks an entity up for the session. A reader who cannot see the
// owning collection gets AccessRevoked rather than an error.
func (s *Service) Entity(ctx context.Context, sess domain.Session, entityID string) (domain.EntityRef, error) {
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	ref, ok := s.sync.Entity(entityID)
	if !ok {
		return nil, domain.ErrEntityNotFound
	}
	coll := collectionOf(ref)
	err := s.authorize(sess, coll, permission.View)
	switch {
	case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrCollectionNotFound):
		return domain.AccessRevoked{ID: entityID, CollectionID: coll}, nil
	case err != nil:
		return nil, err
	}
	return ref, nil
}

// Entities lists the entities of the session's collection, deleted ones as
// tombstones.
func (s *Service) Entities(ctx context.Context, sess domain.Session) ([]domain.EntityRef, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return nil, err
	}
	return s.sync.Entities(sess.CollectionID), nil
}

func collectionOf(ref domain.EntityRef) string {
	switch r := ref.(type) {
	case domain.Active:
		return r.Entity.CollectionID
	case domain.Deleted:
		return r.Tombstone.CollectionID
	case domain.AccessRevoked:
		return r.CollectionID
	}
	return ""
}

// Snapshot is a read-only view of a collection for a status screen.
type Snapshot struct {
	Collection domain.SharedCollection `json:"collection"`
	Members    []domain.Member         `json:"members"`
	Presence   []presence.Record       `json:"presence"`
	Locks      []lock.Lock             `json:"locks"`
	Activity   []activity.Event        `json:"activity"`
	Operations []syncer.Operation      `json:"operations"`
	Health     syncer.Health           `json:"health"`
}

func (s *Service) Snapshot(ctx context.Context, sess domain.Session) (Snapshot, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return Snapshot{}, err
	}
	coll, err := s.members.Collection(sess.CollectionID)
	if err != nil {
		return Snapshot{}, err
	}
	members, err := s.members.Members(sess.CollectionID)
	if err != nil {
		return Snapshot{}, err
	}
	locks, err := s.locks.List(ctx, sess.CollectionID)
	if err != nil {
		s.logger.Warn("collab: lock list failed", zap.String("collection", sess.CollectionID), zap.Error(err))
	}
	return Snapshot{
		Collection: coll,
		Members:    members,
		Presence:   s.presence.ForCollection(sess.CollectionID),
		Locks:      locks,
		Activity:   s.feed.Recent(sess.CollectionID, snapshotActivity),
		Operations: s.sync.Operations(sess.CollectionID),
		Health:     s.sync.Status().Redacted(),
	}, nil
}

// Activity returns the newest events of the session's collection.
func (s *Service) Activity(ctx context.Context, sess domain.Session, limit int) ([]activity.Event, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return nil, err
	}
	return s.feed.Recent(sess.CollectionID, limit), nil
}

// Subscribe streams the collection's notifications plus sync health.
func (s *Service) Subscribe(sess domain.Session, buffer int) (*notify.Subscription, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return nil, err
	}
	coll := sess.CollectionID
	return s.bus.Subscribe(buffer, func(n notify.Notification) bool {
		return n.CollectionID == coll || n.Type == notify.TypeHealth
	}), nil
}

func (s *Service) Health() syncer.Health {
	return s.sync.Status()
}
