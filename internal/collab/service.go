// Package collab is the session-scoped surface of the collaboration core.
// It checks permissions, turns edits into sync operations and keeps the
// activity feed in step with what actually reached the remote store.
package collab

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-service/internal/activity"
	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/lock"
	"sync-service/internal/membership"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
	"sync-service/internal/presence"
	"sync-service/internal/syncer"
)

const (
	maxCommentLength = 2000
	recordTimeout    = 5 * time.Second
)

type Options struct {
	Members  *membership.Store
	Presence *presence.Tracker
	Locks    *lock.Manager
	Sync     *syncer.Engine
	Bus      *notify.Bus
	Logger   *zap.Logger
}

type Service struct {
	members  *membership.Store
	presence *presence.Tracker
	locks    *lock.Manager
	sync     *syncer.Engine
	feed     *activity.Feed
	bus      *notify.Bus
	logger   *zap.Logger
}

// NewService wires the modules together: member and collection removal
// cascade into presence, locks and the sync queue, and settled operations
// are written to the activity feed.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Service{
		members:  opts.Members,
		presence: opts.Presence,
		locks:    opts.Locks,
		sync:     opts.Sync,
		feed:     opts.Members.Feed(),
		bus:      opts.Bus,
		logger:   opts.Logger,
	}
	opts.Members.OnRemove(opts.Presence)
	opts.Members.OnRemove(opts.Locks)
	opts.Members.OnRemove(s)
	opts.Sync.OnResult(s.onResult)
	return s
}

// Edit is a change to an existing entity. Basis and Base may carry the
// revision and payload a client prepared the change against; otherwise the
// local projection is used.
type Edit struct {
	EntityID string         `json:"entityId"`
	Changes  domain.Payload `json:"changes"`
	Basis    int64          `json:"basis,omitempty"`
	Base     domain.Payload `json:"base,omitempty"`
}

// EditResult is a queued operation plus what the editor should be warned
// about: other live editors and a lock held by someone else.
type EditResult struct {
	Operation    syncer.Operation  `json:"operation"`
	OtherEditors []presence.Record `json:"otherEditors,omitempty"`
	LockedBy     *lock.Lock        `json:"lockedBy,omitempty"`
}

func (s *Service) CreateEntity(ctx context.Context, sess domain.Session, payload domain.Payload) (EditResult, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.Edit); err != nil {
		return EditResult{}, err
	}
	if len(payload) == 0 {
		return EditResult{}, domain.Invalid("payload is empty")
	}
	op, err := s.sync.Enqueue(syncer.Operation{
		CollectionID: sess.CollectionID,
		EntityID:     uuid.NewString(),
		Kind:         domain.OpCreate,
		Changes:      payload,
		Editor:       sess.UserID,
	})
	if err != nil {
		return EditResult{}, err
	}
	return EditResult{Operation: op}, nil
}

// SubmitEdit queues a change. A member below Editor is refused before any
// operation exists.
func (s *Service) SubmitEdit(ctx context.Context, sess domain.Session, edit Edit) (EditResult, error) {
	if len(edit.Changes) == 0 {
		return EditResult{}, domain.Invalid("no changes")
	}
	p, err := s.editable(sess, edit.EntityID)
	if err != nil {
		return EditResult{}, err
	}
	op := syncer.Operation{
		CollectionID: p.CollectionID,
		EntityID:     edit.EntityID,
		Kind:         domain.OpUpdate,
		Changes:      edit.Changes,
		Editor:       sess.UserID,
	}
	if edit.Basis > 0 && edit.Base != nil {
		op.Basis = edit.Basis
		op.Base = edit.Base
	}
	queued, err := s.sync.Enqueue(op)
	if err != nil {
		return EditResult{}, err
	}
	return s.warnings(ctx, sess, queued), nil
}

func (s *Service) DeleteEntity(ctx context.Context, sess domain.Session, entityID string) (EditResult, error) {
	p, err := s.editable(sess, entityID)
	if err != nil {
		return EditResult{}, err
	}
	queued, err := s.sync.Enqueue(syncer.Operation{
		CollectionID: p.CollectionID,
		EntityID:     entityID,
		Kind:         domain.OpDelete,
		Editor:       sess.UserID,
	})
	if err != nil {
		return EditResult{}, err
	}
	return s.warnings(ctx, sess, queued), nil
}

// editable resolves a live entity the session may edit.
func (s *Service) editable(sess domain.Session, entityID string) (syncer.Projection, error) {
	if err := sess.Validate(); err != nil {
		return syncer.Projection{}, err
	}
	if entityID == "" {
		return syncer.Projection{}, domain.Invalid("entityId is required")
	}
	p := s.sync.Projection(entityID)
	if !p.Exists {
		return p, domain.ErrEntityNotFound
	}
	if err := s.authorize(sess, p.CollectionID, permission.Edit); err != nil {
		return p, err
	}
	if p.Deleted {
		return p, domain.ErrEntityDeleted
	}
	return p, nil
}

func (s *Service) warnings(ctx context.Context, sess domain.Session, op syncer.Operation) EditResult {
	res := EditResult{Operation: op, OtherEditors: s.presence.Editors(op.EntityID, sess.UserID)}
	l, ok, err := s.locks.Current(ctx, op.EntityID)
	switch {
	case err != nil:
		s.logger.Warn("collab: lock lookup failed", zap.String("entity", op.EntityID), zap.Error(err))
	case ok && l.HolderID != sess.UserID:
		res.LockedBy = &l
	}
	return res
}

// Opened is what a member sees when opening an entity.
type Opened struct {
	Entity   domain.EntityRef  `json:"entity"`
	Presence []presence.Record `json:"presence"`
	Lock     *lock.Lock        `json:"lock,omitempty"`
}

// OpenEntity marks the member as viewing or editing and returns the entity
// with who else is there.
func (s *Service) OpenEntity(ctx context.Context, sess domain.Session, entityID string, state presence.State) (Opened, error) {
	ref, err := s.Entity(ctx, sess, entityID)
	if err != nil {
		return Opened{}, err
	}
	if _, revoked := ref.(domain.AccessRevoked); revoked {
		return Opened{Entity: ref}, nil
	}
	sess = sess.In(collectionOf(ref))
	if state == presence.Editing {
		if err := s.members.Authorize(sess.CollectionID, sess.UserID, permission.Edit); err != nil {
			return Opened{}, err
		}
	}
	if _, err := s.presence.Open(sess, entityID, state); err != nil {
		return Opened{}, err
	}
	s.members.RecordView(ctx, sess.CollectionID, sess.UserID, entityID)

	out := Opened{Entity: ref, Presence: s.presence.ForEntity(entityID)}
	if l, ok, err := s.locks.Current(ctx, entityID); err != nil {
		s.logger.Warn("collab: lock lookup failed", zap.String("entity", entityID), zap.Error(err))
	} else if ok {
		out.Lock = &l
	}
	return out, nil
}

func (s *Service) Heartbeat(ctx context.Context, sess domain.Session, entityID string, at time.Time, cursor *presence.Cursor) (presence.Record, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return presence.Record{}, err
	}
	if err := s.inCollection(sess, entityID); err != nil {
		return presence.Record{}, err
	}
	return s.presence.Heartbeat(sess, entityID, at, cursor)
}

func (s *Service) SetPresence(ctx context.Context, sess domain.Session, entityID string, state presence.State) (presence.Record, error) {
	action := permission.View
	if state == presence.Editing {
		action = permission.Edit
	}
	if err := s.authorize(sess, sess.CollectionID, action); err != nil {
		return presence.Record{}, err
	}
	if err := s.inCollection(sess, entityID); err != nil {
		return presence.Record{}, err
	}
	return s.presence.SetState(sess, entityID, state)
}

// CloseEntity drops the member's presence and releases their lock on the
// entity, if they hold one.
func (s *Service) CloseEntity(ctx context.Context, sess domain.Session, entityID string) error {
	if err := s.presence.Close(sess, entityID); err != nil {
		return err
	}
	l, ok, err := s.locks.Current(ctx, entityID)
	if err != nil {
		s.logger.Warn("collab: lock lookup failed", zap.String("entity", entityID), zap.Error(err))
		return nil
	}
	if ok && l.HolderID == sess.UserID {
		if err := s.locks.Release(ctx, sess.In(l.CollectionID), l.ID); err != nil {
			s.logger.Warn("collab: release on close failed", zap.String("lock", l.ID), zap.Error(err))
		}
	}
	return nil
}

// AcquireLock claims the entity and moves the member to Editing.
func (s *Service) AcquireLock(ctx context.Context, sess domain.Session, entityID string) (lock.Lock, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.Edit); err != nil {
		return lock.Lock{}, err
	}
	if err := s.inCollection(sess, entityID); err != nil {
		return lock.Lock{}, err
	}
	l, err := s.locks.Acquire(ctx, sess, entityID)
	if err != nil {
		return lock.Lock{}, err
	}
	if _, err := s.presence.SetState(sess, entityID, presence.Editing); err != nil {
		s.logger.Warn("collab: presence update failed", zap.String("entity", entityID), zap.Error(err))
	}
	return l, nil
}

func (s *Service) RenewLock(ctx context.Context, sess domain.Session, lockID string) (lock.Lock, error) {
	return s.locks.Renew(ctx, sess, lockID)
}

// ReleaseLock gives the lock up and drops the member back to Viewing.
func (s *Service) ReleaseLock(ctx context.Context, sess domain.Session, lockID string) error {
	l, lookupErr := s.locks.ByID(ctx, lockID)
	if err := s.locks.Release(ctx, sess, lockID); err != nil {
		return err
	}
	if lookupErr == nil && l.HolderID == sess.UserID && s.presence.StateOf(sess.UserID, l.EntityID) == presence.Editing {
		if _, err := s.presence.SetState(sess, l.EntityID, presence.Viewing); err != nil {
			s.logger.Warn("collab: presence update failed", zap.String("entity", l.EntityID), zap.Error(err))
		}
	}
	return nil
}

// ResolveConflict settles a conflicted operation. The operation's author
// may resolve it; anyone else needs to manage the collection.
func (s *Service) ResolveConflict(ctx context.Context, sess domain.Session, opID string, choice conflict.Strategy, manual domain.Payload) (syncer.Operation, error) {
	op, ok := s.sync.Operation(opID)
	if !ok {
		return syncer.Operation{}, domain.ErrOperationNotFound
	}
	action := permission.Edit
	if op.Editor != sess.UserID {
		action = permission.ManageMembers
	}
	if err := s.authorize(sess, op.CollectionID, action); err != nil {
		return syncer.Operation{}, err
	}
	fields := ""
	if op.Conflict != nil {
		fields = strings.Join(op.Conflict.Fields, ",")
	}
	out, err := s.sync.Resolve(ctx, opID, choice, manual)
	if err != nil {
		return syncer.Operation{}, err
	}
	s.record(activity.Event{
		CollectionID: op.CollectionID,
		Kind:         activity.ConflictResolved,
		Actor:        sess.UserID,
		Subject:      op.Editor,
		EntityID:     op.EntityID,
		Detail:       string(choice),
		Metadata:     map[string]string{"operation": opID, "fields": fields},
	})
	return out, nil
}

// AcknowledgeFailure discards a terminally failed operation.
func (s *Service) AcknowledgeFailure(ctx context.Context, sess domain.Session, opID string) error {
	op, ok := s.sync.Operation(opID)
	if !ok {
		return domain.ErrOperationNotFound
	}
	if op.Editor != sess.UserID {
		if err := s.authorize(sess, op.CollectionID, permission.ManageMembers); err != nil {
			return err
		}
	}
	return s.sync.Acknowledge(opID)
}

// RestoreEntity rewrites the last intact version of a corrupt entity.
func (s *Service) RestoreEntity(ctx context.Context, sess domain.Session, entityID string) (syncer.Operation, error) {
	p := s.sync.Projection(entityID)
	if !p.Exists {
		return syncer.Operation{}, domain.ErrEntityNotFound
	}
	if err := s.authorize(sess, p.CollectionID, permission.Edit); err != nil {
		return syncer.Operation{}, err
	}
	return s.sync.Restore(ctx, entityID, sess.UserID)
}

func (s *Service) AddComment(ctx context.Context, sess domain.Session, entityID, text string) (activity.Event, error) {
	if err := s.authorize(sess, sess.CollectionID, permission.View); err != nil {
		return activity.Event{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return activity.Event{}, domain.Invalid("comment is empty")
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		return activity.Event{}, domain.Invalid("comment is longer than %d characters", maxCommentLength)
	}
	if entityID != "" {
		if err := s.inCollection(sess, entityID); err != nil {
			return activity.Event{}, err
		}
	}
	return s.feed.Append(ctx, activity.Event{
		CollectionID: sess.CollectionID,
		Kind:         activity.CommentAdded,
		Actor:        sess.UserID,
		EntityID:     entityID,
		Detail:       text,
	}), nil
}

// inCollection reports an entity of another collection as not found.
func (s *Service) inCollection(sess domain.Session, entityID string) error {
	if entityID == "" {
		return domain.Invalid("entityId is required")
	}
	if p := s.sync.Projection(entityID); !p.Exists || p.CollectionID != sess.CollectionID {
		return domain.ErrEntityNotFound
	}
	return nil
}

func (s *Service) authorize(sess domain.Session, collectionID string, action permission.Action) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if collectionID == "" {
		return domain.Invalid("collection scope is required")
	}
	return s.members.Authorize(collectionID, sess.UserID, action)
}

// RemoveUser keeps a removed member's queued operations: they were
// authorized when submitted.
func (s *Service) RemoveUser(context.Context, string, string) error { return nil }

// RemoveCollection drops the collection's sync queue and cache.
func (s *Service) RemoveCollection(_ context.Context, collectionID string) error {
	s.sync.Forget(collectionID)
	return nil
}

// onResult keeps the feed and counters in step with the sync engine.
func (s *Service) onResult(r syncer.Result) {
	op := r.Op
	if op.CollectionID == "" || r.Resolution != "" {
		return
	}
	meta := map[string]string{"operation": op.ID}

	switch op.Status {
	case syncer.Conflicted:
		ev := activity.Event{
			CollectionID: op.CollectionID,
			Kind:         activity.ConflictDetected,
			Actor:        op.Editor,
			EntityID:     op.EntityID,
			Metadata:     meta,
		}
		if op.Conflict != nil {
			ev.Subject = op.Conflict.RemoteEditor
			ev.Detail = strings.Join(op.Conflict.Fields, ",")
			meta["suggested"] = string(op.Conflict.Suggested)
		}
		s.record(ev)

	case syncer.Succeeded:
		meta["revision"] = fmt.Sprint(op.Revision)
		kind := activity.EntityEdited
		switch op.Kind {
		case domain.OpCreate:
			kind = activity.EntityAdded
			s.members.AdjustEntities(op.CollectionID, 1)
		case domain.OpDelete:
			kind = activity.EntityDeleted
			s.members.AdjustEntities(op.CollectionID, -1)
		}
		s.members.RecordEdit(op.CollectionID, op.Editor)
		s.record(activity.Event{
			CollectionID: op.CollectionID,
			Kind:         kind,
			Actor:        op.Editor,
			EntityID:     op.EntityID,
			Metadata:     meta,
		})
		if r.Outcome == conflict.Merged {
			s.record(mergeEvent(op, r))
		}
	}
}

func mergeEvent(op syncer.Operation, r syncer.Result) activity.Event {
	meta := map[string]string{"operation": op.ID, "revision": fmt.Sprint(op.Revision)}
	var notes []string
	for _, a := range r.Ambiguities {
		notes = append(notes, a.Detail)
	}
	if len(r.Overridden) > 0 {
		meta["overridden"] = strings.Join(r.Overridden, ",")
		notes = append(notes, "last writer kept "+strings.Join(r.Overridden, ", "))
	}
	detail := "merged with concurrent changes"
	if len(notes) > 0 {
		detail = strings.Join(notes, "; ")
	}
	return activity.Event{
		CollectionID: op.CollectionID,
		Kind:         activity.AutoMerged,
		Actor:        op.Editor,
		EntityID:     op.EntityID,
		Detail:       detail,
		Metadata:     meta,
	}
}

func (s *Service) record(ev activity.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	s.feed.Append(ctx, ev)
}
