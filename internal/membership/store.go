package membership

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-service/internal/activity"
	"sync-service/internal/domain"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
)

// Remote mirrors collections and participants into the authoritative store.
type Remote interface {
	SaveCollection(ctx context.Context, c domain.SharedCollection) error
	DeleteCollection(ctx context.Context, collectionID string) error
	AddParticipant(ctx context.Context, m domain.Member) error
	RemoveParticipant(ctx context.Context, collectionID, userID string) error
	SetParticipantPermission(ctx context.Context, collectionID, userID string, level permission.Level) error
}

// Cascade is state keyed by member that must go away with the member.
type Cascade interface {
	RemoveUser(ctx context.Context, collectionID, userID string) error
	RemoveCollection(ctx context.Context, collectionID string) error
}

type Options struct {
	Remote    Remote
	Feed      *activity.Feed
	Bus       *notify.Bus
	Logger    *zap.Logger
	InviteTTL time.Duration
	Now       func() time.Time
}

const DefaultInviteTTL = 7 * 24 * time.Hour

type collectionState struct {
	coll    domain.SharedCollection
	members map[string]*domain.Member
}

// Store tracks shared collections and their members. Mutations are
// serialized and mirrored to the remote store before they are applied
// locally; reads only take the state lock and never wait on remote I/O.
type Store struct {
	mutate sync.Mutex

	mu          sync.RWMutex
	collections map[string]*collectionState

	remote    Remote
	feed      *activity.Feed
	bus       *notify.Bus
	cascades  []Cascade
	inviteTTL time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = DefaultInviteTTL
	}
	if opts.Feed == nil {
		opts.Feed = activity.New(activity.Options{Bus: opts.Bus, Logger: opts.Logger, Now: opts.Now})
	}
	return &Store{
		collections: make(map[string]*collectionState),
		remote:      opts.Remote,
		feed:        opts.Feed,
		bus:         opts.Bus,
		inviteTTL:   opts.InviteTTL,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// OnRemove registers state that must be cleared when a member or collection goes away.
func (s *Store) OnRemove(c Cascade) {
	s.mutate.Lock()
	defer s.mutate.Unlock()
	s.cascades = append(s.cascades, c)
}

// Hydrate installs a collection loaded from the remote store.
func (s *Store) Hydrate(c domain.SharedCollection, members []domain.Member) {
	st := &collectionState{coll: c, members: make(map[string]*domain.Member, len(members))}
	for i := range members {
		m := members[i]
		st.members[m.UserID] = &m
	}
	st.coll.Counters.Members = countAccepted(st.members)

	s.mu.Lock()
	s.collections[c.ID] = st
	s.mu.Unlock()
}

func (s *Store) CreateCollection(ctx context.Context, sess domain.Session, name string, privacy domain.Privacy, settings domain.Settings) (domain.SharedCollection, error) {
	if err := sess.Validate(); err != nil {
		return domain.SharedCollection{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return domain.SharedCollection{}, domain.Invalid("name must be between 1 and 200 characters")
	}
	if privacy == "" {
		privacy = domain.PrivacyInviteOnly
	}
	if !privacy.Valid() {
		return domain.SharedCollection{}, domain.Invalid("unknown privacy %q", privacy)
	}
	settings, err := normalizeSettings(settings)
	if err != nil {
		return domain.SharedCollection{}, err
	}

	now := s.now().UTC()
	coll := domain.SharedCollection{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   sess.UserID,
		Privacy:   privacy,
		Settings:  settings,
		Counters:  domain.Counters{Members: 1},
		CreatedAt: now,
	}
	owner := domain.Member{
		CollectionID: coll.ID,
		UserID:       sess.UserID,
		DisplayName:  sess.Name(),
		Level:        permission.Owner,
		Status:       domain.StatusAccepted,
		InvitedAt:    now,
		JoinedAt:     &now,
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if err := s.remote.SaveCollection(ctx, coll); err != nil {
		return domain.SharedCollection{}, err
	}
	if err := s.remote.AddParticipant(ctx, owner); err != nil {
		return domain.SharedCollection{}, err
	}

	s.mu.Lock()
	s.collections[coll.ID] = &collectionState{
		coll:    coll,
		members: map[string]*domain.Member{owner.UserID: &owner},
	}
	s.mu.Unlock()

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.CollectionCreated,
		Actor:        sess.UserID,
		To:           permission.Owner,
		Detail:       name,
	})
	return coll, nil
}

func (s *Store) Invite(ctx context.Context, sess domain.Session, userID, displayName string, level permission.Level) (domain.Member, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Member{}, domain.Invalid("userId is required")
	}
	if !level.Valid() {
		return domain.Member{}, domain.Invalid("invalid permission level")
	}
	if level == permission.Owner {
		return domain.Member{}, domain.Invalid("ownership is granted by transfer, not by invitation")
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, caller, err := s.caller(sess)
	if err != nil {
		return domain.Member{}, err
	}
	if caller.Level < coll.Settings.InvitePolicy.MinLevel() || level > caller.Level {
		return domain.Member{}, domain.ErrNotAuthorized
	}
	if existing, ok := s.lookup(coll.ID, userID); ok && existing.Status != domain.StatusDeclined {
		return domain.Member{}, domain.ErrAlreadyMember
	}
	if coll.Settings.MaxMembers > 0 && s.countSeats(coll.ID) >= coll.Settings.MaxMembers {
		return domain.Member{}, domain.ErrCollectionFull
	}

	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = userID
	}
	m := domain.Member{
		CollectionID: coll.ID,
		UserID:       userID,
		DisplayName:  displayName,
		Level:        level,
		Status:       domain.StatusPending,
		InvitedBy:    sess.UserID,
		InvitedAt:    s.now().UTC(),
	}
	if err := s.remote.AddParticipant(ctx, m); err != nil {
		return domain.Member{}, err
	}
	s.put(m)

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.MemberInvited,
		Actor:        sess.UserID,
		Subject:      userID,
		To:           level,
	})
	return m, nil
}

func (s *Store) AcceptInvite(ctx context.Context, collectionID, userID string) (domain.Member, error) {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	m, err := s.pendingInvite(collectionID, userID)
	if err != nil {
		return domain.Member{}, err
	}
	now := s.now().UTC()
	if now.After(m.InvitedAt.Add(s.inviteTTL)) {
		return domain.Member{}, domain.ErrInvitationExpired
	}

	m.Status = domain.StatusAccepted
	m.JoinedAt = &now
	m.LastSeenAt = &now
	if err := s.remote.AddParticipant(ctx, m); err != nil {
		return domain.Member{}, err
	}
	s.put(m)

	s.record(ctx, activity.Event{
		CollectionID: collectionID,
		Kind:         activity.MemberJoined,
		Actor:        userID,
		Subject:      userID,
		To:           m.Level,
	})
	return m, nil
}

func (s *Store) DeclineInvite(ctx context.Context, collectionID, userID string) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	m, err := s.pendingInvite(collectionID, userID)
	if err != nil {
		return err
	}
	m.Status = domain.StatusDeclined
	if err := s.remote.AddParticipant(ctx, m); err != nil {
		return err
	}
	s.put(m)

	s.record(ctx, activity.Event{
		CollectionID: collectionID,
		Kind:         activity.MemberDeclined,
		Actor:        userID,
		Subject:      userID,
	})
	return nil
}

func (s *Store) ChangePermission(ctx context.Context, sess domain.Session, userID string, level permission.Level) (domain.Member, error) {
	if !level.Valid() {
		return domain.Member{}, domain.Invalid("invalid permission level")
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, caller, err := s.caller(sess)
	if err != nil {
		return domain.Member{}, err
	}
	if caller.Level < permission.Admin {
		return domain.Member{}, domain.ErrNotAuthorized
	}
	target, ok := s.lookup(coll.ID, userID)
	if !ok {
		return domain.Member{}, domain.ErrNotMember
	}
	if target.Level == permission.Owner {
		return domain.Member{}, domain.ErrCannotDemoteOwner
	}
	if level == permission.Owner {
		return domain.Member{}, domain.Invalid("use ownership transfer to grant owner")
	}
	if caller.Level != permission.Owner && target.UserID != caller.UserID &&
		(target.Level >= permission.Admin || level >= permission.Admin) {
		return domain.Member{}, domain.ErrNotAuthorized
	}
	if target.Level == level {
		return target, nil
	}

	if err := s.remote.SetParticipantPermission(ctx, coll.ID, userID, level); err != nil {
		return domain.Member{}, err
	}
	from := target.Level
	target.Level = level
	s.put(target)

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.PermissionChanged,
		Actor:        sess.UserID,
		Subject:      userID,
		From:         from,
		To:           level,
	})
	return target, nil
}

// TransferOwnership makes userID the owner; the previous owner becomes an admin.
func (s *Store) TransferOwnership(ctx context.Context, sess domain.Session, userID string) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, caller, err := s.caller(sess)
	if err != nil {
		return err
	}
	if caller.Level != permission.Owner {
		return domain.ErrNotAuthorized
	}
	if userID == caller.UserID {
		return domain.Invalid("already the owner")
	}
	target, ok := s.lookup(coll.ID, userID)
	if !ok || !target.Active() {
		return domain.ErrNotMember
	}

	coll.OwnerID = userID
	if err := s.remote.SetParticipantPermission(ctx, coll.ID, userID, permission.Owner); err != nil {
		return err
	}
	if err := s.remote.SetParticipantPermission(ctx, coll.ID, caller.UserID, permission.Admin); err != nil {
		return err
	}
	if err := s.remote.SaveCollection(ctx, coll); err != nil {
		return err
	}

	from := target.Level
	target.Level = permission.Owner
	caller.Level = permission.Admin
	s.put(target)
	s.put(caller)
	s.mu.Lock()
	s.collections[coll.ID].coll.OwnerID = userID
	s.mu.Unlock()

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.OwnershipTransferred,
		Actor:        caller.UserID,
		Subject:      userID,
		From:         from,
		To:           permission.Owner,
	})
	return nil
}

// Remove kicks userID out of the session's collection, or lets a member leave
// when userID is the caller. Presence and edit locks held by the member go too.
func (s *Store) Remove(ctx context.Context, sess domain.Session, userID string) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, ok := s.collection(sess.CollectionID)
	if !ok {
		return domain.ErrCollectionNotFound
	}
	target, ok := s.lookup(coll.ID, userID)
	if !ok {
		return domain.ErrNotMember
	}
	if target.Level == permission.Owner {
		return domain.ErrCannotRemoveOwner
	}

	kind := activity.MemberLeft
	if userID != sess.UserID {
		caller, ok := s.lookup(coll.ID, sess.UserID)
		if !ok || !caller.Active() || !permission.Allows(permission.ManageMembers, caller.Level) {
			return domain.ErrNotAuthorized
		}
		if caller.Level != permission.Owner && target.Level >= caller.Level {
			return domain.ErrNotAuthorized
		}
		kind = activity.MemberRemoved
	}

	if err := s.remote.RemoveParticipant(ctx, coll.ID, userID); err != nil {
		return err
	}
	s.mu.Lock()
	st := s.collections[coll.ID]
	delete(st.members, userID)
	st.coll.Counters.Members = countAccepted(st.members)
	s.mu.Unlock()

	for _, c := range s.cascades {
		if err := c.RemoveUser(ctx, coll.ID, userID); err != nil {
			s.logger.Warn("membership: cascade remove user",
				zap.String("collection", coll.ID), zap.String("user", userID), zap.Error(err))
		}
	}

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         kind,
		Actor:        sess.UserID,
		Subject:      userID,
		From:         target.Level,
	})
	return nil
}

func (s *Store) Leave(ctx context.Context, sess domain.Session) error {
	return s.Remove(ctx, sess, sess.UserID)
}

// CollectionPatch carries optional collection changes.
type CollectionPatch struct {
	Name     *string          `json:"name,omitempty"`
	Privacy  *domain.Privacy  `json:"privacy,omitempty"`
	Settings *domain.Settings `json:"settings,omitempty"`
}

func (s *Store) UpdateCollection(ctx context.Context, sess domain.Session, patch CollectionPatch) (domain.SharedCollection, error) {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, caller, err := s.caller(sess)
	if err != nil {
		return domain.SharedCollection{}, err
	}
	if !permission.Allows(permission.ManageSettings, caller.Level) {
		return domain.SharedCollection{}, domain.ErrNotAuthorized
	}

	var changed []string
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len(name) > 200 {
			return domain.SharedCollection{}, domain.Invalid("name must be between 1 and 200 characters")
		}
		coll.Name = name
		changed = append(changed, "name")
	}
	if patch.Privacy != nil {
		if !patch.Privacy.Valid() {
			return domain.SharedCollection{}, domain.Invalid("unknown privacy %q", *patch.Privacy)
		}
		coll.Privacy = *patch.Privacy
		changed = append(changed, "privacy")
	}
	if patch.Settings != nil {
		settings, err := normalizeSettings(*patch.Settings)
		if err != nil {
			return domain.SharedCollection{}, err
		}
		if settings.MaxMembers > 0 && settings.MaxMembers < s.countSeats(coll.ID) {
			return domain.SharedCollection{}, domain.Invalid("maxMembers is below the current member count")
		}
		coll.Settings = settings
		changed = append(changed, "settings")
	}
	if len(changed) == 0 {
		return coll, nil
	}

	if err := s.remote.SaveCollection(ctx, coll); err != nil {
		return domain.SharedCollection{}, err
	}
	s.mu.Lock()
	st := s.collections[coll.ID]
	st.coll.Name, st.coll.Privacy, st.coll.Settings = coll.Name, coll.Privacy, coll.Settings
	coll = st.coll
	s.mu.Unlock()

	s.record(ctx, activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.CollectionSettingsChanged,
		Actor:        sess.UserID,
		Detail:       strings.Join(changed, ","),
	})
	return coll, nil
}

// DeleteCollection destroys the collection with its members, activity, locks
// and presence. Only the owner may do this.
func (s *Store) DeleteCollection(ctx context.Context, sess domain.Session) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	coll, caller, err := s.caller(sess)
	if err != nil {
		return err
	}
	if !permission.Allows(permission.DeleteCollection, caller.Level) {
		return domain.ErrNotAuthorized
	}
	if err := s.remote.DeleteCollection(ctx, coll.ID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.collections, coll.ID)
	s.mu.Unlock()

	for _, c := range s.cascades {
		if err := c.RemoveCollection(ctx, coll.ID); err != nil {
			s.logger.Warn("membership: cascade remove collection", zap.String("collection", coll.ID), zap.Error(err))
		}
	}
	// The feed goes with the collection; subscribers still hear about it.
	s.feed.Drop(ctx, coll.ID)
	ev := activity.Event{
		CollectionID: coll.ID,
		Kind:         activity.CollectionDeleted,
		Actor:        sess.UserID,
		Detail:       coll.Name,
		At:           s.now().UTC(),
	}
	s.bus.Publish(notify.Notification{
		Type:         notify.TypeActivity,
		CollectionID: coll.ID,
		Payload:      ev,
		At:           ev.At,
	})
	s.bus.Publish(notify.Notification{
		Type:         notify.TypeMembers,
		CollectionID: coll.ID,
		Payload:      ev.Kind,
	})
	return nil
}

func (s *Store) record(ctx context.Context, ev activity.Event) {
	ev = s.feed.Append(ctx, ev)
	s.bus.Publish(notify.Notification{
		Type:         notify.TypeMembers,
		CollectionID: ev.CollectionID,
		Payload:      ev.Kind,
	})
}

// caller resolves the session's collection and requires an accepted member.
func (s *Store) caller(sess domain.Session) (domain.SharedCollection, domain.Member, error) {
	if err := sess.Validate(); err != nil {
		return domain.SharedCollection{}, domain.Member{}, err
	}
	coll, ok := s.collection(sess.CollectionID)
	if !ok {
		return domain.SharedCollection{}, domain.Member{}, domain.ErrCollectionNotFound
	}
	m, ok := s.lookup(coll.ID, sess.UserID)
	if !ok || !m.Active() {
		return domain.SharedCollection{}, domain.Member{}, domain.ErrNotAuthorized
	}
	return coll, m, nil
}

func (s *Store) pendingInvite(collectionID, userID string) (domain.Member, error) {
	if _, ok := s.collection(collectionID); !ok {
		return domain.Member{}, domain.ErrCollectionNotFound
	}
	m, ok := s.lookup(collectionID, userID)
	if !ok || m.Status != domain.StatusPending {
		return domain.Member{}, domain.ErrInvitationNotFound
	}
	return m, nil
}

func (s *Store) collection(id string) (domain.SharedCollection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.collections[id]
	if !ok {
		return domain.SharedCollection{}, false
	}
	return st.coll, true
}

func (s *Store) lookup(collectionID, userID string) (domain.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.collections[collectionID]
	if !ok {
		return domain.Member{}, false
	}
	m, ok := st.members[userID]
	if !ok {
		return domain.Member{}, false
	}
	return *m, true
}

func (s *Store) put(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.collections[m.CollectionID]
	if !ok {
		return
	}
	st.members[m.UserID] = &m
	st.coll.Counters.Members = countAccepted(st.members)
}

// countSeats counts members holding or awaiting a seat.
func (s *Store) countSeats(collectionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.collections[collectionID].members {
		if m.Status != domain.StatusDeclined {
			n++
		}
	}
	return n
}

func countAccepted(members map[string]*domain.Member) int {
	n := 0
	for _, m := range members {
		if m.Active() {
			n++
		}
	}
	return n
}

func normalizeSettings(in domain.Settings) (domain.Settings, error) {
	def := domain.DefaultSettings()
	if in == (domain.Settings{}) {
		return def, nil
	}
	if in.MaxMembers < 0 {
		return in, domain.Invalid("maxMembers cannot be negative")
	}
	if in.MaxMembers == 0 {
		in.MaxMembers = def.MaxMembers
	}
	if in.InvitePolicy == "" {
		in.InvitePolicy = def.InvitePolicy
	}
	if !in.InvitePolicy.Valid() {
		return in, domain.Invalid("unknown invite policy %q", in.InvitePolicy)
	}
	return in, nil
}

func sortMembers(members []domain.Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Level != members[j].Level {
			return members[i].Level > members[j].Level
		}
		return members[i].InvitedAt.Before(members[j].InvitedAt)
	})
}

func (s *Store) UpdateSettings(ctx context.Context, sess domain.Session, settings domain.Settings) (domain.SharedCollection, error) {
	return s.UpdateCollection(ctx, sess, CollectionPatch{Settings: &settings})
}
