package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-service/internal/activity"
	"sync-service/internal/domain"
	"sync-service/internal/notify"
	"sync-service/internal/permission"
)

type fakeRemote struct {
	mu           sync.Mutex
	collections  map[string]domain.SharedCollection
	participants map[string]domain.Member
	fail         error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		collections:  make(map[string]domain.SharedCollection),
		participants: make(map[string]domain.Member),
	}
}

func (r *fakeRemote) SaveCollection(_ context.Context, c domain.SharedCollection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.collections[c.ID] = c
	return nil
}

func (r *fakeRemote) DeleteCollection(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	delete(r.collections, id)
	return nil
}

func (r *fakeRemote) AddParticipant(_ context.Context, m domain.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.participants[m.CollectionID+"/"+m.UserID] = m
	return nil
}

func (r *fakeRemote) RemoveParticipant(_ context.Context, collectionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	delete(r.participants, collectionID+"/"+userID)
	return nil
}

func (r *fakeRemote) SetParticipantPermission(_ context.Context, collectionID, userID string, level permission.Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	m := r.participants[collectionID+"/"+userID]
	m.Level = level
	r.participants[collectionID+"/"+userID] = m
	return nil
}

type recordingCascade struct {
	users       []string
	collections []string
}

func (c *recordingCascade) RemoveUser(_ context.Context, _, userID string) error {
	c.users = append(c.users, userID)
	return nil
}

func (c *recordingCascade) RemoveCollection(_ context.Context, collectionID string) error {
	c.collections = append(c.collections, collectionID)
	return nil
}

type fixture struct {
	store  *Store
	remote *fakeRemote
	now    time.Time
	owner  domain.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{remote: newFakeRemote(), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.store = NewStore(Options{Remote: f.remote, Now: func() time.Time { return f.now }})

	coll, err := f.store.CreateCollection(context.Background(), domain.Session{UserID: "owner"}, "Setlist", "", domain.Settings{})
	require.NoError(t, err)
	f.owner = domain.Session{UserID: "owner", CollectionID: coll.ID}
	return f
}

func (f *fixture) join(t *testing.T, userID string, level permission.Level) domain.Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Invite(ctx, f.owner, userID, "", level)
	require.NoError(t, err)
	_, err = f.store.AcceptInvite(ctx, f.owner.CollectionID, userID)
	require.NoError(t, err)
	return domain.Session{UserID: userID, CollectionID: f.owner.CollectionID}
}

func TestCreateCollection_Defaults(t *testing.T) {
	f := newFixture(t)

	coll, err := f.store.Collection(f.owner.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PrivacyInviteOnly, coll.Privacy)
	assert.Equal(t, domain.DefaultSettings(), coll.Settings)
	assert.Equal(t, 1, coll.Counters.Members)

	level, err := f.store.Level(coll.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, permission.Owner, level)
	assert.Contains(t, f.remote.collections, coll.ID)
}

func TestInviteAndAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.store.Invite(ctx, f.owner, "bob", "Bob", permission.Editor)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, m.Status)
	assert.ErrorIs(t, f.store.Authorize(f.owner.CollectionID, "bob", permission.View), domain.ErrNotAuthorized)

	_, err = f.store.Invite(ctx, f.owner, "bob", "Bob", permission.Editor)
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)

	m, err = f.store.AcceptInvite(ctx, f.owner.CollectionID, "bob")
	require.NoError(t, err)
	assert.True(t, m.Active())
	assert.NoError(t, f.store.Authorize(f.owner.CollectionID, "bob", permission.Edit))

	_, err = f.store.AcceptInvite(ctx, f.owner.CollectionID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvitationNotFound)

	kinds := kindsOf(f.store.Feed().All(f.owner.CollectionID))
	assert.Equal(t, []activity.Kind{activity.CollectionCreated, activity.MemberInvited, activity.MemberJoined}, kinds)
}

func TestInvite_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor := f.join(t, "ed", permission.Editor)

	_, err := f.store.Invite(ctx, editor, "x", "", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.store.Invite(ctx, f.owner, "x", "", permission.Owner)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.store.Invite(ctx, domain.Session{UserID: "owner", CollectionID: "nope"}, "x", "", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)

	_, err = f.store.UpdateSettings(ctx, f.owner, domain.Settings{MaxMembers: 2, InvitePolicy: domain.InviteEditors})
	require.NoError(t, err)
	_, err = f.store.Invite(ctx, editor, "x", "", permission.Admin)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized, "cannot grant above own level")
	_, err = f.store.Invite(ctx, editor, "x", "", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrCollectionFull)
}

func TestAcceptInvite_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Invite(ctx, f.owner, "late", "", permission.Viewer)
	require.NoError(t, err)
	f.now = f.now.Add(DefaultInviteTTL + time.Minute)

	_, err = f.store.AcceptInvite(ctx, f.owner.CollectionID, "late")
	assert.ErrorIs(t, err, domain.ErrInvitationExpired)
}

func TestDeclineThenReinvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Invite(ctx, f.owner, "dee", "", permission.Viewer)
	require.NoError(t, err)
	require.NoError(t, f.store.DeclineInvite(ctx, f.owner.CollectionID, "dee"))

	_, err = f.store.Invite(ctx, f.owner, "dee", "", permission.Editor)
	assert.NoError(t, err)
}

func TestChangePermission_CannotDemoteSoleOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.ChangePermission(context.Background(), f.owner, "owner", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrCannotDemoteOwner)

	level, err := f.store.Level(f.owner.CollectionID, "owner")
	require.NoError(t, err)
	assert.Equal(t, permission.Owner, level)
}

func TestChangePermission_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor := f.join(t, "ed", permission.Editor)
	admin := f.join(t, "ad", permission.Admin)
	f.join(t, "ad2", permission.Admin)

	_, err := f.store.ChangePermission(ctx, editor, "ad", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.store.ChangePermission(ctx, admin, "ad2", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = f.store.ChangePermission(ctx, admin, "ed", permission.Owner)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.store.ChangePermission(ctx, admin, "ghost", permission.Viewer)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	m, err := f.store.ChangePermission(ctx, admin, "ed", permission.Viewer)
	require.NoError(t, err)
	assert.Equal(t, permission.Viewer, m.Level)
	assert.Equal(t, permission.Viewer, f.remote.participants[f.owner.CollectionID+"/ed"].Level)
}

func TestPermissionChangesReplayFromFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "m", permission.Viewer)
	feed := f.store.Feed()

	for _, level := range []permission.Level{permission.Editor, permission.Admin, permission.Viewer, permission.Editor} {
		before := feed.Len(f.owner.CollectionID)
		_, err := f.store.ChangePermission(ctx, f.owner, "m", level)
		require.NoError(t, err)
		assert.Equal(t, before+1, feed.Len(f.owner.CollectionID))

		replayed, ok := activity.ReplayPermission(feed.All(f.owner.CollectionID), "m")
		require.True(t, ok)
		current, err := f.store.Level(f.owner.CollectionID, "m")
		require.NoError(t, err)
		assert.Equal(t, current, replayed)
	}

	before := feed.Len(f.owner.CollectionID)
	_, err := f.store.ChangePermission(ctx, f.owner, "m", permission.Editor)
	require.NoError(t, err)
	assert.Equal(t, before, feed.Len(f.owner.CollectionID), "no-op change records nothing")
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.join(t, "ad", permission.Admin)

	assert.ErrorIs(t, f.store.TransferOwnership(ctx, admin, "ad"), domain.ErrNotAuthorized)
	require.NoError(t, f.store.TransferOwnership(ctx, f.owner, "ad"))

	coll, err := f.store.Collection(f.owner.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "ad", coll.OwnerID)

	oldLevel, _ := f.store.Level(coll.ID, "owner")
	newLevel, _ := f.store.Level(coll.ID, "ad")
	assert.Equal(t, permission.Admin, oldLevel)
	assert.Equal(t, permission.Owner, newLevel)

	replayed, ok := activity.ReplayPermission(f.store.Feed().All(coll.ID), "owner")
	require.True(t, ok)
	assert.Equal(t, permission.Admin, replayed)
}

func TestRemove_CascadesAndGuardsOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cascade := &recordingCascade{}
	f.store.OnRemove(cascade)
	admin := f.join(t, "ad", permission.Admin)
	f.join(t, "ed", permission.Editor)
	viewer := f.join(t, "vi", permission.Viewer)

	assert.ErrorIs(t, f.store.Remove(ctx, admin, "owner"), domain.ErrCannotRemoveOwner)
	assert.ErrorIs(t, f.store.Remove(ctx, viewer, "ed"), domain.ErrNotAuthorized)
	assert.ErrorIs(t, f.store.Remove(ctx, admin, "ghost"), domain.ErrNotMember)

	require.NoError(t, f.store.Remove(ctx, admin, "ed"))
	require.NoError(t, f.store.Leave(ctx, viewer))
	assert.Equal(t, []string{"ed", "vi"}, cascade.users)

	_, err := f.store.Member(f.owner.CollectionID, "ed")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	assert.NotContains(t, f.remote.participants, f.owner.CollectionID+"/ed")

	events := f.store.Feed().Recent(f.owner.CollectionID, 2)
	assert.Equal(t, activity.MemberLeft, events[0].Kind)
	assert.Equal(t, activity.MemberRemoved, events[1].Kind)
}

func TestRemoteFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "ed", permission.Editor)
	before := f.store.Feed().Len(f.owner.CollectionID)

	f.remote.fail = errors.New("connection refused")
	_, err := f.store.ChangePermission(ctx, f.owner, "ed", permission.Admin)
	require.Error(t, err)

	level, _ := f.store.Level(f.owner.CollectionID, "ed")
	assert.Equal(t, permission.Editor, level)
	assert.Equal(t, before, f.store.Feed().Len(f.owner.CollectionID))
}

func TestAuthorize_PublicPrivacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.owner.CollectionID

	assert.ErrorIs(t, f.store.Authorize(id, "stranger", permission.View), domain.ErrNotAuthorized)

	public := domain.PrivacyPublicRead
	_, err := f.store.UpdateCollection(ctx, f.owner, CollectionPatch{Privacy: &public})
	require.NoError(t, err)
	assert.NoError(t, f.store.Authorize(id, "stranger", permission.View))
	assert.ErrorIs(t, f.store.Authorize(id, "stranger", permission.Edit), domain.ErrNotAuthorized)

	public = domain.PrivacyPublicReadWrite
	_, err = f.store.UpdateCollection(ctx, f.owner, CollectionPatch{Privacy: &public})
	require.NoError(t, err)
	assert.NoError(t, f.store.Authorize(id, "stranger", permission.Edit))
	assert.ErrorIs(t, f.store.Authorize(id, "stranger", permission.ManageMembers), domain.ErrNotAuthorized)
}

func TestRecordViewHonoursTracking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.owner.CollectionID

	f.store.RecordView(ctx, id, "owner", "e1")
	f.store.RecordView(ctx, id, "nobody", "e1")
	m, _ := f.store.Member(id, "owner")
	assert.Equal(t, 1, m.EntitiesViewed)

	_, err := f.store.UpdateSettings(ctx, f.owner, domain.Settings{MaxMembers: 10, InvitePolicy: domain.InviteAdmins, TrackActivity: false})
	require.NoError(t, err)
	f.store.RecordView(ctx, id, "owner", "e1")
	m, _ = f.store.Member(id, "owner")
	assert.Equal(t, 1, m.EntitiesViewed)

	f.store.RecordEdit(id, "owner")
	m, _ = f.store.Member(id, "owner")
	assert.Equal(t, 1, m.EditsMade)
}

func TestDeleteCollection(t *testing.T) {
	bus := notify.NewBus()
	f := &fixture{remote: newFakeRemote(), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.store = NewStore(Options{Remote: f.remote, Bus: bus, Now: func() time.Time { return f.now }})
	ctx := context.Background()
	coll, err := f.store.CreateCollection(ctx, domain.Session{UserID: "owner"}, "Setlist", "", domain.Settings{})
	require.NoError(t, err)
	f.owner = domain.Session{UserID: "owner", CollectionID: coll.ID}

	cascade := &recordingCascade{}
	f.store.OnRemove(cascade)
	admin := f.join(t, "ad", permission.Admin)
	sub := bus.Subscribe(16, func(n notify.Notification) bool { return n.Type == notify.TypeActivity })
	defer sub.Close()

	assert.ErrorIs(t, f.store.DeleteCollection(ctx, admin), domain.ErrNotAuthorized)
	require.NoError(t, f.store.DeleteCollection(ctx, f.owner))

	_, err = f.store.Collection(coll.ID)
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	assert.Equal(t, []string{coll.ID}, cascade.collections)
	assert.Empty(t, f.store.Feed().All(coll.ID), "the dropped feed is not recreated")
	assert.Empty(t, f.store.CollectionsFor("ad"))

	n := <-sub.C
	ev, ok := n.Payload.(activity.Event)
	require.True(t, ok)
	assert.Equal(t, activity.CollectionDeleted, ev.Kind)
	assert.Equal(t, coll.ID, n.CollectionID)
}

func kindsOf(events []activity.Event) []activity.Kind {
	out := make([]activity.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
