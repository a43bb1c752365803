package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-service/internal/domain"
	"sync-service/internal/permission"
)

func TestMemoryStore_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	res, err := Push(ctx, s, PushRequest{OperationID: "op1", EntityID: "e1", CollectionID: "c1",
		Payload: domain.Payload{"title": "Hey Jude"}, Editor: "a"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Status)
	assert.Equal(t, int64(1), res.Revision)

	res, err = Push(ctx, s, PushRequest{OperationID: "op2", EntityID: "e1", ExpectedRevision: 0,
		Payload: domain.Payload{"title": "dup"}})
	require.NoError(t, err)
	assert.Equal(t, RevisionMismatch, res.Status)
	assert.Equal(t, int64(1), res.Revision)

	res, err = Push(ctx, s, PushRequest{OperationID: "op3", EntityID: "e1", ExpectedRevision: 1,
		Payload: domain.Payload{"title": "Hey Jude", "key": "F"}, Editor: "b"})
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Status)
	assert.Equal(t, int64(2), res.Revision)

	rec, ok, err := Fetch(ctx, s, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "op3", rec.LastOpID)
	assert.Equal(t, "c1", rec.CollectionID)
	assert.Equal(t, "F", rec.Payload["key"])

	_, ok, err = Fetch(ctx, s, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_DeleteKeepsLastPayload(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	_, err := Push(ctx, s, PushRequest{OperationID: "op1", EntityID: "e1", CollectionID: "c1", Payload: domain.Payload{"title": "x"}})
	require.NoError(t, err)

	res, err := Push(ctx, s, PushRequest{OperationID: "op2", EntityID: "e1", ExpectedRevision: 1, Delete: true})
	require.NoError(t, err)
	assert.True(t, res.Record.Deleted)
	assert.Equal(t, "x", res.Record.Payload["title"])
}

func TestMemoryStore_ChangesAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore(nil)

	ch, err := s.Subscribe(ctx, "c1")
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := Push(ctx, s, PushRequest{OperationID: "op-" + id, EntityID: id, CollectionID: "c1", Payload: domain.Payload{"title": id}})
		require.NoError(t, err)
	}
	_, err = Push(ctx, s, PushRequest{OperationID: "other", EntityID: "z", CollectionID: "c2", Payload: domain.Payload{"title": "z"}})
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case c := <-ch:
			assert.Equal(t, want, c.EntityID)
		case <-time.After(time.Second):
			t.Fatal("no change notification")
		}
	}

	all, err := s.Changes(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	delta, err := s.Changes(ctx, "c1", all[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, delta, 1)
	assert.Equal(t, "b", delta[0].EntityID)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_Participants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.SaveCollection(ctx, domain.SharedCollection{ID: "c1", Name: "Gig"}))
	require.NoError(t, s.AddParticipant(ctx, domain.Member{CollectionID: "c1", UserID: "u1", Level: permission.Viewer}))
	require.NoError(t, s.SetParticipantPermission(ctx, "c1", "u1", permission.Editor))
	assert.ErrorIs(t, s.SetParticipantPermission(ctx, "c1", "ghost", permission.Editor), domain.ErrNotMember)

	ps, err := s.ListParticipants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, permission.Editor, ps[0].Level)

	require.NoError(t, s.RemoveParticipant(ctx, "c1", "u1"))
	ps, _ = s.ListParticipants(ctx, "c1")
	assert.Empty(t, ps)

	require.NoError(t, s.DeleteCollection(ctx, "c1"))
	cs, _ := s.LoadCollections(ctx)
	assert.Empty(t, cs)
}
