package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/notify"
	"sync-service/internal/remote"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore times out the first fetches and pushes it is told to. A
// failing push is still applied before the timeout is reported.
type flakyStore struct {
	*remote.MemoryStore
	mu            sync.Mutex
	fetchFailures int
	pushFailures  int
	fetches       int
	pushes        int
}

func (f *flakyStore) FetchMany(ctx context.Context, ids []string) (map[string]remote.Record, error) {
	f.mu.Lock()
	f.fetches++
	fail := f.fetchFailures != 0
	if f.fetchFailures > 0 {
		f.fetchFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, context.DeadlineExceeded
	}
	return f.MemoryStore.FetchMany(ctx, ids)
}

func (f *flakyStore) PushBatch(ctx context.Context, reqs []remote.PushRequest) ([]remote.PushResult, error) {
	f.mu.Lock()
	f.pushes++
	fail := f.pushFailures > 0
	if fail {
		f.pushFailures--
	}
	f.mu.Unlock()
	res, err := f.MemoryStore.PushBatch(ctx, reqs)
	if fail {
		return nil, context.DeadlineExceeded
	}
	return res, err
}

// corruptStore reports one revision of one entity as unreadable.
type corruptStore struct {
	*remote.MemoryStore
	entity   string
	revision int64
}

func (c *corruptStore) FetchMany(ctx context.Context, ids []string) (map[string]remote.Record, error) {
	recs, err := c.MemoryStore.FetchMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if r, ok := recs[c.entity]; ok && r.Revision == c.revision {
		r.Payload = nil
		r.Err = &domain.DataError{EntityID: c.entity, Reason: "payload is not valid JSON"}
		recs[c.entity] = r
	}
	return recs, nil
}

func newEngine(store remote.Store, c *clock, policy conflict.Policy) *Engine {
	return NewEngine(Options{
		Store:     store,
		Conflicts: conflict.NewEngine(policy, nil, c.Now),
		Now:       c.Now,
	})
}

func song(title string) domain.Payload {
	return domain.Payload{
		domain.FieldTitle:   title,
		domain.FieldKey:     "G",
		domain.FieldContent: "[G]Amazing grace\n[C]how sweet the sound\n",
	}
}

func create(t *testing.T, e *Engine, id string, p domain.Payload, editor string) Operation {
	t.Helper()
	op, err := e.Enqueue(Operation{CollectionID: "c1", EntityID: id, Kind: domain.OpCreate, Changes: p, Editor: editor})
	require.NoError(t, err)
	return op
}

func update(t *testing.T, e *Engine, id string, changes domain.Payload, editor string) Operation {
	t.Helper()
	op, err := e.Enqueue(Operation{EntityID: id, Kind: domain.OpUpdate, Changes: changes, Editor: editor})
	require.NoError(t, err)
	return op
}

func TestEnqueueValidation(t *testing.T) {
	e := newEngine(remote.NewMemoryStore(nil), newClock(), "")

	_, err := e.Enqueue(Operation{Kind: domain.OpCreate, Editor: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = e.Enqueue(Operation{EntityID: "e1", Kind: "rename", Editor: "a"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = e.Enqueue(Operation{EntityID: "e1", Kind: domain.OpCreate})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = e.Enqueue(Operation{EntityID: "missing", Kind: domain.OpUpdate, Changes: domain.Payload{"key": "A"}, Editor: "a"})
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	op := create(t, e, "e1", song("Grace"), "a")
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, Pending, op.Status)
	_, err = e.Enqueue(op)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRetryThenSucceedWithoutDuplicateWrite(t *testing.T) {
	c := newClock()
	store := &flakyStore{MemoryStore: remote.NewMemoryStore(c.Now), fetchFailures: 2, pushFailures: 1}
	e := newEngine(store, c, "")
	ctx := context.Background()

	op := create(t, e, "e1", song("Grace"), "a")

	require.NoError(t, e.Flush(ctx))
	got, _ := e.Operation(op.ID)
	assert.Equal(t, Failed, got.Status)
	assert.False(t, got.Terminal)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, c.Now().Add(2*time.Second), got.NextAttemptAt)

	c.Advance(time.Second)
	require.NoError(t, e.Flush(ctx))
	got, _ = e.Operation(op.ID)
	assert.Equal(t, 1, got.Attempts, "not due before the first delay elapses")

	c.Advance(time.Second)
	require.NoError(t, e.Flush(ctx))
	got, _ = e.Operation(op.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, c.Now().Add(5*time.Second), got.NextAttemptAt)

	c.Advance(5 * time.Second)
	require.NoError(t, e.Flush(ctx))
	got, _ = e.Operation(op.ID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, Failed, got.Status)
	assert.Equal(t, c.Now().Add(10*time.Second), got.NextAttemptAt)
	assert.Equal(t, int64(1), store.Writes("e1"), "the timed out push landed")

	c.Advance(10 * time.Second)
	require.NoError(t, e.Flush(ctx))
	got, _ = e.Operation(op.ID)
	assert.Equal(t, Succeeded, got.Status)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, int64(1), store.Writes("e1"), "no duplicate write")
	assert.Equal(t, 1, store.pushes)
	assert.Empty(t, e.Operations(""))
}

func TestRetriesAreBounded(t *testing.T) {
	c := newClock()
	store := &flakyStore{MemoryStore: remote.NewMemoryStore(c.Now), fetchFailures: -1}
	e := newEngine(store, c, "")
	ctx := context.Background()

	var terminal []Result
	e.OnResult(func(r Result) { terminal = append(terminal, r) })

	op := create(t, e, "e1", song("Grace"), "a")
	for _, d := range []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, time.Hour, time.Hour} {
		c.Advance(d)
		require.NoError(t, e.Flush(ctx))
	}

	got, ok := e.Operation(op.ID)
	require.True(t, ok)
	assert.Equal(t, Failed, got.Status)
	assert.True(t, got.Terminal)
	assert.Equal(t, e.MaxAttempts(), got.Attempts)
	assert.Equal(t, 4, store.fetches)
	assert.Contains(t, got.Message, "Gave up after 4 attempts")
	require.Len(t, terminal, 1)

	h := e.Status()
	assert.Equal(t, StateError, h.State)
	assert.Equal(t, 1, h.Failed)
	assert.Zero(t, h.Score)
	assert.NotEmpty(t, h.LastError)
	assert.Empty(t, h.Redacted().LastError)

	require.NoError(t, e.Acknowledge(op.ID))
	assert.Empty(t, e.Operations(""))
	assert.ErrorIs(t, e.Acknowledge(op.ID), domain.ErrOperationNotFound)
}

func TestAcknowledgeRequiresTerminalFailure(t *testing.T) {
	e := newEngine(remote.NewMemoryStore(nil), newClock(), "")
	op := create(t, e, "e1", song("Grace"), "a")
	assert.ErrorIs(t, e.Acknowledge(op.ID), domain.ErrInvalidArgument)
}

func TestPerEntityOrder(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	e := newEngine(store, c, "")

	var applied []Result
	e.OnResult(func(r Result) { applied = append(applied, r) })

	first := create(t, e, "e1", song("Grace"), "a")
	second := update(t, e, "e1", domain.Payload{domain.FieldKey: "A"}, "a")
	third := update(t, e, "e1", domain.Payload{domain.FieldCapo: "2"}, "a")
	other := create(t, e, "e2", song("Jolene"), "a")

	ops := e.Operations("c1")
	require.Len(t, ops, 4)
	assert.Equal(t, "c1", ops[1].CollectionID, "collection inherited from the queue")

	require.NoError(t, e.Flush(context.Background()))

	var order []string
	var revisions []int64
	for _, r := range applied {
		if r.Op.EntityID == "e1" {
			order = append(order, r.Op.ID)
			revisions = append(revisions, r.Op.Revision)
		}
		assert.Equal(t, Succeeded, r.Op.Status)
	}
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, order)
	assert.Equal(t, []int64{1, 2, 3}, revisions)

	rec, ok, err := remote.Fetch(context.Background(), store, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", rec.Payload.Get(domain.FieldKey))
	assert.Equal(t, "2", rec.Payload.Get(domain.FieldCapo))
	assert.Equal(t, third.ID, rec.LastOpID)

	got, ok := e.Operation(other.ID)
	require.True(t, ok)
	assert.Equal(t, Succeeded, got.Status)
	assert.Equal(t, Synced, e.Status().State)
}

func TestDisjointOfflineEditsMerge(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	ctx := context.Background()
	a := newEngine(store, c, "")
	b := newEngine(store, c, "")

	create(t, a, "e1", song("Grace"), "alice")
	require.NoError(t, a.Flush(ctx))
	n, err := b.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var merged []Result
	b.OnResult(func(r Result) { merged = append(merged, r) })

	update(t, a, "e1", domain.Payload{domain.FieldTitle: "Amazing Grace"}, "alice")
	c.Advance(time.Second)
	update(t, b, "e1", domain.Payload{domain.FieldKey: "D"}, "bob")

	require.NoError(t, a.Flush(ctx))
	require.NoError(t, b.Flush(ctx))

	rec, _, err := remote.Fetch(ctx, store, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Revision)
	assert.Equal(t, "Amazing Grace", rec.Payload.Get(domain.FieldTitle))
	assert.Equal(t, "D", rec.Payload.Get(domain.FieldKey))

	require.Len(t, merged, 1)
	assert.Equal(t, conflict.Merged, merged[0].Outcome)
	assert.Equal(t, Succeeded, merged[0].Op.Status)

	ref, ok := b.Entity("e1")
	require.True(t, ok)
	active, isActive := ref.(domain.Active)
	require.True(t, isActive)
	assert.Equal(t, int64(3), active.Entity.Revision)
}

func TestOverlappingEditsConflictAndResolve(t *testing.T) {
	for _, tc := range []struct {
		name   string
		choice conflict.Strategy
		manual domain.Payload
		title  string
		rev    int64
	}{
		{name: "keep local", choice: conflict.KeepLocal, title: "Grace (live)", rev: 3},
		{name: "keep remote", choice: conflict.KeepRemote, title: "Amazing Grace", rev: 2},
		{name: "manual", choice: conflict.ManualMerge, manual: song("Grace (merged)"), title: "Grace (merged)", rev: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newClock()
			store := remote.NewMemoryStore(c.Now)
			ctx := context.Background()
			bus := notify.NewBus()
			sub := bus.Subscribe(32, func(n notify.Notification) bool { return n.Type == notify.TypeConflict })
			defer sub.Close()

			a := newEngine(store, c, "")
			b := NewEngine(Options{Store: store, Bus: bus, Now: c.Now})

			create(t, a, "e1", song("Grace"), "alice")
			require.NoError(t, a.Flush(ctx))
			_, err := b.Pull(ctx, "c1")
			require.NoError(t, err)

			update(t, a, "e1", domain.Payload{domain.FieldTitle: "Amazing Grace"}, "alice")
			op := update(t, b, "e1", domain.Payload{domain.FieldTitle: "Grace (live)"}, "bob")
			queued := update(t, b, "e1", domain.Payload{domain.FieldTempo: "90"}, "bob")
			require.NoError(t, a.Flush(ctx))
			require.NoError(t, b.Flush(ctx))

			got, _ := b.Operation(op.ID)
			require.Equal(t, Conflicted, got.Status)
			require.NotNil(t, got.Conflict)
			assert.Equal(t, []string{domain.FieldTitle}, got.Conflict.Fields)
			assert.Equal(t, "Amazing Grace", got.Conflict.Remote.Get(domain.FieldTitle))
			assert.Equal(t, "Grace (live)", got.Conflict.Local.Get(domain.FieldTitle))
			behind, _ := b.Operation(queued.ID)
			assert.Equal(t, Pending, behind.Status, "successor waits behind the conflict")

			select {
			case n := <-sub.C:
				assert.Equal(t, "e1", n.EntityID)
			case <-time.After(time.Second):
				t.Fatal("no conflict notification")
			}

			_, err = b.Resolve(ctx, op.ID, tc.choice, tc.manual)
			require.NoError(t, err)
			require.NoError(t, b.Flush(ctx))

			got, _ = b.Operation(op.ID)
			assert.Equal(t, Succeeded, got.Status)
			assert.Equal(t, tc.rev, got.Revision)

			rec, _, err := remote.Fetch(ctx, store, "e1")
			require.NoError(t, err)
			assert.Equal(t, tc.title, rec.Payload.Get(domain.FieldTitle))
			assert.Equal(t, "90", rec.Payload.Get(domain.FieldTempo))
			assert.Equal(t, tc.rev+1, rec.Revision)
		})
	}
}

func TestResolveValidation(t *testing.T) {
	e := newEngine(remote.NewMemoryStore(nil), newClock(), "")
	_, err := e.Resolve(context.Background(), "nope", conflict.KeepLocal, nil)
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)

	op := create(t, e, "e1", song("Grace"), "a")
	_, err = e.Resolve(context.Background(), op.ID, conflict.KeepLocal, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestLastWriterWinsPolicy(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	ctx := context.Background()
	a := newEngine(store, c, conflict.PolicyLastWriterWins)
	b := newEngine(store, c, conflict.PolicyLastWriterWins)

	create(t, a, "e1", song("Grace"), "alice")
	require.NoError(t, a.Flush(ctx))
	_, err := b.Pull(ctx, "c1")
	require.NoError(t, err)

	update(t, a, "e1", domain.Payload{domain.FieldTitle: "Amazing Grace"}, "alice")
	require.NoError(t, a.Flush(ctx))
	c.Advance(time.Minute)
	op := update(t, b, "e1", domain.Payload{domain.FieldTitle: "Grace (live)"}, "bob")
	require.NoError(t, b.Flush(ctx))

	got, _ := b.Operation(op.ID)
	assert.Equal(t, Succeeded, got.Status)
	rec, _, err := remote.Fetch(ctx, store, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Grace (live)", rec.Payload.Get(domain.FieldTitle))
}

func TestCorruptPayloadAndRestore(t *testing.T) {
	c := newClock()
	mem := remote.NewMemoryStore(c.Now)
	store := &corruptStore{MemoryStore: mem, entity: "e1", revision: 2}
	ctx := context.Background()
	e := newEngine(store, c, "")

	create(t, e, "e1", song("Grace"), "alice")
	require.NoError(t, e.Flush(ctx))

	// Another device writes a revision that no longer decodes.
	_, err := remote.Push(ctx, mem, remote.PushRequest{
		OperationID: "other", EntityID: "e1", CollectionID: "c1", ExpectedRevision: 1,
		Payload: domain.Payload{domain.FieldTitle: "???"}, Editor: "bob",
	})
	require.NoError(t, err)

	op := update(t, e, "e1", domain.Payload{domain.FieldKey: "A"}, "alice")
	require.NoError(t, e.Flush(ctx))

	got, _ := e.Operation(op.ID)
	assert.Equal(t, Failed, got.Status)
	assert.True(t, got.Terminal, "data errors are not retried")
	assert.Equal(t, 1, got.Attempts)
	var dataErr *domain.DataError
	require.ErrorAs(t, got.Err(), &dataErr)
	assert.Equal(t, restoreHint, dataErr.Recovery)
	assert.True(t, e.Cache().Corrupt("e1"))

	restored, err := e.Restore(ctx, "e1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.Basis)
	require.NoError(t, e.Flush(ctx))

	got, _ = e.Operation(restored.ID)
	assert.Equal(t, Succeeded, got.Status)
	rec, _, err := remote.Fetch(ctx, mem, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Revision)
	assert.True(t, song("Grace").Equal(rec.Payload))
	assert.False(t, e.Cache().Corrupt("e1"))

	_, err = e.Restore(ctx, "unknown", "alice")
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestDeleteEdit(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	ctx := context.Background()
	a := newEngine(store, c, "")
	b := newEngine(store, c, "")

	create(t, a, "e1", song("Grace"), "alice")
	require.NoError(t, a.Flush(ctx))
	_, err := b.Pull(ctx, "c1")
	require.NoError(t, err)

	_, err = a.Enqueue(Operation{EntityID: "e1", Kind: domain.OpDelete, Editor: "alice"})
	require.NoError(t, err)
	ref, _ := a.Entity("e1")
	assert.IsType(t, domain.Deleted{}, ref, "queued delete is visible locally")

	op := update(t, b, "e1", domain.Payload{domain.FieldKey: "A"}, "bob")
	require.NoError(t, a.Flush(ctx))
	require.NoError(t, b.Flush(ctx))

	got, _ := b.Operation(op.ID)
	require.Equal(t, Conflicted, got.Status)
	assert.True(t, got.Conflict.RemoteDeleted)
	assert.Equal(t, conflict.KeepRemote, got.Conflict.Suggested)

	_, err = a.Enqueue(Operation{EntityID: "e1", Kind: domain.OpUpdate, Changes: domain.Payload{"key": "C"}, Editor: "alice"})
	assert.ErrorIs(t, err, domain.ErrEntityDeleted)
}

func TestPullDelta(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	ctx := context.Background()
	writer := newEngine(store, c, "")
	bus := notify.NewBus()
	sub := bus.Subscribe(16, notify.ForCollection("c1"))
	defer sub.Close()
	reader := NewEngine(Options{Store: store, Bus: bus, Now: c.Now, BatchSize: 1})

	create(t, writer, "e1", song("Grace"), "alice")
	create(t, writer, "e2", song("Jolene"), "alice")
	require.NoError(t, writer.Flush(ctx))

	n, err := reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, reader.Entities("c1"), 2)
	assert.Equal(t, notify.TypeEntity, (<-sub.C).Type)

	n, err = reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)

	update(t, writer, "e1", domain.Payload{domain.FieldKey: "A"}, "alice")
	update(t, writer, "e2", domain.Payload{domain.FieldKey: "B"}, "alice")
	require.NoError(t, writer.Flush(ctx))
	update(t, reader, "e2", domain.Payload{domain.FieldCapo: "1"}, "bob")

	n, err = reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entity with a pending op is left for push-time detection")
	rec, _ := reader.Cache().Get("e2")
	assert.Equal(t, int64(1), rec.Revision)
	rec, _ = reader.Cache().Get("e1")
	assert.Equal(t, "A", rec.Payload.Get(domain.FieldKey))
}

func TestCacheRevisionsOnlyMoveForward(t *testing.T) {
	cache := NewCache()
	assert.True(t, cache.Put(remote.Record{EntityID: "e1", CollectionID: "c1", Revision: 3, Payload: song("v3")}))
	assert.False(t, cache.Put(remote.Record{EntityID: "e1", CollectionID: "c1", Revision: 2, Payload: song("v2")}))
	rec, ok := cache.Get("e1")
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Revision)
	assert.Equal(t, "v3", rec.Payload.Get(domain.FieldTitle))

	cache.Advance("c1", 10)
	cache.Advance("c1", 4)
	assert.Equal(t, int64(10), cache.Watermark("c1"))

	cache.Forget("c1")
	_, ok = cache.Get("e1")
	assert.False(t, ok)
	assert.Zero(t, cache.Watermark("c1"))
}

func TestOfflinePausesSync(t *testing.T) {
	c := newClock()
	store := remote.NewMemoryStore(c.Now)
	e := newEngine(store, c, "")
	ctx := context.Background()

	e.SetOffline(true)
	create(t, e, "e1", song("Grace"), "a")
	assert.ErrorIs(t, e.Flush(ctx), errOffline)
	_, err := e.Pull(ctx, "c1")
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, PausedOffline, e.Status().State)
	assert.Zero(t, store.Writes("e1"))

	e.SetOffline(false)
	assert.Equal(t, Syncing, e.Status().State)
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, int64(1), store.Writes("e1"))
	assert.Equal(t, Synced, e.Status().State)
}

func TestRunFlushesOnEnqueue(t *testing.T) {
	store := remote.NewMemoryStore(nil)
	e := NewEngine(Options{Store: store, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	create(t, e, "e1", song("Grace"), "a")
	assert.Eventually(t, func() bool { return store.Writes("e1") == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestWatchPullsRemoteChanges(t *testing.T) {
	store := remote.NewMemoryStore(nil)
	writer := NewEngine(Options{Store: store})
	reader := NewEngine(Options{Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reader.Watch(ctx, "c1")
	}()

	create(t, writer, "e1", song("Grace"), "alice")
	assert.Eventually(t, func() bool {
		_ = writer.Flush(ctx)
		_, ok := reader.Cache().Get("e1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newClock()
	store := &flakyStore{MemoryStore: remote.NewMemoryStore(c.Now), fetchFailures: 1}
	e := NewEngine(Options{Store: store, Now: c.Now, Metrics: NewMetrics(reg)})
	ctx := context.Background()

	create(t, e, "e1", song("Grace"), "a")
	require.NoError(t, e.Flush(ctx))
	c.Advance(2 * time.Second)
	require.NoError(t, e.Flush(ctx))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				name := mf.GetName()
				for _, l := range m.GetLabel() {
					name += "/" + l.GetValue()
				}
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["chartsync_retries_total"])
	assert.Equal(t, 1.0, values["chartsync_operations_total/fast-forward"])
	assert.Equal(t, 0.0, values["chartsync_queued_operations"])
	assert.InDelta(t, 0.5, values["chartsync_health_score"], 0.001)
}

func TestPullRefetchesEntityAfterQueueDrains(t *testing.T) {
	c := newClock()
	mem := remote.NewMemoryStore(c.Now)
	ctx := context.Background()
	writer := newEngine(mem, c, "")
	create(t, writer, "e1", song("Grace"), "alice")
	require.NoError(t, writer.Flush(ctx))

	store := &flakyStore{MemoryStore: mem, fetchFailures: -1}
	reader := newEngine(store, c, "")
	_, err := reader.Pull(ctx, "c1")
	require.NoError(t, err)

	op := update(t, reader, "e1", domain.Payload{domain.FieldCapo: "1"}, "bob")
	update(t, writer, "e1", domain.Payload{domain.FieldTitle: "Grace (live)"}, "alice")
	require.NoError(t, writer.Flush(ctx))

	n, err := reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n, "pending entity is skipped")

	for _, d := range []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second} {
		c.Advance(d)
		require.NoError(t, reader.Flush(ctx))
	}
	got, ok := reader.Operation(op.ID)
	require.True(t, ok)
	require.True(t, got.Terminal)
	require.NoError(t, reader.Acknowledge(op.ID))

	store.mu.Lock()
	store.fetchFailures = 0
	store.mu.Unlock()

	n, err = reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p := reader.Projection("e1")
	assert.Equal(t, int64(2), p.Basis)
	assert.Equal(t, "Grace (live)", p.Payload.Get(domain.FieldTitle))

	n, err = reader.Pull(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
