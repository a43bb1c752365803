package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/notify"
	"sync-service/internal/remote"
)

var DefaultDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

const (
	DefaultBatchSize    = 50
	DefaultParallelism  = 4
	DefaultCallTimeout  = 10 * time.Second
	DefaultInterval     = 5 * time.Second
	DefaultHealthWindow = 20

	recentLimit = 200
)

type Options struct {
	Store     remote.Store
	Conflicts *conflict.Engine
	Cache     *Cache
	Bus       *notify.Bus
	Logger    *zap.Logger
	Metrics   *Metrics

	// Delays are the waits between attempts. An operation gets
	// len(Delays)+1 attempts before its failure becomes terminal.
	Delays       []time.Duration
	BatchSize    int
	Parallelism  int
	CallTimeout  time.Duration
	Interval     time.Duration
	HealthWindow int
	Now          func() time.Time
}

// Engine queues local operations and reconciles them with the remote store.
type Engine struct {
	store     remote.Store
	conflicts *conflict.Engine
	cache     *Cache
	bus       *notify.Bus
	logger    *zap.Logger
	metrics   *Metrics

	delays      []time.Duration
	batchSize   int
	parallelism int
	callTimeout time.Duration
	interval    time.Duration
	window      int
	now         func() time.Time

	flushing sync.Mutex

	mu         sync.Mutex
	queues     map[string][]*Operation
	ops        map[string]*Operation
	recent     []Operation
	results    []bool
	lastSyncAt time.Time
	lastError  string
	offline    bool
	tracked    map[string]struct{}
	observers  []func(Result)
	// stale maps entities whose remote changes a pull skipped to their
	// collection. They are refetched once their queue drains.
	stale map[string]string

	wake chan struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflict.NewEngine(conflict.PolicyManual, opts.Logger, opts.Now)
	}
	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	if opts.Delays == nil {
		opts.Delays = DefaultDelays
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HealthWindow <= 0 {
		opts.HealthWindow = DefaultHealthWindow
	}
	return &Engine{
		store:       opts.Store,
		conflicts:   opts.Conflicts,
		cache:       opts.Cache,
		bus:         opts.Bus,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		delays:      append([]time.Duration(nil), opts.Delays...),
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		callTimeout: opts.CallTimeout,
		interval:    opts.Interval,
		window:      opts.HealthWindow,
		now:         opts.Now,
		queues:      make(map[string][]*Operation),
		ops:         make(map[string]*Operation),
		tracked:     make(map[string]struct{}),
		stale:       make(map[string]string),
		wake:        make(chan struct{}, 1),
	}
}

// Cache exposes the engine's local copy of remote entities.
func (e *Engine) Cache() *Cache { return e.cache }

// MaxAttempts is the number of dispatches an operation gets.
func (e *Engine) MaxAttempts() int { return len(e.delays) + 1 }

// OnResult registers fn to run whenever an operation settles, conflicts,
// fails terminally or is resolved. fn runs outside the engine lock.
func (e *Engine) OnResult(fn func(Result)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Enqueue validates op and appends it to its entity queue. When neither
// Base nor Basis is set they are taken from the entity projection, which
// includes operations already queued.
func (e *Engine) Enqueue(op Operation) (Operation, error) {
	if op.EntityID == "" {
		return Operation{}, domain.Invalid("operation needs an entity id")
	}
	if !op.Kind.Valid() {
		return Operation{}, domain.Invalid("unknown operation kind %q", op.Kind)
	}
	if op.Editor == "" {
		return Operation{}, domain.Invalid("operation needs an editor")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = e.now().UTC()
	}
	op.Status = Pending
	op.Attempts = 0
	op.Terminal = false
	op.Conflict = nil
	op.Base = op.Base.Clone()
	op.Changes = op.Changes.Clone()

	e.mu.Lock()
	if _, dup := e.ops[op.ID]; dup {
		e.mu.Unlock()
		return Operation{}, domain.Invalid("operation %s already queued", op.ID)
	}
	if op.Kind != domain.OpCreate && op.Basis == 0 && len(op.Base) == 0 {
		p := e.projectLocked(op.EntityID)
		if !p.Exists {
			e.mu.Unlock()
			return Operation{}, domain.ErrEntityNotFound
		}
		if p.Deleted {
			e.mu.Unlock()
			return Operation{}, domain.ErrEntityDeleted
		}
		op.Basis = p.Basis
		op.Base = p.Payload
		if op.CollectionID == "" {
			op.CollectionID = p.CollectionID
		}
	}
	stored := op
	e.queues[op.EntityID] = append(e.queues[op.EntityID], &stored)
	e.ops[op.ID] = &stored
	out := stored.snapshot()
	queued := len(e.ops)
	e.mu.Unlock()

	e.metrics.gauges(e.Status().Score, queued)
	e.publishOp(out)
	e.Wake()
	return out, nil
}

// Wake asks Run to flush without waiting for the next tick.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Projection is the locally visible state of an entity: the cached remote
// record with every queued operation applied.
type Projection struct {
	EntityID     string
	CollectionID string
	Payload      domain.Payload
	// Basis is the revision the next operation should be prepared against.
	Basis      int64
	Exists     bool
	Deleted    bool
	Editor     string
	ModifiedAt time.Time
	Pending    int
	Corrupt    bool
}

func (e *Engine) Projection(entityID string) Projection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectLocked(entityID)
}

func (e *Engine) projectLocked(entityID string) Projection {
	p := Projection{EntityID: entityID, Corrupt: e.cache.Corrupt(entityID)}
	if rec, ok := e.cache.Get(entityID); ok {
		p.CollectionID = rec.CollectionID
		p.Payload = rec.Payload
		p.Basis = rec.Revision
		p.Exists = true
		p.Deleted = rec.Deleted
		p.Editor = rec.Editor
		p.ModifiedAt = rec.UpdatedAt
	}
	q := e.queues[entityID]
	p.Pending = len(q)
	if len(q) == 0 {
		return p
	}
	tail := q[len(q)-1]
	if p.CollectionID == "" {
		p.CollectionID = tail.CollectionID
	}
	p.Basis = tail.Basis
	p.Editor = tail.Editor
	p.ModifiedAt = tail.SubmittedAt
	p.Exists = true
	if tail.Kind == domain.OpDelete {
		p.Deleted = true
		p.Payload = tail.Base.Clone()
	} else {
		p.Deleted = false
		p.Payload = tail.Target()
	}
	return p
}

// Entity returns the projected entity, or false if it is unknown locally.
func (e *Engine) Entity(entityID string) (domain.EntityRef, bool) {
	p := e.Projection(entityID)
	if !p.Exists {
		return nil, false
	}
	if p.Deleted {
		return domain.Deleted{Tombstone: domain.Tombstone{
			ID:           p.EntityID,
			CollectionID: p.CollectionID,
			DeletedBy:    p.Editor,
			DeletedAt:    p.ModifiedAt,
			Revision:     p.Basis,
		}}, true
	}
	return domain.Active{Entity: domain.Entity{
		ID:           p.EntityID,
		CollectionID: p.CollectionID,
		Payload:      p.Payload,
		LastEditor:   p.Editor,
		ModifiedAt:   p.ModifiedAt,
		Revision:     p.Basis,
	}}, true
}

// Entities lists projected entity ids known for a collection.
func (e *Engine) Entities(collectionID string) []domain.EntityRef {
	seen := make(map[string]struct{})
	for _, rec := range e.cache.Collection(collectionID) {
		seen[rec.EntityID] = struct{}{}
	}
	e.mu.Lock()
	for id, q := range e.queues {
		if len(q) > 0 && q[0].CollectionID == collectionID {
			seen[id] = struct{}{}
		}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.EntityRef, 0, len(ids))
	for _, id := range ids {
		if ref, ok := e.Entity(id); ok {
			out = append(out, ref)
		}
	}
	return out
}

// Operation returns a queued or recently settled operation.
func (e *Engine) Operation(id string) (Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if op, ok := e.ops[id]; ok {
		return op.snapshot(), true
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].ID == id {
			return e.recent[i], true
		}
	}
	return Operation{}, false
}

// Operations lists unsettled operations of a collection, oldest first. An
// empty collection id lists all of them.
func (e *Engine) Operations(collectionID string) []Operation {
	e.mu.Lock()
	out := make([]Operation, 0, len(e.ops))
	for _, op := range e.ops {
		if collectionID == "" || op.CollectionID == collectionID {
			out = append(out, op.snapshot())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending reports whether the entity has unsettled operations.
func (e *Engine) Pending(entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[entityID]) > 0
}

// Resolve settles a conflicted operation with the chosen strategy. Keeping
// the remote settles it at once; any other choice re-queues a write
// against the revision the conflict was detected at.
func (e *Engine) Resolve(ctx context.Context, opID string, choice conflict.Strategy, manual domain.Payload) (Operation, error) {
	e.mu.Lock()
	op, ok := e.ops[opID]
	if !ok {
		e.mu.Unlock()
		return Operation{}, domain.ErrOperationNotFound
	}
	if op.Status != Conflicted || op.Conflict == nil {
		e.mu.Unlock()
		return Operation{}, domain.Invalid("operation %s is not in conflict", opID)
	}
	d := *op.Conflict
	res, err := e.conflicts.Resolve(d, choice, manual)
	if err != nil {
		e.mu.Unlock()
		return Operation{}, err
	}

	result := Result{Outcome: conflict.Conflicted, Resolution: choice}
	if res.Noop {
		op.Status = Succeeded
		op.Revision = d.RemoteRevision
		op.Conflict = nil
		op.LastError = ""
		e.settleLocked(op, d.Remote, !d.RemoteDeleted, d.RemoteRevision)
		result.Outcome = conflict.AlreadyApplied
	} else {
		op.Basis = d.RemoteRevision
		op.Base = d.Remote.Clone()
		switch {
		case res.Delete:
			op.Kind = domain.OpDelete
			op.Changes = nil
		case d.RemoteRevision == 0:
			op.Kind = domain.OpCreate
			op.Base = nil
			op.Changes = res.Payload.Clone()
		default:
			op.Kind = domain.OpUpdate
			op.Changes = domain.Diff(op.Base, res.Payload)
		}
		op.Forced = true
		op.Status = Pending
		op.Attempts = 0
		op.Terminal = false
		op.LastError = ""
		op.Message = ""
		op.Conflict = nil
		op.err = nil
	}
	result.Op = op.snapshot()
	observers := e.observers
	e.mu.Unlock()

	e.logger.Info("sync: conflict resolved",
		zap.String("op", opID), zap.String("entity", d.EntityID), zap.String("choice", string(choice)))
	e.publishOp(result.Op)
	notifyAll(observers, result)
	e.Wake()
	return result.Op, nil
}

// Acknowledge drops a terminally failed operation from its queue.
func (e *Engine) Acknowledge(opID string) error {
	e.mu.Lock()
	op, ok := e.ops[opID]
	if !ok {
		e.mu.Unlock()
		return domain.ErrOperationNotFound
	}
	if !op.Terminal {
		e.mu.Unlock()
		return domain.Invalid("operation %s has not failed terminally", opID)
	}
	e.dropLocked(op)
	snap := op.snapshot()
	e.mu.Unlock()

	e.publishOp(snap)
	e.Wake()
	return nil
}

// Restore re-queues the last intact payload of an entity whose remote copy
// failed its integrity check. The write overwrites the corrupt revision.
func (e *Engine) Restore(ctx context.Context, entityID, editor string) (Operation, error) {
	payload, rev, ok := e.cache.LastGood(entityID)
	if !ok {
		return Operation{}, domain.ErrEntityNotFound
	}
	rec, _ := e.cache.Get(entityID)

	e.mu.Lock()
	if q := e.queues[entityID]; len(q) > 0 && q[0].Terminal {
		e.dropLocked(q[0])
	}
	e.mu.Unlock()

	return e.Enqueue(Operation{
		CollectionID: rec.CollectionID,
		EntityID:     entityID,
		Kind:         domain.OpUpdate,
		Basis:        rev,
		Base:         domain.Payload{},
		Changes:      payload,
		Editor:       editor,
		Forced:       true,
	})
}

// Forget discards the queue and cache of a deleted collection.
func (e *Engine) Forget(collectionID string) {
	e.mu.Lock()
	for id, op := range e.ops {
		if op.CollectionID == collectionID && op.Status != InFlight {
			delete(e.ops, id)
		}
	}
	for entity, q := range e.queues {
		if len(q) > 0 && q[0].CollectionID == collectionID {
			delete(e.queues, entity)
		}
	}
	for entity, coll := range e.stale {
		if coll == collectionID {
			delete(e.stale, entity)
		}
	}
	delete(e.tracked, collectionID)
	e.mu.Unlock()
	e.cache.Forget(collectionID)
}

// settleLocked removes a finished head operation and rebases its successor
// when the successor was prepared against the payload that was accepted.
func (e *Engine) settleLocked(op *Operation, accepted domain.Payload, live bool, revision int64) {
	e.dropLocked(op)
	q := e.queues[op.EntityID]
	if len(q) == 0 || revision == 0 {
		return
	}
	next := q[0]
	if live && next.Kind != domain.OpCreate && next.Base.Equal(accepted) {
		next.Basis = revision
	}
}

func (e *Engine) dropLocked(op *Operation) {
	delete(e.ops, op.ID)
	q := e.queues[op.EntityID]
	for i, o := range q {
		if o == op {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(e.queues, op.EntityID)
	} else {
		e.queues[op.EntityID] = q
	}
	e.recent = append(e.recent, op.snapshot())
	if len(e.recent) > recentLimit {
		e.recent = e.recent[len(e.recent)-recentLimit:]
	}
}

func (e *Engine) publishOp(op Operation) {
	typ := notify.TypeOperation
	if op.Status == Conflicted {
		typ = notify.TypeConflict
	}
	e.bus.Publish(notify.Notification{
		Type:         typ,
		CollectionID: op.CollectionID,
		EntityID:     op.EntityID,
		Payload:      op,
		At:           e.now().UTC(),
	})
}

func notifyAll(observers []func(Result), r Result) {
	for _, fn := range observers {
		fn(r)
	}
}

var errOffline = errors.New("sync paused while offline")
