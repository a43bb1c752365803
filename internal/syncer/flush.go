package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sync-service/internal/conflict"
	"sync-service/internal/domain"
	"sync-service/internal/remote"
)

const restoreHint = "Restore the last known-good version, or import the song as plain text."

type job struct {
	op     *Operation
	local  conflict.Local
	forced bool
	coll   string
}

// Flush dispatches every due queue head. Batches of heads go to the remote
// store in parallel, one FetchMany and one PushBatch per batch. Heads that
// become due during the pass (a successor of a settled op, a revision
// mismatch) are dispatched in the same call.
func (e *Engine) Flush(ctx context.Context) error {
	e.flushing.Lock()
	defer e.flushing.Unlock()

	if e.isOffline() {
		return errOffline
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs := e.dueHeads()
		if len(jobs) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.parallelism)
		for start := 0; start < len(jobs); start += e.batchSize {
			end := min(start+e.batchSize, len(jobs))
			batch := jobs[start:end]
			g.Go(func() error {
				e.process(gctx, batch)
				return nil
			})
		}
		_ = g.Wait()
	}

	h := e.Status()
	e.metrics.gauges(h.Score, h.Queued)
	e.publishHealth(h)
	return nil
}

// dueHeads marks every due queue head in flight and counts the attempt.
func (e *Engine) dueHeads() []job {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var jobs []job
	for _, q := range e.queues {
		head := q[0]
		if !head.due(now) {
			continue
		}
		head.Status = InFlight
		head.Attempts++
		jobs = append(jobs, job{op: head, local: head.local(), forced: head.Forced, coll: head.CollectionID})
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].op, jobs[j].op
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})
	return jobs
}

func (e *Engine) process(ctx context.Context, batch []job) {
	ids := make([]string, len(batch))
	for i, j := range batch {
		ids[i] = j.local.EntityID
	}
	e.metrics.batch(len(batch))

	fctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	recs, err := e.store.FetchMany(fctx, ids)
	cancel()
	if err != nil {
		e.recordCall(err)
		for _, j := range batch {
			e.fail(j.op, fmt.Errorf("fetch: %w", err))
		}
		return
	}

	var (
		reqs      []remote.PushRequest
		pushing   []job
		decisions []conflict.Decision
	)
	for _, j := range batch {
		rec, ok := recs[j.local.EntityID]
		// A restore is allowed to overwrite the corrupt revision it targets.
		overwrite := j.forced && rec.Revision == j.local.Basis
		if ok && rec.Err != nil && !overwrite {
			e.corrupt(j.op, rec)
			continue
		}
		if ok && rec.Err == nil {
			e.cache.Put(rec)
		}
		r := conflict.Remote{Exists: ok}
		if ok {
			r.Deleted = rec.Deleted
			r.Payload = rec.Payload
			r.Revision = rec.Revision
			r.Editor = rec.Editor
			r.AcceptedAt = rec.UpdatedAt
			r.LastOpID = rec.LastOpID
		}

		var d conflict.Decision
		if overwrite && r.LastOpID != j.local.OperationID {
			d = conflict.Decision{Outcome: conflict.FastForward, Payload: j.local.Target()}
			if j.local.Kind == domain.OpDelete {
				d = conflict.Decision{Outcome: conflict.FastForward, Delete: true}
			}
		} else {
			d = e.conflicts.Detect(j.local, r)
		}

		switch d.Outcome {
		case conflict.AlreadyApplied:
			e.succeed(j.op, rec, d)
			continue
		case conflict.Conflicted:
			e.conflicted(j.op, d)
			continue
		}
		coll := j.coll
		if ok && rec.CollectionID != "" {
			coll = rec.CollectionID
		}
		reqs = append(reqs, remote.PushRequest{
			OperationID:      j.local.OperationID,
			EntityID:         j.local.EntityID,
			CollectionID:     coll,
			ExpectedRevision: r.Revision,
			Payload:          d.Payload,
			Delete:           d.Delete,
			Editor:           j.local.Editor,
		})
		pushing = append(pushing, j)
		decisions = append(decisions, d)
	}
	if len(reqs) == 0 {
		e.recordCall(nil)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	results, err := e.store.PushBatch(pctx, reqs)
	cancel()
	if err != nil {
		e.recordCall(err)
		for _, j := range pushing {
			e.fail(j.op, fmt.Errorf("push: %w", err))
		}
		return
	}
	e.recordCall(nil)

	byOp := make(map[string]remote.PushResult, len(results))
	for _, res := range results {
		byOp[res.OperationID] = res
	}
	for i, j := range pushing {
		res, ok := byOp[j.local.OperationID]
		switch {
		case !ok:
			e.fail(j.op, fmt.Errorf("push: no result for operation %s: %w", j.local.OperationID, domain.ErrUnavailable))
		case res.Status == remote.Accepted:
			e.succeed(j.op, res.Record, decisions[i])
		default:
			e.mismatch(j.op, res.Revision)
		}
	}
}

func (e *Engine) succeed(op *Operation, rec remote.Record, d conflict.Decision) {
	if rec.Revision > 0 {
		e.cache.Put(rec)
	}

	e.mu.Lock()
	op.Status = Succeeded
	op.Revision = rec.Revision
	op.LastError = ""
	op.Message = ""
	op.err = nil
	e.settleLocked(op, rec.Payload, !rec.Deleted, rec.Revision)
	e.lastSyncAt = e.now().UTC()
	res := Result{Op: op.snapshot(), Outcome: d.Outcome, Ambiguities: d.Ambiguities, Overridden: d.Overridden}
	observers := e.observers
	e.mu.Unlock()

	e.metrics.outcome(d.Outcome.String())
	e.logger.Debug("sync: operation applied",
		zap.String("op", op.ID), zap.String("entity", op.EntityID),
		zap.String("outcome", d.Outcome.String()), zap.Int64("revision", rec.Revision))
	e.publishOp(res.Op)
	notifyAll(observers, res)
}

func (e *Engine) conflicted(op *Operation, d conflict.Decision) {
	e.mu.Lock()
	op.Status = Conflicted
	op.Conflict = d.Conflict
	op.LastError = domain.ErrRevisionMismatch.Error()
	op.Message = domain.UserMessage(domain.ErrRevisionMismatch)
	res := Result{Op: op.snapshot(), Outcome: conflict.Conflicted}
	observers := e.observers
	e.mu.Unlock()

	e.metrics.conflict()
	e.metrics.outcome(conflict.Conflicted.String())
	e.logger.Info("sync: conflict detected",
		zap.String("op", op.ID), zap.String("entity", op.EntityID), zap.Strings("fields", d.Conflict.Fields))
	e.publishOp(res.Op)
	notifyAll(observers, res)
}

// mismatch puts an operation whose push lost the compare-and-set straight
// back in line; the next pass re-runs detection against the new revision.
func (e *Engine) mismatch(op *Operation, actual int64) {
	err := fmt.Errorf("%w: remote at revision %d", domain.ErrRevisionMismatch, actual)
	e.mu.Lock()
	op.err = err
	op.LastError = err.Error()
	if op.Attempts >= e.MaxAttempts() {
		op.Status = Failed
		op.Terminal = true
		op.Message = domain.UserMessage(err)
	} else {
		op.Status = Pending
	}
	snap := op.snapshot()
	observers := e.observers
	e.mu.Unlock()

	if snap.Terminal {
		e.metrics.outcome("failed")
		e.logger.Warn("sync: giving up after repeated revision mismatches",
			zap.String("op", op.ID), zap.String("entity", op.EntityID), zap.Int("attempts", snap.Attempts))
		e.publishOp(snap)
		notifyAll(observers, Result{Op: snap})
		return
	}
	e.metrics.retry()
}

// fail records a transient failure. The operation is retried after the
// delay for its attempt number until the attempts run out.
func (e *Engine) fail(op *Operation, err error) {
	e.mu.Lock()
	op.err = err
	op.LastError = err.Error()
	op.Status = Failed
	if op.Attempts >= e.MaxAttempts() {
		op.Terminal = true
		op.Message = fmt.Sprintf("Gave up after %d attempts: the library could not be reached. Retry later or discard the change.", op.Attempts)
	} else {
		op.NextAttemptAt = e.now().Add(e.delays[op.Attempts-1])
		op.Message = domain.UserMessage(fmt.Errorf("%w: %v", domain.ErrUnavailable, err))
	}
	snap := op.snapshot()
	observers := e.observers
	e.mu.Unlock()

	if snap.Terminal {
		e.metrics.outcome("failed")
		e.logger.Warn("sync: operation failed terminally",
			zap.String("op", op.ID), zap.String("entity", op.EntityID), zap.Int("attempts", snap.Attempts), zap.Error(err))
		notifyAll(observers, Result{Op: snap})
	} else {
		e.metrics.retry()
		e.logger.Info("sync: operation will be retried",
			zap.String("op", op.ID), zap.String("entity", op.EntityID),
			zap.Int("attempt", snap.Attempts), zap.Time("next", snap.NextAttemptAt), zap.Error(err))
	}
	e.publishOp(snap)
}

// corrupt fails an operation whose remote record failed its integrity
// check. Data errors are never retried.
func (e *Engine) corrupt(op *Operation, rec remote.Record) {
	e.cache.MarkCorrupt(rec)

	var dataErr *domain.DataError
	if !errors.As(rec.Err, &dataErr) {
		dataErr = &domain.DataError{EntityID: rec.EntityID, Reason: rec.Err.Error()}
	}
	if dataErr.Recovery == "" {
		dataErr = &domain.DataError{EntityID: dataErr.EntityID, Reason: dataErr.Reason, Recovery: restoreHint}
	}

	e.mu.Lock()
	op.err = dataErr
	op.LastError = dataErr.Error()
	op.Message = domain.UserMessage(dataErr)
	op.Status = Failed
	op.Terminal = true
	snap := op.snapshot()
	observers := e.observers
	e.mu.Unlock()

	e.metrics.outcome("data-error")
	e.logger.Error("sync: corrupt remote payload",
		zap.String("entity", rec.EntityID), zap.Int64("revision", rec.Revision), zap.Error(rec.Err))
	e.publishOp(snap)
	notifyAll(observers, Result{Op: snap})
}
