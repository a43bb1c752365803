package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sync-service/internal/notify"
	"sync-service/internal/remote"
)

// Pull brings the cache of a collection up to date with the remote store.
// The first call reconciles everything; later calls fetch only records
// past the collection watermark. Entities with queued local operations are
// left alone: their divergence is settled by detection at push time. Once
// such a queue drains without a write landing, a later pull refetches the
// entity.
func (e *Engine) Pull(ctx context.Context, collectionID string) (int, error) {
	if e.isOffline() {
		return 0, errOffline
	}
	updated, err := e.refetch(ctx, collectionID)
	if err != nil {
		return updated, err
	}
	for {
		since := e.cache.Watermark(collectionID)
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
		recs, err := e.store.Changes(cctx, collectionID, since, e.batchSize)
		cancel()
		e.recordCall(err)
		if err != nil {
			return updated, fmt.Errorf("pull %s: %w", collectionID, err)
		}

		for _, rec := range recs {
			e.cache.Advance(collectionID, rec.Seq)
			if rec.Err != nil {
				e.cache.MarkCorrupt(rec)
				e.logger.Warn("sync: corrupt record in change feed",
					zap.String("entity", rec.EntityID), zap.Int64("revision", rec.Revision), zap.Error(rec.Err))
				continue
			}
			if e.markIfPending(rec.EntityID, collectionID) {
				continue
			}
			if e.cache.Put(rec) {
				updated++
				e.publishRecord(rec)
			}
		}
		if len(recs) < e.batchSize {
			break
		}
	}

	e.mu.Lock()
	e.lastSyncAt = e.now().UTC()
	e.mu.Unlock()
	return updated, nil
}

// refetch reloads the skipped entities of a collection whose queues have
// drained since.
func (e *Engine) refetch(ctx context.Context, collectionID string) (int, error) {
	e.mu.Lock()
	var ids []string
	for id, coll := range e.stale {
		if coll == collectionID && len(e.queues[id]) == 0 {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	recs, err := e.store.FetchMany(cctx, ids)
	cancel()
	e.recordCall(err)
	if err != nil {
		return 0, fmt.Errorf("refetch %s: %w", collectionID, err)
	}

	updated := 0
	for _, id := range ids {
		e.mu.Lock()
		busy := len(e.queues[id]) > 0
		if !busy {
			delete(e.stale, id)
		}
		e.mu.Unlock()
		rec, ok := recs[id]
		if busy || !ok {
			continue
		}
		if rec.Err != nil {
			e.cache.MarkCorrupt(rec)
			continue
		}
		if cur, ok := e.cache.Get(id); ok && cur.Revision >= rec.Revision {
			continue
		}
		if e.cache.Put(rec) {
			updated++
			e.publishRecord(rec)
		}
	}
	return updated, nil
}

// markIfPending records a skipped remote change for an entity with queued
// operations.
func (e *Engine) markIfPending(entityID, collectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queues[entityID]) == 0 {
		return false
	}
	e.stale[entityID] = collectionID
	return true
}

func (e *Engine) publishRecord(rec remote.Record) {
	e.bus.Publish(notify.Notification{
		Type:         notify.TypeEntity,
		CollectionID: rec.CollectionID,
		EntityID:     rec.EntityID,
		Payload:      rec,
		At:           e.now().UTC(),
	})
}

// Track adds a collection to the set Run pulls on every tick.
func (e *Engine) Track(collectionID string) {
	e.mu.Lock()
	e.tracked[collectionID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) trackedCollections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tracked))
	for c := range e.tracked {
		out = append(out, c)
	}
	return out
}

// Watch follows the remote change stream of a collection and pulls on
// every notification past the watermark. The subscription is re-established
// with exponential backoff until ctx is done.
func (e *Engine) Watch(ctx context.Context, collectionID string) error {
	e.Track(collectionID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return e.watch(ctx, collectionID, b)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		e.logger.Warn("sync: change stream lost",
			zap.String("collection", collectionID), zap.Error(err), zap.Duration("retry_in", wait))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) watch(ctx context.Context, collectionID string, b backoff.BackOff) error {
	ch, err := e.store.Subscribe(ctx, collectionID)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	b.Reset()

	// Changes made while the stream was down are only visible to a pull.
	if _, err := e.Pull(ctx, collectionID); err != nil && !errors.Is(err, errOffline) {
		e.logger.Warn("sync: catch-up pull failed", zap.String("collection", collectionID), zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case c, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return errors.New("sync: change stream closed")
			}
			if c.Seq <= e.cache.Watermark(collectionID) {
				continue
			}
			if _, err := e.Pull(ctx, collectionID); err != nil && !errors.Is(err, errOffline) {
				e.logger.Warn("sync: pull failed", zap.String("collection", collectionID), zap.Error(err))
			}
			e.Wake()
		}
	}
}

// Run flushes the queue on every tick and whenever an operation is
// enqueued, and pulls tracked collections on every tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, c := range e.trackedCollections() {
				if _, err := e.Pull(ctx, c); err != nil && !errors.Is(err, errOffline) {
					e.logger.Warn("sync: pull failed", zap.String("collection", c), zap.Error(err))
				}
			}
		case <-e.wake:
		}
		if err := e.Flush(ctx); err != nil && !errors.Is(err, errOffline) && ctx.Err() == nil {
			e.logger.Warn("sync: flush failed", zap.Error(err))
		}
	}
}
