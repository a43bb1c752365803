package syncer

import (
	"sort"
	"sync"

	"sync-service/internal/domain"
	"sync-service/internal/remote"
)

type cacheEntry struct {
	rec remote.Record
	// good is the last payload that passed its integrity check.
	good     domain.Payload
	corrupt  bool
	corruptR int64
}

// Cache is the local copy of remote entities. Revisions only move forward.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	watermarks map[string]int64
}

func NewCache() *Cache {
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		watermarks: make(map[string]int64),
	}
}

// Put stores rec unless the cache already holds a newer revision.
func (c *Cache) Put(rec remote.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[rec.EntityID]
	if ok && e.rec.Revision > rec.Revision {
		return false
	}
	if !ok {
		e = &cacheEntry{}
		c.entries[rec.EntityID] = e
	}
	rec.Payload = rec.Payload.Clone()
	e.rec = rec
	e.corrupt = false
	if !rec.Deleted {
		e.good = rec.Payload.Clone()
	}
	return true
}

// MarkCorrupt flags an entity whose remote payload failed the integrity
// check at revision. The last good payload is kept for Restore.
func (c *Cache) MarkCorrupt(rec remote.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[rec.EntityID]
	if !ok {
		e = &cacheEntry{rec: remote.Record{EntityID: rec.EntityID, CollectionID: rec.CollectionID}}
		c.entries[rec.EntityID] = e
	}
	e.corrupt = true
	e.corruptR = rec.Revision
}

func (c *Cache) Get(entityID string) (remote.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entityID]
	if !ok || e.rec.Revision == 0 {
		return remote.Record{}, false
	}
	r := e.rec
	r.Payload = r.Payload.Clone()
	return r, true
}

// LastGood returns the last intact payload and the revision a restore must
// overwrite.
func (c *Cache) LastGood(entityID string) (domain.Payload, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entityID]
	if !ok || e.good == nil {
		return nil, 0, false
	}
	rev := e.rec.Revision
	if e.corrupt {
		rev = e.corruptR
	}
	return e.good.Clone(), rev, true
}

func (c *Cache) Corrupt(entityID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entityID]
	return ok && e.corrupt
}

// Collection lists cached records of a collection ordered by entity id.
func (c *Cache) Collection(collectionID string) []remote.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []remote.Record
	for _, e := range c.entries {
		if e.rec.CollectionID == collectionID && e.rec.Revision > 0 {
			r := e.rec
			r.Payload = r.Payload.Clone()
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (c *Cache) Watermark(collectionID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watermarks[collectionID]
}

func (c *Cache) Advance(collectionID string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.watermarks[collectionID] {
		c.watermarks[collectionID] = seq
	}
}

// Forget drops every entry of a deleted collection.
func (c *Cache) Forget(collectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.rec.CollectionID == collectionID {
			delete(c.entries, id)
		}
	}
	delete(c.watermarks, collectionID)
}
