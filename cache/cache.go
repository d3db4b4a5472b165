// Package cache implements the bounded buffer cache sitting between
// every higher layer (doclog, bptree, hbtrie, commit) and blockfile:
// a map from bid to an owned block image with {dirty, pinned} flags,
// evicting clean, unpinned victims in clock/LRU order.
//
// The recency structure is github.com/hashicorp/golang-lru's Cache,
// the same module the teacher's go.mod already depends on for its
// trie-node and block caches; basalt layers pin-count and dirty
// tracking on top since golang-lru has no notion of "do not evict a
// pinned entry" by itself.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/basalt-db/basalt/internal/rlog"
)

// Flusher persists a dirty block to the backing blockfile.File before
// it is evicted or on an explicit Flush call.
type Flusher func(bid uint64, data []byte) error

type entry struct {
	data   []byte
	dirty  bool
	pinned int
}

// Cache is a bounded bid -> block-image cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[uint64]*entry
	clean    *lru.Cache // recency order of clean, unpinned candidates (bid -> struct{})
	capacity int        // max resident blocks
	flush    Flusher
	logger   rlog.Logger
}

// New creates a cache holding up to capacity blocks.
func New(capacity int, flush Flusher) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{
		entries:  make(map[uint64]*entry),
		capacity: capacity,
		flush:    flush,
		logger:   rlog.New("component", "cache"),
	}
	clean, _ := lru.NewWithEvict(capacity, func(key interface{}, _ interface{}) {
		// golang-lru already removed it from `clean`; reflect that in
		// `entries` too, unless someone re-pinned/dirtied it since —
		// in that case Get() will already have re-added it to clean
		// once released, so this stale eviction callback is a no-op.
		bid := key.(uint64)
		if e, ok := c.entries[bid]; ok && e.pinned == 0 && !e.dirty {
			delete(c.entries, bid)
		}
	})
	c.clean = clean
	return c
}

// Get returns the cached image for bid, or nil if not resident.
// The caller must call Unpin when done if pin is true.
func (c *Cache) Get(bid uint64, pin bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[bid]
	if !ok {
		return nil
	}
	if pin {
		e.pinned++
		c.clean.Remove(bid)
	} else if e.pinned == 0 && !e.dirty {
		c.clean.Add(bid, struct{}{})
	}
	return e.data
}

// Put inserts or overwrites the image for bid. dirty marks it as
// needing a flush before eviction; pinned keeps it ineligible for
// eviction until a matching Unpin.
func (c *Cache) Put(bid uint64, data []byte, dirty bool, pin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{data: data, dirty: dirty}
	if pin {
		e.pinned = 1
	}
	c.entries[bid] = e
	if e.pinned == 0 && !e.dirty {
		c.clean.Add(bid, struct{}{})
	} else {
		c.clean.Remove(bid)
	}
	c.evictIfNeeded()
}

// MarkDirty flags bid as needing to be written back before eviction.
func (c *Cache) MarkDirty(bid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[bid]; ok {
		e.dirty = true
		c.clean.Remove(bid)
	}
}

// Unpin releases one pin on bid, making it eligible for eviction again
// once its pin count and dirty flag both allow it.
func (c *Cache) Unpin(bid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[bid]
	if !ok || e.pinned == 0 {
		return
	}
	e.pinned--
	if e.pinned == 0 && !e.dirty {
		c.clean.Add(bid, struct{}{})
	}
	c.evictIfNeeded()
}

// evictIfNeeded flushes and drops clean, unpinned victims in clock/LRU
// order until the resident set is back within capacity, or there are
// no more evictable candidates (all remaining entries are dirty or
// pinned — a legitimate steady state under heavy write load).
func (c *Cache) evictIfNeeded() {
	for len(c.entries) > c.capacity {
		keys := c.clean.Keys()
		if len(keys) == 0 {
			return
		}
		bid := keys[0].(uint64)
		e := c.entries[bid]
		if e == nil {
			c.clean.Remove(bid)
			continue
		}
		if e.dirty {
			if err := c.flush(bid, e.data); err != nil {
				c.logger.Error("flush on eviction failed", "bid", bid, "err", err)
				return
			}
			e.dirty = false
		}
		c.clean.Remove(bid)
		delete(c.entries, bid)
	}
}

// Flush writes back every dirty entry without evicting it.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for bid, e := range c.entries {
		if e.dirty {
			if err := c.flush(bid, e.data); err != nil {
				return err
			}
			e.dirty = false
			if e.pinned == 0 {
				c.clean.Add(bid, struct{}{})
			}
		}
	}
	return nil
}

// Len reports the number of resident blocks, for tests/metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
