package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/memvault/resource"
)

// LRU caches decoded frame payloads keyed by frame id.
//
// Payloads of a frame never change once written, so entries only leave the
// cache through eviction or Purge.
type LRU struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[uint64]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   uint64
	value []byte
}

// NewLRU creates a cache bounded to capacity bytes. When rc is set, every
// cached byte is also reserved from its memory budget.
func NewLRU(capacity int64, rc *resource.Controller) *LRU {
	return &LRU{
		capacity:  capacity,
		items:     make(map[uint64]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the cached payload of key. The slice must not be modified.
func (c *LRU) Get(key uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return el.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches b under key. Values larger than the cache, or that the
// resource controller refuses, are not cached.
func (c *LRU) Set(key uint64, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		return
	}

	n := int64(len(b))
	if n > c.capacity {
		return
	}
	// Evict locally first so the controller gets the memory back before we
	// ask for it.
	for c.size+n > c.capacity {
		el := c.evictList.Back()
		if el == nil {
			break
		}
		c.removeElement(el)
	}
	if !c.rc.ReserveCache(n) {
		return
	}

	el := c.evictList.PushFront(&entry{key: key, value: b})
	c.items[key] = el
	c.size += n
}

// Purge drops every entry and returns its memory to the controller.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.evictList.Back(); el != nil; el = c.evictList.Back() {
		c.removeElement(el)
	}
}

func (c *LRU) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	kv := el.Value.(*entry)
	delete(c.items, kv.key)
	n := int64(len(kv.value))
	c.size -= n
	c.rc.ReleaseCache(n)
}

// Stats returns hit and miss counters.
func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached bytes.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
