package cache

import (
	"container/list"
	"sync"
	"time"
)

// BlockTimes is an LRU of block timestamps for one chain, keyed by block
// number. Header lookups dominate RPC traffic when many tokens share a
// window, so hits here translate directly into saved eth_getBlockByNumber
// calls. Entries carry a TTL so a timestamp fetched near the head cannot
// outlive a reorg of that block.
type BlockTimes struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[uint64]*list.Element
	order    *list.List
	nowFn    func() time.Time

	hits   int64
	misses int64
}

type blockEntry struct {
	block     uint64
	ts        time.Time
	expiresAt time.Time
}

func NewBlockTimes(capacity int, ttl time.Duration) *BlockTimes {
	return &BlockTimes{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[uint64]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Get returns the cached timestamp for block and true, or the zero time and
// false when absent or expired.
func (c *BlockTimes) Get(block uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[block]
	if !ok {
		c.misses++
		return time.Time{}, false
	}

	e := elem.Value.(*blockEntry)
	if c.nowFn().After(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return time.Time{}, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.ts, true
}

// Put adds or refreshes the timestamp for block.
func (c *BlockTimes) Put(block uint64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[block]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*blockEntry)
		e.ts = ts
		e.expiresAt = c.nowFn().Add(c.ttl)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}

	elem := c.order.PushFront(&blockEntry{
		block:     block,
		ts:        ts,
		expiresAt: c.nowFn().Add(c.ttl),
	})
	c.items[block] = elem
}

// Len counts stored entries, expired ones included until eviction.
func (c *BlockTimes) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *BlockTimes) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *BlockTimes) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
}

func (c *BlockTimes) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	e := elem.Value.(*blockEntry)
	delete(c.items, e.block)
}
