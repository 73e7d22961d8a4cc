// entityCache is the in-memory tier in front of the durable KV. It applies
// S3-FIFO eviction ("Simple, Scalable, FIFO-based cache eviction", Yang et
// al., 2023) plus a per-entry TTL.
//
// # Algorithm
//
//   - S (small, ~10% of capacity): probationary FIFO queue.
//     All new keys are inserted here.
//   - M (main, ~90% of capacity): protected FIFO queue.
//     Keys promoted from S after at least one access (freq > 0) land here.
//   - G (ghost): a circular-buffer set of keys recently evicted from S,
//     bounded to 2× sTarget. A key found in G on insert bypasses S and goes
//     directly to M, providing scan resistance comparable to ARC without
//     LRU's per-access lock serialization.
//
// Per-object state: saturating frequency counter (uint8, max 3),
// incremented on every Get hit, reset to 0 on M promotion.
//
// # Eviction
//
//	S → evict oldest head:
//	  freq > 0 → promote to M tail (reset freq); if M now over target, evict M head.
//	  freq == 0 → remove from memory, add key to G.
//
//	M → evict oldest head: remove from memory. No G entry.
//
// Eviction and TTL expiry only affect this in-memory tier. The durable KV
// is authoritative; an evicted or expired key falls through to it on the
// next lookup and is re-warmed from there.
//
// # Concurrency
//
// All public methods acquire a single mutex for in-memory state.
package store

import (
	"container/list"
	"log"
	"sync"
	"time"
)

// cacheEntry holds the in-memory state for a single cached entity.
type cacheEntry struct {
	entity    *Entity
	expiresAt time.Time
	freq      uint8         // saturating counter in [0, 3]
	elem      *list.Element // back-pointer into sQueue or mQueue
	inM       bool          // true → lives in mQueue, false → sQueue
}

type entityCache struct {
	mu sync.Mutex

	capacity int           // S + M max items
	sTarget  int           // desired S queue size (~10%)
	ghostCap int           // maximum ghost set cardinality
	ttl      time.Duration // per-entry lifetime; 0 disables expiry

	entries map[string]*cacheEntry

	// FIFO queues; each element Value is a string key.
	sQueue *list.List
	mQueue *list.List

	// Ghost: bounded circular buffer.
	ghostBuf   []string            // fixed-size ring, length == ghostCap
	ghostSet   map[string]struct{} // O(1) membership test
	ghostHead  int                 // oldest entry index in ghostBuf
	ghostCount int                 // current number of ghost entries
}

// newEntityCache returns an empty cache. capacity is the maximum number of
// resident entities; values < 2 are clamped to 2.
func newEntityCache(capacity int, ttl time.Duration) *entityCache {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	log.Printf("[STORE] entity cache capacity=%d sTarget=%d ghostCap=%d ttl=%s", capacity, sTarget, ghostCap, ttl)
	return &entityCache{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
	}
}

// get returns the resident entity for key. An expired entry is dropped and
// reported as a miss so the caller falls through to the durable KV.
func (c *entityCache) get(key string) (*Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.entity, true
}

// put inserts or refreshes key. An existing entry keeps its queue position;
// only the value and expiry are updated.
func (c *entityCache) put(key string, entity *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.entity = entity
		e.expiresAt = time.Now().Add(c.ttl)
		return
	}

	// New key: insert into M if key is in ghost, S otherwise.
	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &cacheEntry{
		entity:    entity,
		expiresAt: time.Now().Add(c.ttl),
		elem:      elem,
		inM:       inM,
	}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

// len reports the number of resident entries, expired ones included.
func (c *entityCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sQueue.Len() + c.mQueue.Len()
}

// evictOne removes one entry, following the S3-FIFO policy.
// Must be called with c.mu held.
func (c *entityCache) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

// evictFromS pops the oldest entry from S and either promotes it to M or
// evicts it. Must be called with c.mu held.
func (c *entityCache) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front) // corrupted element; discard
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return // stale element; skip
	}

	if e.freq > 0 {
		// Promote to M: reset freq, update membership.
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

// evictFromM pops the oldest entry from M and evicts it.
// Must be called with c.mu held.
func (c *entityCache) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front) // corrupted element; discard
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

// removeLocked removes key from whichever queue it lives in and from the
// entries map. A no-op if the key is not resident.
// Must be called with c.mu held.
func (c *entityCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

// ghostContains reports whether key is in the ghost set.
// Must be called with c.mu held.
func (c *entityCache) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd inserts key into the bounded circular ghost buffer.
// If the buffer is full, the oldest entry is evicted to make room.
// Must be called with c.mu held.
func (c *entityCache) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return // already present; avoid duplicate
	}

	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}

	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
