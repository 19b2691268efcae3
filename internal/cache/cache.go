// Package cache provides the dependency-tracked artifact store at the center
// of the incremental pipeline. Every entry records the dependency tokens it
// was built from, so invalidating one changed input removes exactly the
// artifacts derived from it and nothing else.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DependencyCache is a bounded key→artifact store with per-entry dependency
// sets, TTL expiry, and least-recently-inserted eviction.
//
// Eviction is deliberately keyed on insertion time rather than access time:
// insertion order is maintained for free on Store, so eviction stays cheap
// and no bookkeeping happens on the read path. At dev-server scale (hundreds
// to low thousands of entries) the difference from true LRU is not worth the
// extra churn.
//
// All operations take one mutex scoped to the whole store. Invalidation is
// O(affected entries) and entries are bounded, so the single lock avoids
// lost-update races without measurable contention.
type DependencyCache struct {
	entries  map[string]*cacheEntry
	capacity int
	ttl      time.Duration
	mutex    sync.Mutex

	// dependents indexes dependency token → set of cache keys built from it.
	dependents map[string]map[string]struct{}

	// Insertion-ordered doubly-linked list; oldest insertion at head.next.
	head *cacheEntry
	tail *cacheEntry

	sweepInterval time.Duration
	lastSweep     time.Time

	// Statistics tracking (atomic so Statistics can read without the lock)
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key          string
	value        []byte
	dependencies map[string]struct{}
	insertedAt   time.Time
	lastAccessed time.Time

	prev *cacheEntry
	next *cacheEntry
}

// Statistics is a point-in-time view of the cache for observability.
type Statistics struct {
	Count     int
	Capacity  int
	TTL       time.Duration
	Hits      int64
	Misses    int64
	Evictions int64
}

// defaultSweepInterval gates the opportunistic expired-entry sweep.
const defaultSweepInterval = 5 * time.Minute

// NewDependencyCache creates a cache bounded to maxEntries entries, each
// valid for ttl after insertion.
func NewDependencyCache(maxEntries int, ttl time.Duration) *DependencyCache {
	c := &DependencyCache{
		entries:       make(map[string]*cacheEntry),
		dependents:    make(map[string]map[string]struct{}),
		capacity:      maxEntries,
		ttl:           ttl,
		sweepInterval: defaultSweepInterval,
		lastSweep:     time.Now(),
	}

	c.head = &cacheEntry{}
	c.tail = &cacheEntry{}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// SetSweepInterval overrides the minimum interval between opportunistic
// expiry sweeps. Zero disables the gate entirely, which only tests want.
func (c *DependencyCache) SetSweepInterval(interval time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sweepInterval = interval
}

// Store inserts or overwrites an entry together with the dependency tokens
// it was built from. If the cache is at capacity, the least-recently-inserted
// entries are evicted until the new entry fits. Store never fails.
func (c *DependencyCache) Store(key string, value []byte, dependencies []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.entries[key]; ok {
		// A rebuild re-records dependencies: the artifact may now be built
		// from a different input set.
		c.unindex(existing)
		c.removeFromList(existing)
		delete(c.entries, key)
	}

	for c.capacity > 0 && len(c.entries) >= c.capacity {
		oldest := c.head.next
		if oldest == c.tail {
			// List out of sync with the map; degrade to inserting over
			// capacity rather than dropping the new entry.
			break
		}
		c.removeEntry(oldest)
		atomic.AddInt64(&c.evictions, 1)
	}

	entry := &cacheEntry{
		key:          key,
		value:        value,
		dependencies: make(map[string]struct{}, len(dependencies)),
		insertedAt:   time.Now(),
		lastAccessed: time.Now(),
	}
	for _, dep := range dependencies {
		entry.dependencies[dep] = struct{}{}
		keys, ok := c.dependents[dep]
		if !ok {
			keys = make(map[string]struct{})
			c.dependents[dep] = keys
		}
		keys[key] = struct{}{}
	}

	c.entries[key] = entry
	c.addToBack(entry)

	c.maybeSweepLocked()
}

// Retrieve returns the stored artifact, or nil if the key is absent or its
// entry has outlived the TTL. An expired entry is evicted as a side effect
// of the miss. Retrieve never fails.
func (c *DependencyCache) Retrieve(key string) []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil
	}

	if c.expired(entry, time.Now()) {
		c.removeEntry(entry)
		atomic.AddInt64(&c.misses, 1)
		return nil
	}

	entry.lastAccessed = time.Now()
	atomic.AddInt64(&c.hits, 1)

	c.maybeSweepLocked()

	return entry.value
}

// Peek returns the value and declared dependencies for a live entry without
// touching access time or hit/miss statistics. The orchestrator uses it to
// snapshot artifacts before invalidation so a failed rebuild can put the
// stale-but-valid artifact back.
func (c *DependencyCache) Peek(key string) ([]byte, []string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry, time.Now()) {
		return nil, nil, false
	}

	deps := make([]string, 0, len(entry.dependencies))
	for dep := range entry.dependencies {
		deps = append(deps, dep)
	}

	return entry.value, deps, true
}

// Contains reports whether a live (non-expired) entry exists for key without
// touching access time or statistics.
func (c *DependencyCache) Contains(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	return ok && !c.expired(entry, time.Now())
}

// InvalidateDependency removes every entry whose dependency set contains the
// given token, in one pass, and returns the removed keys. Dependency tokens
// are input-level, never entry-level, so no multi-level cascade exists.
func (c *DependencyCache) InvalidateDependency(dependency string) []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	keys, ok := c.dependents[dependency]
	if !ok {
		return nil
	}

	removed := make([]string, 0, len(keys))
	for key := range keys {
		if entry, ok := c.entries[key]; ok {
			c.removeEntry(entry)
			removed = append(removed, key)
		}
	}

	return removed
}

// Clear drops everything.
func (c *DependencyCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.dependents = make(map[string]map[string]struct{})
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Statistics returns count, capacity, TTL, and hit/miss/eviction counters.
func (c *DependencyCache) Statistics() Statistics {
	c.mutex.Lock()
	count := len(c.entries)
	c.mutex.Unlock()

	return Statistics{
		Count:     count,
		Capacity:  c.capacity,
		TTL:       c.ttl,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

func (c *DependencyCache) expired(entry *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.insertedAt) > c.ttl
}

// maybeSweepLocked removes expired entries beyond the one touched by the
// current call, at most once per sweep interval. Keeps steady-state memory
// bounded even without traffic on the expired keys. Caller holds the lock.
func (c *DependencyCache) maybeSweepLocked() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	if c.sweepInterval > 0 && now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now

	// Insertion order means expired entries cluster at the front.
	for entry := c.head.next; entry != c.tail; {
		next := entry.next
		if !c.expired(entry, now) {
			break
		}
		c.removeEntry(entry)
		entry = next
	}
}

// removeEntry unlinks an entry from the map, the list, and the dependency
// index. Caller holds the lock.
func (c *DependencyCache) removeEntry(entry *cacheEntry) {
	c.unindex(entry)
	c.removeFromList(entry)
	delete(c.entries, entry.key)
}

func (c *DependencyCache) unindex(entry *cacheEntry) {
	for dep := range entry.dependencies {
		if keys, ok := c.dependents[dep]; ok {
			delete(keys, entry.key)
			if len(keys) == 0 {
				delete(c.dependents, dep)
			}
		}
	}
}

// Insertion-ordered doubly-linked list operations
func (c *DependencyCache) addToBack(entry *cacheEntry) {
	entry.next = c.tail
	entry.prev = c.tail.prev
	c.tail.prev.next = entry
	c.tail.prev = entry
}

func (c *DependencyCache) removeFromList(entry *cacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	entry.prev = nil
	entry.next = nil
}
