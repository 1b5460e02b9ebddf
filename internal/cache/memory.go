package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/statcache/statcache/pkg/types"
)

// MemoryTier is the process-local store for the hottest entries. It holds
// transient copies of durable entries under a short TTL; absence is a normal
// result, never an error. A background sweep removes expired entries so the
// map does not grow unbounded between lookups.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]memoryItem

	ttl           time.Duration
	sweepInterval time.Duration
	clock         clock.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

type memoryItem struct {
	entry    types.CacheEntry
	storedAt time.Time
}

// NewMemoryTier creates a memory tier and starts its sweep loop. Close must
// be called on shutdown. A nil clock defaults to the wall clock.
func NewMemoryTier(ttl, sweepInterval time.Duration, clk clock.Clock) *MemoryTier {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	m := &MemoryTier{
		entries:       make(map[string]memoryItem),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         clk,
		stopCh:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Get returns a copy of the entry for key, or false if absent or expired.
// Expired entries found on the read path are removed eagerly.
func (m *MemoryTier) Get(key string) (types.CacheEntry, bool) {
	m.mu.RLock()
	item, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return types.CacheEntry{}, false
	}
	if m.expired(item) {
		m.Delete(key)
		return types.CacheEntry{}, false
	}
	return item.entry, true
}

// Put stores a transient copy of entry. The memory tier always holds the
// payload inline; overflow refs are resolved before promotion.
func (m *MemoryTier) Put(entry types.CacheEntry) {
	m.mu.Lock()
	m.entries[entry.Key] = memoryItem{entry: entry, storedAt: m.clock.Now()}
	m.mu.Unlock()
}

// Delete removes a single key. Removing an absent key is a no-op.
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// DeleteByDataflow removes every entry for the given dataflow.
func (m *MemoryTier) DeleteByDataflow(dataflowID string) {
	m.mu.Lock()
	for key, item := range m.entries {
		if item.entry.DataflowID == dataflowID {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// Len returns the number of resident entries, including not-yet-swept
// expired ones.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweep loop. Safe to call more than once.
func (m *MemoryTier) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MemoryTier) expired(item memoryItem) bool {
	return m.clock.Now().After(item.storedAt.Add(m.ttl))
}

func (m *MemoryTier) sweepLoop() {
	ticker := m.clock.Ticker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep removes expired entries. It collects candidates under the read lock
// and deletes under the write lock so lookups are only blocked for the
// deletes themselves.
func (m *MemoryTier) sweep() {
	var expired []string
	m.mu.RLock()
	for key, item := range m.entries {
		if m.expired(item) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	for _, key := range expired {
		if item, ok := m.entries[key]; ok && m.expired(item) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}
