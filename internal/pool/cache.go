package pool

import "sync"

// CompletedCache is a bounded task-id -> result mapping that evicts the
// oldest insertion on overflow. It is documented FIFO, not LRU — a Get does
// not refresh an entry's position, matching the observed (if misleadingly
// named) behavior of the system this was modeled on (spec §3, §9).
type CompletedCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	values   map[string]any
}

// NewCompletedCache constructs a cache bounded to capacity entries.
func NewCompletedCache(capacity int) *CompletedCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &CompletedCache{
		capacity: capacity,
		values:   make(map[string]any, capacity),
	}
}

// Put inserts or overwrites an entry, evicting the oldest insertion if the
// cache is at capacity and the key is new.
func (c *CompletedCache) Put(taskID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.values[taskID]; exists {
		c.values[taskID] = value
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.values, oldest)
	}

	c.order = append(c.order, taskID)
	c.values[taskID] = value
}

// Get returns the cached result for a task, if present.
func (c *CompletedCache) Get(taskID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[taskID]
	return v, ok
}

// Len returns the current number of cached entries.
func (c *CompletedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
