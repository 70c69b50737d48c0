package relay

const DefaultDedupCapacity = 1000

// DedupCache remembers the most recently recorded message ids.
//
// Eviction follows insertion order, not access order: once Capacity ids are held, every
// new id pushes out the oldest one. The cache is not safe for concurrent use.
type DedupCache struct {
	ids   []string
	next  int
	count int
	index map[string]struct{}
}

// NewDedupCache builds a cache holding at most capacity ids. Non-positive capacities use
// DefaultDedupCapacity.
func NewDedupCache(capacity int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}

	return &DedupCache{
		ids:   make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id is inside the dedup window.
func (c *DedupCache) Seen(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Record inserts id, evicting the oldest id when the cache is full. Recording an id
// that is already present does not change its position.
func (c *DedupCache) Record(id string) {
	if _, ok := c.index[id]; ok {
		return
	}

	if c.count == len(c.ids) {
		delete(c.index, c.ids[c.next])
	} else {
		c.count++
	}

	c.ids[c.next] = id
	c.index[id] = struct{}{}
	c.next = (c.next + 1) % len(c.ids)
}

// Len returns the number of ids currently held.
func (c *DedupCache) Len() int {
	return c.count
}

// Capacity returns the configured window size.
func (c *DedupCache) Capacity() int {
	return len(c.ids)
}
