package sentinel

import "sync"

// inMemoryCounter is the single-process GlobalCounter, guarded by its own
// mutex so it is safe to share across sentinel instances in tests even
// though production use always goes through one Sentinel's serialized
// Track calls.
type inMemoryCounter struct {
	mu   sync.Mutex
	used int64
}

func newInMemoryCounter() *inMemoryCounter {
	return &inMemoryCounter{}
}

func (c *inMemoryCounter) Reserve(delta, cap int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.used + delta
	if total > cap {
		return c.used, false, nil
	}
	c.used = total
	return total, true, nil
}

func (c *inMemoryCounter) Release(delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used -= delta
	if c.used < 0 {
		c.used = 0
	}
	return nil
}

func (c *inMemoryCounter) Used() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, nil
}

var _ GlobalCounter = (*inMemoryCounter)(nil)
