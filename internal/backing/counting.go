package backing

import (
	"sync"
	"sync/atomic"
)

// Counting decorates an Adapter and counts the calls made through it.
type Counting struct {
	Adapter

	reads     atomic.Int64
	readBytes atomic.Int64
	writes    atomic.Int64
	stats     atomic.Int64

	mu      sync.Mutex
	perPath map[string]int64
}

// NewCounting wraps a.
func NewCounting(a Adapter) *Counting {
	return &Counting{Adapter: a, perPath: make(map[string]int64)}
}

func (c *Counting) Stat(path string) (Attr, error) {
	c.stats.Add(1)
	return c.Adapter.Stat(path)
}

func (c *Counting) ReadAt(path string, p []byte, off int64) (int, error) {
	c.reads.Add(1)
	c.mu.Lock()
	c.perPath[path]++
	c.mu.Unlock()
	n, err := c.Adapter.ReadAt(path, p, off)
	c.readBytes.Add(int64(n))
	return n, err
}

func (c *Counting) WriteAt(path string, p []byte, off int64) (int, error) {
	c.writes.Add(1)
	return c.Adapter.WriteAt(path, p, off)
}

// Reads returns the number of ReadAt calls.
func (c *Counting) Reads() int64 { return c.reads.Load() }

// ReadBytes returns the bytes returned by ReadAt.
func (c *Counting) ReadBytes() int64 { return c.readBytes.Load() }

// Writes returns the number of WriteAt calls.
func (c *Counting) Writes() int64 { return c.writes.Load() }

// Stats returns the number of Stat calls.
func (c *Counting) Stats() int64 { return c.stats.Load() }

// ReadsOf returns the number of ReadAt calls for path.
func (c *Counting) ReadsOf(path string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perPath[path]
}

// Reset zeroes every counter.
func (c *Counting) Reset() {
	c.reads.Store(0)
	c.readBytes.Store(0)
	c.writes.Store(0)
	c.stats.Store(0)
	c.mu.Lock()
	c.perPath = make(map[string]int64)
	c.mu.Unlock()
}
