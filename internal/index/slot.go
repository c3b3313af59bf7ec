package index

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Slot holds the active index of one partition. Loads and swaps are atomic,
// so a reader keeps whatever *Index it loaded even if a rebuild publishes a
// replacement mid-search.
type Slot struct {
	ptr atomic.Pointer[Index]
}

// Load returns the active index, or nil when the partition has none.
func (s *Slot) Load() *Index { return s.ptr.Load() }

// Swap publishes idx (nil clears the slot) and returns the previous index.
func (s *Slot) Swap(idx *Index) *Index { return s.ptr.Swap(idx) }

// Catalog maps partition names to slots. Slots are created on first use and
// never removed, so a *Slot handed out stays valid.
type Catalog struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{slots: make(map[string]*Slot)}
}

// Slot returns the slot for name, creating it if needed.
func (c *Catalog) Slot(name string) *Slot {
	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[name]; !ok {
		s = &Slot{}
		c.slots[name] = s
	}
	return s
}

// Get returns the active index for name, or nil.
func (c *Catalog) Get(name string) *Index {
	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Load()
}

// Publish makes idx the active index for name and returns the one it replaced.
func (c *Catalog) Publish(name string, idx *Index) *Index {
	prev := c.Slot(name).Swap(idx)
	observePublished(name, idx)
	return prev
}

// Remove clears the active index for name and returns it.
func (c *Catalog) Remove(name string) *Index {
	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	prev := s.Swap(nil)
	observeRemoved(name)
	return prev
}

// Names returns the sorted names of partitions with an active index.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.slots))
	for name, s := range c.slots {
		if s.Load() != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
