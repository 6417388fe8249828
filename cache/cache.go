// Package cache implements SADAK's block cache: the layer sitting between
// the filesystem and the mirrored device that owns dirty-tracking and
// serializes concurrent block access.
package cache

import (
	"sort"
	"sync"

	"github.com/sadakfs/sadak/blockdev"
	"github.com/sadakfs/sadak/internal/sadaklog"
)

var log = sadaklog.For("cache")

// entry is a single cached block image: the cache exclusively owns every
// live entry, and nothing outside this package ever holds a pointer to one
// past the scope of a lock-held closure (see View/Mutate/MutateNew below,
// the Go-idiomatic resolution to the shared-mutability problem the source
// solved with Arc<UnsafeCell<_>>).
type entry struct {
	data  [blockdev.BlockSize]byte
	id    blockdev.LBA
	dirty bool
}

// Cache serializes access to a set of in-memory block images backed by a
// single device, which may itself be a raid.Mirror.
type Cache struct {
	device blockdev.Device

	mu      sync.Mutex
	entries map[blockdev.LBA]*entry
}

// New constructs a Cache over device, with no entries loaded.
func New(device blockdev.Device) *Cache {
	return &Cache{
		device:  device,
		entries: make(map[blockdev.LBA]*entry),
	}
}

// View returns a copy of the block at id, loading it from the device on a
// cache miss.
func (c *Cache) View(id blockdev.LBA) ([blockdev.BlockSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lockedLoad(id)
	if err != nil {
		return [blockdev.BlockSize]byte{}, err
	}
	return e.data, nil
}

// Mutate loads (or faults in) the block at id, runs fn against its bytes
// while holding the cache's single internal mutex, and marks the entry
// dirty once fn returns. fn must not call back into the Cache: the mutex is
// not reentrant, and the nesting order filesystem → allocator → cache
// never requires it to.
func (c *Cache) Mutate(id blockdev.LBA, fn func(buf *[blockdev.BlockSize]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.lockedLoad(id)
	if err != nil {
		return err
	}
	fn(&e.data)
	e.dirty = true
	return nil
}

// MutateNew inserts a freshly zero-initialized, already-dirty entry for id
// without reading the device, runs fn against it, and leaves it marked
// dirty. Used for blocks the caller just obtained from the allocator and is
// about to populate from scratch.
func (c *Cache) MutateNew(id blockdev.LBA, fn func(buf *[blockdev.BlockSize]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{id: id, dirty: true}
	c.entries[id] = e
	fn(&e.data)
	return nil
}

// lockedLoad returns the entry for id, reading it from the device on a
// miss. The caller must already hold c.mu.
func (c *Cache) lockedLoad(id blockdev.LBA) (*entry, error) {
	if e, ok := c.entries[id]; ok {
		return e, nil
	}
	e := &entry{id: id}
	if err := c.device.ReadBlock(id, e.data[:]); err != nil {
		return nil, err
	}
	c.entries[id] = e
	return e, nil
}

// FlushAll writes back every dirty entry in ascending id order, excluding
// block 0 (the superblock, which the filesystem commits separately as the
// final step of sync), then flushes the device.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]blockdev.LBA, 0, len(c.entries))
	for id, e := range c.entries {
		if id == 0 || !e.dirty {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := c.entries[id]
		if err := c.device.WriteBlock(id, e.data[:]); err != nil {
			log.WithError(err).WithField("block", id).Error("flush_all: write-back failed")
			return err
		}
		e.dirty = false
	}
	return c.device.Flush()
}

// FlushBlock writes back a single block (used by the filesystem to commit
// block 0 as the final, isolated step of sync) and flushes the device.
func (c *Cache) FlushBlock(id blockdev.LBA) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if err := c.device.WriteBlock(id, e.data[:]); err != nil {
		return err
	}
	e.dirty = false
	return c.device.Flush()
}

// Evict writes back id if dirty, then removes it from the cache.
func (c *Cache) Evict(id blockdev.LBA) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if e.dirty {
		if err := c.device.WriteBlock(id, e.data[:]); err != nil {
			return err
		}
	}
	delete(c.entries, id)
	return nil
}

// Len reports the number of entries currently resident, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
