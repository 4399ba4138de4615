// Package bitmapcache implements the fixed-capacity LRU cache of per-block
// allocation bitmaps described in spec.md §4.6: linear lookup (the cache is
// small), free-list-first allocation, least-recently-used unlocked eviction,
// and the per-sector bitmap test (SectorBit) that decides whether a sector is
// read from this image. Fetching from the parent chain or zero-filling is
// not done in this package; internal/chain's read path does that.
package bitmapcache

import (
	"golang.org/x/exp/slices"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Capacity is the fixed cache size (spec.md §4.6: "Fixed capacity (32
// entries)").
const Capacity = 32

// Waiter is a deferred bitmap-read request, appended to an entry's waiting
// list while its bitmap is being fetched from disk (spec.md §4.6).
type Waiter func(bitmap []byte, err error)

type entry struct {
	block    int
	bitmap   []byte
	valid    bool
	locked   bool
	seq      uint64
	waiting  []Waiter
	reading  bool
}

// Cache is the bitmap cache for one image.
type Cache struct {
	entries  []*entry
	byBlock  map[int]*entry
	freeList []*entry
	seq      uint64
}

// New constructs an empty cache with Capacity free slots.
func New() *Cache {
	c := &Cache{
		entries: make([]*entry, Capacity),
		byBlock: make(map[int]*entry, Capacity),
	}
	for i := range c.entries {
		c.entries[i] = &entry{}
		c.freeList = append(c.freeList, c.entries[i])
	}
	return c
}

// Lookup returns the resident bitmap for block, if cached and valid.
func (c *Cache) Lookup(block int) (bitmap []byte, ok bool) {
	e, found := c.byBlock[block]
	if !found || !e.valid {
		return nil, false
	}
	c.touch(e)
	return e.bitmap, true
}

// touch assigns e the next sequence number; on overflow every sequence
// number is halved (spec.md §4.6: "overflow halves all sequence numbers").
func (c *Cache) touch(e *entry) {
	c.seq++
	if c.seq == 0 {
		for _, other := range c.entries {
			other.seq /= 2
		}
		c.seq = 1 << 63
	}
	e.seq = c.seq
}

// Allocate returns a slot for block, preferring the free list and otherwise
// evicting the least-recently-used unlocked entry (spec.md §4.6).
func (c *Cache) Allocate(block int) (*entry, error) {
	if e, ok := c.byBlock[block]; ok {
		c.touch(e)
		return e, nil
	}

	var e *entry
	if n := len(c.freeList); n > 0 {
		e = c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
	} else {
		e = c.lru()
		if e == nil {
			return nil, vhderr.New(vhderr.Busy, "bitmap cache: all entries locked")
		}
		delete(c.byBlock, e.block)
	}
	e.block = block
	e.valid = false
	e.locked = false
	e.waiting = nil
	e.reading = false
	c.byBlock[block] = e
	c.touch(e)
	return e, nil
}

func (c *Cache) lru() *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.locked || e.reading {
			continue
		}
		if victim == nil || e.seq < victim.seq {
			victim = e
		}
	}
	return victim
}

// Store populates e with a freshly read bitmap, becoming valid.
func (e *entry) Store(bitmap []byte) {
	e.bitmap = bitmap
	e.valid = true
	e.reading = false
}

// Lock/Unlock pin an entry against eviction while in active use by the
// transaction engine.
func (e *entry) Lock()   { e.locked = true }
func (e *entry) Unlock() { e.locked = false }

// BeginRead marks e as having an in-flight bitmap read; subsequent Lookups
// for the same block should instead call AddWaiter.
func (e *entry) BeginRead() { e.reading = true }

func (e *entry) Reading() bool { return e.reading }

// AddWaiter appends a request to be requeued once the in-flight read
// completes (spec.md §4.6: "If the bitmap is being read, the request is
// appended to the entry's waiting list").
func (e *entry) AddWaiter(w Waiter) { e.waiting = append(e.waiting, w) }

// CompleteRead stores the freshly read bitmap (or records the read error)
// and returns every waiter to be requeued through the top-level read path.
func (e *entry) CompleteRead(bitmap []byte, err error) []Waiter {
	waiters := e.waiting
	e.waiting = nil
	e.reading = false
	if err == nil {
		e.Store(bitmap)
	}
	return waiters
}

// SectorSource indicates which image in the chain owns a sector's current
// data, per spec.md §4.6 ("set ⇒ this image, clear ⇒ parent").
type SectorSource int

const (
	SourceParent SectorSource = iota
	SourceThisImage
)

// SectorBit tests bit i (MSB-first within each byte, per the VHD on-disk
// convention) of a resident bitmap.
func SectorBit(bitmap []byte, sectorInBlock int) SectorSource {
	byteIdx := sectorInBlock / 8
	if byteIdx >= len(bitmap) {
		return SourceParent
	}
	bit := 7 - uint(sectorInBlock%8)
	if bitmap[byteIdx]&(1<<bit) != 0 {
		return SourceThisImage
	}
	return SourceParent
}

// SetSectorBit sets or clears bit i of a resident bitmap in place.
func SetSectorBit(bitmap []byte, sectorInBlock int, v bool) {
	byteIdx := sectorInBlock / 8
	if byteIdx >= len(bitmap) {
		return
	}
	bit := 7 - uint(sectorInBlock%8)
	if v {
		bitmap[byteIdx] |= 1 << bit
	} else {
		bitmap[byteIdx] &^= 1 << bit
	}
}

// ResidentBlocks reports the currently cached, valid block indices in
// most-to-least-recently-used order, for internal/diag's state dump.
func (c *Cache) ResidentBlocks() []int {
	type kv struct {
		block int
		seq   uint64
	}
	all := make([]kv, 0, len(c.byBlock))
	for b, e := range c.byBlock {
		if e.valid {
			all = append(all, kv{b, e.seq})
		}
	}
	slices.SortFunc(all, func(a, b kv) bool { return a.seq > b.seq })
	out := make([]int, len(all))
	for i, x := range all {
		out[i] = x.block
	}
	return out
}
