// Package slab implements the size-classed allocator described in
// SPEC_FULL.md §4.1. It is the hard core of the module and deliberately
// stdlib-only (a single mutex over plain slices): no pack library models a
// size-classed free-list allocator, and the point of this component is to
// be exactly that primitive.
//
// Grounded on the teacher's SlabAllocator/SlabPool
// (internal/cache/cache_engine_v3.go), generalized from four fixed tiers to
// the spec's continuous chunk_size * factor^i ladder and from a lossy
// chan-backed pool to an explicit free list with page carving under one
// lock, matching §4.1's concurrency contract exactly.
package slab

import (
	"strconv"
	"sync"

	"github.com/nexacache/kvengine/internal/stats"
)

const (
	DefaultFactor    = 1.25
	MinFactor        = 1.05
	MaxFactor        = 2.0
	DefaultChunkSize = 48
	MinChunkSize     = 48

	// pageSize is the unit the allocator carves from the global pool when a
	// class's free list runs dry. With the default item_size_max (1 MiB)
	// the largest class fits exactly one chunk per page.
	pageSize = 1 << 20 // 1 MiB
)

// Code mirrors the subset of engine.Code this package can return without
// importing the engine package (which would create an import cycle: engine
// depends on slab, not the reverse).
type Code int

const (
	OK Code = iota
	TooBig
	NoMemory
)

// page is one carved run of chunks for a single class.
type page struct {
	buf        []byte
	chunkSize  int
}

// class is one size class: a chunk size, its free list, and its pages.
type class struct {
	chunkSize int
	free      [][]byte
	pages     []*page
	inUse     int
	gauges    *stats.SlabClass
}

// Allocator is the slab allocator for one bucket. One mutex (slabs.lock)
// covers every class's free list and page carving, per SPEC_FULL.md §4.1.
type Allocator struct {
	mu           sync.Mutex
	classes      []*class
	itemSizeMax  int
	globalBudget int64 // total bytes this bucket may carve across all classes
	globalUsed   int64
	evictFn      func(classIdx int, need int) bool // asks the item store to evict; injected to avoid an import cycle
}

// Config drives class generation (SPEC_FULL.md §6 config table).
type Config struct {
	CacheSize   int64
	Factor      float64
	ChunkSize   int
	ItemSizeMax int
	Preallocate bool
}

// New builds the class ladder: chunk_size * factor^i, capped at
// item_size_max, generated until the class size reaches the cap
// (SPEC_FULL.md §4.1).
func New(cfg Config) *Allocator {
	factor := cfg.Factor
	if factor < MinFactor || factor > MaxFactor {
		factor = DefaultFactor
	}
	chunkSize := cfg.ChunkSize
	if chunkSize < MinChunkSize {
		chunkSize = DefaultChunkSize
	}
	itemSizeMax := cfg.ItemSizeMax
	if itemSizeMax <= 0 {
		itemSizeMax = 1 << 20
	}

	a := &Allocator{
		itemSizeMax:  itemSizeMax,
		globalBudget: cfg.CacheSize,
	}

	size := float64(chunkSize)
	idx := 0
	for {
		cs := int(size)
		if cs > itemSizeMax || cs <= 0 {
			cs = itemSizeMax
		}
		a.classes = append(a.classes, &class{
			chunkSize: cs,
			gauges:    stats.NewSlabClass(idx, cs),
		})
		if cs >= itemSizeMax {
			break
		}
		size *= factor
		idx++
	}

	if cfg.Preallocate {
		a.preallocate()
	}
	return a
}

// SetEvictFn wires the allocator to the item store's eviction path,
// invoked when a class's free list and the global budget are both
// exhausted (SPEC_FULL.md §4.2 "Eviction"). Kept as an injected func rather
// than a direct import to keep slab free of item's types.
func (a *Allocator) SetEvictFn(fn func(classIdx int, need int) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictFn = fn
}

// ClassOf returns the smallest class index whose chunk size is >= n, or -1
// if n exceeds the largest class (SPEC_FULL.md §4.1: "the allocator refuses
// allocation above the largest class").
func (a *Allocator) ClassOf(n int) int {
	for i, c := range a.classes {
		if c.chunkSize >= n {
			return i
		}
	}
	return -1
}

// ChunkSize returns the chunk size for a class index.
func (a *Allocator) ChunkSize(classIdx int) int {
	if classIdx < 0 || classIdx >= len(a.classes) {
		return 0
	}
	return a.classes[classIdx].chunkSize
}

// NumClasses returns the number of generated classes.
func (a *Allocator) NumClasses() int { return len(a.classes) }

// Alloc returns a chunk from classIdx, refilling from the global pool (or
// evicting) if the free list is empty. O(1) amortized per §4.1.
func (a *Allocator) Alloc(classIdx int) ([]byte, Code) {
	if classIdx < 0 || classIdx >= len(a.classes) {
		return nil, TooBig
	}
	a.mu.Lock()
	c := a.classes[classIdx]
	if len(c.free) > 0 {
		buf := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.inUse++
		a.syncGauges(c, classIdx)
		a.mu.Unlock()
		return buf, OK
	}
	if a.carvePageLocked(c) {
		buf := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.inUse++
		a.syncGauges(c, classIdx)
		a.mu.Unlock()
		return buf, OK
	}
	evictFn := a.evictFn
	a.mu.Unlock()

	if evictFn != nil && evictFn(classIdx, c.chunkSize) {
		a.mu.Lock()
		if len(c.free) > 0 {
			buf := c.free[len(c.free)-1]
			c.free = c.free[:len(c.free)-1]
			c.inUse++
			a.syncGauges(c, classIdx)
			a.mu.Unlock()
			return buf, OK
		}
		a.mu.Unlock()
	}
	return nil, NoMemory
}

// carvePageLocked carves a new page into c's free list from the global
// budget. Caller holds a.mu.
func (a *Allocator) carvePageLocked(c *class) bool {
	chunksPerPage := pageSize / c.chunkSize
	if chunksPerPage < 1 {
		chunksPerPage = 1
	}
	need := int64(chunksPerPage * c.chunkSize)
	if a.globalBudget > 0 && a.globalUsed+need > a.globalBudget {
		// Try a partial page that still fits the budget.
		remaining := a.globalBudget - a.globalUsed
		if remaining < int64(c.chunkSize) {
			return false
		}
		chunksPerPage = int(remaining / int64(c.chunkSize))
		need = int64(chunksPerPage) * int64(c.chunkSize)
	}
	if chunksPerPage < 1 {
		return false
	}

	buf := make([]byte, int(need))
	p := &page{buf: buf, chunkSize: c.chunkSize}
	c.pages = append(c.pages, p)
	for i := 0; i < chunksPerPage; i++ {
		c.free = append(c.free, buf[i*c.chunkSize:(i+1)*c.chunkSize])
	}
	a.globalUsed += need
	return true
}

// Free returns a chunk to its class's free list.
func (a *Allocator) Free(classIdx int, chunk []byte) {
	if classIdx < 0 || classIdx >= len(a.classes) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.classes[classIdx]
	c.free = append(c.free, chunk)
	c.inUse--
	a.syncGauges(c, classIdx)
}

func (a *Allocator) syncGauges(c *class, classIdx int) {
	c.gauges.ChunksInUse.Set(float64(c.inUse))
	c.gauges.PagesAllocated.Set(float64(len(c.pages)))
}

func (a *Allocator) preallocate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.classes) == 0 {
		return
	}
	perClass := a.globalBudget / int64(len(a.classes))
	for _, c := range a.classes {
		used := int64(0)
		for used < perClass {
			chunksPerPage := pageSize / c.chunkSize
			if chunksPerPage < 1 {
				chunksPerPage = 1
			}
			need := int64(chunksPerPage * c.chunkSize)
			if used+need > perClass {
				remaining := perClass - used
				if remaining < int64(c.chunkSize) {
					break
				}
				chunksPerPage = int(remaining / int64(c.chunkSize))
				need = int64(chunksPerPage) * int64(c.chunkSize)
			}
			if chunksPerPage < 1 {
				break
			}
			buf := make([]byte, int(need))
			p := &page{buf: buf, chunkSize: c.chunkSize}
			c.pages = append(c.pages, p)
			for i := 0; i < chunksPerPage; i++ {
				c.free = append(c.free, buf[i*c.chunkSize:(i+1)*c.chunkSize])
			}
			a.globalUsed += need
			used += need
		}
	}
}

// Stats returns the (name, value) pairs for get_stats("slabs") across every
// class.
func (a *Allocator) Stats() []stats.Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []stats.Pair
	for i, c := range a.classes {
		out = append(out, c.gauges.Emit(i)...)
	}
	return out
}

// Sizes returns the size histogram for get_stats("sizes"): one pair per
// slab class, named size_<class index>, holding that class's chunks in
// use. It is read off the classes themselves, not a separate data
// structure (SPEC_FULL.md §4.2 enrichment).
func (a *Allocator) Sizes() []stats.Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]stats.Pair, 0, len(a.classes))
	for i, c := range a.classes {
		out = append(out, stats.Pair{Name: "size_" + strconv.Itoa(i), Value: float64(c.inUse)})
	}
	return out
}
