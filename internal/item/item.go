// Package item implements the item lifecycle, hash index, LRU, CAS,
// locking, expiry, eviction, and scrubber described in SPEC_FULL.md §3 and
// §4.2.
//
// Grounded on the teacher's V3CacheManager/L1Cache/LRUTracker
// (internal/cache/cache_engine_v2.go, cache_engine_v3.go) for sharding and
// tiered-eviction shape, and on
// other_examples/907dc6fc_sfjuggernaut-go-memcached__pkg-cache-lru.go — the
// pack's only literal memcached-shaped LRU (container/list eviction list +
// hashed buckets + monotonic CAS token) — for the exact primitive this spec
// needs, extended to the full alive/deleted/zombie lifecycle, locking, and
// slab-backed storage the teacher's cache entries don't have.
package item

import (
	"sync/atomic"
)

// Datatype bits (SPEC_FULL.md §3 "Item"): "raw / JSON / snappy / xattr
// bitfield".
const (
	DatatypeRaw    uint8 = 0
	DatatypeJSON   uint8 = 1 << 0
	DatatypeSnappy uint8 = 1 << 1
	DatatypeXattr  uint8 = 1 << 2
)

// MaskedCAS is returned in place of the real CAS for any get()/get_meta()
// caller other than the lock holder, while an item is locked (SPEC_FULL.md
// §4.2 "Locking").
const MaskedCAS = ^uint64(0)

// CasWildcard is the sum-type "Any" value at the API boundary (SPEC_FULL.md
// §9: "CAS wildcard 0: treat as a sum-type {Any, Exact(u64)}"). Internally
// it is still represented as the literal 0, but every call site that
// compares against it goes through IsWildcard so the meaning stays explicit
// at the point of use.
const CasWildcard = uint64(0)

// IsWildcard reports whether a caller-supplied CAS means "don't care".
func IsWildcard(cas uint64) bool { return cas == CasWildcard }

// Filter selects which document states item_get may return (SPEC_FULL.md
// §4.2).
type Filter int

const (
	FilterAlive Filter = iota
	FilterDeleted
	FilterAliveOrDeleted
)

// StoreOp is the store() operation kind (SPEC_FULL.md §4.2).
type StoreOp int

const (
	OpAdd StoreOp = iota
	OpSet
	OpReplace
	OpAppend
	OpPrepend
	OpCas
)

// DocState distinguishes a live mutation from a replicated tombstone
// arriving over DCP (SPEC_FULL.md §4.4.3: "deletion/expiration -> tombstone
// path").
type DocState int

const (
	StateAlive DocState = iota
	StateDeleted
)

// Item is a stored document (SPEC_FULL.md §3). Link and zombie are
// mutually exclusive in the hash chain; refcount stays >= 1 while any
// external handle is held.
type Item struct {
	Key      []byte
	Flags    uint32
	Exptime  uint32 // absolute seconds, 0 = never
	Datatype uint8

	cas      atomic.Uint64
	lockTime atomic.Uint32 // absolute seconds, 0 = unlocked
	refcount atomic.Int32
	linked   atomic.Bool // in hash chain + LRU
	zombie   atomic.Bool // tombstone, not yet freed

	// chunk is the slab-allocated backing store; value is the in-use prefix
	// of chunk holding the document body.
	chunk    []byte
	value    []byte
	classIdx int

	// hashNext chains items within one hash bucket. Mutated only while the
	// store's items.lock is held (SPEC_FULL.md §4.2 "Concurrency").
	hashNext *Item

	// lruNext/lruPrev thread this item into its slab class's LRU list.
	// Mutated only under items.lock.
	lruNext, lruPrev *Item
}

// NewItem constructs an unlinked item backed by chunk, a slab allocation of
// at least len(value) bytes.
func NewItem(key []byte, value []byte, chunk []byte, classIdx int, flags uint32, exptime uint32, datatype uint8, cas uint64) *Item {
	it := &Item{
		Key:      append([]byte(nil), key...),
		Flags:    flags,
		Exptime:  exptime,
		Datatype: datatype,
		chunk:    chunk,
		classIdx: classIdx,
	}
	it.value = chunk[:len(value)]
	copy(it.value, value)
	it.cas.Store(cas)
	it.refcount.Store(1)
	return it
}

// Value returns the document body.
func (it *Item) Value() []byte { return it.value }

// ClassIdx returns the slab class this item's chunk belongs to.
func (it *Item) ClassIdx() int { return it.classIdx }

// Chunk returns the backing slab allocation (for returning to the
// allocator on free).
func (it *Item) Chunk() []byte { return it.chunk }

// CAS returns the item's true CAS.
func (it *Item) CAS() uint64 { return it.cas.Load() }

// SetCAS stamps a fresh CAS, assigned by the store's monotone source.
func (it *Item) SetCAS(cas uint64) { it.cas.Store(cas) }

// MaskedCASFor returns the real CAS to the lock holder (identified by
// exact CAS match) and MaskedCAS to everyone else, per SPEC_FULL.md §4.2.
// The mask applies uniformly regardless of document state, including
// tombstones (SPEC_FULL.md §9 open-question resolution: "mask uniformly").
func (it *Item) MaskedCASFor(now uint32, holderCAS uint64) uint64 {
	lt := it.lockTime.Load()
	if lt > now && holderCAS != it.CAS() {
		return MaskedCAS
	}
	return it.CAS()
}

// IsLocked reports whether the item is presently locked.
func (it *Item) IsLocked(now uint32) bool {
	return it.lockTime.Load() > now
}

// Lock sets locktime = now + timeout (timeout must already be clamped to
// [1,30] by the caller, per SPEC_FULL.md §4.2).
func (it *Item) Lock(now uint32, timeout uint32) {
	it.lockTime.Store(now + timeout)
}

// Unlock clears the lock unconditionally; callers are responsible for the
// CAS check described in §4.2 before calling this.
func (it *Item) Unlock() {
	it.lockTime.Store(0)
}

// LockTime returns the raw lock expiry (0 = unlocked).
func (it *Item) LockTime() uint32 { return it.lockTime.Load() }

// Expired reports whether the item's exptime has passed (SPEC_FULL.md §4.2
// "Expiry"): "exptime != 0 && exptime <= now".
func (it *Item) Expired(now uint32) bool {
	return it.Exptime != 0 && it.Exptime <= now
}

// IsZombie reports whether the item is a tombstone.
func (it *Item) IsZombie() bool { return it.zombie.Load() }

// markZombie marks the item a tombstone (SPEC_FULL.md §4.2 "Delete": "On
// success mark the stored item zombie (not alive)").
func (it *Item) markZombie() { it.zombie.Store(true) }

// IsLinked reports whether the item is presently in the hash chain + LRU.
func (it *Item) IsLinked() bool { return it.linked.Load() }

// Refcount returns the current reference count.
func (it *Item) Refcount() int32 { return it.refcount.Load() }

// Retain increments the refcount for a new external handle.
func (it *Item) Retain() { it.refcount.Add(1) }

// Release drops a handle's reference. Returns the resulting count.
func (it *Item) Release() int32 { return it.refcount.Add(-1) }

// Clone returns an unlinked, independent copy carrying the same CAS and
// body — used by get_locked to hand back "an unlinked copy of the item
// with the true CAS exposed" (SPEC_FULL.md §4.2) without letting the
// caller mutate the linked item in place.
func (it *Item) Clone() *Item {
	chunk := append([]byte(nil), it.chunk...)
	c := &Item{
		Key:      append([]byte(nil), it.Key...),
		Flags:    it.Flags,
		Exptime:  it.Exptime,
		Datatype: it.Datatype,
		chunk:    chunk,
		classIdx: it.classIdx,
	}
	c.value = chunk[:len(it.value)]
	c.cas.Store(it.CAS())
	c.refcount.Store(1)
	return c
}
