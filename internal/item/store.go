package item

import (
	"sync"
	"sync/atomic"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/nexacache/kvengine/internal/slab"
	"github.com/nexacache/kvengine/internal/stats"
	"github.com/nexacache/kvengine/internal/xlog"
)

// Code mirrors the subset of engine.Code this package can return, without
// importing the engine package (which depends on item, not the reverse) —
// the same pattern internal/slab uses for its Code type.
type Code int

const (
	OK Code = iota
	NoSuchKey
	KeyExists
	TooBig
	NoMemory
	TemporaryFailure
	Locked
	NotLocked
	Busy
	Failed
)

// View is a read-only snapshot handed back across the store's API
// boundary; it never aliases the linked Item's mutable state directly so
// callers can't corrupt hash-chain/LRU bookkeeping.
type View struct {
	Key      []byte
	Value    []byte
	Flags    uint32
	Exptime  uint32
	Datatype uint8
	CAS      uint64
}

func viewOf(it *Item, cas uint64) View {
	return View{
		Key:      it.Key,
		Value:    append([]byte(nil), it.value...),
		Flags:    it.Flags,
		Exptime:  it.Exptime,
		Datatype: it.Datatype,
		CAS:      cas,
	}
}

// Config configures a Store (SPEC_FULL.md §6 config table subset relevant
// to the item store).
type Config struct {
	Slabs           *slab.Allocator
	NumClasses      int
	KeepDeleted     bool
	EvictionEnabled bool
	Log             *xlog.Logger
	Stats           *stats.Global
	ExpectedItems   uint
}

// Store is the per-bucket item store: hash index, per-class LRU, CAS
// source, locking, expiry, and eviction (SPEC_FULL.md §4.2). One mutex
// (items.lock) covers every hash-chain and LRU mutation, per §5 "Locks and
// discipline".
type Store struct {
	mu sync.Mutex

	buckets       []*Item
	oldBuckets    []*Item
	migrating     bool
	migrateCursor int
	count         int

	lruHeads []*Item
	lruTails []*Item

	slabs       *slab.Allocator
	cuckoo      *cuckoofilter.CuckooFilter
	keepDeleted bool
	evictionOn  bool

	casSource  atomic.Uint64
	oldestLive atomic.Uint32

	scrubMu      sync.Mutex
	scrubbing    bool
	scrubVisited int
	scrubCleaned int
	scrubStarted int
	scrubStopped int

	log   *xlog.Logger
	stats *stats.Global
}

// New builds an item store backed by slabs, wiring an evict callback into
// the allocator so slab exhaustion can trigger LRU eviction (SPEC_FULL.md
// §4.2 "Eviction"), avoiding an item<->slab import cycle.
func New(cfg Config) *Store {
	s := &Store{
		buckets:     make([]*Item, initialBuckets),
		lruHeads:    make([]*Item, cfg.NumClasses),
		lruTails:    make([]*Item, cfg.NumClasses),
		slabs:       cfg.Slabs,
		keepDeleted: cfg.KeepDeleted,
		evictionOn:  cfg.EvictionEnabled,
		log:         cfg.Log,
		stats:       cfg.Stats,
	}
	s.cuckoo = newCuckoo(cfg.ExpectedItems)
	if cfg.Slabs != nil {
		cfg.Slabs.SetEvictFn(s.evictForClass)
	}
	return s
}

// NextCAS returns a fresh, strictly monotone CAS (SPEC_FULL.md §4.2 "CAS
// semantics"); 0 is reserved for the wildcard sentinel so the first real
// CAS is 1.
func (s *Store) NextCAS() uint64 {
	return s.casSource.Add(1)
}

// Every time-dependent method takes the caller's wall-clock second count
// as an explicit now parameter, so the store itself carries no clock
// dependency.

// Allocate reserves a slab chunk and builds an unlinked item, the
// "allocate" engine op (SPEC_FULL.md §6): "key, nbytes, flags, exptime,
// datatype, vbid -> opaque item handle".
func (s *Store) Allocate(key []byte, value []byte, flags, exptime uint32, datatype uint8) (*Item, Code) {
	classIdx := s.slabs.ClassOf(len(value))
	if classIdx < 0 {
		return nil, TooBig
	}
	chunk, sc := s.slabs.Alloc(classIdx)
	switch sc {
	case slab.OK:
	case slab.TooBig:
		return nil, TooBig
	default:
		return nil, NoMemory
	}
	it := NewItem(key, value, chunk, classIdx, flags, exptime, datatype, 0)
	return it, OK
}

// Get implements item_get(key, filter) (SPEC_FULL.md §4.2).
func (s *Store) Get(key []byte, filter Filter, now uint32) (View, Code) {
	h := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findLocked(key, h)
	if it == nil {
		s.stats.GetMisses.Inc()
		return View{}, NoSuchKey
	}
	if it.Expired(now) {
		s.unlinkLocked(it, h)
		s.stats.GetMisses.Inc()
		return View{}, NoSuchKey
	}
	alive := !it.IsZombie()
	switch filter {
	case FilterAlive:
		if !alive {
			s.stats.GetMisses.Inc()
			return View{}, NoSuchKey
		}
	case FilterDeleted:
		if alive {
			s.stats.GetMisses.Inc()
			return View{}, NoSuchKey
		}
	case FilterAliveOrDeleted:
	}
	s.lruTouchLocked(it)
	cas := it.MaskedCASFor(now, 0)
	s.stats.Gets.Inc()
	return viewOf(it, cas), OK
}

// GetLocked implements item_get_locked (SPEC_FULL.md §4.2 "Locking"):
// clamps timeout to [1,30], sets locktime, and returns an unlinked copy
// with the true CAS exposed.
func (s *Store) GetLocked(key []byte, timeout uint32, now uint32) (View, Code) {
	if timeout == 0 {
		timeout = 15
	}
	if timeout > 30 {
		timeout = 30
	}
	h := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findLocked(key, h)
	if it == nil || it.Expired(now) || it.IsZombie() {
		if it != nil && it.Expired(now) {
			s.unlinkLocked(it, h)
		}
		return View{}, NoSuchKey
	}
	if it.IsLocked(now) {
		return View{}, Locked
	}
	it.Lock(now, timeout)
	clone := it.Clone()
	return viewOf(clone, clone.CAS()), OK
}

// GetAndTouch implements item_get_and_touch: refreshes exptime and returns
// the item (masked CAS if locked by another holder).
func (s *Store) GetAndTouch(key []byte, newExptime uint32, now uint32) (View, Code) {
	h := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findLocked(key, h)
	if it == nil || it.Expired(now) || it.IsZombie() {
		if it != nil && it.Expired(now) {
			s.unlinkLocked(it, h)
		}
		return View{}, NoSuchKey
	}
	it.Exptime = newExptime
	s.lruTouchLocked(it)
	cas := it.MaskedCASFor(now, 0)
	return viewOf(it, cas), OK
}

// acceptsCAS implements the locking acceptance rule from §4.2: while an
// item is locked, only the exact current CAS is accepted — the wildcard
// never matches a locked item, since the whole point of get_locked is to
// force a caller to have observed the real CAS first.
func acceptsCAS(it *Item, casIn uint64, now uint32) Code {
	if it.IsLocked(now) && casIn != it.CAS() {
		return Locked
	}
	return OK
}

// Store implements store(item, cas_in, op, doc_state) (SPEC_FULL.md §4.2).
// it must come from Allocate (unlinked, fresh chunk); on success it is
// stamped with a new CAS and linked (or merged into the pre-existing
// item's chunk for append/prepend).
func (s *Store) Store(it *Item, casIn uint64, op StoreOp, docState DocState, now uint32) (uint64, Code) {
	h := hashKey(it.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findLocked(it.Key, h)
	if existing != nil && existing.Expired(now) {
		s.unlinkLocked(existing, h)
		existing = nil
	}
	existingAlive := existing != nil && !existing.IsZombie()

	switch op {
	case OpAdd:
		if existingAlive {
			return 0, KeyExists
		}
	case OpReplace:
		if !existingAlive {
			return 0, NoSuchKey
		}
		if code := acceptsCAS(existing, casIn, now); code != OK {
			return 0, code
		}
	case OpSet:
		if existing != nil {
			if code := acceptsCAS(existing, casIn, now); code != OK {
				return 0, code
			}
		}
	case OpCas:
		if existing == nil {
			return 0, NoSuchKey
		}
		if code := acceptsCAS(existing, casIn, now); code != OK {
			return 0, code
		}
		if casIn != existing.CAS() {
			s.stats.CasMisses.Inc()
			return 0, KeyExists
		}
		s.stats.CasHits.Inc()
	case OpAppend, OpPrepend:
		if !existingAlive {
			return 0, NoSuchKey
		}
		if code := acceptsCAS(existing, casIn, now); code != OK {
			return 0, code
		}
		return s.appendPrependLocked(existing, it.Value(), op == OpPrepend, now)
	}

	newCAS := s.NextCAS()
	it.SetCAS(newCAS)
	if docState == StateDeleted {
		it.markZombie()
	}

	if existing != nil {
		s.swapLinkedLocked(existing, it, h)
	} else {
		s.linkNewLocked(it, h)
	}
	if docState == StateAlive {
		s.stats.Sets.Inc()
	}
	s.stats.CurrItems.Set(float64(s.count))
	return newCAS, OK
}

// appendPrependLocked concatenates newVal onto the existing item's value,
// preserving flags/datatype, re-classifying into a (possibly larger) slab
// class, and either succeeding atomically or leaving the old item
// untouched (SPEC_FULL.md §4.2 "CAS semantics").
func (s *Store) appendPrependLocked(existing *Item, newVal []byte, prepend bool, now uint32) (uint64, Code) {
	combined := make([]byte, 0, len(existing.value)+len(newVal))
	if prepend {
		combined = append(combined, newVal...)
		combined = append(combined, existing.value...)
	} else {
		combined = append(combined, existing.value...)
		combined = append(combined, newVal...)
	}
	classIdx := s.slabs.ClassOf(len(combined))
	if classIdx < 0 {
		return 0, TooBig
	}
	chunk, sc := s.slabs.Alloc(classIdx)
	if sc != slab.OK {
		if sc == slab.TooBig {
			return 0, TooBig
		}
		return 0, NoMemory
	}

	replacement := NewItem(existing.Key, combined, chunk, classIdx, existing.Flags, existing.Exptime, existing.Datatype, 0)
	newCAS := s.NextCAS()
	replacement.SetCAS(newCAS)
	h := hashKey(existing.Key)
	s.swapLinkedLocked(existing, replacement, h)
	s.stats.Sets.Inc()
	return newCAS, OK
}

// linkNewLocked inserts a freshly allocated item into the hash index and
// LRU. Caller holds s.mu.
func (s *Store) linkNewLocked(it *Item, h uint64) {
	s.insertLocked(it, h)
	s.lruPushFrontLocked(it)
	it.linked.Store(true)
	s.stats.CurrBytes.Add(float64(len(it.chunk)))
}

// swapLinkedLocked replaces an existing linked item with a new one sharing
// its key, freeing the old chunk back to the allocator. Caller holds s.mu.
func (s *Store) swapLinkedLocked(old, fresh *Item, h uint64) {
	s.removeLocked(old, h)
	s.lruRemoveLocked(old)
	old.linked.Store(false)
	s.slabs.Free(old.classIdx, old.chunk)
	s.stats.CurrBytes.Add(-float64(len(old.chunk)))

	s.insertLocked(fresh, h)
	s.lruPushFrontLocked(fresh)
	fresh.linked.Store(true)
	s.stats.CurrBytes.Add(float64(len(fresh.chunk)))
}

// unlinkLocked removes it from the hash index, LRU, and frees its chunk.
// Caller holds s.mu.
func (s *Store) unlinkLocked(it *Item, h uint64) {
	s.removeLocked(it, h)
	s.lruRemoveLocked(it)
	it.linked.Store(false)
	s.slabs.Free(it.classIdx, it.chunk)
	s.stats.CurrBytes.Add(-float64(len(it.chunk)))
}

// Unlink implements the "delete" engine op as a store-as-tombstone
// (SPEC_FULL.md §4.2 "Delete"): allocate a zero-value item with the same
// flags/exptime/datatype, cas it in, mark it zombie. If keep_deleted is
// false the tombstone is immediately unlinked instead of retained.
func (s *Store) Unlink(key []byte, casIn uint64, now uint32) Code {
	h := hashKey(key)
	s.mu.Lock()

	existing := s.findLocked(key, h)
	if existing == nil || existing.IsZombie() || existing.Expired(now) {
		s.mu.Unlock()
		return NoSuchKey
	}
	if code := acceptsCAS(existing, casIn, now); code != OK {
		s.mu.Unlock()
		return code
	}
	effectiveCAS := casIn
	if IsWildcard(casIn) {
		effectiveCAS = existing.CAS()
	}
	if effectiveCAS != existing.CAS() {
		s.mu.Unlock()
		return KeyExists
	}

	tombstone := NewItem(key, nil, nil, existing.classIdx, existing.Flags, existing.Exptime, existing.Datatype, 0)
	tombstone.chunk = existing.chunk
	tombstone.value = existing.chunk[:0]
	newCAS := s.NextCAS()
	tombstone.SetCAS(newCAS)
	tombstone.markZombie()

	s.removeLocked(existing, h)
	s.lruRemoveLocked(existing)
	existing.linked.Store(false)

	if s.keepDeleted {
		s.insertLocked(tombstone, h)
		s.lruPushFrontLocked(tombstone)
		tombstone.linked.Store(true)
	} else {
		s.slabs.Free(existing.classIdx, existing.chunk)
		s.stats.CurrBytes.Add(-float64(len(existing.chunk)))
	}
	s.stats.Deletes.Inc()
	s.stats.CurrItems.Set(float64(s.count))
	s.mu.Unlock()
	return OK
}

// Unlock implements unlock(key, cas) (SPEC_FULL.md §4.2 "Locking"): clears
// the lock iff cas matches current, else not_locked (not locked at all) or
// key_exists (locked, cas does not match).
func (s *Store) Unlock(key []byte, cas uint64, now uint32) Code {
	h := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findLocked(key, h)
	if it == nil {
		return NoSuchKey
	}
	if !it.IsLocked(now) {
		return NotLocked
	}
	if it.CAS() != cas {
		return KeyExists
	}
	it.Unlock()
	return OK
}

// FlushExpired sweeps the store unlinking every expired item, returning
// the count removed (SPEC_FULL.md §4.2 "Expiry").
func (s *Store) FlushExpired(now uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, table := range [][]*Item{s.buckets, s.oldBuckets} {
		for idx := range table {
			it := table[idx]
			for it != nil {
				next := it.hashNext
				if it.Expired(now) {
					h := hashKey(it.Key)
					s.unlinkLocked(it, h)
					removed++
				}
				it = next
			}
		}
	}
	s.stats.Expired.Add(float64(removed))
	s.stats.CurrItems.Set(float64(s.count))
	return removed
}

// SetOldestLive records now as the store's oldest-live mark (SPEC_FULL.md
// §4.2 "Expiry"). No lookup, store or scrub path reads the mark, so
// calling it does not expire any item.
func (s *Store) SetOldestLive(now uint32) {
	s.oldestLive.Store(now)
}

// Flush unconditionally unlinks every item regardless of exptime, the
// engine "flush" op (SPEC_FULL.md §6: "flush | — | ok | —") and the DCP
// rollback-to-zero reset (SPEC_FULL.md §4.4.4: "resets the vbucket to empty
// if seqno == 0"). Unlike FlushExpired this also clears permanent
// (exptime == 0) items.
func (s *Store) Flush(now uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, table := range [][]*Item{s.buckets, s.oldBuckets} {
		for idx := range table {
			it := table[idx]
			for it != nil {
				next := it.hashNext
				h := hashKey(it.Key)
				s.unlinkLocked(it, h)
				removed++
				it = next
			}
		}
	}
	s.stats.CurrItems.Set(float64(s.count))
	return removed
}

// evictForClass is wired into the slab allocator as its evictFn (called
// when a class's free list and the global budget are both exhausted). It
// walks that class's LRU from the tail, unlinking alive, unlocked,
// single-reference items until one chunk of the needed class is freed
// (SPEC_FULL.md §4.2 "Eviction").
func (s *Store) evictForClass(classIdx int, need int) bool {
	if !s.evictionOn {
		return false
	}
	// TryLock rather than Lock: append/prepend calls slabs.Alloc while
	// already holding s.mu (SPEC_FULL.md §5 lock order items -> slabs), so a
	// blind Lock here would deadlock against that caller's own goroutine.
	// Losing an eviction opportunity on that rare nested path is preferable
	// to a self-deadlock.
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	now := uint32(0) // eviction does not special-case expiry; any tail candidate qualifies
	// s.count bounds the class's LRU length, so after that many rotations
	// every candidate has been looked at once.
	for tries := s.count; tries >= 0; tries-- {
		it := s.lruVictimLocked(classIdx)
		if it == nil {
			break
		}
		if it.IsLocked(now) || it.Refcount() > 1 {
			// Can't evict a held or locked item; try the next-oldest by
			// rotating it to the front and re-checking the new tail.
			s.lruTouchLocked(it)
			continue
		}
		h := hashKey(it.Key)
		s.unlinkLocked(it, h)
		s.stats.Evictions.Inc()
		return true
	}
	return false
}

// Stats returns per-class LRU counters for get_stats("items").
func (s *Store) Stats() []stats.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stats.Pair, 0, len(s.lruHeads)+1)
	out = append(out, stats.Pair{Name: "curr_items", Value: float64(s.count)})
	for i := range s.lruHeads {
		n := 0
		for it := s.lruHeads[i]; it != nil; it = it.lruNext {
			n++
		}
		out = append(out, stats.Pair{Name: "class_items", Value: float64(n)})
	}
	return out
}
