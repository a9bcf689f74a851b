package item

import (
	"github.com/cespare/xxhash/v2"
	"github.com/seiflotfy/cuckoofilter"
)

// hashKey hashes a key for bucket placement. xxhash is fast and
// well-distributed for short keys.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

const (
	initialBuckets  = 1024
	loadFactorLimit = 1.5
	migrateBatch    = 32 // buckets migrated per mutating op while resizing
)

// bucketIndex maps a hash to a bucket in a table of the given size (power
// of two).
func bucketIndex(h uint64, size int) int {
	return int(h & uint64(size-1))
}

// findLocked walks bucket chains for key, consulting the cuckoo filter
// first as a negative-lookup accelerator (SPEC_FULL.md §2.2, §3).
// Caller holds s.mu.
func (s *Store) findLocked(key []byte, h uint64) *Item {
	if s.cuckoo != nil && !s.cuckoo.Lookup(key) {
		return nil
	}
	for it := s.chainLocked(h); it != nil; it = it.hashNext {
		if string(it.Key) == string(key) {
			return it
		}
	}
	if s.migrating {
		for it := s.oldChainLocked(h); it != nil; it = it.hashNext {
			if string(it.Key) == string(key) {
				return it
			}
		}
	}
	return nil
}

// chainLocked returns the head of the bucket chain for h in the current
// table. Caller holds s.mu.
func (s *Store) chainLocked(h uint64) *Item {
	return s.buckets[bucketIndex(h, len(s.buckets))]
}

// oldChainLocked returns the head of the bucket chain for h in the
// table being migrated out of. Caller holds s.mu.
func (s *Store) oldChainLocked(h uint64) *Item {
	if s.oldBuckets == nil {
		return nil
	}
	return s.oldBuckets[bucketIndex(h, len(s.oldBuckets))]
}

// insertLocked links it into the hash chain and bumps the element count,
// growing the table opportunistically. Caller holds s.mu.
func (s *Store) insertLocked(it *Item, h uint64) {
	idx := bucketIndex(h, len(s.buckets))
	it.hashNext = s.buckets[idx]
	s.buckets[idx] = it
	s.count++
	if s.cuckoo != nil {
		if ok, err := s.cuckoo.InsertUnique(it.Key); err != nil || !ok {
			// A failed insert would make findLocked's Lookup pre-check report
			// a false "definitely absent" for this key forever after — worse
			// than not having the filter at all. Disable it store-wide rather
			// than let that corrupt get/get_meta.
			s.log.Warnf("cuckoo filter insert failed, disabling negative-lookup accelerator: %v", err)
			s.cuckoo = nil
		}
	}

	if !s.migrating && float64(s.count)/float64(len(s.buckets)) > loadFactorLimit {
		s.beginResizeLocked()
	}
	if s.migrating {
		s.migrateStepLocked()
	}
}

// removeLocked unlinks it from whichever table its bucket lives in. Caller
// holds s.mu.
func (s *Store) removeLocked(it *Item, h uint64) {
	removed := s.unlinkFromLocked(s.buckets, h, it)
	if !removed && s.migrating {
		removed = s.unlinkFromLocked(s.oldBuckets, h, it)
	}
	if removed {
		s.count--
		if s.cuckoo != nil {
			s.cuckoo.Delete(it.Key)
		}
	}
}

func (s *Store) unlinkFromLocked(table []*Item, h uint64, target *Item) bool {
	if table == nil {
		return false
	}
	idx := bucketIndex(h, len(table))
	prev := (*Item)(nil)
	for cur := table[idx]; cur != nil; cur = cur.hashNext {
		if cur == target {
			if prev == nil {
				table[idx] = cur.hashNext
			} else {
				prev.hashNext = cur.hashNext
			}
			cur.hashNext = nil
			return true
		}
		prev = cur
	}
	return false
}

// beginResizeLocked starts an incremental migration to a table double the
// current size (SPEC_FULL.md §3 "Hash index": "an incremental migration is
// permitted (two tables coexist during expansion)"). Caller holds s.mu.
func (s *Store) beginResizeLocked() {
	s.oldBuckets = s.buckets
	s.buckets = make([]*Item, len(s.oldBuckets)*2)
	s.migrating = true
	s.migrateCursor = 0
}

// migrateStepLocked moves up to migrateBatch buckets from the old table to
// the new one. Caller holds s.mu.
func (s *Store) migrateStepLocked() {
	moved := 0
	for s.migrateCursor < len(s.oldBuckets) && moved < migrateBatch {
		it := s.oldBuckets[s.migrateCursor]
		for it != nil {
			next := it.hashNext
			h := hashKey(it.Key)
			idx := bucketIndex(h, len(s.buckets))
			it.hashNext = s.buckets[idx]
			s.buckets[idx] = it
			it = next
		}
		s.oldBuckets[s.migrateCursor] = nil
		s.migrateCursor++
		moved++
	}
	if s.migrateCursor >= len(s.oldBuckets) {
		s.migrating = false
		s.oldBuckets = nil
		s.migrateCursor = 0
	}
}

// newCuckoo builds the negative-lookup accelerator sized for an expected
// item count.
func newCuckoo(capacity uint) *cuckoofilter.CuckooFilter {
	if capacity < 1024 {
		capacity = 1024
	}
	return cuckoofilter.NewFilter(capacity)
}
