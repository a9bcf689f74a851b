package item

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacache/kvengine/internal/slab"
	"github.com/nexacache/kvengine/internal/stats"
	"github.com/nexacache/kvengine/internal/xlog"
)

func newTestStore(t *testing.T, cacheSize int64) *Store {
	t.Helper()
	allocator := slab.New(slab.Config{CacheSize: cacheSize, Factor: 1.25, ChunkSize: 48, ItemSizeMax: 1 << 16})
	return New(Config{
		Slabs:           allocator,
		NumClasses:      allocator.NumClasses(),
		EvictionEnabled: true,
		Log:             xlog.New("item_test", xlog.LevelError),
		Stats:           stats.NewGlobal(),
		ExpectedItems:   1024,
	})
}

func storeValue(t *testing.T, s *Store, key, value string, casIn uint64, op StoreOp) (uint64, Code) {
	t.Helper()
	it, code := s.Allocate([]byte(key), []byte(value), 0, 0, DatatypeRaw)
	require.Equal(t, OK, code)
	return s.Store(it, casIn, op, StateAlive, 0)
}

// Scenario 2 (SPEC_FULL.md §8): add/set/cas CAS progression.
func TestCASProgression(t *testing.T) {
	s := newTestStore(t, 1<<20)

	c1, code := storeValue(t, s, "a", "1", 0, OpAdd)
	require.Equal(t, OK, code)

	c2, code := storeValue(t, s, "a", "2", 0, OpSet)
	require.Equal(t, OK, code)
	assert.Greater(t, c2, c1)

	_, code = storeValue(t, s, "a", "3", c1, OpCas)
	assert.Equal(t, KeyExists, code)

	c3, code := storeValue(t, s, "a", "3", c2, OpCas)
	require.Equal(t, OK, code)
	assert.Greater(t, c3, c2)
}

func TestAddReturnsKeyExistsWhenAlive(t *testing.T) {
	s := newTestStore(t, 1<<20)
	_, code := storeValue(t, s, "a", "1", 0, OpAdd)
	require.Equal(t, OK, code)
	_, code = storeValue(t, s, "a", "2", 0, OpAdd)
	assert.Equal(t, KeyExists, code)
}

func TestReplaceRequiresExisting(t *testing.T) {
	s := newTestStore(t, 1<<20)
	_, code := storeValue(t, s, "missing", "v", 0, OpReplace)
	assert.Equal(t, NoSuchKey, code)
}

// Scenario 3 (SPEC_FULL.md §8): get_locked masking and expiry.
func TestGetLockedMasksCASUntilExpiry(t *testing.T) {
	s := newTestStore(t, 1<<20)
	_, code := storeValue(t, s, "k", "v", 0, OpAdd)
	require.Equal(t, OK, code)

	view, code := s.GetLocked([]byte("k"), 2, 0)
	require.Equal(t, OK, code)
	realCAS := view.CAS
	require.NotEqual(t, MaskedCAS, realCAS)

	got, code := s.Get([]byte("k"), FilterAlive, 1)
	require.Equal(t, OK, code)
	assert.Equal(t, MaskedCAS, got.CAS)

	// A wildcard cas_in is never accepted while the lock is still held
	// (SPEC_FULL.md §8 scenario 3): the caller must have observed realCAS.
	_, code = storeValue(t, s, "k", "v2", 0, OpSet)
	assert.Equal(t, Locked, code)

	// Once the lock timeout (2) has elapsed, a wildcard cas_in succeeds.
	it, code := s.Allocate([]byte("k"), []byte("v2"), 0, 0, DatatypeRaw)
	require.Equal(t, OK, code)
	_, code = s.Store(it, 0, OpSet, StateAlive, 3)
	require.Equal(t, OK, code)

	got, code = s.Get([]byte("k"), FilterAlive, 3)
	require.Equal(t, OK, code)
	assert.NotEqual(t, MaskedCAS, got.CAS)
}

func TestUnlockRequiresMatchingCAS(t *testing.T) {
	s := newTestStore(t, 1<<20)
	storeValue(t, s, "k", "v", 0, OpAdd)
	view, code := s.GetLocked([]byte("k"), 5, 0)
	require.Equal(t, OK, code)

	code = s.Unlock([]byte("k"), view.CAS+1, 0)
	assert.Equal(t, KeyExists, code)

	code = s.Unlock([]byte("k"), view.CAS, 0)
	assert.Equal(t, OK, code)
}

func TestUnlockOnUnlockedItemReturnsNotLocked(t *testing.T) {
	s := newTestStore(t, 1<<20)
	storeValue(t, s, "k", "v", 0, OpAdd)
	code := s.Unlock([]byte("k"), 1, 0)
	assert.Equal(t, NotLocked, code)
}

func TestFlushDiscardsPermanentItemsUnlikeFlushExpired(t *testing.T) {
	s := newTestStore(t, 1<<20)
	storeValue(t, s, "permanent", "v", 0, OpAdd) // exptime 0 == never

	removed := s.FlushExpired(^uint32(0))
	assert.Equal(t, 0, removed, "FlushExpired must not touch exptime==0 items")
	_, code := s.Get([]byte("permanent"), FilterAlive, 0)
	require.Equal(t, OK, code)

	removed = s.Flush(0)
	assert.Equal(t, 1, removed)
	_, code = s.Get([]byte("permanent"), FilterAlive, 0)
	assert.Equal(t, NoSuchKey, code)
}

func TestDeleteThenGetAliveIsNoSuchKey(t *testing.T) {
	s := newTestStore(t, 1<<20)
	storeValue(t, s, "k", "v", 0, OpAdd)
	code := s.Unlink([]byte("k"), 0, 0)
	require.Equal(t, OK, code)

	_, code = s.Get([]byte("k"), FilterAlive, 0)
	assert.Equal(t, NoSuchKey, code)
}

func TestDeleteKeepsDeletedTombstoneWhenConfigured(t *testing.T) {
	allocator := slab.New(slab.Config{CacheSize: 1 << 20, Factor: 1.25, ChunkSize: 48, ItemSizeMax: 1 << 16})
	s := New(Config{
		Slabs:       allocator,
		NumClasses:  allocator.NumClasses(),
		KeepDeleted: true,
		Log:         xlog.New("item_test", xlog.LevelError),
		Stats:       stats.NewGlobal(),
	})
	storeValue(t, s, "k", "v", 0, OpAdd)
	require.Equal(t, OK, s.Unlink([]byte("k"), 0, 0))

	_, code := s.Get([]byte("k"), FilterAlive, 0)
	assert.Equal(t, NoSuchKey, code)
	_, code = s.Get([]byte("k"), FilterAliveOrDeleted, 0)
	assert.Equal(t, OK, code)
}

func TestExpiredItemObservablyAbsent(t *testing.T) {
	s := newTestStore(t, 1<<20)
	it, code := s.Allocate([]byte("k"), []byte("v"), 0, 100, DatatypeRaw)
	require.Equal(t, OK, code)
	_, code = s.Store(it, 0, OpAdd, StateAlive, 50)
	require.Equal(t, OK, code)

	_, code = s.Get([]byte("k"), FilterAlive, 200)
	assert.Equal(t, NoSuchKey, code)
}

func TestFlushExpiredSweepsStore(t *testing.T) {
	s := newTestStore(t, 1<<20)
	it, _ := s.Allocate([]byte("k"), []byte("v"), 0, 10, DatatypeRaw)
	s.Store(it, 0, OpAdd, StateAlive, 0)

	removed := s.FlushExpired(20)
	assert.Equal(t, 1, removed)
}

// Scenario 4 (SPEC_FULL.md §8): eviction under budget pressure.
func TestEvictionFreesSpaceWhenEnabled(t *testing.T) {
	s := newTestStore(t, 96*3) // 288 bytes: six 48-byte chunks at the smallest class

	for i := 0; i < 10; i++ {
		it, code := s.Allocate([]byte{byte('a' + i)}, []byte("x"), 0, 0, DatatypeRaw)
		require.Equal(t, OK, code)
		_, code = s.Store(it, 0, OpAdd, StateAlive, 0)
		require.Equal(t, OK, code)
	}
	assert.Greater(t, testutil.ToFloat64(s.stats.Evictions), float64(0))
}

func TestAppendPreservesFlagsAndConcatenates(t *testing.T) {
	s := newTestStore(t, 1<<20)
	orig, code := s.Allocate([]byte("k"), []byte("hello"), 42, 0, DatatypeRaw)
	require.Equal(t, OK, code)
	_, code = s.Store(orig, 0, OpAdd, StateAlive, 0)
	require.Equal(t, OK, code)
	it, code := s.Allocate([]byte("k"), []byte(" world"), 0, 0, DatatypeRaw)
	require.Equal(t, OK, code)
	_, code = s.Store(it, 0, OpAppend, StateAlive, 0)
	require.Equal(t, OK, code)

	view, code := s.Get([]byte("k"), FilterAlive, 0)
	require.Equal(t, OK, code)
	assert.Equal(t, "hello world", string(view.Value))
	assert.Equal(t, uint32(42), view.Flags)
}
