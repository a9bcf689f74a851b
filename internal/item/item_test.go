package item

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedCASForHidesRealCASWhileLocked(t *testing.T) {
	it := NewItem([]byte("k"), []byte("v"), make([]byte, 8), 0, 0, 0, DatatypeRaw, 42)
	it.Lock(0, 5)

	assert.Equal(t, MaskedCAS, it.MaskedCASFor(1, 0))
	assert.Equal(t, uint64(42), it.MaskedCASFor(1, 42))
	assert.Equal(t, uint64(42), it.MaskedCASFor(10, 0)) // lock expired
}

func TestExpiredHonorsZeroMeansNever(t *testing.T) {
	it := NewItem([]byte("k"), []byte("v"), make([]byte, 8), 0, 0, 0, DatatypeRaw, 1)
	assert.False(t, it.Expired(1_000_000))

	it.Exptime = 100
	assert.False(t, it.Expired(99))
	assert.True(t, it.Expired(100))
}

func TestCloneIsIndependentAndUnlinked(t *testing.T) {
	it := NewItem([]byte("k"), []byte("v"), make([]byte, 8), 0, 0, 0, DatatypeRaw, 7)
	it.linked.Store(true)

	clone := it.Clone()
	assert.False(t, clone.IsLinked())
	clone.Value()[0] = 'X'
	assert.NotEqual(t, clone.Value()[0], it.Value()[0])
}

// Repeated reads of an unchanged item must hand back byte-for-byte
// identical Views; a deep-equality diff catches accidental aliasing or
// stray field drift that assert.Equal's reflect-based compare can miss
// on slice-bearing structs.
func TestRepeatedGetsReturnIdenticalViews(t *testing.T) {
	s := newTestStore(t, 1<<20)
	storeValue(t, s, "k", "hello", 0, OpAdd)

	first, code := s.Get([]byte("k"), FilterAlive, 0)
	require.Equal(t, OK, code)
	second, code := s.Get([]byte("k"), FilterAlive, 0)
	require.Equal(t, OK, code)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("unexpected diff between repeated Get views (-first +second):\n%s", diff)
	}
}
