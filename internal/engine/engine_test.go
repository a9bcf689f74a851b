package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacache/kvengine/internal/execpool"
	"github.com/nexacache/kvengine/internal/item"
	"github.com/nexacache/kvengine/internal/vbucket"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{
		CacheSize:   1 << 20,
		ChunkSize:   48,
		ItemSizeMax: 1 << 16,
		Eviction:    true,
		VB0:         true,
	}, nil)
	require.NoError(t, err)
	return e
}

func TestNewDefaultsUUIDWhenUnset(t *testing.T) {
	e := newTestEngine(t)
	assert.NotEmpty(t, e.UUID())
}

func TestNewRejectsChunkSizeAboveItemMax(t *testing.T) {
	_, err := New(Config{ChunkSize: 1 << 20, ItemSizeMax: 48}, nil)
	assert.Error(t, err)
}

// StartScrub submits to the pool instead of running inline when one is
// wired in (SPEC_FULL.md §9 Design Note on ExecutorPool::get()).
func TestStartScrubSubmitsThroughProvidedPool(t *testing.T) {
	pool := execpool.New(1, 4)
	defer pool.Shutdown()

	e, err := New(Config{
		CacheSize:   1 << 20,
		ChunkSize:   48,
		ItemSizeMax: 1 << 16,
		VB0:         true,
	}, pool)
	require.NoError(t, err)

	require.Equal(t, Success, e.StartScrub(context.Background()))
}

// Keyed ops against a non-active vbucket are rejected at the gate without
// touching the item store (SPEC_FULL.md §4.3).
func TestNonActiveVBucketRejectsKeyedOpsAtTheGate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, code := e.Allocate(ctx, []byte("k"), []byte("v"), 0, 0, item.DatatypeRaw, 7)
	assert.Equal(t, NotMyVBucket, code)

	_, code = e.Get(ctx, []byte("k"), 7, item.FilterAlive)
	assert.Equal(t, NotMyVBucket, code)
}

func TestAllocateStoreGetRoundTripOnActiveVBucket(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	it, code := e.Allocate(ctx, []byte("k"), []byte("v"), 0, 0, item.DatatypeRaw, 0)
	require.Equal(t, Success, code)

	_, code = e.Store(ctx, it, 0, item.OpAdd, item.StateAlive, 0)
	require.Equal(t, Success, code)

	view, code := e.Get(ctx, []byte("k"), 0, item.FilterAlive)
	require.Equal(t, Success, code)
	assert.Equal(t, "v", string(view.Value))
}

func TestUnlockIsGatedLikeEveryOtherKeyedOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	code := e.Unlock(ctx, []byte("k"), 1, 7)
	assert.Equal(t, NotMyVBucket, code)
}

func TestSetVBucketStateClosesDCPStreamOnTransitionAwayFromReplica(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.Equal(t, Success, e.SetVBucketState(ctx, 5, vbucket.Replica))
	e.DCP().AddStream(1, 5, 0, 0, 0, 100)

	require.Equal(t, Success, e.SetVBucketState(ctx, 5, vbucket.Dead))
	<-e.DCP().Outbox() // STREAM_REQ from AddStream
	msg := <-e.DCP().Outbox()
	assert.Equal(t, uint16(5), msg.Vbid)
}

func TestGetStatsDispatchesKnownSubkeysAndRejectsUnknown(t *testing.T) {
	e := newTestEngine(t)
	var pairs []StatPair
	collect := func(p StatPair) { pairs = append(pairs, p) }

	require.Equal(t, Success, e.GetStats("", collect))
	assert.NotEmpty(t, pairs)

	pairs = nil
	require.Equal(t, Success, e.GetStats("uuid", collect))
	require.Len(t, pairs, 1)
	assert.Equal(t, "uuid", pairs[0].Name)
	assert.Equal(t, e.UUID(), pairs[0].Value)

	pairs = nil
	require.Equal(t, Success, e.GetStats("scrub", collect))
	assert.NotEmpty(t, pairs)

	assert.Equal(t, NoSuchKey, e.GetStats("bogus", collect))
}

func TestFlushDiscardsEverythingBucketWide(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	it, code := e.Allocate(ctx, []byte("k"), []byte("v"), 0, 0, item.DatatypeRaw, 0)
	require.Equal(t, Success, code)
	_, code = e.Store(ctx, it, 0, item.OpAdd, item.StateAlive, 0)
	require.Equal(t, Success, code)

	require.Equal(t, Success, e.Flush(ctx))

	_, code = e.Get(ctx, []byte("k"), 0, item.FilterAlive)
	assert.Equal(t, NoSuchKey, code)
}
