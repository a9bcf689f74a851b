package kvengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexacache/kvengine/pkg/kvengine"
)

func newTestBucket(t *testing.T) kvengine.Bucket {
	t.Helper()
	cfg := kvengine.DefaultConfig()
	cfg.CacheSize = 1 << 20
	cfg.VB0 = true
	b, err := kvengine.Open(cfg, nil)
	require.NoError(t, err)
	return b
}

func TestOpenRoundTripsThroughTheCapabilitySet(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	it, code := b.Allocate(ctx, []byte("k"), []byte("v"), 0, 0, kvengine.DatatypeRaw, 0)
	require.Equal(t, kvengine.Success, code)

	_, code = b.Store(ctx, it, 0, kvengine.OpAdd, kvengine.StateAlive, 0)
	require.Equal(t, kvengine.Success, code)

	view, code := b.Get(ctx, []byte("k"), 0, kvengine.FilterAlive)
	require.Equal(t, kvengine.Success, code)
	assert.Equal(t, "v", string(view.Value))
}

func TestOpenExposesTheBoundDCPConsumer(t *testing.T) {
	b := newTestBucket(t)
	require.NotNil(t, b.DCP())
	assert.NotEmpty(t, b.UUID())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := kvengine.DefaultConfig()
	cfg.ChunkSize = 1 << 20
	cfg.ItemSizeMax = 48
	_, err := kvengine.Open(cfg, nil)
	assert.Error(t, err)
}

func TestOpenSubmitsScrubThroughAProvidedPool(t *testing.T) {
	pool := kvengine.NewPool(1, 4)
	defer pool.Shutdown()

	cfg := kvengine.DefaultConfig()
	cfg.CacheSize = 1 << 20
	cfg.VB0 = true
	b, err := kvengine.Open(cfg, pool)
	require.NoError(t, err)

	require.Equal(t, kvengine.Success, b.StartScrub(context.Background()))
}

func TestUnknownCommandReportsFailed(t *testing.T) {
	b := newTestBucket(t)
	assert.Equal(t, kvengine.Failed, b.UnknownCommand(context.Background(), 0xFF))
}
