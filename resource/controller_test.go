package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSlots(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})
	ctx := context.Background()

	require.NoError(t, c.AcquireWorker(ctx))
	require.NoError(t, c.AcquireWorker(ctx))
	assert.False(t, c.TryAcquireWorker())

	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
	c.ReleaseWorker()
	c.ReleaseWorker()
}

func TestIOAccounting(t *testing.T) {
	c := NewController(Config{})
	ctx := context.Background()

	require.NoError(t, c.AcquireIO(ctx, 100))
	require.NoError(t, c.AcquireIO(ctx, 50))
	assert.Equal(t, int64(150), c.IOBytes())
}

func TestIOLimitChunksOversizedPasses(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	ctx := context.Background()

	// Larger than the burst; must complete by chunking, not error.
	require.NoError(t, c.AcquireIO(ctx, (1<<20)+123))
	assert.Equal(t, int64((1<<20)+123), c.IOBytes())
}

func TestNilControllerIsNoop(t *testing.T) {
	var c *Controller
	ctx := context.Background()

	require.NoError(t, c.AcquireWorker(ctx))
	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
	require.NoError(t, c.AcquireIO(ctx, 1<<30))
	assert.Equal(t, int64(0), c.IOBytes())
}
