package sentinel_test

import (
	"testing"

	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisGlobalCounter_Integration requires a running Redis; skipped if
// one isn't reachable on localhost, the same pattern the teacher uses for
// its Redis-backed rate limiter.
func TestRedisGlobalCounter_Integration(t *testing.T) {
	c := sentinel.NewRedisGlobalCounter("localhost:6379", "", 0, "loom:test:global-credits")

	if _, err := c.Used(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	total, admitted, err := c.Reserve(50, 100)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.EqualValues(t, 50, total)

	total, admitted, err = c.Reserve(60, 100)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.EqualValues(t, 50, total)

	require.NoError(t, c.Release(50))
	used, err := c.Used()
	require.NoError(t, err)
	assert.EqualValues(t, 0, used)
}
