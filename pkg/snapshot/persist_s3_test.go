package snapshot_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mindburn-labs/loom/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestS3Persister_Integration requires a reachable S3-compatible endpoint
// (point SNAPSHOT_S3_ENDPOINT at a local MinIO); skipped otherwise, the
// same pattern the Redis-backed tests use for an unreachable dependency.
func TestS3Persister_Integration(t *testing.T) {
	endpoint := os.Getenv("SNAPSHOT_S3_ENDPOINT")
	bucket := os.Getenv("SNAPSHOT_S3_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("Skipping S3 integration test: SNAPSHOT_S3_ENDPOINT or SNAPSHOT_S3_BUCKET not set")
	}

	ctx := context.Background()
	p, err := snapshot.NewS3Persister(ctx, snapshot.S3PersisterConfig{
		Bucket:   bucket,
		Region:   "us-east-1",
		Endpoint: endpoint,
		Prefix:   "loom-test/",
	})
	require.NoError(t, err)

	s := &snapshot.SessionSummary{
		SchemaVersion: snapshot.SchemaVersion,
		SessionID:     "sess-integration",
		BuildID:       "build-1",
		GeneratedAt:   time.Unix(0, 0).UTC(),
		AgentCredits:  map[string]snapshot.AgentCredits{},
		AgentStates:   map[string]string{},
		Extensions:    map[string]any{},
		ContextHash:   "sha256:deadbeef",
	}

	exists, err := p.Exists(ctx, s.ContextHash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.Put(ctx, s))

	exists, err = p.Exists(ctx, s.ContextHash)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := p.Get(ctx, s.ContextHash)
	require.NoError(t, err)
	assert.Equal(t, s.SessionID, got.SessionID)
	assert.Equal(t, s.ContextHash, got.ContextHash)

	// Re-putting an identical summary is idempotent: no error, same
	// content.
	require.NoError(t, p.Put(ctx, s))
}
