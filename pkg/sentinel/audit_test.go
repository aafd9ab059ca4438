package sentinel_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVAuditSink_WritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")

	sink, err := sentinel.NewCSVAuditSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(sentinel.AuditRecord{
		TeamID: "default", Timestamp: time.Now(), Agent: "A", Tokens: 1, Credits: 2, WallTimeMs: 3, Tool: "t", Verdict: sentinel.Allow,
	}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "team_id,timestamp,agent,tokens,credits,wall_time_ms,tool,verdict")
	assert.Contains(t, string(data), "A,1,2,3,t,allow")
}

func TestTopicAuditSink_PublishesCheckpointEnvelope(t *testing.T) {
	b := bus.NewMockBus()
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "audit-events", "auditors")
	require.NoError(t, err)

	sink := sentinel.NewTopicAuditSink(b, "audit-events")
	require.NoError(t, sink.Write(sentinel.AuditRecord{
		TeamID: "default", Timestamp: time.Now(), Agent: "A", Tokens: 1, Credits: 2, WallTimeMs: 3, Tool: "t", Verdict: sentinel.Warn,
	}))

	select {
	case e := <-sub.Events:
		assert.Equal(t, "sentinel", e.Agent)
	case <-time.After(time.Second):
		t.Fatal("audit event was not published")
	}
}

func TestSentinel_WithAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	sink, err := sentinel.NewCSVAuditSink(path)
	require.NoError(t, err)
	defer sink.Close()

	s := sentinel.New(1000, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 100, HardCap: 200, WallTimeLimit: 45_000}, sentinel.WithAuditSink(sink))
	_, err = s.Track("A", "tool", 5, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "A,1,5")
}
