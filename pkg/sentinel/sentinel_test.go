package sentinel_test

import (
	"testing"
	"time"

	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIsolated builds a Sentinel with a checkpoint_interval large enough
// that it never fires, isolating the rung of the ladder each scenario
// below means to exercise — the spec's S1/S2/S3 scenarios are written to
// demonstrate one verdict path at a time.
func newIsolated(globalHardCap int64) *sentinel.Sentinel {
	return sentinel.New(globalHardCap, 1_000_000, 0.80, 0.95, sentinel.Limits{})
}

// S1 — Soft cap warn.
func TestTrack_S1_SoftCapWarn(t *testing.T) {
	s := newIsolated(1000)
	s.SetAgentLimits("A", sentinel.Limits{SoftCap: 100, HardCap: 200, WallTimeLimit: 45_000})

	v, err := s.Track("A", "t", 85, 0)
	require.NoError(t, err)
	assert.Equal(t, sentinel.Warn, v.Decision)

	snap := s.Snapshot()
	assert.EqualValues(t, 85, snap["A"].CreditsUsed)
}

// S2 — Checkpoint cadence.
func TestTrack_S2_CheckpointCadence(t *testing.T) {
	s := sentinel.New(1_000_000, 50, 0.80, 0.95, sentinel.Limits{})
	s.SetAgentLimits("B", sentinel.Limits{SoftCap: 10000, HardCap: 20000, WallTimeLimit: 45_000})

	var decisions []sentinel.Decision
	for i := 0; i < 20; i++ {
		v, err := s.Track("B", "t", 5, 0)
		require.NoError(t, err)
		decisions = append(decisions, v.Decision)
	}

	for i := 0; i < 9; i++ {
		assert.Equal(t, sentinel.Allow, decisions[i], "call %d", i)
	}
	assert.Equal(t, sentinel.Checkpoint, decisions[9])
	for i := 10; i < 19; i++ {
		assert.Equal(t, sentinel.Allow, decisions[i], "call %d", i)
	}
	assert.Equal(t, sentinel.Checkpoint, decisions[19])

	snap := s.Snapshot()
	assert.EqualValues(t, 100, snap["B"].CreditsUsed)
}

// S3 — Throttle then abort.
func TestTrack_S3_ThrottleThenAbort(t *testing.T) {
	s := newIsolated(1_000_000)
	s.SetAgentLimits("C", sentinel.Limits{SoftCap: 100, HardCap: 110, WallTimeLimit: 45_000})

	v1, err := s.Track("C", "t", 96, 0)
	require.NoError(t, err)
	assert.Equal(t, sentinel.Throttle, v1.Decision)
	assert.GreaterOrEqual(t, v1.SuggestedDelay.Seconds(), 1.0)

	v2, err := s.Track("C", "t", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, sentinel.Abort, v2.Decision)

	snap := s.Snapshot()
	assert.EqualValues(t, 96, snap["C"].CreditsUsed, "abort must not increment counters")
}

func TestTrack_GlobalHardCapNeverCrossed(t *testing.T) {
	s := sentinel.New(100, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 1000, HardCap: 1000, WallTimeLimit: 45_000})

	total := int64(0)
	for i := 0; i < 30; i++ {
		v, err := s.Track("agent", "t", 10, 0)
		require.NoError(t, err)
		if v.Decision != sentinel.Abort {
			total += 10
		}
		used, err := s.GlobalUsed()
		require.NoError(t, err)
		assert.LessOrEqual(t, used, int64(100))
	}
	assert.LessOrEqual(t, total, int64(100))
}

func TestTrack_VerdictIsDeterministic(t *testing.T) {
	limits := sentinel.Limits{SoftCap: 100, HardCap: 200, WallTimeLimit: 45_000}

	s1 := newIsolated(1000)
	s1.SetAgentLimits("A", limits)
	v1, err := s1.Track("A", "t", 85, 0)
	require.NoError(t, err)

	s2 := newIsolated(1000)
	s2.SetAgentLimits("A", limits)
	v2, err := s2.Track("A", "t", 85, 0)
	require.NoError(t, err)

	assert.Equal(t, v1.Decision, v2.Decision)
}

func TestTrack_AbortInvokesHandler(t *testing.T) {
	done := make(chan string, 1)
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95, sentinel.Limits{},
		sentinel.WithAbortHandler(func(agent, reason string) { done <- agent }))
	s.SetAgentLimits("D", sentinel.Limits{SoftCap: 10, HardCap: 10, WallTimeLimit: 45_000})

	v, err := s.Track("D", "t", 11, 0)
	require.NoError(t, err)
	assert.Equal(t, sentinel.Abort, v.Decision)

	select {
	case agent := <-done:
		assert.Equal(t, "D", agent)
	case <-time.After(time.Second):
		t.Fatal("onAbort was not invoked")
	}
}

func TestTrack_CreditMonotonicity(t *testing.T) {
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 1_000_000, HardCap: 1_000_000, WallTimeLimit: 45_000})

	var last int64
	for i := 0; i < 100; i++ {
		_, err := s.Track("agent", "t", 3, 0)
		require.NoError(t, err)
		used := s.Snapshot()["agent"].CreditsUsed
		assert.GreaterOrEqual(t, used, last)
		last = used
	}
}
