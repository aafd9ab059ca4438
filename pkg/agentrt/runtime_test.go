package agentrt_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/firewall"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler always quotes a fixed cost and optionally errors on Execute,
// recording every message it is asked to execute.
type fakeHandler struct {
	cost       agentrt.Usage
	quoteErr   error
	executeErr error
	executed   atomic.Int32
	reply      bool
}

func (h *fakeHandler) Quote(ctx context.Context, in *envelope.Envelope) (agentrt.Usage, error) {
	return h.cost, h.quoteErr
}

func (h *fakeHandler) Execute(ctx context.Context, in *envelope.Envelope) (*envelope.Envelope, error) {
	h.executed.Add(1)
	if h.executeErr != nil {
		return nil, h.executeErr
	}
	if !h.reply {
		return nil, nil
	}
	b := envelope.NewBuilder("worker")
	return b.New(envelope.TypeCompletion, map[string]string{"ok": "true"}, envelope.Meta{SessionID: "s"}, nil)
}

func newTestRuntime(t *testing.T) (*agentrt.Runtime, bus.Bus, *sentinel.Sentinel, *lockmgr.LockManager) {
	t.Helper()
	b := bus.NewMockBus()
	t.Cleanup(b.Close)
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 45_000})
	locks := lockmgr.New()
	rt := agentrt.New(b, s, locks, agentrt.WithCancellationGrace(200*time.Millisecond))
	return rt, b, s, locks
}

func publishToInput(t *testing.T, b bus.Bus, agentName string) {
	t.Helper()
	builder := envelope.NewBuilder("tester")
	e, err := builder.New(envelope.TypeToolCall, map[string]string{"x": "1"}, envelope.Meta{SessionID: "s"}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), agentName+"-in", e))
}

func TestSpawn_ProcessesMessageAndPublishesReply(t *testing.T) {
	rt, b, _, _ := newTestRuntime(t)
	h := &fakeHandler{cost: agentrt.Usage{Tool: "t", Credits: 5, Tokens: 1}, reply: true}

	out, err := b.Subscribe(context.Background(), "worker-out", "observers")
	require.NoError(t, err)

	handle, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)
	assert.Equal(t, agentrt.StateRunning, handle.State())

	publishToInput(t, b, "worker")

	select {
	case e := <-out.Events:
		assert.Equal(t, envelope.TypeCompletion, e.Type)
	case <-time.After(time.Second):
		t.Fatal("reply was never published")
	}
	assert.EqualValues(t, 1, h.executed.Load())
}

func TestTrack_AbortVerdictKillsAgentWithoutRestart(t *testing.T) {
	rt, b, _, _ := newTestRuntime(t)
	h := &fakeHandler{cost: agentrt.Usage{Tool: "t", Credits: 5000, Tokens: 1}}

	handle, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)

	publishToInput(t, b, "worker")

	require.Eventually(t, func() bool {
		return handle.State() == agentrt.StateDead
	}, time.Second, 10*time.Millisecond)

	assert.Zero(t, h.executed.Load(), "execute must not run after an abort verdict")
}

func TestExecuteError_TriggersRestart(t *testing.T) {
	rt, b, _, _ := newTestRuntime(t)
	h := &fakeHandler{cost: agentrt.Usage{Tool: "t", Credits: 1}, executeErr: errors.New("boom")}

	_, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)

	publishToInput(t, b, "worker")

	require.Eventually(t, func() bool {
		return h.executed.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	// After a restart the re-spawned worker is subscribed again; publish a
	// second message and confirm it still gets processed.
	require.Eventually(t, func() bool {
		publishToInput(t, b, "worker")
		time.Sleep(50 * time.Millisecond)
		return h.executed.Load() >= 2
	}, 5*time.Second, 100*time.Millisecond)
}

func TestTerminate_ReleasesLocksAndReachesDead(t *testing.T) {
	rt, _, _, locks := newTestRuntime(t)
	h := &fakeHandler{cost: agentrt.Usage{Tool: "t", Credits: 1}}

	handle, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)

	require.NoError(t, locks.Acquire(context.Background(), "worker", "r1"))

	require.NoError(t, handle.Terminate(context.Background()))
	assert.Equal(t, agentrt.StateDead, handle.State())

	require.NoError(t, locks.Acquire(context.Background(), "other", "r1"))
}

func TestHealth_ReportsEveryAgent(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t)
	_, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "A", Handler: &fakeHandler{}})
	require.NoError(t, err)
	_, err = rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "B", Handler: &fakeHandler{}})
	require.NoError(t, err)

	health := rt.Health()
	assert.Equal(t, agentrt.StateRunning, health["A"])
	assert.Equal(t, agentrt.StateRunning, health["B"])
}

func TestShutdown_DrainsAllAgents(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t)
	_, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "A", Handler: &fakeHandler{}})
	require.NoError(t, err)
	_, err = rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "B", Handler: &fakeHandler{}})
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(context.Background()))

	for name, state := range rt.Health() {
		assert.Equal(t, agentrt.StateDead, state, "agent %s", name)
	}
}

func TestSpawn_DuplicateNameRejected(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t)
	_, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "A", Handler: &fakeHandler{}})
	require.NoError(t, err)

	_, err = rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "A", Handler: &fakeHandler{}})
	require.Error(t, err)
}

func TestFirewall_BlocksUnallowlistedToolWithoutExecuting(t *testing.T) {
	b := bus.NewMockBus()
	t.Cleanup(b.Close)
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 45_000})
	locks := lockmgr.New()
	fw := firewall.New()
	require.NoError(t, fw.AllowTool("allowed-tool", ""))
	rt := agentrt.New(b, s, locks, agentrt.WithFirewall(fw))

	h := &fakeHandler{cost: agentrt.Usage{Tool: "forbidden-tool", Credits: 1}}
	handle, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)

	publishToInput(t, b, "worker")

	require.Eventually(t, func() bool {
		return handle.State() == agentrt.StateDead
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, h.executed.Load(), "execute must not run for a tool blocked by the firewall")
}

func TestFirewall_AllowsAllowlistedToolWithValidSchema(t *testing.T) {
	b := bus.NewMockBus()
	t.Cleanup(b.Close)
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95, sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 45_000})
	locks := lockmgr.New()
	fw := firewall.New()
	schema := `{"type":"object","required":["x"],"properties":{"x":{"type":"string"}}}`
	require.NoError(t, fw.AllowTool("t", schema))
	rt := agentrt.New(b, s, locks, agentrt.WithFirewall(fw))

	h := &fakeHandler{cost: agentrt.Usage{Tool: "t", Credits: 1}}
	_, err := rt.Spawn(context.Background(), agentrt.AgentSpec{Name: "worker", Handler: h})
	require.NoError(t, err)

	publishToInput(t, b, "worker")

	require.Eventually(t, func() bool {
		return h.executed.Load() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestEnvelopePayloadDecodesAsJSONObject(t *testing.T) {
	// Sanity check that envelope payloads decode the way the runtime's
	// message loop expects before handing them to a Handler.
	b := envelope.NewBuilder("tester")
	e, err := b.New(envelope.TypeToolCall, map[string]string{"k": "v"}, envelope.Meta{SessionID: "s"}, nil)
	require.NoError(t, err)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "v", payload["k"])
}
