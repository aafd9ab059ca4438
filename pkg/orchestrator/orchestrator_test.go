package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
	"github.com/mindburn-labs/loom/pkg/orchestrator"
	"github.com/mindburn-labs/loom/pkg/routecel"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/mindburn-labs/loom/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps(t *testing.T) (bus.Bus, *sentinel.Sentinel, *agentrt.Runtime, *snapshot.Snapshotter) {
	t.Helper()
	b := bus.NewMockBus()
	t.Cleanup(b.Close)
	s := sentinel.New(1_000_000, 1_000_000, 0.80, 0.95,
		sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 45_000})
	locks := lockmgr.New()
	rt := agentrt.New(b, s, locks)
	snap := snapshot.New("test-session", "buildid", s, locks, rt, nil)
	return b, s, rt, snap
}

// replyWithCompletion subscribes to "<agent>-in", waits for the
// published root task, and publishes a matching completion reply on
// "<agent>-out" carrying the same IntentID, simulating a one-shot agent.
func replyWithCompletion(t *testing.T, b bus.Bus, agent string) {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), agent+"-in", "agent-"+agent)
	require.NoError(t, err)
	go func() {
		in := <-sub.Events
		builder := envelope.NewBuilder(agent)
		out, err := builder.New(envelope.TypeCompletion, map[string]string{"done": "true"},
			envelope.Meta{SessionID: in.Meta.SessionID, IntentID: in.Meta.IntentID}, nil)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), agent+"-out", out)
	}()
}

func TestRunCycle_CompletesOnMatchingCompletionEvent(t *testing.T) {
	b, s, rt, snap := newTestDeps(t)
	orch := orchestrator.New("test-session", b, s, rt, snap, nil)

	replyWithCompletion(t, b, "worker")

	result, err := orch.RunCycle(context.Background(), "worker", map[string]string{"task": "x"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, result.Status)
	assert.NotNil(t, result.Summary)
}

func TestRunCycle_DeadlineExceededWithoutCompletion(t *testing.T) {
	b, s, rt, snap := newTestDeps(t)
	orch := orchestrator.New("test-session", b, s, rt, snap, nil)

	// Subscribe but never reply, so the cycle can only end on its deadline.
	_, err := b.Subscribe(context.Background(), "worker-in", "agent-worker")
	require.NoError(t, err)

	result, err := orch.RunCycle(context.Background(), "worker", map[string]string{"task": "x"}, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusDeadline, result.Status)
}

func TestRunCycle_StaticWiringForwardsToCompletionOnDownstreamAgent(t *testing.T) {
	b, s, rt, snap := newTestDeps(t)
	wiring := orchestrator.Wiring{"a-out": "b-in"}
	orch := orchestrator.New("test-session", b, s, rt, snap, nil, orchestrator.WithWiring(wiring))

	// "a" replies with a non-completion tool_call event tagged with the
	// root intent id, which the wiring map forwards to "b-in"; "b" then
	// answers with the completion that actually ends the cycle.
	subA, err := b.Subscribe(context.Background(), "a-in", "agent-a")
	require.NoError(t, err)
	go func() {
		in := <-subA.Events
		builder := envelope.NewBuilder("a")
		out, err := builder.New(envelope.TypeToolCall, map[string]string{"step": "1"},
			envelope.Meta{SessionID: in.Meta.SessionID, IntentID: in.Meta.IntentID}, nil)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), "a-out", out)
	}()

	subB, err := b.Subscribe(context.Background(), "b-in", "agent-b")
	require.NoError(t, err)
	go func() {
		in := <-subB.Events
		builder := envelope.NewBuilder("b")
		out, err := builder.New(envelope.TypeCompletion, map[string]string{"done": "true"},
			envelope.Meta{SessionID: in.Meta.SessionID, IntentID: in.Meta.IntentID}, nil)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), "b-out", out)
	}()

	result, err := orch.RunCycle(context.Background(), "a", map[string]string{"task": "x"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, result.Status)
}

func TestRunCycle_CELRouterForwardsOnlyWhenPredicateMatches(t *testing.T) {
	b, s, rt, snap := newTestDeps(t)
	router, err := routecel.NewRouter()
	require.NoError(t, err)
	require.NoError(t, router.AddRule("a-out", "b-in", `input.escalate == true`))
	orch := orchestrator.New("test-session", b, s, rt, snap, nil, orchestrator.WithCELRouter(router))

	subA, err := b.Subscribe(context.Background(), "a-in", "agent-a")
	require.NoError(t, err)
	go func() {
		in := <-subA.Events
		builder := envelope.NewBuilder("a")
		out, err := builder.New(envelope.TypeToolCall, map[string]any{"escalate": true},
			envelope.Meta{SessionID: in.Meta.SessionID, IntentID: in.Meta.IntentID}, nil)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), "a-out", out)
	}()

	subB, err := b.Subscribe(context.Background(), "b-in", "agent-b")
	require.NoError(t, err)
	go func() {
		in := <-subB.Events
		builder := envelope.NewBuilder("b")
		out, err := builder.New(envelope.TypeCompletion, map[string]string{"done": "true"},
			envelope.Meta{SessionID: in.Meta.SessionID, IntentID: in.Meta.IntentID}, nil)
		if err != nil {
			return
		}
		_ = b.Publish(context.Background(), "b-out", out)
	}()

	result, err := orch.RunCycle(context.Background(), "a", map[string]string{"task": "x"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, result.Status)
}

func TestRunContinuous_StopsOnGlobalAbort(t *testing.T) {
	b := bus.NewMockBus()
	t.Cleanup(b.Close)
	s := sentinel.New(10, 1_000_000, 0.80, 0.95,
		sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 45_000})
	locks := lockmgr.New()
	rt := agentrt.New(b, s, locks)
	snap := snapshot.New("test-session", "buildid", s, locks, rt, nil)
	orch := orchestrator.New("test-session", b, s, rt, snap, nil)

	_, err := b.Subscribe(context.Background(), "worker-in", "agent-worker")
	require.NoError(t, err)

	// Force the global hard cap to be exceeded so onGlobalAbort fires and
	// RunContinuous stops instead of looping forever within the test.
	_, trackErr := s.Track("someone", "tool", 1000, 0)
	require.NoError(t, trackErr)

	result, err := orch.RunContinuous(context.Background(), "worker", nil, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusGlobalAbort, result.Status)
}

