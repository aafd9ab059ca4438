package agentrt

import (
	"context"

	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/sentinel"
)

// State is one node of the agent state machine of spec §4.5.
type State string

const (
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateThrottled State = "throttled"
	StateAborting  State = "aborting"
	StateDead      State = "dead"
)

// Usage is the credit/token cost an agent declares for one message before
// it is admitted, generalizing the rate-limit check
// agent.KernelBridge.Dispatch performs ahead of every tool dispatch.
type Usage struct {
	Tool    string
	Credits int64
	Tokens  int64
}

// Handler implements one agent's message-processing logic. The runtime
// calls Quote before admitting a message through the sentinel and Execute
// only once the sentinel's verdict permits it — the same two-phase
// rate-limit-then-dispatch split agent.KernelBridge.Dispatch performs
// inline, pulled apart so the runtime can interpose Throttle/Abort
// handling between the two steps.
type Handler interface {
	// Quote reports what processing in would cost, without performing any
	// side effect.
	Quote(ctx context.Context, in *envelope.Envelope) (Usage, error)

	// Execute performs the work and returns the reply to publish to the
	// agent's output topic, or nil if this message produces no reply.
	Execute(ctx context.Context, in *envelope.Envelope) (*envelope.Envelope, error)
}

// AgentSpec configures one agent's place in the runtime.
type AgentSpec struct {
	Name    string
	Handler Handler
	Limits  sentinel.Limits

	// InputTopic/OutputTopic default to "<Name>-in"/"<Name>-out" per the
	// message routing convention of spec §4.5.
	InputTopic  string
	OutputTopic string

	// Group is the bus consumer group this agent's worker joins; defaults
	// to "workers" so multiple agents subscribed to the same topic load
	// balance rather than each seeing every message.
	Group string
}

func (s AgentSpec) inputTopic() string {
	if s.InputTopic != "" {
		return s.InputTopic
	}
	return s.Name + "-in"
}

func (s AgentSpec) outputTopic() string {
	if s.OutputTopic != "" {
		return s.OutputTopic
	}
	return s.Name + "-out"
}

func (s AgentSpec) group() string {
	if s.Group != "" {
		return s.Group
	}
	return "workers"
}

// AgentHandle is the caller's view of a spawned agent.
type AgentHandle struct {
	name string
	rt   *Runtime
}

// Name returns the agent's name.
func (h *AgentHandle) Name() string { return h.name }

// State returns the agent's current state machine node.
func (h *AgentHandle) State() State { return h.rt.stateOf(h.name) }

// Terminate transitions this agent to aborting and on to dead, per
// Runtime.Terminate.
func (h *AgentHandle) Terminate(ctx context.Context) error {
	return h.rt.Terminate(ctx, h.name)
}
