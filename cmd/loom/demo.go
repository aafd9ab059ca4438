package main

import (
	"context"
	"encoding/json"

	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/envelope"
)

// echoAgent is the one concrete agent `loom run` ships with. Spec §1
// explicitly scopes "the specific behavior of any individual agent" out
// of the core, so this exists only to give the orchestrator's default
// single-stage wiring (§4.7) something to dispatch a root task to when no
// richer agent is configured: it quotes a fixed cost, then replies on its
// own output topic with a completion event carrying the same intent id,
// which is exactly the signal RunCycle's watch loop is waiting for.
type echoAgent struct {
	name string
}

func newEchoAgent(name string) *echoAgent {
	return &echoAgent{name: name}
}

func (a *echoAgent) Quote(ctx context.Context, in *envelope.Envelope) (agentrt.Usage, error) {
	return agentrt.Usage{Tool: "echo", Credits: 1, Tokens: 0}, nil
}

func (a *echoAgent) Execute(ctx context.Context, in *envelope.Envelope) (*envelope.Envelope, error) {
	payload := map[string]any{"echoed_by": a.name, "in_reply_to": in.ID}
	if len(in.Payload) > 0 {
		var decoded any
		if err := json.Unmarshal(in.Payload, &decoded); err == nil {
			payload["root_payload"] = decoded
		}
	}
	return envelope.NewBuilder(a.name).New(
		envelope.TypeCompletion,
		payload,
		envelope.Meta{
			SessionID: in.Meta.SessionID,
			IntentID:  in.Meta.IntentID,
		},
		nil,
	)
}
