// Package envelope defines the canonical in-memory and wire representation
// of one coordination event, plus its codec. An Envelope is immutable once
// constructed: no field is mutated after New/Decode returns.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mindburn-labs/loom/pkg/canonicalize"
	"github.com/mindburn-labs/loom/pkg/errs"
)

// Type is the closed-set discriminator selecting the payload schema.
type Type string

const (
	TypeToolCall       Type = "tool_call"
	TypeStateChange    Type = "state_change"
	TypeCompletion     Type = "completion"
	TypeError          Type = "error"
	TypeCheckpoint     Type = "checkpoint"
	TypeSessionSummary Type = "session_summary"
)

func validTypes() map[Type]struct{} {
	return map[Type]struct{}{
		TypeToolCall:       {},
		TypeStateChange:    {},
		TypeCompletion:     {},
		TypeError:          {},
		TypeCheckpoint:     {},
		TypeSessionSummary: {},
	}
}

// Meta is the producer-supplied metadata map. SessionID and CreditsUsed are
// always present; ContextHash is opaque to the bus and the intent fields
// are opaque cross-event links the core never interprets.
type Meta struct {
	SessionID      string `json:"session_id"`
	CreditsUsed    int64  `json:"credits_used"`
	ContextHash    string `json:"context_hash"`
	IntentID       string `json:"intent_id,omitempty"`
	ParentIntentID string `json:"parent_intent_id,omitempty"`
	// CorrelationID links a request_reply reply back to its request; unset
	// for ordinary publish/subscribe traffic.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is one immutable event on the bus.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp Timestamp       `json:"timestamp"`
	Agent     string          `json:"agent"`
	Payload   json.RawMessage `json:"payload"`
	Meta      Meta            `json:"meta"`
	Polarity  *float64        `json:"polarity,omitempty"`
}

// Timestamp records both the monotonic creation instant (for per-producer
// ordering) and the wall-clock instant (for human audit). Only Wall is
// serialized on the wire; Monotonic is a process-local ordering aid.
type Timestamp struct {
	Monotonic int64     `json:"-"`
	Wall      time.Time `json:"-"`
}

// MarshalJSON emits Wall as RFC3339 UTC, per §6's wire contract.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Wall.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	wall, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		wall, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("envelope: bad timestamp %q: %w", s, err)
		}
	}
	t.Wall = wall
	return nil
}

// Builder constructs envelopes with monotonically non-decreasing
// per-producer timestamps, as required by §3's invariant.
type Builder struct {
	agent    string
	lastMono int64
}

// NewBuilder returns a Builder for the given producing agent.
func NewBuilder(agent string) *Builder {
	return &Builder{agent: agent}
}

// New constructs and validates a new Envelope. ID is freshly generated.
func (b *Builder) New(typ Type, payload interface{}, meta Meta, polarity *float64) (*Envelope, error) {
	if polarity != nil {
		if *polarity < -1.0 || *polarity > 1.0 {
			return nil, fmt.Errorf("envelope: polarity %f out of range: %w", *polarity, errs.ErrMalformedEvent)
		}
	}
	if meta.CreditsUsed < 0 {
		return nil, fmt.Errorf("envelope: negative credits_used: %w", errs.ErrMalformedEvent)
	}

	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: payload marshal: %w", err)
	}

	now := time.Now()
	mono := now.UnixNano()
	if mono <= b.lastMono {
		mono = b.lastMono + 1
	}
	b.lastMono = mono

	e := &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: Timestamp{Monotonic: mono, Wall: now},
		Agent:     b.agent,
		Payload:   raw,
		Meta:      meta,
		Polarity:  polarity,
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the construction invariants of §4.1: closed-set type,
// non-negative credits, in-range polarity.
func Validate(e *Envelope) error {
	if e.ID == "" {
		return fmt.Errorf("envelope: empty id: %w", errs.ErrMalformedEvent)
	}
	if _, ok := validTypes()[e.Type]; !ok {
		return fmt.Errorf("envelope: unknown type %q: %w", e.Type, errs.ErrMalformedEvent)
	}
	if e.Meta.CreditsUsed < 0 {
		return fmt.Errorf("envelope: negative credits_used: %w", errs.ErrMalformedEvent)
	}
	if e.Polarity != nil && (*e.Polarity < -1.0 || *e.Polarity > 1.0) {
		return fmt.Errorf("envelope: polarity %f out of range: %w", *e.Polarity, errs.ErrMalformedEvent)
	}
	return nil
}

// Encode produces the canonical wire form: lexicographically sorted keys,
// stable numeric formatting, UTF-8 strings — via pkg/canonicalize's JCS
// implementation, satisfying §4.1's determinism requirement.
func Encode(e *Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	return canonicalize.JCS(e)
}

// Decode parses the wire form and re-validates every invariant; any
// violation is reported as errs.ErrMalformedEvent with no partial decode.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w: %v", errs.ErrMalformedEvent, err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// PolarityFromLegacyGarbageFlag implements the bool→real migration policy
// of spec §9: a prior boolean "garbage" flag maps true to polarity -1.0
// and false to +0.5, preserving pre-migration filtering behavior at the
// default threshold of -0.5.
func PolarityFromLegacyGarbageFlag(garbage bool) float64 {
	if garbage {
		return -1.0
	}
	return 0.5
}
