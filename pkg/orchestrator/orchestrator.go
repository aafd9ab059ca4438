// Package orchestrator drives one coordination cycle end to end (spec
// §4.7 / C7): read a budget gate from the treasury collaborator, create a
// root task and dispatch it to the first agent, forward agent-to-agent
// traffic along a declarative wiring map, and gate termination on
// completion, agent exhaustion, a global sentinel abort, or a deadline.
// It is the one component that reaches into every other component's
// public surface (C2-C6) rather than owning state of its own.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/collab"
	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/errs"
	"github.com/mindburn-labs/loom/pkg/routecel"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/mindburn-labs/loom/pkg/snapshot"
)

// RunwayFloorDays is the minimum treasury runway the orchestrator requires
// before starting a cycle (spec §6: "the orchestrator halts cycles when
// runway_days < 30").
const RunwayFloorDays = 30

// healthPollInterval is how often RunCycle checks for all-agents-dead and
// global-abort termination conditions while waiting on bus traffic.
const healthPollInterval = 200 * time.Millisecond

// Status classifies how one cycle ended, per the four termination
// conditions of spec §4.7 step 4 plus the pre-flight budget halt of §4.7
// step 1.
type Status string

const (
	// StatusCompleted: a completion event tagged with the root task's
	// intent id was observed.
	StatusCompleted Status = "completed"
	// StatusExhausted: every spawned agent reached the dead state without
	// a completion ever being observed.
	StatusExhausted Status = "all_agents_dead"
	// StatusGlobalAbort: the sentinel's global hard cap was crossed.
	StatusGlobalAbort Status = "global_abort"
	// StatusDeadline: the cycle's configured deadline elapsed first.
	StatusDeadline Status = "deadline_exceeded"
	// StatusHalted: the treasury reported insufficient runway; the cycle
	// never created a root task.
	StatusHalted Status = "halted_insufficient_runway"
)

// Wiring is the declarative "X-out" -> "Y-in" forwarding map the
// orchestrator owns, per spec §4.5's note that wiring cooperating agents'
// output to one another's input is the orchestrator's responsibility, not
// the agent runtime's.
type Wiring map[string]string

// CycleResult is what one RunCycle call returns: how the cycle ended, why,
// and the session snapshot taken at its end (spec §4.7 step 5).
type CycleResult struct {
	Status   Status
	Reason   string
	Warnings []errs.Warning
	Summary  *snapshot.SessionSummary
}

type received struct {
	topic string
	ev    *envelope.Envelope
}

// Orchestrator is the C7 driver. It does not own any state records of its
// own (spec §3's ownership rule: cross-component references are by
// opaque identifier, never a shared mutable handle) — every field here is
// a reference to a component that owns its own state.
type Orchestrator struct {
	sessionID string
	b         bus.Bus
	sent      *sentinel.Sentinel
	rt        *agentrt.Runtime
	snap      *snapshot.Snapshotter
	treasury  collab.Treasury
	wiring    Wiring
	router    *routecel.Router
	log       *slog.Logger

	mu           sync.Mutex
	globalAbort  bool
	globalReason string
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithWiring installs the declarative X-out -> Y-in forwarding map.
func WithWiring(w Wiring) Option {
	return func(o *Orchestrator) { o.wiring = w }
}

// WithCELRouter installs a CEL-gated router (pkg/routecel) whose rules are
// consulted in addition to the static Wiring map: a topic with registered
// rules forwards to each rule's destination only when that rule's
// predicate evaluates true against the event's decoded payload, letting a
// deployment route conditionally (e.g. only to a reviewer agent when a
// risk_score field crosses a threshold) instead of unconditionally.
func WithCELRouter(r *routecel.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

// New constructs an Orchestrator for one session, wiring itself as the
// sentinel's global-abort observer (distinct from the agent runtime's own
// per-agent abort handler — see sentinel.SetGlobalAbortHandler).
func New(sessionID string, b bus.Bus, sent *sentinel.Sentinel, rt *agentrt.Runtime, snap *snapshot.Snapshotter, treasury collab.Treasury, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessionID: sessionID,
		b:         b,
		sent:      sent,
		rt:        rt,
		snap:      snap,
		treasury:  treasury,
		wiring:    Wiring{},
		log:       slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	sent.SetGlobalAbortHandler(o.onGlobalAbort)
	return o
}

func (o *Orchestrator) onGlobalAbort(agent, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.globalAbort = true
	o.globalReason = fmt.Sprintf("%s (triggered by agent %s)", reason, agent)
}

func (o *Orchestrator) globalAbortState() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.globalAbort, o.globalReason
}

// RunCycle drives one coordination cycle per spec §4.7:
//
//  1. Gate on the treasury's reported runway.
//  2. Create a root task and publish it to firstAgent's input topic.
//  3. Observe agent-produced events, forwarding between agents per the
//     wiring map, until a termination condition fires.
//  4. Request and return a session snapshot.
func (o *Orchestrator) RunCycle(ctx context.Context, firstAgent string, rootPayload any, deadline time.Duration) (*CycleResult, error) {
	if o.treasury != nil {
		days, err := o.treasury.RunwayDays(ctx)
		if err == nil && days < RunwayFloorDays {
			o.log.Warn("summon signal: insufficient treasury runway", "runway_days", days, "floor", RunwayFloorDays)
			summary, serr := o.snap.Snapshot(ctx, time.Now(), nil)
			if serr != nil {
				return nil, fmt.Errorf("orchestrator: snapshot after halt: %w", serr)
			}
			return &CycleResult{
				Status:  StatusHalted,
				Reason:  fmt.Sprintf("runway_days=%d below floor=%d", days, RunwayFloorDays),
				Summary: summary,
			}, nil
		}
	}

	rootID := uuid.NewString()
	task, err := envelope.NewBuilder("orchestrator").New(
		envelope.TypeToolCall,
		rootPayload,
		envelope.Meta{SessionID: o.sessionID, IntentID: rootID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build root task: %w", err)
	}

	inTopic := firstAgent + "-in"
	if err := o.b.Publish(ctx, inTopic, task); err != nil {
		return nil, fmt.Errorf("orchestrator: publish root task to %s: %w", inTopic, err)
	}

	cycleCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	status, reason := o.watch(cycleCtx, rootID, firstAgent)

	summary, err := o.snap.Snapshot(ctx, time.Now(), nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: snapshot: %w", err)
	}
	return &CycleResult{Status: status, Reason: reason, Warnings: summary.Warnings, Summary: summary}, nil
}

// watchTopics returns the set of bus topics this cycle needs to observe:
// every wiring source, the "-out" topic of every agent a wiring entry
// forwards to (so a downstream agent's completion ends the cycle), plus
// firstAgent's own output topic, in case it has no outgoing wiring entry
// and its completion events are the terminal signal the cycle is waiting
// for. Destinations chosen only by the CEL router are not added.
func (o *Orchestrator) watchTopics(firstAgent string) []string {
	seen := map[string]struct{}{firstAgent + "-out": {}}
	for src, dst := range o.wiring {
		seen[src] = struct{}{}
		if strings.HasSuffix(dst, "-in") {
			seen[strings.TrimSuffix(dst, "-in")+"-out"] = struct{}{}
		}
	}
	if o.router != nil {
		for _, topic := range o.router.Topics() {
			seen[topic] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

// watch observes bus traffic until one of spec §4.7 step 4's four
// termination conditions fires, forwarding events along the wiring map as
// it goes.
func (o *Orchestrator) watch(ctx context.Context, rootID, firstAgent string) (Status, string) {
	topics := o.watchTopics(firstAgent)
	events := make(chan received, 64)
	group := "orchestrator-" + rootID

	var subs []*bus.Subscription
	var wg sync.WaitGroup
	for _, topic := range topics {
		sub, err := o.b.Subscribe(ctx, topic, group)
		if err != nil {
			o.log.Error("orchestrator: subscribe failed", "topic", topic, "error", err)
			continue
		}
		subs = append(subs, sub)
		wg.Add(1)
		go func(topic string, sub *bus.Subscription) {
			defer wg.Done()
			for ev := range sub.Events {
				select {
				case events <- received{topic: topic, ev: ev}:
				case <-ctx.Done():
					return
				}
			}
		}(topic, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-events:
			if r.ev.Type == envelope.TypeCompletion && r.ev.Meta.IntentID == rootID {
				return StatusCompleted, fmt.Sprintf("completion observed on %s for intent %s", r.topic, rootID)
			}
			if dst, ok := o.wiring[r.topic]; ok {
				fwd := *r.ev
				if err := o.b.Publish(ctx, dst, &fwd); err != nil {
					o.log.Warn("orchestrator: forward failed", "from", r.topic, "to", dst, "error", err)
				}
			}
			if o.router != nil && o.router.HasRules(r.topic) {
				o.routeCEL(ctx, r)
			}
		case <-ticker.C:
			if aborted, reason := o.globalAbortState(); aborted {
				return StatusGlobalAbort, reason
			}
			if o.allAgentsDead() {
				return StatusExhausted, "every spawned agent reached dead without a completion event"
			}
		case <-ctx.Done():
			if aborted, reason := o.globalAbortState(); aborted {
				return StatusGlobalAbort, reason
			}
			return StatusDeadline, "cycle deadline exceeded before a completion event was observed"
		}
	}
}

// routeCEL decodes r.ev's payload and forwards it to every destination
// whose CEL rule for r.topic evaluates true. A payload that fails to
// decode to a JSON object is treated as matching no rule, since every
// rule's predicate is written against named object fields.
func (o *Orchestrator) routeCEL(ctx context.Context, r received) {
	var payload map[string]any
	if err := json.Unmarshal(r.ev.Payload, &payload); err != nil {
		o.log.Warn("orchestrator: CEL route skipped, payload not a JSON object", "topic", r.topic, "error", err)
		return
	}
	for _, dst := range o.router.Route(r.topic, payload) {
		fwd := *r.ev
		if err := o.b.Publish(ctx, dst, &fwd); err != nil {
			o.log.Warn("orchestrator: CEL route forward failed", "from", r.topic, "to", dst, "error", err)
		}
	}
}

func (o *Orchestrator) allAgentsDead() bool {
	health := o.rt.Health()
	if len(health) == 0 {
		return false
	}
	for _, s := range health {
		if s != agentrt.StateDead {
			return false
		}
	}
	return true
}

// RunContinuous runs RunCycle repeatedly — the behavior behind `loom run
// --cycle continuous` — until a non-retriable status (global abort or a
// treasury halt) is reached or ctx is cancelled. nextPayload, if non-nil,
// is called before each cycle with the previous cycle's result (nil for
// the first) to build that cycle's root task payload.
func (o *Orchestrator) RunContinuous(ctx context.Context, firstAgent string, nextPayload func(prev *CycleResult) any, deadline time.Duration) (*CycleResult, error) {
	var prev *CycleResult
	for {
		select {
		case <-ctx.Done():
			if prev != nil {
				return prev, nil
			}
			return nil, ctx.Err()
		default:
		}

		var payload any
		if nextPayload != nil {
			payload = nextPayload(prev)
		}

		res, err := o.RunCycle(ctx, firstAgent, payload, deadline)
		if err != nil {
			return res, err
		}
		prev = res

		switch res.Status {
		case StatusGlobalAbort, StatusHalted:
			return res, nil
		}
	}
}
