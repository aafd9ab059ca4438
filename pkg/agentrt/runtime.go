// Package agentrt owns agent lifecycles and routes messages between them
// and the bus, per the state machine of spec §4.5. It generalizes
// pkg/agent's KernelBridge.Dispatch — which rate-limits a tool call via
// kernel.LimiterStore before executing it — into a full per-agent
// supervisor with restart policy and cooperative cancellation.
package agentrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mindburn-labs/loom/pkg/bus"
	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/errs"
	"github.com/mindburn-labs/loom/pkg/firewall"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
	"github.com/mindburn-labs/loom/pkg/sentinel"
	"github.com/mindburn-labs/loom/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

type record struct {
	spec     AgentSpec
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	sub      *bus.Subscription
	restarts int
}

// Runtime is the per-session agent supervisor: one Runtime drives every
// agent's state machine, message routing, and restart policy for the
// session it belongs to.
type Runtime struct {
	mu                sync.Mutex
	agents            map[string]*record
	log               *slog.Logger
	b                 bus.Bus
	s                 *sentinel.Sentinel
	locks             *lockmgr.LockManager
	restartMax        int
	cancellationGrace time.Duration
	warnings          []errs.Warning
	telemetry         *telemetry.Provider
	firewall          *firewall.Firewall

	throttleMu sync.Mutex
	throttle   map[string]*rate.Limiter
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.log = l }
}

// WithRestartMax overrides the default restart budget of 3 (spec §4.5).
func WithRestartMax(n int) Option {
	return func(rt *Runtime) { rt.restartMax = n }
}

// WithCancellationGrace overrides the default 5s grace period a
// terminating agent is given to yield cooperatively before the hard-kill
// path fires.
func WithCancellationGrace(d time.Duration) Option {
	return func(rt *Runtime) { rt.cancellationGrace = d }
}

// WithTelemetry attaches an OpenTelemetry provider; every Execute call is
// then wrapped in a span and counted toward the provider's RED metrics.
// Omitting this option leaves those calls as no-ops.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(rt *Runtime) { rt.telemetry = p }
}

// WithFirewall attaches a tool allowlist/schema firewall; every message
// is checked against it after Quote and before Execute. Omitting this
// option leaves every tool unchecked, matching the runtime's behavior
// before the firewall existed.
func WithFirewall(f *firewall.Firewall) Option {
	return func(rt *Runtime) { rt.firewall = f }
}

// New constructs a Runtime wired to b for message routing, s for credit
// adjudication, and locks for lock release on termination. New registers
// itself as s's abort handler so a sentinel-initiated abort (hard cap,
// wall-time watchdog) drives the same state transition a Track-observed
// Abort verdict does.
func New(b bus.Bus, s *sentinel.Sentinel, locks *lockmgr.LockManager, opts ...Option) *Runtime {
	rt := &Runtime{
		agents:            make(map[string]*record),
		log:               slog.Default().With("component", "agentrt"),
		b:                 b,
		s:                 s,
		locks:             locks,
		restartMax:        3,
		cancellationGrace: 5 * time.Second,
		throttle:          make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(rt)
	}
	s.SetAbortHandler(rt.onSentinelAbort)
	return rt
}

// Spawn creates the agent record, subscribes its worker to its input
// topic, registers its limits with the sentinel, and starts its main
// loop.
func (rt *Runtime) Spawn(ctx context.Context, spec AgentSpec) (*AgentHandle, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("agentrt: spawn: empty agent name: %w", errs.ErrConfiguration)
	}
	if spec.Handler == nil {
		return nil, fmt.Errorf("agentrt: spawn %s: nil handler: %w", spec.Name, errs.ErrConfiguration)
	}

	rt.mu.Lock()
	if _, exists := rt.agents[spec.Name]; exists {
		rt.mu.Unlock()
		return nil, fmt.Errorf("agentrt: spawn: %s already registered: %w", spec.Name, errs.ErrConfiguration)
	}
	rt.s.SetAgentLimits(spec.Name, spec.Limits)

	sub, err := rt.b.Subscribe(ctx, spec.inputTopic(), spec.group())
	if err != nil {
		rt.mu.Unlock()
		return nil, fmt.Errorf("agentrt: spawn %s: subscribe: %w", spec.Name, err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	rec := &record{
		spec:   spec,
		state:  StateSpawning,
		cancel: cancel,
		done:   make(chan struct{}),
		sub:    sub,
	}
	rt.agents[spec.Name] = rec
	rt.mu.Unlock()

	rt.setState(spec.Name, StateRunning)
	go rt.mainLoop(workerCtx, rec)

	return &AgentHandle{name: spec.Name, rt: rt}, nil
}

// mainLoop is the agent's single worker task: cooperative within the
// agent (one message at a time), parallel across agents. Suspension
// points are limited to awaiting an incoming message and awaiting the
// delay from a Throttle verdict, per spec §5.
func (rt *Runtime) mainLoop(ctx context.Context, rec *record) {
	defer close(rec.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-rec.sub.Events:
			if !ok {
				return
			}
			if rt.stateOf(rec.spec.Name) == StateDead {
				return
			}
			if !rt.handleMessage(ctx, rec, in) {
				return
			}
		}
	}
}

// handleMessage runs one message through quote -> adjudicate -> execute.
// It returns false if the agent has died and its worker should exit.
func (rt *Runtime) handleMessage(ctx context.Context, rec *record, in *envelope.Envelope) bool {
	name := rec.spec.Name

	usage, err := rec.spec.Handler.Quote(ctx, in)
	if err != nil {
		rt.handleUnhandledError(rec, fmt.Errorf("quote: %w", err))
		return false
	}

	if rt.firewall != nil {
		var payload map[string]any
		_ = json.Unmarshal(in.Payload, &payload)
		if err := rt.firewall.Check(usage.Tool, payload); err != nil {
			rt.abortAgent(name, err.Error())
			return false
		}
	}

	verdict, err := rt.s.Track(name, usage.Tool, usage.Credits, usage.Tokens)
	if err != nil {
		rt.handleUnhandledError(rec, fmt.Errorf("track: %w", err))
		return false
	}

	switch verdict.Decision {
	case sentinel.Abort:
		rt.abortAgent(name, verdict.Reason)
		return false
	case sentinel.Throttle:
		rt.setState(name, StateThrottled)
		if err := rt.throttleWait(ctx, name, verdict.SuggestedDelay); err != nil {
			return false
		}
		rt.setState(name, StateRunning)
	}

	out, execErr := rt.execute(ctx, name, usage.Tool, rec.spec.Handler, in)
	if execErr != nil {
		rt.handleUnhandledError(rec, fmt.Errorf("execute: %w", execErr))
		return false
	}
	if out == nil {
		return true
	}
	if err := rt.b.Publish(ctx, rec.spec.outputTopic(), out); err != nil {
		rt.log.Warn("publish failed", "agent", name, "topic", rec.spec.outputTopic(), "error", err)
	}
	return true
}

// execute runs the handler's Execute call wrapped in a telemetry span, the
// one step of handleMessage's pipeline that does agent-supplied work and
// so is the one worth tracing and timing independently of Quote/Track.
func (rt *Runtime) execute(ctx context.Context, agent, tool string, h Handler, in *envelope.Envelope) (out *envelope.Envelope, execErr error) {
	ctx, done := rt.telemetry.TrackOperation(ctx, "agentrt.Execute",
		attribute.String("agent", agent), attribute.String("tool", tool))
	defer func() { done(execErr) }()

	out, execErr = h.Execute(ctx, in)
	return out, execErr
}

// throttleWait paces a Throttle-verdict delay through a per-agent
// golang.org/x/time/rate.Limiter rather than a fixed time.After sleep, the
// same per-key limiter-map pattern api.GlobalRateLimiter uses for
// per-visitor limiting, keyed by agent name instead of client IP. The
// limiter's rate is refreshed from the sentinel's own suggested delay on
// every call, so a tightening or loosening verdict takes effect
// immediately rather than waiting for the limiter's own replenishment.
func (rt *Runtime) throttleWait(ctx context.Context, agent string, delay time.Duration) error {
	if delay <= 0 {
		delay = time.Second
	}

	rt.throttleMu.Lock()
	lim, ok := rt.throttle[agent]
	limit := rate.Every(delay)
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		rt.throttle[agent] = lim
	} else {
		lim.SetLimit(limit)
	}
	rt.throttleMu.Unlock()

	// Spend any token banked while the agent was not throttled, so Wait
	// blocks for the next one instead of admitting this message at once.
	lim.Allow()
	return lim.Wait(ctx)
}

// onSentinelAbort is the abort hook registered with the sentinel, driving
// the same state transition whether the abort originates from a Track
// call inside this runtime's own mainLoop or from the sentinel's
// independent wall-time watchdog.
func (rt *Runtime) onSentinelAbort(agent, reason string) {
	rt.abortAgent(agent, reason)
}

// abortAgent transitions agent through aborting to dead: releases its
// locks, cancels its worker, and unsubscribes. It is idempotent — a
// second call against an already-aborting-or-dead agent is a no-op, since
// both a Track-observed Abort verdict and the async watchdog hook can
// name the same agent concurrently.
func (rt *Runtime) abortAgent(agent, reason string) {
	rt.mu.Lock()
	rec, ok := rt.agents[agent]
	if !ok || rec.state == StateAborting || rec.state == StateDead {
		rt.mu.Unlock()
		return
	}
	rec.state = StateAborting
	rt.mu.Unlock()

	rt.log.Info("aborting agent", "agent", agent, "reason", reason)
	rt.locks.ReleaseAll(agent)
	rec.cancel()
	rec.sub.Close()

	rt.mu.Lock()
	rec.state = StateDead
	rt.mu.Unlock()
}

// handleUnhandledError drives the dead-due-to-unhandled-error path: unlike
// abortAgent (a sentinel verdict, never restarted in-session), this path
// is subject to the restart policy of spec §4.5.
func (rt *Runtime) handleUnhandledError(rec *record, cause error) {
	name := rec.spec.Name
	rt.log.Error("agent worker error", "agent", name, "error", cause)

	rt.mu.Lock()
	rec.state = StateAborting
	rt.mu.Unlock()

	rt.locks.ReleaseAll(name)
	rec.sub.Close()
	rec.cancel()

	rt.mu.Lock()
	rec.state = StateDead
	rec.restarts++
	attempt := rec.restarts
	rt.mu.Unlock()

	if attempt > rt.restartMax {
		rt.mu.Lock()
		rt.warnings = append(rt.warnings, errs.Warning{
			Level:   errs.LevelWarn,
			Source:  "agentrt",
			Message: fmt.Sprintf("agent %s exhausted its restart budget (%d) after: %v", name, rt.restartMax, cause),
		})
		rt.mu.Unlock()
		return
	}

	delay := bus.DefaultBackoff().Delay(attempt - 1)
	go rt.restartAfter(name, delay)
}

// restartAfter re-spawns agent after delay, reusing its last AgentSpec and
// carrying its restart count forward.
func (rt *Runtime) restartAfter(name string, delay time.Duration) {
	time.Sleep(delay)

	rt.mu.Lock()
	rec, ok := rt.agents[name]
	if !ok {
		rt.mu.Unlock()
		return
	}
	spec := rec.spec
	restarts := rec.restarts
	rt.mu.Unlock()

	sub, err := rt.b.Subscribe(context.Background(), spec.inputTopic(), spec.group())
	if err != nil {
		rt.log.Error("restart: resubscribe failed", "agent", name, "error", err)
		return
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	newRec := &record{
		spec:     spec,
		state:    StateRunning,
		cancel:   cancel,
		done:     make(chan struct{}),
		sub:      sub,
		restarts: restarts,
	}

	rt.mu.Lock()
	rt.agents[name] = newRec
	rt.mu.Unlock()

	rt.log.Info("restarted agent", "agent", name, "attempt", restarts)
	go rt.mainLoop(workerCtx, newRec)
}

// Terminate cooperatively transitions agent to aborting and waits up to
// the configured cancellation grace period for its worker to yield. If
// the worker has not exited by then, Terminate takes the hard-kill path:
// it abandons the worker goroutine without further cleanup and records an
// error-level warning.
func (rt *Runtime) Terminate(ctx context.Context, agent string) error {
	rt.mu.Lock()
	rec, ok := rt.agents[agent]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("agentrt: terminate: %w: %s", errs.ErrUnknownAgent, agent)
	}
	if rec.state == StateDead {
		rt.mu.Unlock()
		return nil
	}
	rec.state = StateAborting
	rt.mu.Unlock()

	rt.locks.ReleaseAll(agent)
	rec.sub.Close()
	rec.cancel()

	select {
	case <-rec.done:
		rt.setState(agent, StateDead)
		return nil
	case <-time.After(rt.cancellationGrace):
		rt.mu.Lock()
		rec.state = StateDead
		rt.warnings = append(rt.warnings, errs.Warning{
			Level:   errs.LevelError,
			Source:  "agentrt",
			Message: fmt.Sprintf("agent %s did not yield within %s; hard-killed without cleanup", agent, rt.cancellationGrace),
		})
		rt.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns the current state of every known agent.
func (rt *Runtime) Health() map[string]State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]State, len(rt.agents))
	for name, rec := range rt.agents {
		out[name] = rec.state
	}
	return out
}

// Shutdown terminates every agent and returns once all have reached dead
// (or been hard-killed). Agents are drained in name order for
// deterministic log/warning ordering; the spec's "dependency order" is
// the orchestrator's concern when it knows the wiring graph — absent that
// context, name order is this runtime's best deterministic default.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.agents))
	for name := range rt.agents {
		names = append(names, name)
	}
	rt.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if err := rt.Terminate(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Warnings returns every restart-exhaustion and hard-kill warning
// recorded since construction, for pkg/snapshot to fold into the next
// session summary.
func (rt *Runtime) Warnings() []errs.Warning {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]errs.Warning(nil), rt.warnings...)
}

// Running reports the names of every agent currently in the running
// state, the scope sentinel.StartWatchdog scans.
func (rt *Runtime) Running() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []string
	for name, rec := range rt.agents {
		if rec.state == StateRunning {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (rt *Runtime) stateOf(agent string) State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rec, ok := rt.agents[agent]; ok {
		return rec.state
	}
	return StateDead
}

func (rt *Runtime) setState(agent string, s State) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rec, ok := rt.agents[agent]; ok {
		rec.state = s
	}
}
