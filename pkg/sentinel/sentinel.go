package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mindburn-labs/loom/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Sentinel adjudicates proposed tool invocations per spec §4.3's decision
// ladder and owns every CreditRecord exclusively. track (here: Track) must
// be linearizable: a single sync.Mutex, in the same discipline as the
// teacher's kernel.InMemoryScheduler and kernel.InMemoryLimiterStore,
// serializes every call.
type Sentinel struct {
	mu     sync.Mutex
	log    *slog.Logger
	agents map[string]*CreditRecord

	globalHardCap int64
	global        GlobalCounter

	checkpointInterval int64
	warnThreshold      float64
	throttleThreshold  float64
	defaultLimits      Limits

	audit AuditSink

	// onAbort is invoked, outside the sentinel's own lock, whenever an
	// agent crosses an abort condition — the hook the agent runtime (C5)
	// registers to drive its state machine, per spec §4.3's "the sentinel
	// additionally signals the agent runtime to terminate the agent."
	onAbort func(agent, reason string)

	// onGlobalAbort fires only for step-1 aborts (global hard cap
	// exceeded), the condition spec §4.7 step 4 names as its own cycle
	// termination trigger distinct from a single agent's abort. The
	// orchestrator (C7) registers this; it is never involved in driving
	// an individual agent's state machine, which is onAbort's job.
	onGlobalAbort func(agent, reason string)

	telemetry *telemetry.Provider
}

// Option configures a Sentinel at construction.
type Option func(*Sentinel)

// WithGlobalCounter overrides the default in-memory GlobalCounter, e.g.
// with a RedisGlobalCounter for multi-process deployments.
func WithGlobalCounter(c GlobalCounter) Option {
	return func(s *Sentinel) { s.global = c }
}

// WithAuditSink attaches the audit trail sink selected by AUDIT_SINK.
func WithAuditSink(a AuditSink) Option {
	return func(s *Sentinel) { s.audit = a }
}

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sentinel) { s.log = l }
}

// WithAbortHandler registers the callback invoked on every Abort verdict.
func WithAbortHandler(fn func(agent, reason string)) Option {
	return func(s *Sentinel) { s.onAbort = fn }
}

// WithTelemetry attaches an OpenTelemetry provider; every Track call is
// then wrapped in a span and counted toward the RED metrics the provider
// exposes. Omitting this option (or passing nil) leaves Track's
// telemetry calls as no-ops.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Sentinel) { s.telemetry = p }
}

// SetAbortHandler installs or replaces the abort callback after
// construction — the hook the agent runtime (C5) registers once it has
// been built from an already-constructed Sentinel, since the two must be
// wired to each other in both directions (the runtime needs the sentinel
// to adjudicate Track calls, the sentinel needs the runtime to react to
// Abort verdicts and watchdog timeouts).
func (s *Sentinel) SetAbortHandler(fn func(agent, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAbort = fn
}

// SetGlobalAbortHandler registers the callback invoked only when the
// global hard cap (decision step 1) is what caused the abort — the signal
// the orchestrator (C7) watches to end a cycle per spec §4.7 step 4,
// independent of whichever single agent happened to be the one whose
// request tipped the global total over the cap.
func (s *Sentinel) SetGlobalAbortHandler(fn func(agent, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGlobalAbort = fn
}

// GlobalHardCap returns the configured global_hard_cap, the ceiling
// GlobalUsed is adjudicated against.
func (s *Sentinel) GlobalHardCap() int64 {
	return s.globalHardCap
}

// New constructs a Sentinel from the configuration surface of spec §4.3 /
// §6: globalHardCap, checkpointInterval, warn/throttle thresholds, and the
// default per-agent limits new agents receive unless overridden via
// SetAgentLimits.
func New(globalHardCap, checkpointInterval int64, warnThreshold, throttleThreshold float64, defaultLimits Limits, opts ...Option) *Sentinel {
	s := &Sentinel{
		log:                slog.Default().With("component", "sentinel"),
		agents:             make(map[string]*CreditRecord),
		globalHardCap:      globalHardCap,
		global:             newInMemoryCounter(),
		checkpointInterval: checkpointInterval,
		warnThreshold:      warnThreshold,
		throttleThreshold:  throttleThreshold,
		defaultLimits:      defaultLimits,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAgentLimits registers or overwrites the per-agent caps for agent,
// creating its CreditRecord if this is the first observation of the name
// (spec §3's "created on first observation of an agent name"). A zero
// Limits value registers the agent but keeps the default limits New was
// given.
func (s *Sentinel) SetAgentLimits(agent string, limits Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(agent)
	if limits == (Limits{}) {
		return
	}
	r.SoftCap = limits.SoftCap
	r.HardCap = limits.HardCap
	r.WallTimeLimitMs = limits.WallTimeLimit
}

func (s *Sentinel) getOrCreate(agent string) *CreditRecord {
	r, ok := s.agents[agent]
	if !ok {
		r = &CreditRecord{
			Agent:           agent,
			SoftCap:         s.defaultLimits.SoftCap,
			HardCap:         s.defaultLimits.HardCap,
			WallTimeLimitMs: s.defaultLimits.WallTimeLimit,
			SpawnedAt:       time.Now(),
		}
		s.agents[agent] = r
	}
	return r
}

// Track adjudicates one proposed tool invocation per the seven-step
// decision order of spec §4.3. The first matching rule wins.
//
// Track takes no context.Context of its own — it is a synchronous,
// lock-guarded decision with no blocking I/O — so its telemetry span uses
// context.Background() rather than threading a context through every
// caller for a leaf operation with nothing to cancel.
func (s *Sentinel) Track(agent, tool string, credits, tokens int64) (verdict Verdict, trackErr error) {
	_, done := s.telemetry.TrackOperation(context.Background(), "sentinel.Track",
		attribute.String("agent", agent), attribute.String("tool", tool))
	defer func() { done(trackErr) }()

	s.mu.Lock()

	r := s.getOrCreate(agent)
	r.WallTimeMs = time.Since(r.SpawnedAt).Milliseconds()

	// Step 1: global hard cap.
	_, admitted, err := s.global.Reserve(credits, s.globalHardCap)
	if err != nil {
		s.mu.Unlock()
		return Verdict{}, fmt.Errorf("sentinel: global reserve: %w", err)
	}
	if !admitted {
		v := Verdict{Decision: Abort, Reason: "global hard cap exceeded"}
		s.finishAbort(r, tool, v)
		if s.onGlobalAbort != nil {
			go s.onGlobalAbort(agent, v.Reason)
		}
		s.mu.Unlock()
		return v, nil
	}

	verdict, abortReason := s.decideAgentLevel(r, credits)
	if verdict.Decision == Abort {
		if err := s.global.Release(credits); err != nil {
			s.log.Warn("failed to release global reservation after agent-level abort", "agent", agent, "error", err)
		}
		verdict.Reason = abortReason
		s.finishAbort(r, tool, verdict)
		s.mu.Unlock()
		return verdict, nil
	}

	r.CreditsUsed += credits
	r.TokensUsed += tokens
	if verdict.Decision == Checkpoint {
		r.LastCheckpointCredits = r.CreditsUsed
	}

	s.writeAudit(r, tool, verdict.Decision)
	s.mu.Unlock()
	return verdict, nil
}

// decideAgentLevel implements steps 2-7 of §4.3's decision order given
// that step 1 (global cap) has already admitted the request.
func (s *Sentinel) decideAgentLevel(r *CreditRecord, credits int64) (Verdict, string) {
	newCredits := r.CreditsUsed + credits

	if newCredits > r.HardCap {
		return Verdict{Decision: Abort}, "agent hard cap exceeded"
	}
	if r.WallTimeMs > r.WallTimeLimitMs {
		return Verdict{Decision: Abort}, "wall time limit exceeded"
	}

	ratio := softCapRatio(newCredits, r.SoftCap)
	if ratio > s.throttleThreshold {
		return Verdict{Decision: Throttle, SuggestedDelay: time.Second}, ""
	}
	if newCredits-r.LastCheckpointCredits >= s.checkpointInterval {
		return Verdict{Decision: Checkpoint}, ""
	}
	if ratio > s.warnThreshold {
		return Verdict{Decision: Warn}, ""
	}
	return Verdict{Decision: Allow}, ""
}

func softCapRatio(newCredits, softCap int64) float64 {
	if softCap <= 0 {
		return 0
	}
	return float64(newCredits) / float64(softCap)
}

func (s *Sentinel) finishAbort(r *CreditRecord, tool string, v Verdict) {
	s.writeAudit(r, tool, Abort)
	if s.onAbort != nil {
		agent, reason := r.Agent, v.Reason
		go s.onAbort(agent, reason)
	}
}

func (s *Sentinel) writeAudit(r *CreditRecord, tool string, verdict Decision) {
	if s.audit == nil {
		return
	}
	rec := AuditRecord{
		TeamID:     "default",
		Timestamp:  time.Now().UTC(),
		Agent:      r.Agent,
		Tokens:     r.TokensUsed,
		Credits:    r.CreditsUsed,
		WallTimeMs: r.WallTimeMs,
		Tool:       tool,
		Verdict:    verdict,
	}
	if err := s.audit.Write(rec); err != nil {
		s.log.Warn("audit sink write failed", "agent", r.Agent, "error", err)
	}
}

// Snapshot returns a defensive copy of every agent's current CreditRecord,
// sorted deterministically is the caller's responsibility (pkg/snapshot
// does this before hashing).
func (s *Sentinel) Snapshot() map[string]CreditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CreditRecord, len(s.agents))
	for k, v := range s.agents {
		out[k] = *v
	}
	return out
}

// GlobalUsed returns the current global credits_used total.
func (s *Sentinel) GlobalUsed() (int64, error) {
	return s.global.Used()
}

// StartWatchdog runs the wall-time watchdog of spec §4.3: an independent
// periodic task (period ≤ 1s) that forces the abort path for any agent
// whose elapsed wall time exceeds its limit, regardless of whether it is
// currently making calls to Track. running reports which agents the
// caller (the agent runtime) currently considers in the "running" state;
// only those are scanned, matching the spec's scope for this watchdog.
func (s *Sentinel) StartWatchdog(ctx context.Context, period time.Duration, running func() []string) {
	if period <= 0 || period > time.Second {
		period = time.Second
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanWallTime(running())
			}
		}
	}()
}

func (s *Sentinel) scanWallTime(agents []string) {
	s.mu.Lock()
	var toAbort []struct{ agent, reason string }
	for _, name := range agents {
		r, ok := s.agents[name]
		if !ok {
			continue
		}
		r.WallTimeMs = time.Since(r.SpawnedAt).Milliseconds()
		if r.WallTimeMs > r.WallTimeLimitMs {
			s.writeAudit(r, "watchdog", Abort)
			toAbort = append(toAbort, struct{ agent, reason string }{r.Agent, "wall time limit exceeded"})
		}
	}
	s.mu.Unlock()

	if s.onAbort == nil {
		return
	}
	for _, a := range toAbort {
		s.onAbort(a.agent, a.reason)
	}
}
