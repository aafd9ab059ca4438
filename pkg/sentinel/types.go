// Package sentinel implements the credit sentinel (spec §4.3): the
// resource governor that adjudicates every proposed tool invocation
// against per-agent and global credit budgets and a wall-time limit,
// returning one of a five-level verdict ladder.
//
// It generalizes the teacher's budget.SimpleEnforcer — which adjudicates
// a tenant's daily/monthly cents against a two-outcome allow/deny ladder —
// to a five-level ladder keyed by agent name, with both a global and a
// per-agent cap, and the same fail-closed discipline on any uncertainty.
package sentinel

import (
	"time"

	"github.com/mindburn-labs/loom/pkg/config"
)

// Decision is one rung of the verdict ladder.
type Decision string

const (
	Allow      Decision = "allow"
	Warn       Decision = "warn"
	Throttle   Decision = "throttle"
	Checkpoint Decision = "checkpoint"
	Abort      Decision = "abort"
)

// Verdict is the result of Track. SuggestedDelay is only meaningful for
// Throttle (at least one second, per spec §4.3).
type Verdict struct {
	Decision       Decision
	SuggestedDelay time.Duration
	Reason         string
}

// CreditRecord is the per-agent accounting record owned exclusively by the
// sentinel (spec §3). WallTimeMs is refreshed on every Track call and by
// the watchdog from SpawnedAt, rather than caller-supplied, since the
// public track() operation of §4.3 takes no wall-time argument.
type CreditRecord struct {
	Agent                 string
	CreditsUsed           int64
	TokensUsed            int64
	WallTimeMs            int64
	SoftCap               int64
	HardCap               int64
	WallTimeLimitMs       int64
	LastCheckpointCredits int64
	SpawnedAt             time.Time
}

// Limits is config.AgentLimits under a package-local name. A CreditRecord
// takes only its SoftCap, HardCap and WallTimeLimit; the warn and throttle
// thresholds Track applies are the ones passed to New, not the ones carried
// here.
type Limits = config.AgentLimits

// AuditRecord is one row of the columnar audit trail defined in spec §6:
// team_id, timestamp, agent, tokens, credits, wall_time_ms, tool, verdict.
// TeamID is always "default" — the source's team concept has no analogue
// in this coordination substrate, but the column is kept for wire
// compatibility with the audit schema spec.md names explicitly.
type AuditRecord struct {
	TeamID     string    `json:"team_id"`
	Timestamp  time.Time `json:"timestamp"`
	Agent      string    `json:"agent"`
	Tokens     int64     `json:"tokens"`
	Credits    int64     `json:"credits"`
	WallTimeMs int64     `json:"wall_time_ms"`
	Tool       string    `json:"tool"`
	Verdict    Decision  `json:"verdict"`
}

// AuditSink persists one AuditRecord per Track call. Implementations must
// be safe for concurrent use, per spec §4.3's audit-trail note that a
// streaming variant is the only one required to be concurrency-safe — the
// sentinel holds its own lock across the call so any sink may assume
// single-writer semantics in practice, but sinks shared across sentinels
// (e.g. TopicAuditSink) must still not corrupt state under concurrent use.
type AuditSink interface {
	Write(record AuditRecord) error
}

// GlobalCounter tracks the process- or cluster-wide sum of credits_used
// against global_hard_cap. The default is an in-memory counter guarded by
// its own mutex (and called only under the sentinel's lock); RedisGlobalCounter generalizes it to a
// multi-process deployment using the same atomic check-and-increment
// discipline as the teacher's Redis-backed rate limiter.
type GlobalCounter interface {
	// Reserve atomically checks whether adding delta would exceed cap and,
	// if not, commits it. It returns the resulting total and whether the
	// reservation was admitted.
	Reserve(delta, cap int64) (total int64, admitted bool, err error)
	// Release compensates a Reserve whose caller later decided, on
	// agent-local grounds, to abort after all — the global commit must be
	// undone so sum_over_agents(credits_used) never overcounts an aborted
	// call.
	Release(delta int64) error
	// Used returns the current total without mutating it.
	Used() (int64, error)
}
