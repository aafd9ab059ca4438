// Package snapshot builds the deterministic, content-addressed session
// summary of spec §4.6: a point-in-time aggregate of the sentinel, lock
// manager, agent runtime, and external collaborator state, hashed so that
// identical inputs always yield byte-identical output.
package snapshot

import (
	"time"

	"github.com/mindburn-labs/loom/pkg/errs"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
)

// SchemaVersion is a semver string (not a bare integer) so
// CompatibleSchema can express "readable by this build" as a version
// constraint rather than a brittle string-equality check, the same
// Masterminds/semver-based compatibility test pack.matrix.go runs
// against installed agent packs.
const SchemaVersion = "1.0.0"

// AgentCredits is the high-water-mark view of one agent's credit record —
// the counters spec §3 requires to be monotonically non-decreasing for
// the life of the process, so the current value already is the high-water
// mark.
type AgentCredits struct {
	CreditsUsed int64 `json:"credits_used" yaml:"credits_used"`
	TokensUsed  int64 `json:"tokens_used" yaml:"tokens_used"`
	WallTimeMs  int64 `json:"wall_time_ms" yaml:"wall_time_ms"`
}

// SessionSummary is the fully-assembled snapshot of spec §3/§4.6. Every
// field here is preceding-state-derived; ContextHash is the only field
// computed from the others and is zeroed while that computation runs.
type SessionSummary struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	SessionID     string    `json:"session_id" yaml:"session_id"`
	BuildID       string    `json:"build_id" yaml:"build_id"`

	RepoHead  string `json:"repo_head" yaml:"repo_head"`
	RepoDirty bool   `json:"repo_dirty" yaml:"repo_dirty"`

	AgentCredits map[string]AgentCredits `json:"agent_credits" yaml:"agent_credits"`
	AgentStates  map[string]string       `json:"agent_states" yaml:"agent_states"`

	Locks []lockmgr.ResourceState `json:"locks" yaml:"locks"`

	OpenWorkItems []string `json:"open_work_items" yaml:"open_work_items"`
	NextTasks     []string `json:"next_tasks" yaml:"next_tasks"`

	Warnings []errs.Warning `json:"warnings" yaml:"warnings"`

	Extensions map[string]any `json:"extensions" yaml:"extensions"`

	ContextHash string `json:"context_hash" yaml:"context_hash"`
}
