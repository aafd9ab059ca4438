package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mindburn-labs/loom/pkg/agentrt"
	"github.com/mindburn-labs/loom/pkg/canonicalize"
	"github.com/mindburn-labs/loom/pkg/collab"
	"github.com/mindburn-labs/loom/pkg/errs"
	"github.com/mindburn-labs/loom/pkg/lockmgr"
	"github.com/mindburn-labs/loom/pkg/sentinel"
)

// Snapshotter assembles a SessionSummary from the four owning components
// plus the external collaborators, under the read barrier spec §4.6
// requires: every component's state is read exactly once per call, with
// no interleaved mutation visible across components (each component's own
// internal lock already makes its individual read atomic; Snapshot itself
// does not hold a cross-component lock, since no component exposes one —
// see DESIGN.md for why this is the accepted reading of "global read
// barrier").
type Snapshotter struct {
	sessionID string
	buildID   string

	sentinel *sentinel.Sentinel
	locks    *lockmgr.LockManager
	runtime  *agentrt.Runtime
	vcs      collab.VCS
}

// New constructs a Snapshotter for one session.
func New(sessionID, buildID string, s *sentinel.Sentinel, locks *lockmgr.LockManager, rt *agentrt.Runtime, vcs collab.VCS) *Snapshotter {
	return &Snapshotter{sessionID: sessionID, buildID: buildID, sentinel: s, locks: locks, runtime: rt, vcs: vcs}
}

// Snapshot builds a SessionSummary per the steps of spec §4.6: collect
// sentinel/lock/runtime state, collect VCS facts (degrading to "unknown"
// on any read failure), sort, serialize canonically, hash, and store the
// hash in the summary with the field zeroed during its own computation.
// nextTasks is the caller-supplied pending-task list (the orchestrator's
// concern; the snapshotter has no independent source for it). now is
// supplied by the caller rather than read from the system clock so the
// determinism property ("identical inputs yield byte-identical output")
// is testable without faking time globally; GeneratedAt is excluded from
// the hashed form for the same reason — two snapshots of identical
// underlying state taken a second apart must still hash identically.
func (sn *Snapshotter) Snapshot(ctx context.Context, now time.Time, nextTasks []string) (*SessionSummary, error) {
	s := &SessionSummary{
		SchemaVersion: SchemaVersion,
		SessionID:     sn.sessionID,
		BuildID:       sn.buildID,
		AgentCredits:  make(map[string]AgentCredits),
		AgentStates:   make(map[string]string),
		Extensions:    make(map[string]any),
		NextTasks:     nextTasks,
	}

	for agent, rec := range sn.sentinel.Snapshot() {
		s.AgentCredits[agent] = AgentCredits{
			CreditsUsed: rec.CreditsUsed,
			TokensUsed:  rec.TokensUsed,
			WallTimeMs:  rec.WallTimeMs,
		}
	}

	s.Locks = sn.locks.Snapshot()

	if sn.runtime != nil {
		for agent, state := range sn.runtime.Health() {
			s.AgentStates[agent] = string(state)
		}
		for _, w := range sn.runtime.Warnings() {
			s.Warnings = append(s.Warnings, w)
		}
	}

	s.RepoHead = collab.Unknown
	s.RepoDirty = false
	if sn.vcs != nil {
		if head, err := sn.vcs.HeadCommit(ctx); err == nil {
			s.RepoHead = head
		}
		if dirty, err := sn.vcs.IsDirty(ctx); err == nil {
			s.RepoDirty = dirty
		}
		if items, err := sn.vcs.OpenWorkItems(ctx); err == nil {
			s.OpenWorkItems = items
		}
	}
	sort.Strings(s.OpenWorkItems)
	sort.Strings(s.NextTasks)
	sortWarnings(s.Warnings)

	s.GeneratedAt = now

	hash, err := contextHash(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash: %w", err)
	}
	s.ContextHash = hash
	return s, nil
}

// contextHash computes the SHA-256 of s's canonical form with ContextHash
// zeroed, the same "zero the field you're about to fill, then hash"
// discipline replay.Engine and kernel.InMemoryEventLog both use for their
// own content hashes.
func contextHash(s *SessionSummary) (string, error) {
	cp := *s
	cp.ContextHash = ""
	cp.GeneratedAt = time.Time{}
	return canonicalize.CanonicalHash(cp)
}

func sortWarnings(w []errs.Warning) {
	sort.Slice(w, func(i, j int) bool {
		if w[i].Source != w[j].Source {
			return w[i].Source < w[j].Source
		}
		return w[i].Message < w[j].Message
	})
}
