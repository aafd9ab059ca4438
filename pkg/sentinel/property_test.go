//go:build property
// +build property

package sentinel_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mindburn-labs/loom/pkg/sentinel"
)

// TestTrack_NeverCrossesGlobalHardCap checks spec §4.3 step 1's invariant
// directly: however many Track calls are made, GlobalUsed never exceeds
// globalHardCap.
func TestTrack_NeverCrossesGlobalHardCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("global credits_used never exceeds global_hard_cap", prop.ForAll(
		func(cap int64, deltas []int64) bool {
			if cap < 0 {
				cap = -cap
			}
			s := sentinel.New(cap, 1_000_000, 0.80, 0.95,
				sentinel.Limits{SoftCap: 1 << 30, HardCap: 1 << 30, WallTimeLimit: 1 << 30})

			for i, d := range deltas {
				if d < 0 {
					d = -d
				}
				if _, err := s.Track("agent", "tool", d, 0); err != nil {
					return false
				}
				_ = i
			}

			used, err := s.GlobalUsed()
			if err != nil {
				return false
			}
			return used <= cap
		},
		gen.Int64Range(0, 1_000_000),
		gen.SliceOfN(20, gen.Int64Range(0, 100_000)),
	))

	properties.TestingRun(t)
}

// TestTrack_VerdictIsAlwaysExactlyOneRung checks that Track's Verdict is
// always one of the five defined Decision values — the ladder never
// returns an empty or unrecognized rung.
func TestTrack_VerdictIsAlwaysExactlyOneRung(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	valid := map[sentinel.Decision]bool{
		sentinel.Allow:      true,
		sentinel.Warn:       true,
		sentinel.Throttle:   true,
		sentinel.Checkpoint: true,
		sentinel.Abort:      true,
	}

	properties.Property("Track always returns one of the five defined verdicts", prop.ForAll(
		func(credits int64) bool {
			if credits < 0 {
				credits = -credits
			}
			s := sentinel.New(1<<40, 500, 0.80, 0.95,
				sentinel.Limits{SoftCap: 1000, HardCap: 2000, WallTimeLimit: 1 << 30})

			v, err := s.Track("agent", "tool", credits, 0)
			if err != nil {
				return false
			}
			return valid[v.Decision]
		},
		gen.Int64Range(0, 5000),
	))

	properties.TestingRun(t)
}

// TestTrack_CreditsUsedIsMonotonic checks that a single agent's
// CreditsUsed never decreases across a sequence of Track calls, aborted
// or not — Track has no refund/release path for admitted credits (only
// the global reservation is released on an agent-level abort), so the
// per-agent running total can only grow.
func TestTrack_CreditsUsedIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("CreditsUsed never decreases", prop.ForAll(
		func(deltas []int64) bool {
			s := sentinel.New(1<<40, 1<<40, 0.80, 0.95,
				sentinel.Limits{SoftCap: 1 << 30, HardCap: 1 << 30, WallTimeLimit: 1 << 30})

			var prev int64
			for _, d := range deltas {
				if d < 0 {
					d = -d
				}
				if _, err := s.Track("agent", "tool", d, 0); err != nil {
					return false
				}
				rec := s.Snapshot()["agent"]
				if rec.CreditsUsed < prev {
					return false
				}
				prev = rec.CreditsUsed
			}
			return true
		},
		gen.SliceOfN(15, gen.Int64Range(0, 10_000)),
	))

	properties.TestingRun(t)
}
