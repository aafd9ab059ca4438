package collab

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// GitVCS reads repository facts by shelling out to git, the same
// exec.Command("<tool>").Run()-and-inspect-output shape the doctor
// command's environment checks use. Every method degrades to Unknown (or
// false for IsDirty, since "not dirty" cannot be distinguished from
// "couldn't tell" any other way) rather than failing the caller, matching
// spec §6's determinism note for VCS reads.
type GitVCS struct {
	Dir string // repository root; defaults to the process cwd
}

func (g GitVCS) run(args ...string) (string, bool) {
	cmd := exec.Command("git", args...)
	if g.Dir != "" {
		cmd.Dir = g.Dir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

// HeadCommit returns the current HEAD SHA, or Unknown if git is
// unavailable or this isn't a repository.
func (g GitVCS) HeadCommit(ctx context.Context) (string, error) {
	if out, ok := g.run("rev-parse", "HEAD"); ok {
		return out, nil
	}
	return Unknown, nil
}

// IsDirty reports whether the working tree has uncommitted changes. It
// returns false, not an error, when git is unavailable — there is no
// third "unknown" boolean state to report through this signature.
func (g GitVCS) IsDirty(ctx context.Context) (bool, error) {
	out, ok := g.run("status", "--porcelain")
	if !ok {
		return false, nil
	}
	return out != "", nil
}

// OpenWorkItems has no local-git equivalent (open pull requests live on a
// forge, not in the repository) and always returns an empty list — a real
// deployment would inject a VCS implementation backed by the forge's API
// instead of this offline default.
func (g GitVCS) OpenWorkItems(ctx context.Context) ([]string, error) {
	return nil, nil
}

// EnvTreasury reads the three treasury facts from environment variables,
// standing in for a real billing system per spec §6's explicit scoping of
// storage/billing out of the core.
type EnvTreasury struct{}

func (EnvTreasury) Balance(ctx context.Context) (float64, error) {
	return parseFloatEnv("TREASURY_BALANCE", 0)
}

func (EnvTreasury) BurnRatePerDay(ctx context.Context) (float64, error) {
	return parseFloatEnv("TREASURY_BURN_RATE_PER_DAY", 0)
}

func (EnvTreasury) RunwayDays(ctx context.Context) (int, error) {
	v := os.Getenv("TREASURY_RUNWAY_DAYS")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func parseFloatEnv(name string, fallback float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, nil
	}
	return f, nil
}
