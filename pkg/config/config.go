// Package config loads the coordination runtime's configuration from the
// environment, per the recognized variables in spec §6. It follows the
// 12-factor convention used throughout the teacher codebase: a typed
// struct built by Load(), defaults baked in, overridable per variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mindburn-labs/loom/pkg/errs"
)

// BusMode selects the message bus implementation (spec §4.2, §6).
type BusMode string

const (
	BusModeMock   BusMode = "mock"
	BusModeBroker BusMode = "broker"
)

// AuditSinkKind selects where the sentinel's audit trail is written.
type AuditSinkKind string

const (
	AuditSinkCSV   AuditSinkKind = "csv"
	AuditSinkTopic AuditSinkKind = "topic"
)

// AuditSinkConfig is the parsed form of AUDIT_SINK, either "csv:<path>"
// or "topic:<name>".
type AuditSinkConfig struct {
	Kind AuditSinkKind
	Arg  string // path for csv, topic name for topic
}

// Config holds the runtime's full configuration surface.
type Config struct {
	GlobalHardCap       int64
	CheckpointInterval  int64
	DefaultWallTimeMs   int64
	CancellationGraceMs int64
	RestartMax          int
	BusMode             BusMode
	BrokerBootstrap     string
	AuditSink           AuditSinkConfig
	PolarityThreshold   float64
}

// Default returns the configuration with spec-mandated defaults and no
// environment overrides applied.
func Default() *Config {
	return &Config{
		CheckpointInterval:  50,
		DefaultWallTimeMs:   45_000,
		CancellationGraceMs: 5_000,
		RestartMax:          3,
		BusMode:             BusModeMock,
		AuditSink:           AuditSinkConfig{Kind: AuditSinkCSV, Arg: "audit.csv"},
		PolarityThreshold:   -0.5,
	}
}

// Load builds a Config from the process environment, applying defaults
// for anything unset. It fails closed: any recognized variable holding an
// unparseable value is a configuration error (spec §7 - fatal at startup,
// CLI exit code 3).
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("GLOBAL_HARD_CAP"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, &errs.ConfigError{Field: "GLOBAL_HARD_CAP", Message: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.GlobalHardCap = n
	}

	if v := os.Getenv("CHECKPOINT_INTERVAL"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, &errs.ConfigError{Field: "CHECKPOINT_INTERVAL", Message: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.CheckpointInterval = n
	}

	if v := os.Getenv("DEFAULT_WALL_TIME_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, &errs.ConfigError{Field: "DEFAULT_WALL_TIME_MS", Message: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.DefaultWallTimeMs = n
	}

	if v := os.Getenv("CANCELLATION_GRACE_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, &errs.ConfigError{Field: "CANCELLATION_GRACE_MS", Message: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.CancellationGraceMs = n
	}

	if v := os.Getenv("RESTART_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &errs.ConfigError{Field: "RESTART_MAX", Message: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.RestartMax = n
	}

	if v := os.Getenv("BUS_MODE"); v != "" {
		switch BusMode(v) {
		case BusModeMock, BusModeBroker:
			cfg.BusMode = BusMode(v)
		default:
			return nil, &errs.ConfigError{Field: "BUS_MODE", Message: fmt.Sprintf("must be %q or %q, got %q", BusModeMock, BusModeBroker, v)}
		}
	}

	cfg.BrokerBootstrap = os.Getenv("BROKER_BOOTSTRAP")
	if cfg.BusMode == BusModeBroker && cfg.BrokerBootstrap == "" {
		return nil, &errs.ConfigError{Field: "BROKER_BOOTSTRAP", Message: "required when BUS_MODE=broker"}
	}

	if v := os.Getenv("AUDIT_SINK"); v != "" {
		sink, err := parseAuditSink(v)
		if err != nil {
			return nil, err
		}
		cfg.AuditSink = sink
	}

	if v := os.Getenv("POLARITY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < -1.0 || f > 1.0 {
			return nil, &errs.ConfigError{Field: "POLARITY_THRESHOLD", Message: fmt.Sprintf("must be in [-1,1], got %q", v)}
		}
		cfg.PolarityThreshold = f
	}

	return cfg, nil
}

func parseAuditSink(v string) (AuditSinkConfig, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return AuditSinkConfig{}, &errs.ConfigError{Field: "AUDIT_SINK", Message: fmt.Sprintf(`must be "csv:<path>" or "topic:<name>", got %q`, v)}
	}
	switch AuditSinkKind(parts[0]) {
	case AuditSinkCSV:
		return AuditSinkConfig{Kind: AuditSinkCSV, Arg: parts[1]}, nil
	case AuditSinkTopic:
		return AuditSinkConfig{Kind: AuditSinkTopic, Arg: parts[1]}, nil
	default:
		return AuditSinkConfig{}, &errs.ConfigError{Field: "AUDIT_SINK", Message: fmt.Sprintf("unknown sink kind %q", parts[0])}
	}
}

// AgentLimits holds the per-agent caps the sentinel enforces. These are
// not environment-driven in the base spec (they are supplied by the
// orchestrator's agent specs) but share the same fail-closed validation
// discipline as the rest of Config.
type AgentLimits struct {
	SoftCap        int64
	HardCap        int64
	WallTimeLimit  int64
	WarnThreshold  float64
	ThrottleThresh float64
}

// DefaultAgentLimits returns the spec-mandated default thresholds with
// zero caps — callers must supply SoftCap/HardCap/WallTimeLimit.
func DefaultAgentLimits() AgentLimits {
	return AgentLimits{
		WarnThreshold:  0.80,
		ThrottleThresh: 0.95,
	}
}

// Validate checks that limits form a sane, enforceable ladder.
func (l AgentLimits) Validate() error {
	if l.SoftCap <= 0 || l.HardCap <= 0 {
		return &errs.ConfigError{Field: "soft_cap/hard_cap", Message: "must be positive"}
	}
	if l.SoftCap > l.HardCap {
		return &errs.ConfigError{Field: "soft_cap", Message: "must not exceed hard_cap"}
	}
	if l.WallTimeLimit <= 0 {
		return &errs.ConfigError{Field: "wall_time_limit_ms", Message: "must be positive"}
	}
	if l.WarnThreshold <= 0 || l.WarnThreshold >= l.ThrottleThresh || l.ThrottleThresh >= 1 {
		return &errs.ConfigError{Field: "warn_threshold/throttle_threshold", Message: "must satisfy 0 < warn < throttle < 1"}
	}
	return nil
}
