// Package errs defines the error taxonomy shared by every coordination
// component: configuration errors, budget/timeout conditions, deadlocks,
// transient transport failures, malformed events, and lock protocol
// violations. Components return these directly or wrap them with %w so
// callers can classify a failure with errors.Is/errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying conditions that every component surfaces
// the same way, per the propagation policy: the core recovers what it
// can locally and only configuration errors or exhausted restart budgets
// are fatal to the process.
var (
	// ErrConfiguration flags an invalid cap or unparseable environment
	// variable. Fatal at startup.
	ErrConfiguration = errors.New("errs: configuration error")

	// ErrBudgetExceeded flags a hard cap crossed by the credit sentinel.
	ErrBudgetExceeded = errors.New("errs: budget exceeded")

	// ErrTimeout flags a wall-time or deadline violation, handled
	// identically to ErrBudgetExceeded for the target agent.
	ErrTimeout = errors.New("errs: timeout")

	// ErrDeadlock flags a wait-for cycle detected by the lock manager.
	ErrDeadlock = errors.New("errs: deadlock detected")

	// ErrUnavailable flags a transient bus failure, retriable with
	// backoff.
	ErrUnavailable = errors.New("errs: bus unavailable")

	// ErrFull flags a saturated mock bus; fatal for the publish attempt
	// that hit it.
	ErrFull = errors.New("errs: bus full")

	// ErrMalformedEvent flags an envelope that failed decode-time
	// invariant checks. Dropped at decode time; never propagated.
	ErrMalformedEvent = errors.New("errs: malformed event")

	// ErrNotHeld flags a release of a lock the caller does not hold.
	ErrNotHeld = errors.New("errs: lock not held")

	// ErrUnknownAgent flags an operation against an agent name the
	// runtime has no record of.
	ErrUnknownAgent = errors.New("errs: unknown agent")

	// ErrAlreadyHeld flags a double acquire of a resource by its current
	// holder, raised to the caller with no core-level recovery.
	ErrAlreadyHeld = errors.New("errs: lock already held by caller")
)

// Level is the severity tag attached to a warning recorded in a session
// summary.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Warning is a level-tagged diagnostic surfaced in the next session
// summary rather than propagated as a Go error.
type Warning struct {
	Level   Level  `json:"level" yaml:"level"`
	Source  string `json:"source" yaml:"source"`
	Message string `json:"message" yaml:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s: %s", w.Level, w.Source, w.Message)
}

// ConfigError is a typed configuration failure naming the offending
// field, for CLI exit-code mapping (spec: configuration error -> exit 3).
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }
