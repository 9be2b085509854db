package ralph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentrelay/internal/client"
)

const (
	// DefaultMaxIterations caps iterations when Config.MaxIterations is zero.
	DefaultMaxIterations = 10
	// DefaultFreshMaxIterations is the cap for ModeFresh.
	DefaultFreshMaxIterations = 50
	// DefaultCompletionPromise is the marker searched for in responses.
	DefaultCompletionPromise = "COMPLETE"
	// DefaultTimeout bounds each iteration's wait for the agent.
	DefaultTimeout = 5 * time.Minute
	// DefaultModel is used when the session config names no model.
	DefaultModel = "gpt-5.1-codex-mini"
)

// State is the state of a loop run.
type State int

const (
	StateIdle      State = iota // Not started.
	StateRunning                // Iterating.
	StateCompleted              // Completion marker found.
	StateExhausted              // Iteration budget used up without the marker.
	StateFailed                 // An iteration failed (timeout, remote error, cancellation).
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ExitCode returns a distinct process exit code for each terminal state.
func (s State) ExitCode() int {
	switch s {
	case StateCompleted:
		return 0
	case StateExhausted:
		return 2
	default:
		return 1
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Mode selects how iterations relate to each other.
type Mode int

const (
	// ModeContinue reuses one session and feeds the previous response back.
	ModeContinue Mode = iota
	// ModeFresh starts a new session for every iteration.
	ModeFresh
)

// String returns the mode's flag value.
func (m Mode) String() string {
	switch m {
	case ModeContinue:
		return "continue"
	case ModeFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// ParseMode converts a flag value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "continue":
		return ModeContinue, nil
	case "fresh":
		return ModeFresh, nil
	default:
		return 0, fmt.Errorf("unknown loop mode: %s", s)
	}
}

// Config holds configuration for a loop run.
type Config struct {
	MaxIterations int
	// CompletionPromise is matched as a plain substring of each response.
	// In ModeFresh an empty promise disables detection and the run ends
	// normally when the budget is used up.
	CompletionPromise string
	Timeout           time.Duration
	Mode              Mode
	Session           client.SessionConfig
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
		if c.Mode == ModeFresh {
			c.MaxIterations = DefaultFreshMaxIterations
		}
	}
	if c.CompletionPromise == "" && c.Mode == ModeContinue {
		c.CompletionPromise = DefaultCompletionPromise
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Session.Model == "" {
		c.Session.Model = DefaultModel
	}
	return c
}

// Result summarises a finished run.
type Result struct {
	State      State         `json:"state"`
	Iterations int           `json:"iterations"`
	Response   string        `json:"response"`
	SessionID  string        `json:"session_id,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// FormatDuration formats a duration as a human-readable string
// (e.g. "2m 13s", "1h 5m 30s").
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
