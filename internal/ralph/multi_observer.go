package ralph

import (
	"log/slog"

	"agentrelay/internal/event"
)

// MultiObserver fans out progress updates to multiple observers.
// It handles nil observers gracefully by skipping them.
type MultiObserver struct {
	observers []Observer
	logger    *slog.Logger
}

// Ensure MultiObserver implements Observer.
var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver creates a MultiObserver that forwards calls to all provided observers.
// Nil observers are filtered out and not included in the list.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered, logger: slog.Default()}
}

// safeCall calls fn with panic recovery. One observer failing shouldn't block others.
func (m *MultiObserver) safeCall(method string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("loop observer panicked", "method", method, "panic", r)
		}
	}()
	fn()
}

// OnLoopStart forwards the call to all observers.
func (m *MultiObserver) OnLoopStart(info LoopInfo) {
	for _, obs := range m.observers {
		m.safeCall("OnLoopStart", func() { obs.OnLoopStart(info) })
	}
}

// OnIterationStart forwards the call to all observers.
func (m *MultiObserver) OnIterationStart(info IterationInfo) {
	for _, obs := range m.observers {
		m.safeCall("OnIterationStart", func() { obs.OnIterationStart(info) })
	}
}

// OnEvent forwards the call to all observers.
func (m *MultiObserver) OnEvent(iteration int, e event.Event) {
	for _, obs := range m.observers {
		m.safeCall("OnEvent", func() { obs.OnEvent(iteration, e) })
	}
}

// OnIterationEnd forwards the call to all observers.
func (m *MultiObserver) OnIterationEnd(result IterationResult) {
	for _, obs := range m.observers {
		m.safeCall("OnIterationEnd", func() { obs.OnIterationEnd(result) })
	}
}

// OnLoopEnd forwards the call to all observers.
func (m *MultiObserver) OnLoopEnd(result *Result, err error) {
	for _, obs := range m.observers {
		m.safeCall("OnLoopEnd", func() { obs.OnLoopEnd(result, err) })
	}
}
