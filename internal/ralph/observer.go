package ralph

import (
	"time"

	"agentrelay/internal/event"
)

// LoopInfo describes a run as it starts.
type LoopInfo struct {
	Mode              Mode
	MaxIterations     int
	CompletionPromise string
	Model             string
	Prompt            string
}

// IterationInfo describes an iteration as it starts.
type IterationInfo struct {
	Iteration     int
	MaxIterations int
	SessionID     string
	Prompt        string
}

// IterationResult describes a finished iteration.
type IterationResult struct {
	Iteration int
	SessionID string
	Response  string
	// Completed is set when Response contains the completion marker.
	Completed bool
	Err       error
	Duration  time.Duration
}

// Observer receives live progress from a Loop. OnEvent is called from the
// session's delivery goroutine, the other methods from the goroutine running
// the loop, so implementations must be safe for concurrent use.
type Observer interface {
	OnLoopStart(info LoopInfo)
	OnIterationStart(info IterationInfo)
	OnEvent(iteration int, e event.Event)
	OnIterationEnd(result IterationResult)
	OnLoopEnd(result *Result, err error)
}

// NoopObserver implements Observer with no-ops. Embed it to implement only
// the methods you need.
type NoopObserver struct{}

var _ Observer = NoopObserver{}

func (NoopObserver) OnLoopStart(LoopInfo)           {}
func (NoopObserver) OnIterationStart(IterationInfo) {}
func (NoopObserver) OnEvent(int, event.Event)       {}
func (NoopObserver) OnIterationEnd(IterationResult) {}
func (NoopObserver) OnLoopEnd(*Result, error)       {}
