package ralph

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"agentrelay/internal/event"
	"agentrelay/internal/session"
)

// summaryLen caps the response excerpt printed after each iteration.
const summaryLen = 200

// LogObserver prints loop progress as styled lines.
type LogObserver struct {
	w      io.Writer
	styles RalphStyles
	// ShowDeltas prints streamed assistant text as it arrives.
	ShowDeltas bool

	mu       sync.Mutex
	midDelta bool
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver returns an observer writing to w.
func NewLogObserver(w io.Writer) *LogObserver {
	return &LogObserver{w: w, styles: DefaultStyles()}
}

// writef writes formatted output; write errors are ignored.
func writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

func (o *LogObserver) OnLoopStart(info LoopInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rule := o.styles.Muted.Render(strings.Repeat("━", 40))
	writef(o.w, "%s\n", rule)
	writef(o.w, "Mode:    %s\n", info.Mode)
	writef(o.w, "Model:   %s\n", info.Model)
	writef(o.w, "Max:     %d iterations\n", info.MaxIterations)
	if info.CompletionPromise != "" {
		writef(o.w, "Promise: %q\n", info.CompletionPromise)
	}
	writef(o.w, "%s\n", rule)
}

func (o *LogObserver) OnIterationStart(info IterationInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	header := fmt.Sprintf("=== Iteration %d/%d ===", info.Iteration, info.MaxIterations)
	writef(o.w, "\n%s\n", o.styles.Iteration.Render(header))
	writef(o.w, "%s\n", o.styles.Muted.Render(fmt.Sprintf("Sending prompt (length: %d)...", len(info.Prompt))))
}

func (o *LogObserver) OnEvent(_ int, e event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch e.Type {
	case event.TypeToolExecutionStart:
		o.endDelta()
		writef(o.w, "  %s %s\n", IconTool, o.styles.ToolName.Render(e.Data.ToolName))
	case event.TypeAssistantDelta:
		if o.ShowDeltas {
			writef(o.w, "%s", e.Data.DeltaContent)
			o.midDelta = true
		}
	case event.TypeSessionIdle, event.TypeSessionError:
		o.endDelta()
	}
}

// endDelta terminates a line of streamed text. Caller holds o.mu.
func (o *LogObserver) endDelta() {
	if o.midDelta {
		writef(o.w, "\n")
		o.midDelta = false
	}
}

func (o *LogObserver) OnIterationEnd(r IterationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endDelta()
	dur := o.styles.Duration.Render("(" + FormatDuration(r.Duration) + ")")
	switch {
	case r.Err != nil:
		icon := IconFailed
		if errors.Is(r.Err, session.ErrTimeout) {
			icon = IconTimeout
		}
		writef(o.w, "%s %s %s\n", o.styles.Error.Render(icon), r.Err, dur)
	case r.Completed:
		writef(o.w, "Response: %s\n", summarize(r.Response))
		writef(o.w, "%s %s\n", o.styles.Success.Render(IconSuccess+" Completion promise detected"), dur)
	default:
		writef(o.w, "Response: %s\n", summarize(r.Response))
		writef(o.w, "Iteration %d complete. %s\n", r.Iteration, dur)
	}
}

func (o *LogObserver) OnLoopEnd(res *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	style := o.styles.StatusStyle(res.State)
	line := fmt.Sprintf("%s %s after %d iteration(s) in %s",
		StatusIcon(res.State), res.State, res.Iterations, FormatDuration(res.Duration))
	writef(o.w, "\n%s\n", style.Render(line))
	if err != nil {
		writef(o.w, "%s\n", o.styles.Error.Render(err.Error()))
	}
}

// summarize shortens s to summaryLen runes.
func summarize(s string) string {
	r := []rune(s)
	if len(r) <= summaryLen {
		return s
	}
	return string(r[:summaryLen]) + "..."
}
