// Package tui provides a terminal user interface for the ralph agent loop.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentrelay/internal/event"
	"agentrelay/internal/ralph"
)

// MaxToolEvents is the number of recent tool events to display
const MaxToolEvents = 6

const (
	defaultWidth  = 80
	defaultHeight = 24
	// rows used by header, iteration line, tools and status bar
	chromeHeight = 8 + MaxToolEvents
)

// ToolEventDisplay represents a tool event for display
type ToolEventDisplay struct {
	Name      string
	CallID    string
	Detail    string
	Started   time.Time
	Duration  time.Duration
	Completed bool
}

type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

func (k keyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Up, k.Down, k.Quit} }
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "scroll up")),
		Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "scroll down")),
	}
}

// Model is the Bubble Tea model for ralph TUI.
type Model struct {
	styles  ralph.RalphStyles
	keys    keyMap
	help    help.Model
	spinner spinner.Model
	output  viewport.Model
	now     func() time.Time

	// Loop info
	mode    ralph.Mode
	model   string
	promise string
	maxIter int

	// Iteration tracking
	iteration  int
	sessionID  string
	toolEvents []ToolEventDisplay
	response   strings.Builder

	// State
	loopStart   time.Time
	loopStarted bool
	loopDone    bool
	duration    time.Duration
	state       ralph.State
	failure     error

	width  int
	height int

	cancel context.CancelFunc

	mu sync.Mutex
}

var _ tea.Model = (*Model)(nil)

// Message types for TUI updates
type (
	loopStartedMsg    struct{ Info ralph.LoopInfo }
	iterationStartMsg struct{ Info ralph.IterationInfo }
	iterationEndMsg   struct{ Result ralph.IterationResult }
	deltaMsg          struct{ Content string }
	messageMsg        struct{ Content string }
	loopEndMsg        struct {
		Result *ralph.Result
		Err    error
	}
	durationTickMsg struct{}
)

// toolEventMsg wraps a tool event for the TUI
type toolEventMsg struct {
	Event   event.Event
	Started bool
}

// Observer implements ralph.Observer and forwards events to the TUI.
type Observer struct {
	program *tea.Program
}

var _ ralph.Observer = (*Observer)(nil)

func (o *Observer) send(msg tea.Msg) {
	if o.program != nil {
		o.program.Send(msg)
	}
}

// OnLoopStart is called when the loop begins.
func (o *Observer) OnLoopStart(info ralph.LoopInfo) { o.send(loopStartedMsg{Info: info}) }

// OnIterationStart is called when an iteration begins.
func (o *Observer) OnIterationStart(info ralph.IterationInfo) {
	o.send(iterationStartMsg{Info: info})
}

// OnEvent forwards tool activity and response text.
func (o *Observer) OnEvent(_ int, e event.Event) {
	switch e.Type {
	case event.TypeToolExecutionStart:
		o.send(toolEventMsg{Event: e, Started: true})
	case event.TypeToolExecutionComplete:
		o.send(toolEventMsg{Event: e})
	case event.TypeAssistantDelta:
		o.send(deltaMsg{Content: e.Data.DeltaContent})
	case event.TypeAssistantMessage:
		o.send(messageMsg{Content: e.Data.Content})
	}
}

// OnIterationEnd is called when an iteration finishes.
func (o *Observer) OnIterationEnd(result ralph.IterationResult) {
	o.send(iterationEndMsg{Result: result})
}

// OnLoopEnd is called when the loop completes.
func (o *Observer) OnLoopEnd(result *ralph.Result, err error) {
	o.send(loopEndMsg{Result: result, Err: err})
}

// NewModel creates a new TUI model. maxIter is shown until the loop reports
// its effective budget.
func NewModel(maxIter int) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ralph.ColorPrimary))
	return &Model{
		styles:     ralph.DefaultStyles(),
		keys:       defaultKeys(),
		help:       help.New(),
		spinner:    s,
		output:     viewport.New(defaultWidth, defaultHeight-chromeHeight),
		now:        time.Now,
		maxIter:    maxIter,
		toolEvents: make([]ToolEventDisplay, 0, MaxToolEvents+1),
		width:      defaultWidth,
		height:     defaultHeight,
	}
}

// LoopFactory builds the loop to display, wiring obs into its observers.
type LoopFactory func(obs ralph.Observer) *ralph.Loop

// Run starts the TUI and runs the loop built by newLoop for prompt. The loop
// is cancelled when the user quits. Run returns the loop's result and error
// once both the loop and the UI have finished.
func Run(ctx context.Context, newLoop LoopFactory, prompt string) (*ralph.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(0)
	m.cancel = cancel

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	loop := newLoop(&Observer{program: p})
	m.maxIter = loop.Config().MaxIterations

	type outcome struct {
		res *ralph.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					p.Send(durationTickMsg{})
				case <-ctx.Done():
					return
				}
			}
		}()

		res, err := loop.Run(ctx, prompt)
		done <- outcome{res, err}
	}()

	_, uiErr := p.Run()
	// Quitting the UI cancels the loop; wait for it to release its sessions.
	cancel()
	out := <-done
	if out.err == nil && uiErr != nil && ctx.Err() == nil {
		out.err = fmt.Errorf("tui: %w", uiErr)
	}
	return out.res, out.err
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			m.output.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.output.ScrollDown(1)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.output.Width = msg.Width
		m.output.Height = max(3, msg.Height-chromeHeight)
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.loopDone {
			return m, nil
		}
		return m, cmd

	case loopStartedMsg:
		m.mu.Lock()
		m.loopStarted = true
		m.loopStart = m.now()
		m.mode = msg.Info.Mode
		m.model = msg.Info.Model
		m.promise = msg.Info.CompletionPromise
		m.maxIter = msg.Info.MaxIterations
		m.state = ralph.StateRunning
		m.mu.Unlock()

	case iterationStartMsg:
		m.mu.Lock()
		m.iteration = msg.Info.Iteration
		m.sessionID = msg.Info.SessionID
		m.toolEvents = m.toolEvents[:0]
		m.response.Reset()
		m.mu.Unlock()
		m.refreshOutput()

	case toolEventMsg:
		m.mu.Lock()
		m.trackTool(msg)
		m.mu.Unlock()

	case deltaMsg:
		m.mu.Lock()
		m.response.WriteString(msg.Content)
		m.mu.Unlock()
		m.refreshOutput()

	case messageMsg:
		m.mu.Lock()
		m.response.Reset()
		m.response.WriteString(msg.Content)
		m.mu.Unlock()
		m.refreshOutput()

	case iterationEndMsg:
		m.mu.Lock()
		if msg.Result.Err != nil {
			m.failure = msg.Result.Err
		}
		m.mu.Unlock()

	case loopEndMsg:
		m.mu.Lock()
		m.loopDone = true
		m.failure = msg.Err
		if msg.Result != nil {
			m.duration = msg.Result.Duration
			m.state = msg.Result.State
			m.iteration = msg.Result.Iterations
		}
		m.mu.Unlock()

	case durationTickMsg:
		m.mu.Lock()
		if m.loopStarted && !m.loopDone {
			m.duration = m.now().Sub(m.loopStart)
		}
		m.mu.Unlock()
	}

	return m, nil
}

// trackTool must be called with m.mu held.
func (m *Model) trackTool(msg toolEventMsg) {
	e := msg.Event
	if msg.Started {
		m.toolEvents = append(m.toolEvents, ToolEventDisplay{
			Name:    e.Data.ToolName,
			CallID:  e.Data.ToolCallID,
			Detail:  toolDetail(e.Data.Attributes),
			Started: e.Timestamp,
		})
		if len(m.toolEvents) > MaxToolEvents {
			m.toolEvents = m.toolEvents[len(m.toolEvents)-MaxToolEvents:]
		}
		return
	}
	for i := len(m.toolEvents) - 1; i >= 0; i-- {
		t := &m.toolEvents[i]
		if t.Completed {
			continue
		}
		if (e.Data.ToolCallID != "" && t.CallID == e.Data.ToolCallID) ||
			(e.Data.ToolCallID == "" && t.Name == e.Data.ToolName) {
			t.Completed = true
			if !t.Started.IsZero() && !e.Timestamp.IsZero() {
				t.Duration = e.Timestamp.Sub(t.Started)
			}
			return
		}
	}
}

// toolDetail picks the most telling attribute of a tool call.
func toolDetail(attrs map[string]string) string {
	for _, k := range []string{"file_path", "command", "pattern", "url"} {
		if v := attrs[k]; v != "" {
			if len(v) > 60 {
				v = v[:57] + "..."
			}
			return v
		}
	}
	return ""
}

func (m *Model) refreshOutput() {
	m.mu.Lock()
	content := m.response.String()
	m.mu.Unlock()
	m.output.SetContent(lipgloss.NewStyle().Width(m.output.Width).Render(content))
	m.output.GotoBottom()
}

// View implements tea.Model
func (m *Model) View() string {
	m.mu.Lock()
	iteration := m.iteration
	maxIter := m.maxIter
	sessionID := m.sessionID
	toolEvents := make([]ToolEventDisplay, len(m.toolEvents))
	copy(toolEvents, m.toolEvents)
	loopStarted := m.loopStarted
	loopDone := m.loopDone
	duration := m.duration
	state := m.state
	failure := m.failure
	mode := m.mode
	model := m.model
	promise := m.promise
	m.mu.Unlock()

	var b strings.Builder

	header := m.styles.Title.Render("⚡ RALPH")
	if model != "" {
		header += " " + m.styles.Subtitle.Render("→ "+model)
	}
	if loopStarted {
		header += " " + m.styles.Muted.Render("("+mode.String()+")")
	}
	if promise != "" {
		header += " " + m.styles.Muted.Render("until "+promise)
	}
	b.WriteString(header)
	b.WriteString("\n\n")

	if iteration > 0 {
		iterText := fmt.Sprintf("Iteration %d/%d", iteration, maxIter)
		b.WriteString(m.styles.Iteration.Render(iterText))
		if sessionID != "" {
			b.WriteString(" " + m.styles.Muted.Render(sessionID))
		}
		b.WriteString("\n")
	}

	for _, t := range toolEvents {
		var icon, durStr string
		var style lipgloss.Style
		if t.Completed {
			icon = ralph.IconSuccess
			style = m.styles.Success
			if t.Duration > 0 {
				durStr = " " + m.styles.Duration.Render(ralph.FormatDuration(t.Duration))
			}
		} else {
			icon = ralph.IconTool
			style = m.styles.ToolName
		}
		line := style.Render(icon + " " + t.Name)
		if t.Detail != "" {
			line += " " + m.styles.Muted.Render(t.Detail)
		}
		b.WriteString(line + durStr + "\n")
	}
	b.WriteString("\n")

	b.WriteString(m.styles.Border.Width(max(10, m.width-2)).Render(m.output.View()))
	b.WriteString("\n")

	var parts []string
	switch {
	case loopDone:
		label := ralph.StatusIcon(state) + " " + state.String()
		parts = append(parts, m.styles.StatusStyle(state).Render(label))
	case loopStarted:
		parts = append(parts, m.spinner.View()+m.styles.Status.Render("Running"))
	default:
		parts = append(parts, m.styles.Muted.Render("○ Waiting"))
	}
	if loopStarted && duration > 0 {
		parts = append(parts, m.styles.Muted.Render(ralph.FormatDuration(duration)))
	}
	b.WriteString(strings.Join(parts, " │ "))

	if loopDone && failure != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(failure.Error()))
	}

	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}
