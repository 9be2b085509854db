package ralph

import "github.com/charmbracelet/lipgloss"

// Color constants
const (
	ColorPrimary   = "39"  // Blue
	ColorSuccess   = "42"  // Green
	ColorWarning   = "214" // Orange
	ColorError     = "196" // Red
	ColorMuted     = "245" // Gray
	ColorHighlight = "212" // Pink
)

// RalphStyles contains all styles for loop output.
type RalphStyles struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Status    lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Warning   lipgloss.Style
	Muted     lipgloss.Style
	Iteration lipgloss.Style
	Duration  lipgloss.Style
	ToolName  lipgloss.Style
	Border    lipgloss.Style
}

// DefaultStyles returns the default ralph styles
func DefaultStyles() RalphStyles {
	return RalphStyles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
		Status: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorSuccess)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Iteration: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Duration: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		ToolName: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorMuted)),
	}
}

// Status icons
const (
	IconRunning   = "●"
	IconSuccess   = "✓"
	IconFailed    = "✗"
	IconTimeout   = "⏱"
	IconExhausted = "⊘"
	IconTool      = "⚙"
)

// StatusIcon returns the icon for a loop state.
func StatusIcon(s State) string {
	switch s {
	case StateCompleted:
		return IconSuccess
	case StateFailed:
		return IconFailed
	case StateExhausted:
		return IconExhausted
	default:
		return IconRunning
	}
}

// StatusStyle returns the style for a loop state.
func (s RalphStyles) StatusStyle(state State) lipgloss.Style {
	switch state {
	case StateCompleted:
		return s.Success
	case StateFailed:
		return s.Error
	case StateExhausted:
		return s.Warning
	default:
		return s.Status
	}
}
