package cli

import (
	"github.com/charmbracelet/lipgloss"
)

// Forest green palette
var (
	primaryColor   = lipgloss.Color("#4ade80")
	secondaryColor = lipgloss.Color("#6b7b6b")
	successColor   = lipgloss.Color("#22c55e")
	errorColor     = lipgloss.Color("#ef4444")
	warningColor   = lipgloss.Color("#eab308")
	accentColor    = lipgloss.Color("#2dd4bf")
)

// Styles defines the styles used to print run results
type Styles struct {
	Header   lipgloss.Style
	Label    lipgloss.Style
	Muted    lipgloss.Style
	Agent    lipgloss.Style
	Action   lipgloss.Style
	Result   lipgloss.Style
	Complete lipgloss.Style
	Partial  lipgloss.Style
	Failed   lipgloss.Style
	Error    lipgloss.Style
}

// DefaultStyles returns the default palette
func DefaultStyles() Styles {
	return Styles{
		Header:   lipgloss.NewStyle().Foreground(primaryColor).Bold(true),
		Label:    lipgloss.NewStyle().Foreground(secondaryColor),
		Muted:    lipgloss.NewStyle().Foreground(secondaryColor).Faint(true),
		Agent:    lipgloss.NewStyle().Foreground(accentColor).Width(18),
		Action:   lipgloss.NewStyle().Foreground(primaryColor).Width(16),
		Result:   lipgloss.NewStyle().PaddingLeft(2),
		Complete: lipgloss.NewStyle().Foreground(successColor).Bold(true),
		Partial:  lipgloss.NewStyle().Foreground(warningColor).Bold(true),
		Failed:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(errorColor),
	}
}
