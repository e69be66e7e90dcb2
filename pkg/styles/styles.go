// Package styles holds the terminal styling for the CLI binaries.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder())

	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

// Banner renders the startup banner for a binary
func Banner(name, version string) string {
	return bannerStyle.Render(fmt.Sprintf("%s %s", name, version))
}

// KV renders a labeled startup detail line
func KV(label, value string) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label+":"), value)
}

// Error renders an error line
func Error(format string, a ...any) string {
	return errorStyle.Render(fmt.Sprintf(format, a...))
}

// Success renders a success line
func Success(format string, a ...any) string {
	return successStyle.Render(fmt.Sprintf(format, a...))
}

// Info renders an informational line
func Info(format string, a ...any) string {
	return infoStyle.Render(fmt.Sprintf(format, a...))
}
