package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette.
var (
	Primary   = lipgloss.Color("#B45309") // leather brown
	Secondary = lipgloss.Color("#0E7490") // ink teal
	Success   = lipgloss.Color("#15803D")
	Warning   = lipgloss.Color("#D97706")
	Error     = lipgloss.Color("#DC2626")
	Info      = lipgloss.Color("#2563EB")
	Text      = lipgloss.Color("#F5F5F4")
	TextMuted = lipgloss.Color("#A8A29E")
	Surface   = lipgloss.Color("#292524")
	Border    = lipgloss.Color("#57534E")
)

// Text styles.
var (
	Title     = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Normal    = lipgloss.NewStyle().Foreground(Text)
	Muted     = lipgloss.NewStyle().Foreground(TextMuted)
	Highlight = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	Code      = lipgloss.NewStyle().Foreground(Warning).Background(Surface).Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)

	Box = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Border).Padding(1, 2)
)

// Icons.
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconBook    = "📚"
)

// FormatSuccess formats a success message with icon
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	return Muted.Width(20).Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors renders everything without color.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}
