// Package ui renders the bookstore CLI output: styled messages, tables,
// state badges and the spinner and progress models run with bubbletea.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SpinnerModel shows a spinner until a SpinnerDoneMsg arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a spinner with the given message.
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(Primary)
	return SpinnerModel{spinner: s, message: message}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m SpinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return FormatError(m.result) + "\n"
	case m.done:
		return FormatSuccess(m.result) + "\n"
	case m.quitting:
		return FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + Normal.Render(m.message) + "\n"
}

// SpinnerDoneMsg stops the spinner with a result line.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// ProgressModel shows the progress of a rebuild.
type ProgressModel struct {
	progress  progress.Model
	title     string
	processed uint64
	total     uint64
	done      bool
	err       error
}

// NewProgress creates a progress bar titled title.
func NewProgress(title string) ProgressModel {
	return ProgressModel{
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		title:    title,
	}
}

// ProgressMsg reports processed out of total events.
type ProgressMsg struct {
	Processed uint64
	Total     uint64
}

// ProgressDoneMsg ends the progress display.
type ProgressDoneMsg struct {
	Err error
}

func (m ProgressModel) Init() tea.Cmd {
	return nil
}

// Percent returns the completed fraction.
func (m ProgressModel) Percent() float64 {
	if m.total == 0 {
		if m.done {
			return 1
		}
		return 0
	}
	p := float64(m.processed) / float64(m.total)
	if p > 1 {
		return 1
	}
	return p
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case ProgressMsg:
		m.processed = msg.Processed
		m.total = msg.Total

	case ProgressDoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m ProgressModel) View() string {
	counts := fmt.Sprintf("%d/%d events", m.processed, m.total)
	switch {
	case m.done && m.err != nil:
		return FormatError(m.title+" failed: "+m.err.Error()) + "\n"
	case m.done:
		return FormatSuccess(m.title+" completed ("+counts+")") + "\n"
	}
	return Normal.Render(m.title) + "\n" + m.progress.ViewAs(m.Percent()) + " " + Muted.Render(counts) + "\n"
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Border)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Render()
}

// StatusBadge renders a projection or schedule state.
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "live", "completed", "ok":
		badge = badge.Background(Success).Foreground(lipgloss.Color("#000000"))
	case "catching_up", "rebuilding", "pending", "processing":
		badge = badge.Background(Warning).Foreground(lipgloss.Color("#000000"))
	case "faulted", "failed", "error":
		badge = badge.Background(Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(Surface).Foreground(Text)
	}
	return badge.Render(status)
}

// Banner returns the one-line CLI banner.
func Banner() string {
	return IconBook + " " + lipgloss.NewStyle().Bold(true).Foreground(Primary).Render("bookstore") +
		" " + Muted.Render("- event-sourced catalog service")
}

// Confirmation renders the answer of a yes/no prompt.
func Confirmation(confirmed bool) string {
	if confirmed {
		return SuccessStyle.Render("Yes")
	}
	return ErrorStyle.Render("No")
}
