package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/smileynet/astrocam/internal/sessionlog"
)

// maxLogLines is the number of session log entries kept on screen.
const maxLogLines = 8

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	passedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// EntryMsg carries one session log entry.
type EntryMsg struct {
	Entry sessionlog.Entry
}

// ProgressMsg carries the session state, counter and dither telemetry.
// Values are plain strings so the tui package stays decoupled from session.
type ProgressMsg struct {
	State   string
	Counter string
	Dither  string // Empty when no dither is in progress
}

// ImageMsg reports a capture written to disk.
type ImageMsg struct {
	Index int
	Path  string
}

// DoneMsg signals that the run completed successfully.
type DoneMsg struct{}

// ErrorMsg signals that the run failed with an error.
type ErrorMsg struct {
	Err error
}

func (EntryMsg) isDisplayEvent()    {}
func (ProgressMsg) isDisplayEvent() {}
func (ImageMsg) isDisplayEvent()    {}
func (DoneMsg) isDisplayEvent()     {}
func (ErrorMsg) isDisplayEvent()    {}

// Model is the Bubble Tea model for a capture run.
type Model struct {
	title      string
	spinner    spinner.Model
	state      string
	counter    string
	dither     string
	image      string
	logs       []string
	stopping   bool
	done       bool
	err        error
	cancelFunc context.CancelFunc
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithCancelFunc sets the function called when the user asks to stop.
func WithCancelFunc(fn context.CancelFunc) ModelOption {
	return func(m *Model) { m.cancelFunc = fn }
}

// NewModel creates a Model with the given heading.
func NewModel(title string, opts ...ModelOption) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{title: title, spinner: s, state: "starting"}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case EntryMsg:
		m.logs = append(m.logs, msg.Entry.String())
		if over := len(m.logs) - maxLogLines; over > 0 {
			m.logs = m.logs[over:]
		}
		return m, nil

	case ProgressMsg:
		if msg.State != "" {
			m.state = msg.State
		}
		if msg.Counter != "" {
			m.counter = msg.Counter
		}
		m.dither = msg.Dither
		return m, nil

	case ImageMsg:
		m.image = msg.Path
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case ErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			// The first press requests a stop; the run ends on its own.
			if m.cancelFunc != nil && !m.stopping {
				m.stopping = true
				m.cancelFunc()
				return m, nil
			}
			m.done = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress header, last image and recent log entries.
func (m Model) View() string {
	var b strings.Builder

	if m.title != "" {
		b.WriteString(titleStyle.Render(m.title) + "\n\n")
	}

	indicator := m.spinner.View()
	switch {
	case m.done && m.err != nil:
		indicator = errorStyle.Render("✗")
	case m.done:
		indicator = passedStyle.Render("✓")
	}
	line := fmt.Sprintf("  %s %s", indicator, stateStyle.Render(m.state))
	if m.counter != "" {
		line += "  " + m.counter
	}
	if m.stopping && !m.done {
		line += dimStyle.Render("  (stop requested, q again to quit)")
	}
	b.WriteString(line + "\n")

	if m.dither != "" {
		b.WriteString("  " + dimStyle.Render(m.dither) + "\n")
	}
	if m.image != "" {
		b.WriteString("  last image: " + m.image + "\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, l := range m.logs {
			b.WriteString("  " + dimStyle.Render(l) + "\n")
		}
	}

	if m.done && m.err != nil {
		b.WriteString(fmt.Sprintf("\n  Error: %s\n", m.err))
	}

	return b.String()
}
