package monitor

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mickamy/respipe/clipboard"
)

// Model is the Bubble Tea model for the respipe live monitor.
type Model struct {
	target string
	ctx    context.Context
	cancel context.CancelFunc

	events []logEntry
	stats  statsSnapshot
	cursor int
	follow bool
	width  int
	height int
	err    error
	stream <-chan logEntry
}

type connectedMsg struct{ stream <-chan logEntry }
type logMsg struct{ entry logEntry }
type statsMsg struct{ stats statsSnapshot }
type errMsg struct{ err error }
type tickMsg struct{}

// New creates a Model watching the respd instance at target (e.g.
// "http://127.0.0.1:6400").
func New(target string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		target: target,
		ctx:    ctx,
		cancel: cancel,
		follow: true,
	}
}

// Init starts the event stream and the stats poll loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(connect(m.ctx, m.target), pollStats(m.ctx, m.target), tick())
}

func connect(ctx context.Context, target string) tea.Cmd {
	return func() tea.Msg {
		stream, err := eventStream(ctx, target)
		if err != nil {
			return errMsg{err: err}
		}
		return connectedMsg{stream: stream}
	}
}

func recvLog(stream <-chan logEntry) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-stream
		if !ok {
			return errMsg{err: fmt.Errorf("monitor: event stream closed")}
		}
		return logMsg{entry: e}
	}
}

func pollStats(ctx context.Context, target string) tea.Cmd {
	return func() tea.Msg {
		s, err := fetchStats(ctx, target)
		if err != nil {
			return errMsg{err: err}
		}
		return statsMsg{stats: s}
	}
}

func tick() tea.Cmd {
	return tea.Tick(statsPollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case connectedMsg:
		m.stream = msg.stream
		return m, recvLog(msg.stream)

	case logMsg:
		m.events = append(m.events, msg.entry)
		if m.follow {
			m.cursor = max(len(m.events)-1, 0)
		}
		return m, recvLog(m.stream)

	case statsMsg:
		m.stats = msg.stats
		return m, nil

	case tickMsg:
		return m, tea.Batch(pollStats(m.ctx, m.target), tick())

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		return m.updateKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.cancel()
		return m, tea.Quit
	case "j", "down":
		m.follow = false
		if m.cursor < len(m.events)-1 {
			m.cursor++
		}
		return m, nil
	case "k", "up":
		m.follow = false
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "G":
		m.follow = true
		m.cursor = max(len(m.events)-1, 0)
		return m, nil
	case "y":
		return m, copySelected(m.events, m.cursor)
	}
	return m, nil
}

// copySelected copies the currently selected log line to the system
// clipboard, for pasting the failing command into a bug report.
func copySelected(events []logEntry, cursor int) tea.Cmd {
	if cursor < 0 || cursor >= len(events) {
		return nil
	}
	e := events[cursor]
	return func() tea.Msg {
		text := fmt.Sprintf("[%s] %s", e.Cause, e.Error)
		if e.Command != "" {
			text = fmt.Sprintf("[%s] %s: %s", e.Cause, e.Command, e.Error)
		}
		if err := clipboard.Copy(context.Background(), text); err != nil {
			return errMsg{err: fmt.Errorf("copy to clipboard: %w", err)}
		}
		return nil
	}
}
