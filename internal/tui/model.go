// Package tui is the live session viewer behind `traced ui`.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/domain"
)

// maxEvents bounds the event log kept in memory.
const maxEvents = 500

// Snapshot is the daemon state shown in the session table.
type Snapshot struct {
	Sessions  []domain.SessionInfo
	Producers int
	Started   int
}

// Update is one item of the feed driving the viewer. Exactly one field is
// set.
type Update struct {
	Snapshot *Snapshot
	Events   []domain.Event
	Err      error
}

type feedMsg Update

type feedClosedMsg struct{}

// Model is the bubbletea model of the session viewer.
type Model struct {
	title string
	feed  <-chan Update
	keys  KeyMap
	now   func() time.Time

	snapshot Snapshot
	cursor   int
	events   []string
	paused   bool
	dropped  int
	err      string
	closed   bool

	width  int
	height int
	ready  bool
	log    viewport.Model
}

// New builds a viewer fed by feed. now stamps incoming events.
func New(title string, feed <-chan Update, now func() time.Time) Model {
	if now == nil {
		now = time.Now
	}
	return Model{title: title, feed: feed, keys: DefaultKeyMap, now: now}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return listen(m.feed)
}

// listen blocks until the next feed item and delivers it as a message.
func listen(feed <-chan Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-feed
		if !ok {
			return feedClosedMsg{}
		}
		return feedMsg(u)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if !m.ready {
			m.log = viewport.New(msg.Width, 1)
			m.ready = true
		}
		m.layout()
		m.refreshLog(true)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			m.cursor = max(0, m.cursor-1)
		case key.Matches(msg, m.keys.Down):
			m.cursor = min(max(0, len(m.snapshot.Sessions)-1), m.cursor+1)
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
			if !m.paused && m.dropped > 0 {
				m.appendEvents(fmt.Sprintf("%s ... %d events skipped while paused", m.stamp(), m.dropped))
				m.dropped = 0
			}
		case key.Matches(msg, m.keys.Clear):
			m.events = nil
			m.refreshLog(true)
		case key.Matches(msg, m.keys.Bottom):
			m.log.GotoBottom()
		default:
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}
		return m, nil

	case feedMsg:
		m.apply(Update(msg))
		return m, listen(m.feed)

	case feedClosedMsg:
		m.closed = true
		if m.err == "" {
			m.err = "daemon connection closed"
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(u Update) {
	switch {
	case u.Err != nil:
		m.err = u.Err.Error()
	case u.Snapshot != nil:
		m.snapshot = *u.Snapshot
		m.cursor = min(m.cursor, max(0, len(m.snapshot.Sessions)-1))
		m.err = ""
		m.layout()
	case m.paused:
		m.dropped += len(u.Events)
	default:
		stamp := m.stamp()
		m.appendEvents(lo.Map(u.Events, func(ev domain.Event, _ int) string {
			return stamp + " " + ev.String()
		})...)
	}
}

func (m *Model) stamp() string {
	return m.now().Format("15:04:05.000")
}

func (m *Model) appendEvents(lines ...string) {
	m.events = append(m.events, lines...)
	if over := len(m.events) - maxEvents; over > 0 {
		m.events = m.events[over:]
	}
	m.refreshLog(m.log.AtBottom())
}

func (m *Model) refreshLog(follow bool) {
	if !m.ready {
		return
	}
	m.log.SetContent(strings.Join(m.events, "\n"))
	if follow {
		m.log.GotoBottom()
	}
}

// tableRows is how many session rows fit above the event log.
func (m *Model) tableRows() int {
	limit := max(3, m.height/3)
	return max(1, min(len(m.snapshot.Sessions), limit))
}

func (m *Model) layout() {
	if !m.ready {
		return
	}
	// title, table header, rows, detail line, footer, log border
	fixed := 1 + 1 + m.tableRows() + 1 + 1 + 2
	m.log.Width = max(1, m.width-2)
	m.log.Height = max(1, m.height-fixed)
}

// Selected returns the session under the cursor.
func (m Model) Selected() (domain.SessionInfo, bool) {
	if m.cursor >= len(m.snapshot.Sessions) {
		return domain.SessionInfo{}, false
	}
	return m.snapshot.Sessions[m.cursor], true
}

// Events returns the event log lines currently kept.
func (m Model) Events() []string {
	return append([]string(nil), m.events...)
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.ready {
		return "Connecting to traced..."
	}
	parts := []string{
		m.titleLine(),
		headerStyle.Render(fmt.Sprintf("%-6s %-28s %-6s %-20s %-10s %s", "ID", "State", "UID", "Name", "Buffers", "Error")),
		m.sessionRows(),
		m.detailLine(),
		paneStyle.Render(m.log.View()),
		m.footer(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) titleLine() string {
	s := m.snapshot
	return fmt.Sprintf("%s  %s",
		titleStyle.Render(m.title),
		dimStyle.Render(fmt.Sprintf("%d sessions (%d started), %d producers", len(s.Sessions), s.Started, s.Producers)))
}

func (m Model) sessionRows() string {
	if len(m.snapshot.Sessions) == 0 {
		return dimStyle.Render("no sessions")
	}
	rows := m.tableRows()
	first := max(0, min(m.cursor-rows+1, len(m.snapshot.Sessions)-rows))
	first = min(first, m.cursor)

	lines := make([]string, 0, rows)
	for i := first; i < first+rows && i < len(m.snapshot.Sessions); i++ {
		s := m.snapshot.Sessions[i]
		sizes := lo.Map(s.BufferSizeKB, func(kb uint32, _ int) string { return fmt.Sprintf("%dK", kb) })
		line := fmt.Sprintf("%-6d %s %-6d %-20s %-10s %s",
			s.ID,
			stateStyle(s.State).Render(fmt.Sprintf("%-28s", s.State)),
			s.OwnerUID,
			truncate(s.UniqueSessionName, 20),
			truncate(strings.Join(sizes, ","), 10),
			errorStyle.Render(s.LastError))
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) detailLine() string {
	s, ok := m.Selected()
	if !ok {
		return ""
	}
	detail := fmt.Sprintf("uuid %s  sources %d", s.UUID, s.DataSources)
	if s.ClonedFrom != 0 {
		detail += fmt.Sprintf("  cloned from %d", s.ClonedFrom)
	}
	if s.DurationMs != 0 {
		detail += fmt.Sprintf("  duration %s", time.Duration(s.DurationMs)*time.Millisecond)
	}
	if s.StartedAtNs != 0 {
		detail += "  started " + time.Unix(0, s.StartedAtNs).Format(time.TimeOnly)
	}
	return dimStyle.Render(detail)
}

func (m Model) footer() string {
	help := lo.Map(m.keys.short(), func(b key.Binding, _ int) string {
		h := b.Help()
		return h.Key + " " + h.Desc
	})
	line := dimStyle.Render(strings.Join(help, " • "))
	if m.paused {
		line += "  " + pausedStyle.Render(fmt.Sprintf("PAUSED (%d skipped)", m.dropped))
	}
	if m.err != "" {
		line += "  " + errorStyle.Render(m.err)
	}
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
