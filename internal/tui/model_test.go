package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/traced/internal/domain"
)

func fixedNow() time.Time {
	return time.Date(2026, 10, 18, 12, 30, 0, 0, time.UTC)
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	next, ok := updated.(Model)
	require.True(t, ok)
	return next, cmd
}

func readyModel(t *testing.T, feed <-chan Update) Model {
	t.Helper()
	m, _ := step(t, New("traced", feed, fixedNow), tea.WindowSizeMsg{Width: 120, Height: 30})
	return m
}

func snapshot() *Snapshot {
	return &Snapshot{
		Sessions: []domain.SessionInfo{
			{ID: 1, UUID: "u-1", OwnerUID: 1000, State: "started", UniqueSessionName: "nightly", BufferSizeKB: []uint32{64}},
			{ID: 2, UUID: "u-2", OwnerUID: 1000, State: "cloned", ClonedFrom: 1, BufferSizeKB: []uint32{64}},
		},
		Producers: 3,
		Started:   1,
	}
}

func TestViewBeforeWindowSize(t *testing.T) {
	assert.Contains(t, New("traced", nil, fixedNow).View(), "Connecting")
}

func TestSnapshotFillsTable(t *testing.T) {
	m := readyModel(t, nil)
	m, cmd := step(t, m, feedMsg{Snapshot: snapshot()})
	assert.NotNil(t, cmd, "the feed is listened to again")

	view := m.View()
	assert.Contains(t, view, "2 sessions (1 started), 3 producers")
	assert.Contains(t, view, "nightly")
	assert.Contains(t, view, "uuid u-1")

	m, _ = step(t, m, keyPress('j'))
	sel, ok := m.Selected()
	require.True(t, ok)
	assert.Equal(t, domain.SessionID(2), sel.ID)
	assert.Contains(t, m.View(), "cloned from 1")

	m, _ = step(t, m, keyPress('j'))
	sel, _ = m.Selected()
	assert.Equal(t, domain.SessionID(2), sel.ID, "cursor stays on the last row")

	m, _ = step(t, m, feedMsg{Snapshot: &Snapshot{Sessions: snapshot().Sessions[:1]}})
	sel, _ = m.Selected()
	assert.Equal(t, domain.SessionID(1), sel.ID, "cursor is clamped when sessions go away")
}

func TestEventsAndPause(t *testing.T) {
	m := readyModel(t, nil)
	ev := domain.Event{Type: domain.EventAllDataSourcesStarted, SessionID: 4}

	m, _ = step(t, m, feedMsg{Events: []domain.Event{ev}})
	require.Len(t, m.Events(), 1)
	assert.Contains(t, m.Events()[0], "12:30:00.000")
	assert.Contains(t, m.Events()[0], string(domain.EventAllDataSourcesStarted))

	m, _ = step(t, m, keyPress('p'))
	m, _ = step(t, m, feedMsg{Events: []domain.Event{ev, ev}})
	assert.Len(t, m.Events(), 1)
	assert.Contains(t, m.View(), "PAUSED (2 skipped)")

	m, _ = step(t, m, keyPress('p'))
	require.Len(t, m.Events(), 2)
	assert.Contains(t, m.Events()[1], "2 events skipped")

	m, _ = step(t, m, keyPress('c'))
	assert.Empty(t, m.Events())
}

func TestEventLogIsBounded(t *testing.T) {
	m := readyModel(t, nil)
	batch := make([]domain.Event, maxEvents+10)
	for i := range batch {
		batch[i] = domain.Event{Type: domain.EventAllDataSourcesStarted, SessionID: domain.SessionID(i)}
	}
	m, _ = step(t, m, feedMsg{Events: batch})
	assert.Len(t, m.Events(), maxEvents)
}

func TestErrorsAndClosedFeed(t *testing.T) {
	m := readyModel(t, nil)
	m, _ = step(t, m, feedMsg{Err: errors.New("state query failed")})
	assert.Contains(t, m.View(), "state query failed")

	m, _ = step(t, m, feedMsg{Snapshot: snapshot()})
	assert.NotContains(t, m.View(), "state query failed")

	m, _ = step(t, m, feedClosedMsg{})
	assert.Contains(t, m.View(), "daemon connection closed")
}

func TestListenDeliversFeed(t *testing.T) {
	feed := make(chan Update, 1)
	feed <- Update{Snapshot: snapshot()}
	msg := listen(feed)()
	got, ok := msg.(feedMsg)
	require.True(t, ok)
	assert.Len(t, got.Snapshot.Sessions, 2)

	close(feed)
	assert.Equal(t, feedClosedMsg{}, listen(feed)())
}

func TestQuitKey(t *testing.T) {
	m := readyModel(t, nil)
	_, cmd := step(t, m, keyPress('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
