package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings of the session viewer.
type KeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Pause  key.Binding
	Clear  key.Binding
	Bottom key.Binding
	Quit   key.Binding
}

// DefaultKeyMap uses vim-style navigation alongside the arrow keys.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Pause: key.NewBinding(
		key.WithKeys("p", " "),
		key.WithHelp("p", "pause events"),
	),
	Clear: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "clear events"),
	),
	Bottom: key.NewBinding(
		key.WithKeys("G", "end"),
		key.WithHelp("G", "follow"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k KeyMap) short() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Pause, k.Clear, k.Bottom, k.Quit}
}
