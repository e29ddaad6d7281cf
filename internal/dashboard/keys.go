package dashboard

import "github.com/charmbracelet/bubbles/key"

// keyMap holds the control panel key bindings.
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Prev    key.Binding
	Next    key.Binding
	Camera  key.Binding
	Reload  key.Binding
	Guider  key.Binding
	Preview key.Binding
	Toggle  key.Binding
	Tab     key.Binding
	Quit    key.Binding
}

// ShortHelp returns the bindings for the help bar.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Camera, k.Reload, k.Guider, k.Preview, k.Toggle, k.Tab, k.Quit}
}

// FullHelp returns the bindings grouped for expanded help.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Prev, k.Next},
		{k.Camera, k.Reload, k.Guider},
		{k.Preview, k.Toggle},
		{k.Tab, k.Quit},
	}
}

// DefaultKeyMap returns the control panel key bindings.
func DefaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Prev: key.NewBinding(
			key.WithKeys("left", "h"),
			key.WithHelp("←/h", "previous value"),
		),
		Next: key.NewBinding(
			key.WithKeys("right", "l"),
			key.WithHelp("→/l", "next value"),
		),
		Camera: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "camera"),
		),
		Reload: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "reload cameras"),
		),
		Guider: key.NewBinding(
			key.WithKeys("g"),
			key.WithHelp("g", "guider"),
		),
		Preview: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "preview"),
		),
		Toggle: key.NewBinding(
			key.WithKeys("s", " "),
			key.WithHelp("s", "start/stop"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "switch pane"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
