package dashboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/session"
	"github.com/smileynet/astrocam/internal/ui"
)

// helpBarHeight is the number of lines reserved for the help bar at the bottom.
const helpBarHeight = 1

// borderChrome is the number of lines consumed by top + bottom borders.
const borderChrome = 2

// maxLogLines bounds the session log kept in the viewport.
const maxLogLines = 500

// Controller is the session surface the dashboard drives.
type Controller interface {
	Snapshot() session.Snapshot
	ReloadCameras(ctx context.Context) error
	ConnectCamera(ctx context.Context, port string) error
	DisconnectCamera(ctx context.Context) error
	ConnectGuider(ctx context.Context) error
	DisconnectGuider(ctx context.Context) error
	ChangeSetting(ctx context.Context, name, value string) error
	RequestPreview(ctx context.Context, exposure float64) (*session.Image, error)
	StartCapture(ctx context.Context, params backend.CaptureParams) error
	StopCapture(ctx context.Context) error
}

// PreviewSink stores a preview frame and returns where it was written.
type PreviewSink interface {
	SavePreview(data []byte) (string, error)
}

// Model is the root Bubble Tea model for the control panel. Every
// affordance comes from ui.Reconcile; the model never decides on its own
// whether a control is usable.
type Model struct {
	ctrl    Controller
	ctx     context.Context
	preview PreviewSink
	params  backend.CaptureParams

	keys     keyMap
	focus    Focus
	width    int
	height   int
	viewport viewport.Model
	help     help.Model
	spinner  spinner.Model

	snap       session.Snapshot
	render     ui.Render
	portIdx    int
	settingIdx int
	logs       []string
	lastImage  string
	dither     string
	notice     string
}

// Option configures a Model.
type Option func(*Model)

// WithContext sets the context passed to controller commands.
func WithContext(ctx context.Context) Option {
	return func(m *Model) { m.ctx = ctx }
}

// WithPreviewSink sets where preview frames are written.
func WithPreviewSink(s PreviewSink) Option {
	return func(m *Model) { m.preview = s }
}

// WithParams sets the capture parameters used by the start control.
func WithParams(p backend.CaptureParams) Option {
	return func(m *Model) { m.params = p }
}

// NewModel creates a control panel for ctrl with left-pane focus.
func NewModel(ctrl Controller, opts ...Option) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	m := Model{
		ctrl:     ctrl,
		ctx:      context.Background(),
		keys:     DefaultKeyMap(),
		focus:    PaneLeft,
		viewport: viewport.New(0, 0),
		help:     help.New(),
		spinner:  s,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.refresh()
	return m
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// refresh re-reads the snapshot and recomputes the render instructions.
func (m *Model) refresh() {
	m.snap = m.ctrl.Snapshot()
	m.render = ui.Reconcile(m.snap)
	m.portIdx = clamp(m.portIdx, len(m.snap.Ports.Choices))
	m.settingIdx = clamp(m.settingIdx, len(m.snap.Settings))
	if !m.snap.State.Sequence() {
		m.dither = ""
	}
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		_, rightWidth := PaneWidths(msg.Width)
		vpWidth := rightWidth - borderChrome
		if vpWidth < 0 {
			vpWidth = 0
		}
		m.viewport.Width = vpWidth
		m.viewport.Height = m.contentHeight()
		return m, nil

	case UpdateMsg:
		m.refresh()
		switch msg.Update.Kind {
		case session.UpdateDither:
			if d := msg.Update.Dither; d != nil {
				m.dither = fmt.Sprintf("dist %.2f px %.2f t %.0fs / %.0fs", d.Dist, d.Px, d.Time, d.SettleTime)
			}
		case session.UpdateState:
			if m.snap.State != session.StateDithering {
				m.dither = ""
			}
		case session.UpdateEnded:
			if msg.Update.Err != nil {
				m.notice = "capture ended: " + msg.Update.Err.Error()
			}
		}
		return m, nil

	case EntryMsg:
		m.logs = append(m.logs, msg.Entry.String())
		if over := len(m.logs) - maxLogLines; over > 0 {
			m.logs = m.logs[over:]
		}
		m.viewport.SetContent(strings.Join(m.logs, "\n"))
		m.viewport.GotoBottom()
		return m, nil

	case ImageSavedMsg:
		m.lastImage = msg.Path
		return m, nil

	case actionDoneMsg:
		m.refresh()
		m.notice = ""
		if msg.err != nil {
			m.notice = msg.op + ": " + msg.err.Error()
		}
		return m, nil

	case previewDoneMsg:
		m.refresh()
		m.notice = ""
		if msg.err != nil {
			m.notice = "preview: " + msg.err.Error()
		} else if msg.path != "" {
			m.lastImage = msg.path
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey routes keys to controls. Controls the reconciler disabled
// ignore their keys.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if m.render.Loading {
		return m, nil
	}
	r := m.render

	switch {
	case key.Matches(msg, m.keys.Tab):
		if m.focus == PaneLeft {
			m.focus = PaneRight
		} else {
			m.focus = PaneLeft
		}
		return m, nil

	case m.focus == PaneRight && (key.Matches(msg, m.keys.Up) || key.Matches(msg, m.keys.Down)):
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case key.Matches(msg, m.keys.Up):
		m.move(-1)
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.move(1)
		return m, nil

	case key.Matches(msg, m.keys.Prev), key.Matches(msg, m.keys.Next):
		if !r.Camera.SettingsEnabled || len(m.snap.Settings) == 0 {
			return m, nil
		}
		step := 1
		if key.Matches(msg, m.keys.Prev) {
			step = -1
		}
		st := m.snap.Settings[m.settingIdx]
		value, ok := cycleChoice(st.Choices, st.Current, step)
		if !ok {
			return m, nil
		}
		return m, m.action("change "+st.Name, func(ctx context.Context) error {
			return m.ctrl.ChangeSetting(ctx, st.Name, value)
		})

	case key.Matches(msg, m.keys.Camera):
		if !r.Camera.ButtonEnabled {
			return m, nil
		}
		if m.snap.CameraConnected {
			return m, m.action("disconnect camera", m.ctrl.DisconnectCamera)
		}
		port := m.selectedPort()
		return m, m.action("connect camera", func(ctx context.Context) error {
			return m.ctrl.ConnectCamera(ctx, port)
		})

	case key.Matches(msg, m.keys.Reload):
		if !r.Camera.ReloadEnabled {
			return m, nil
		}
		return m, m.action("reload cameras", m.ctrl.ReloadCameras)

	case key.Matches(msg, m.keys.Guider):
		if !r.Guider.ButtonEnabled {
			return m, nil
		}
		if m.snap.GuiderConnected {
			return m, m.action("disconnect guider", m.ctrl.DisconnectGuider)
		}
		return m, m.action("connect guider", m.ctrl.ConnectGuider)

	case key.Matches(msg, m.keys.Preview):
		if !r.Capture.PreviewEnabled {
			return m, nil
		}
		return m, m.previewCmd()

	case key.Matches(msg, m.keys.Toggle):
		if !r.Capture.ToggleEnabled {
			return m, nil
		}
		if r.Capture.ToggleIcon == ui.IconStop {
			return m, m.action("stop capture", m.ctrl.StopCapture)
		}
		params := m.params
		return m, m.action("start capture", func(ctx context.Context) error {
			return m.ctrl.StartCapture(ctx, params)
		})
	}

	return m, nil
}

// move shifts the cursor over settings when a camera is connected and over
// ports otherwise.
func (m *Model) move(delta int) {
	if m.snap.CameraConnected {
		m.settingIdx = clamp(m.settingIdx+delta, len(m.snap.Settings))
		return
	}
	if m.render.Camera.ListEnabled {
		m.portIdx = clamp(m.portIdx+delta, len(m.snap.Ports.Choices))
	}
}

func (m Model) selectedPort() string {
	choices := m.snap.Ports.Choices
	if len(choices) == 0 {
		return ""
	}
	return choices[m.portIdx].Value
}

func (m Model) action(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) previewCmd() tea.Cmd {
	ctx, ctrl, sink, exposure := m.ctx, m.ctrl, m.preview, m.params.Exposure
	return func() tea.Msg {
		img, err := ctrl.RequestPreview(ctx, exposure)
		if err != nil || img == nil || sink == nil {
			return previewDoneMsg{err: err}
		}
		path, err := sink.SavePreview(img.Data)
		return previewDoneMsg{path: path, err: err}
	}
}

// cycleChoice returns the value step positions away from current.
func cycleChoice(choices []backend.Choice, current *string, step int) (string, bool) {
	if len(choices) == 0 {
		return "", false
	}
	idx := -1
	if current != nil {
		for i, c := range choices {
			if c.Value == *current {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		if step < 0 {
			idx = 0
		} else {
			idx = len(choices) - 1
		}
	}
	next := ((idx+step)%len(choices) + len(choices)) % len(choices)
	return choices[next].Value, true
}

func clamp(i, n int) int {
	if n <= 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// contentHeight returns the usable height for pane content,
// accounting for border chrome and the help bar.
func (m Model) contentHeight() int {
	h := m.height - borderChrome - helpBarHeight
	if h < 1 {
		return 1
	}
	return h
}

// View renders the two-pane layout with help bar.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth, rightWidth := PaneWidths(m.width)
	contentHeight := m.contentHeight()

	var leftStyle, rightStyle lipgloss.Style
	if m.focus == PaneLeft {
		leftStyle = FocusedBorder()
		rightStyle = UnfocusedBorder()
	} else {
		leftStyle = UnfocusedBorder()
		rightStyle = FocusedBorder()
	}

	leftStyle = leftStyle.
		Width(leftWidth - borderChrome).
		Height(contentHeight)
	rightStyle = rightStyle.
		Width(rightWidth - borderChrome).
		Height(contentHeight)

	leftPane := leftStyle.Render(m.viewLeft())
	rightPane := rightStyle.Render(m.viewport.View())
	panes := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)
	helpView := m.help.View(HelpBindings(m.render))

	return lipgloss.JoinVertical(lipgloss.Left, panes, helpView)
}

// viewLeft renders the control sections.
func (m Model) viewLeft() string {
	if m.render.Loading {
		return m.spinner.View() + " Initializing..."
	}
	sections := []string{m.viewCamera()}
	if m.render.Camera.SettingsVisible {
		sections = append(sections, m.viewSettings())
	}
	if m.render.Capture.Visible {
		sections = append(sections, m.viewCapture())
	}
	sections = append(sections, m.viewGuider())
	if m.notice != "" {
		sections = append(sections, noticeStyle.Render(m.notice))
	}
	return strings.Join(sections, "\n\n")
}

func (m Model) viewCamera() string {
	r := m.render.Camera
	var b strings.Builder
	b.WriteString(headingStyle.Render("Camera") + " " + statusBadge(r.Status) + "\n")
	b.WriteString("  " + control("c", r.ButtonLabel, r.ButtonEnabled))
	b.WriteString("   " + control("r", "reload", r.ReloadEnabled) + "\n")
	if len(m.snap.Ports.Choices) == 0 {
		b.WriteString(dimStyle.Render("  no cameras detected"))
		return b.String()
	}
	for i, c := range m.snap.Ports.Choices {
		line := fmt.Sprintf("%s (%s)", c.Display, c.Value)
		b.WriteString(m.row(i == m.portIdx && r.ListEnabled, line, r.ListEnabled) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) viewSettings() string {
	r := m.render.Camera
	lines := []string{headingStyle.Render("Settings")}
	if len(m.snap.Settings) == 0 {
		lines = append(lines, dimStyle.Render("  none"))
	}
	for i, st := range m.snap.Settings {
		value := "-"
		if v, ok := st.Value(); ok {
			value = v
		}
		lines = append(lines, m.row(i == m.settingIdx && r.SettingsEnabled, st.Name+": "+value, r.SettingsEnabled))
	}
	return strings.Join(lines, "\n")
}

func (m Model) viewCapture() string {
	r := m.render.Capture
	heading := headingStyle.Render("Capture")
	if r.Counter != "" {
		heading += "  " + r.Counter
	}
	if m.render.Mode == ui.ModeCapturing || m.render.Mode == ui.ModePreviewing || m.render.Mode == ui.ModeStopping {
		heading += " " + m.spinner.View() + " " + m.render.Mode.String()
	}
	lines := []string{
		heading,
		"  " + control("p", "preview", r.PreviewEnabled) + "   " + control("s", toggleGlyph(r.ToggleIcon), r.ToggleEnabled),
	}
	params := fmt.Sprintf("  %gs x %d", m.params.Exposure, m.params.Captures)
	if m.params.Dither {
		params += fmt.Sprintf(", dither every %d", m.params.DitherN)
	}
	if r.ParamsEnabled {
		lines = append(lines, params)
	} else {
		lines = append(lines, disabledStyle.Render(params))
	}
	if m.dither != "" {
		lines = append(lines, dimStyle.Render("  dithering: "+m.dither))
	}
	if m.lastImage != "" {
		lines = append(lines, "  last image: "+m.lastImage)
	}
	return strings.Join(lines, "\n")
}

func (m Model) viewGuider() string {
	r := m.render.Guider
	return headingStyle.Render("Guider") + " " + statusBadge(r.Status) + "\n" +
		"  " + control("g", r.ButtonLabel, r.ButtonEnabled)
}

// row renders one selectable line with a cursor marker.
func (m Model) row(selected bool, text string, enabled bool) string {
	if !enabled {
		return disabledStyle.Render("    " + text)
	}
	if selected {
		return cursorStyle.Render("  > " + text)
	}
	return "    " + text
}
