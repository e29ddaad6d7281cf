package dashboard

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
	"github.com/smileynet/astrocam/internal/session"
)

// stripANSI removes ANSI escape sequences from a string.
func stripANSI(s string) string {
	var out []byte
	i := 0
	for i < len(s) {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 'A' || s[j] > 'Z') && (s[j] < 'a' || s[j] > 'z') {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
		} else {
			out = append(out, s[i])
			i++
		}
	}
	return string(out)
}

// containsPlainText checks if s contains sub after stripping ANSI escapes.
func containsPlainText(s, sub string) bool {
	return strings.Contains(stripANSI(s), sub)
}

// execBatch executes a tea.Cmd, handling both single commands and batch
// commands. It returns all resulting messages. Spinner ticks are skipped
// to avoid infinite recursion.
func execBatch(t *testing.T, cmd tea.Cmd) []tea.Msg {
	t.Helper()
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var msgs []tea.Msg
		for _, c := range batch {
			if c != nil {
				result := c()
				// Skip spinner ticks to avoid recursion.
				if _, isTick := result.(spinner.TickMsg); !isTick {
					msgs = append(msgs, result)
				}
			}
		}
		return msgs
	}
	return []tea.Msg{msg}
}

// fakeController serves a fixed snapshot and records every command.
type fakeController struct {
	mu      sync.Mutex
	snap    session.Snapshot
	calls   []string
	err     error
	image   *session.Image
	started backend.CaptureParams
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) ReloadCameras(context.Context) error { return f.record("reload") }

func (f *fakeController) ConnectCamera(_ context.Context, port string) error {
	return f.record("connect " + port)
}

func (f *fakeController) DisconnectCamera(context.Context) error { return f.record("disconnect") }
func (f *fakeController) ConnectGuider(context.Context) error    { return f.record("guider") }
func (f *fakeController) DisconnectGuider(context.Context) error { return f.record("unguider") }

func (f *fakeController) ChangeSetting(_ context.Context, name, value string) error {
	return f.record("set " + name + "=" + value)
}

func (f *fakeController) RequestPreview(context.Context, float64) (*session.Image, error) {
	if err := f.record("preview"); err != nil {
		return nil, err
	}
	return f.image, nil
}

func (f *fakeController) StartCapture(_ context.Context, p backend.CaptureParams) error {
	f.mu.Lock()
	f.started = p
	f.mu.Unlock()
	return f.record("start")
}

func (f *fakeController) StopCapture(context.Context) error { return f.record("stop") }

// memSink records saved previews.
type memSink struct {
	saved [][]byte
}

func (s *memSink) SavePreview(data []byte) (string, error) {
	s.saved = append(s.saved, data)
	return "images/preview.jpg", nil
}

func ports(values ...string) backend.ChoiceList {
	var list backend.ChoiceList
	for _, v := range values {
		list.Choices = append(list.Choices, backend.Choice{Display: "Cam " + v, Value: v})
	}
	return list
}

func isoSetting(current string) device.Setting {
	return device.Setting{
		Name: "iso",
		Choices: []backend.Choice{
			{Display: "100", Value: "100"},
			{Display: "400", Value: "400"},
			{Display: "1600", Value: "1600"},
		},
		Current: &current,
	}
}

func newSizedModel(t *testing.T, ctrl *fakeController, w, h int, opts ...Option) Model {
	t.Helper()
	m := NewModel(ctrl, opts...)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: w, Height: h})
	return updated.(Model)
}

func press(t *testing.T, m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(k)
	return updated.(Model), cmd
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}
