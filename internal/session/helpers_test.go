package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
)

var errNetwork = &backend.TransportError{Method: "GET", Path: backend.PathCaptureStatus, Err: errors.New("connection refused")}

// scriptBackend records every call and serves capture statuses from a script.
// Once the script is exhausted the last status repeats.
type scriptBackend struct {
	mu       sync.Mutex
	calls    []string
	statuses []backend.CaptureStatus
	pollErrs []error
	images   map[int][]byte
	app      []backend.AppStatus
	appErrs  []error
	failOn   map[string]error
	current  int // Index of the last status served, used by LastImage
	polls    int
	pushed   []map[string]string
	config   backend.CameraConfig
	// imageHook runs inside LastImage when set; a non-nil result fails the fetch.
	imageHook func(ctx context.Context) error
}

func newScriptBackend() *scriptBackend {
	return &scriptBackend{images: map[int][]byte{}, failOn: map[string]error{}}
}

func (b *scriptBackend) record(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, name)
	return b.failOn[name]
}

func (b *scriptBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *scriptBackend) count(name string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (b *scriptBackend) Status(context.Context) (backend.AppStatus, error) {
	_ = b.record("status")
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.appErrs) > 0 {
		err := b.appErrs[0]
		b.appErrs = b.appErrs[1:]
		if err != nil {
			return backend.AppStatus{}, err
		}
	}
	if len(b.app) == 0 {
		return backend.AppStatus{}, nil
	}
	st := b.app[0]
	if len(b.app) > 1 {
		b.app = b.app[1:]
	}
	return st, nil
}

func (b *scriptBackend) Preview(context.Context, float64) ([]byte, error) {
	if err := b.record("preview"); err != nil {
		return nil, err
	}
	return []byte("preview-jpeg"), nil
}

func (b *scriptBackend) StartCapture(context.Context, backend.CaptureParams) error {
	return b.record("start")
}

func (b *scriptBackend) StopCapture(context.Context) error {
	return b.record("stop")
}

func (b *scriptBackend) CaptureStatus(context.Context) (backend.CaptureStatus, error) {
	_ = b.record("capture_status")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if len(b.pollErrs) > 0 {
		err := b.pollErrs[0]
		b.pollErrs = b.pollErrs[1:]
		if err != nil {
			return backend.CaptureStatus{}, err
		}
	}
	if len(b.statuses) == 0 {
		return backend.CaptureStatus{CurrentStatus: backend.StateCapturing}, nil
	}
	st := b.statuses[0]
	if len(b.statuses) > 1 {
		b.statuses = b.statuses[1:]
	}
	b.current = st.LastCapture
	return st, nil
}

func (b *scriptBackend) LastImage(ctx context.Context) ([]byte, error) {
	if err := b.record("last_image"); err != nil {
		return nil, err
	}
	if b.imageHook != nil {
		if err := b.imageHook(ctx); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.images[b.current], nil
}

func (b *scriptBackend) CameraList(context.Context) (backend.ChoiceList, error) {
	return backend.ChoiceList{}, b.record("camera_list")
}

func (b *scriptBackend) ConnectCamera(context.Context, string) error {
	return b.record("connect")
}

func (b *scriptBackend) DisconnectCamera(context.Context) error {
	return b.record("disconnect")
}

func (b *scriptBackend) CameraConfig(context.Context) (backend.CameraConfig, error) {
	if err := b.record("config"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config, nil
}

func (b *scriptBackend) SetCameraConfig(_ context.Context, settings map[string]string) error {
	b.mu.Lock()
	b.pushed = append(b.pushed, settings)
	b.mu.Unlock()
	return b.record("push")
}

func (b *scriptBackend) lastPush() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pushed) == 0 {
		return nil
	}
	return b.pushed[len(b.pushed)-1]
}

func (b *scriptBackend) ConnectGuider(context.Context, string) error {
	return b.record("guider")
}

func (b *scriptBackend) DisconnectGuider(context.Context) error {
	return b.record("unguider")
}

// memLog is a concurrency-safe session log for tests.
type memLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *memLog) Add(msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, msg)
	l.mu.Unlock()
}

func (l *memLog) has(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// recorder collects updates delivered to the controller callback.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) callback(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) kinds(kind UpdateKind) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, u := range r.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) counters() []string {
	var out []string
	for _, u := range r.kinds(UpdateCounter) {
		out = append(out, u.Snapshot.Counter)
	}
	return out
}

type fixture struct {
	backend *scriptBackend
	log     *memLog
	rec     *recorder
	ctrl    *Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := newScriptBackend()
	log := &memLog{}
	rec := &recorder{}
	dev := device.NewManager(b, log)
	base := []Option{
		WithCallback(rec.callback),
		WithPollInterval(5 * time.Millisecond),
		WithStartupRetry(5*time.Millisecond, 0),
		WithLoadingDelay(5 * time.Millisecond),
		WithIDGenerator(func() string { return "test-session" }),
	}
	ctrl := New(b, dev, log, append(base, opts...)...)
	t.Cleanup(ctrl.Close)
	return &fixture{backend: b, log: log, rec: rec, ctrl: ctrl}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func defaultParams() backend.CaptureParams {
	return backend.CaptureParams{
		Exposure: 30, Captures: 10, DitherN: 1, DitherPx: 5,
		SettlePx: 2, SettleTime: 10, SettleTimeout: 60,
	}
}

func status(cs backend.CaptureState, current, last, captures int) backend.CaptureStatus {
	return backend.CaptureStatus{
		CurrentStatus:  cs,
		CurrentCapture: current,
		LastCapture:    last,
		CaptureParms:   &backend.CaptureEcho{Captures: captures},
	}
}
