package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
	"github.com/smileynet/astrocam/internal/simulator"
)

// simFixture wires a controller to a running simulator over HTTP.
type simFixture struct {
	sim  *simulator.Simulator
	log  *memLog
	rec  *recorder
	dev  *device.Manager
	ctrl *Controller
}

func newSimFixture(t *testing.T, opts ...simulator.Option) *simFixture {
	t.Helper()
	sim := simulator.New(append([]simulator.Option{
		simulator.WithLoopDelay(5 * time.Millisecond),
		simulator.WithSettleSteps(1),
	}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sim.Run(ctx)

	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	client := backend.NewClient(backend.NewTransport(srv.URL, backend.WithTimeout(time.Second)))

	log := &memLog{}
	rec := &recorder{}
	dev := device.NewManager(client, log)
	ctrl := New(client, dev, log,
		WithCallback(rec.callback),
		WithPollInterval(3*time.Millisecond),
		WithStartupRetry(3*time.Millisecond, 0),
		WithLoadingDelay(time.Millisecond),
	)
	t.Cleanup(ctrl.Close)
	return &simFixture{sim: sim, log: log, rec: rec, dev: dev, ctrl: ctrl}
}

func TestSimulator_FullCaptureSequence(t *testing.T) {
	// Given a controller with a connected camera
	f := newSimFixture(t)
	ctx := context.Background()
	if err := f.ctrl.Startup(ctx); err != nil {
		t.Fatalf("Startup() error = %v", err)
	}
	if err := f.ctrl.ReloadCameras(ctx); err != nil {
		t.Fatal(err)
	}
	ports := f.ctrl.Snapshot().Ports.Choices
	if len(ports) != 1 {
		t.Fatalf("ports = %v, want one simulated camera", ports)
	}
	if err := f.ctrl.ConnectCamera(ctx, ports[0].Value); err != nil {
		t.Fatalf("ConnectCamera() error = %v", err)
	}

	// When a dithered sequence runs to completion
	params := backend.CaptureParams{Exposure: 1, Captures: 4, Dither: true, DitherN: 2, DitherPx: 3, SettlePx: 1, SettleTime: 2, SettleTimeout: 10}
	if err := f.ctrl.StartCapture(ctx, params); err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.ctrl.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	// Then the forced settings reached the camera
	for k, v := range device.DefaultForced() {
		if got := f.sim.Settings()[k]; got != v {
			t.Errorf("camera %s = %q, want %q", k, got, v)
		}
	}
	// And each capture was shown exactly once
	seen := map[int]int{}
	for _, u := range f.rec.kinds(UpdateImage) {
		seen[u.Image.Index]++
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("image %d delivered %d times, want once", idx, n)
		}
	}
	if seen[4] != 1 {
		t.Errorf("final image not delivered; seen = %v", seen)
	}
	// And the session ended idle with the final counter
	snap := f.ctrl.Snapshot()
	if snap.State != StateIdle || snap.Counter != "4 / 4" {
		t.Errorf("snapshot = %s %q, want idle \"4 / 4\"", snap.State, snap.Counter)
	}
	if !f.log.has("Capture process has finished") {
		t.Error("session log missing completion entry")
	}
}

func TestSimulator_StopMidSequence(t *testing.T) {
	f := newSimFixture(t)
	ctx := context.Background()
	if err := f.ctrl.ConnectCamera(ctx, "usb:001,004"); err != nil {
		t.Fatal(err)
	}
	params := backend.CaptureParams{Exposure: 1, Captures: 1000, DitherN: 1}
	if err := f.ctrl.StartCapture(ctx, params); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first image", func() bool { return len(f.rec.kinds(UpdateImage)) > 0 })

	if err := f.ctrl.StopCapture(ctx); err != nil {
		t.Fatalf("StopCapture() error = %v", err)
	}
	if got := f.ctrl.Snapshot().State; got != StateIdle {
		t.Errorf("state after stop = %s, want idle", got)
	}
	if n := len(f.rec.kinds(UpdateEnded)); n != 1 {
		t.Errorf("ended updates = %d, want 1", n)
	}
}

func TestSimulator_StartupResumesRunningCapture(t *testing.T) {
	// Given a backend already running a sequence for another client
	f := newSimFixture(t)
	ctx := context.Background()
	other := newSimClient(t, f.sim)
	if err := other.ConnectCamera(ctx, "usb:001,004"); err != nil {
		t.Fatal(err)
	}
	if err := other.StartCapture(ctx, backend.CaptureParams{Exposure: 1, Captures: 20, DitherN: 1}); err != nil {
		t.Fatal(err)
	}

	// When this client starts up
	if err := f.ctrl.Startup(ctx); err != nil {
		t.Fatalf("Startup() error = %v", err)
	}

	// Then it follows the sequence to the end without starting another
	snap := f.ctrl.Snapshot()
	if !snap.CameraConnected || snap.SessionID == "" {
		t.Fatalf("snapshot = %+v, want resumed session with camera", snap)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.ctrl.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := f.ctrl.Snapshot().Counter; got != "20 / 20" {
		t.Errorf("counter = %q, want \"20 / 20\"", got)
	}
	if !f.log.has("Retaking ongoing capture process") {
		t.Error("session log missing resume entry")
	}
}

func newSimClient(t *testing.T, sim *simulator.Simulator) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	return backend.NewClient(backend.NewTransport(srv.URL))
}
