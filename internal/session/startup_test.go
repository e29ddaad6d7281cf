package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
)

func TestStartup_LockedRetriesWithoutPopulating(t *testing.T) {
	f := newFixture(t, WithStartupRetry(5*time.Millisecond, 3))
	f.backend.app = []backend.AppStatus{{Locked: true}}

	err := f.ctrl.Startup(context.Background())
	if !errors.Is(err, ErrStartupExhausted) {
		t.Fatalf("Startup() error = %v, want ErrStartupExhausted", err)
	}
	if n := f.backend.count("status"); n != 3 {
		t.Errorf("status requests = %d, want 3", n)
	}
	if n := len(f.rec.kinds(UpdateState)); n != 0 {
		t.Errorf("state updates = %d, want 0 while locked", n)
	}
	snap := f.ctrl.Snapshot()
	if snap.CameraConnected || len(snap.Ports.Choices) != 0 {
		t.Errorf("snapshot = %+v, want nothing populated", snap)
	}
	if !f.log.has("Application is busy. Retrying.") {
		t.Error("busy retry not logged")
	}
}

func TestStartup_FailureThenReady(t *testing.T) {
	f := newFixture(t)
	f.backend.appErrs = []error{errNetwork, nil}
	f.backend.app = []backend.AppStatus{{Locked: true}, {
		CameraList: backend.ChoiceList{Choices: []backend.Choice{{Display: "Canon", Value: "usb:1"}}},
	}}

	if err := f.ctrl.Startup(context.Background()); err != nil {
		t.Fatalf("Startup() error = %v", err)
	}
	if n := f.backend.count("status"); n != 3 {
		t.Errorf("status requests = %d, want 3 (error, locked, ready)", n)
	}
	if !f.log.has("Error getting initial status. Retrying.") {
		t.Error("failure retry not logged")
	}
	if ports := f.ctrl.Snapshot().Ports; len(ports.Choices) != 1 {
		t.Errorf("ports = %+v, want one camera", ports)
	}
}

func TestStartup_RestoresDevices(t *testing.T) {
	f := newFixture(t)
	iso := "800"
	f.backend.app = []backend.AppStatus{{
		CameraConfig:    backend.CameraConfig{"iso": {Choices: []backend.Choice{{Display: "800", Value: "800"}}, Current: &iso}},
		GuiderConnected: true,
	}}

	if err := f.ctrl.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := f.ctrl.Snapshot()
	if !snap.CameraConnected || !snap.GuiderConnected {
		t.Errorf("connected = %v/%v, want true/true", snap.CameraConnected, snap.GuiderConnected)
	}
	if len(snap.Settings) != 1 || snap.Settings[0].Name != "iso" {
		t.Errorf("settings = %+v, want iso", snap.Settings)
	}
	if !f.log.has("Camera already connected") || !f.log.has("Guider already connected") {
		t.Error("restored devices not logged")
	}
	if calls := f.backend.Calls(); len(calls) != 1 {
		t.Errorf("calls = %v, want only status", calls)
	}
}

func TestStartup_ResumesCaptureWithoutStart(t *testing.T) {
	f := newFixture(t)
	f.backend.app = []backend.AppStatus{{Capturing: true}}
	f.backend.statuses = []backend.CaptureStatus{
		status(backend.StateCapturing, 5, 4, 8),
	}
	f.backend.images[4] = []byte("frame-4")

	if err := f.ctrl.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.ctrl.Snapshot().State; got != StateCapturing {
		t.Errorf("State = %s, want capturing", got)
	}
	waitFor(t, "resumed image", func() bool { return len(f.rec.kinds(UpdateImage)) == 1 })

	if n := f.backend.count("start"); n != 0 {
		t.Errorf("start requests = %d, want 0", n)
	}
	if got := f.ctrl.Snapshot().Counter; got != "5 / 8" {
		t.Errorf("Counter = %q, want 5 / 8", got)
	}
	if !f.log.has("Retaking ongoing capture process") {
		t.Error("resume not logged")
	}
}

func TestStartup_LoadingDismissedOnce(t *testing.T) {
	f := newFixture(t)
	f.backend.app = []backend.AppStatus{{Locked: true}, {Locked: true}, {}}

	if !f.ctrl.Snapshot().Loading {
		t.Fatal("Loading = false before startup")
	}
	if err := f.ctrl.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "loading dismissed", func() bool { return !f.ctrl.Snapshot().Loading })
	if n := len(f.rec.kinds(UpdateLoaded)); n != 1 {
		t.Errorf("loaded updates = %d, want 1", n)
	}
	if !f.log.has("Initialization done") {
		t.Error("initialization not logged")
	}
}

func TestStartup_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.backend.app = []backend.AppStatus{{Locked: true}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.ctrl.Startup(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Startup() error = %v, want context.Canceled", err)
	}
}
