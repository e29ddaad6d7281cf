// Package ui derives interface affordances from session state. Reconcile is
// a pure function; renderers apply its output and never decide anything.
package ui

import (
	"github.com/smileynet/astrocam/internal/session"
)

// Mode is the interface mode derived from session state.
type Mode int

const (
	ModeLoading Mode = iota
	ModeDisconnected
	ModeConnected
	ModeConfiguring
	ModePreviewing
	ModeCapturing
	ModeStopping
)

func (m Mode) String() string {
	switch m {
	case ModeLoading:
		return "loading"
	case ModeDisconnected:
		return "disconnected"
	case ModeConnected:
		return "connected"
	case ModeConfiguring:
		return "configuring"
	case ModePreviewing:
		return "previewing"
	case ModeCapturing:
		return "capturing"
	case ModeStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Icon is the glyph shown on the capture toggle.
type Icon string

const (
	IconPlay Icon = "play"
	IconStop Icon = "stop"
)

// Connection labels.
const (
	LabelConnect    = "Connect"
	LabelDisconnect = "Disconnect"
	StatusConnected = "Connected"
	StatusOffline   = "Disconnected"
)

// CameraPanel holds camera connection affordances.
type CameraPanel struct {
	ButtonLabel     string
	ButtonEnabled   bool
	Status          string
	ListEnabled     bool
	ReloadEnabled   bool
	SettingsVisible bool
	SettingsEnabled bool
}

// CapturePanel holds preview and capture sequence affordances.
type CapturePanel struct {
	Visible        bool
	PreviewEnabled bool
	ToggleEnabled  bool
	ToggleIcon     Icon
	ParamsEnabled  bool
	Counter        string
}

// GuiderPanel holds guider connection affordances.
type GuiderPanel struct {
	ButtonLabel     string
	ButtonEnabled   bool
	Status          string
	SettingsVisible bool
}

// Render is the complete set of render instructions for one snapshot.
type Render struct {
	Mode    Mode
	Loading bool
	Camera  CameraPanel
	Capture CapturePanel
	Guider  GuiderPanel
}

// ModeOf derives the interface mode from a snapshot.
func ModeOf(s session.Snapshot) Mode {
	if s.Loading {
		return ModeLoading
	}
	switch s.State {
	case session.StateConfiguring:
		return ModeConfiguring
	case session.StatePreviewing:
		return ModePreviewing
	case session.StateCapturing, session.StateDithering:
		return ModeCapturing
	case session.StateStopping:
		return ModeStopping
	}
	if s.CameraConnected {
		return ModeConnected
	}
	return ModeDisconnected
}

// Reconcile computes render instructions for s.
func Reconcile(s session.Snapshot) Render {
	mode := ModeOf(s)
	idle := mode == ModeConnected || mode == ModeDisconnected
	sequence := mode == ModeCapturing || mode == ModeStopping

	r := Render{Mode: mode, Loading: mode == ModeLoading}

	r.Camera = CameraPanel{
		ButtonLabel:     LabelConnect,
		ButtonEnabled:   idle,
		Status:          StatusOffline,
		ListEnabled:     idle && !s.CameraConnected,
		ReloadEnabled:   idle && !s.CameraConnected,
		SettingsVisible: s.CameraConnected,
		SettingsEnabled: idle && s.CameraConnected,
	}
	if s.CameraConnected {
		r.Camera.ButtonLabel = LabelDisconnect
		r.Camera.Status = StatusConnected
	}

	r.Capture = CapturePanel{
		Visible:        s.CameraConnected || sequence,
		PreviewEnabled: idle && s.CameraConnected,
		ToggleEnabled:  (idle && s.CameraConnected) || mode == ModeCapturing,
		ToggleIcon:     IconPlay,
		ParamsEnabled:  idle,
		Counter:        s.Counter,
	}
	if sequence {
		r.Capture.ToggleIcon = IconStop
	}

	r.Guider = GuiderPanel{
		ButtonLabel:     LabelConnect,
		ButtonEnabled:   idle,
		Status:          StatusOffline,
		SettingsVisible: s.GuiderConnected,
	}
	if s.GuiderConnected {
		r.Guider.ButtonLabel = LabelDisconnect
		r.Guider.Status = StatusConnected
	}
	return r
}
