package session

import (
	"errors"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrBusy             = errors.New("session: another operation is in progress")
	ErrNotCapturing     = errors.New("session: no capture is running")
	ErrStartupExhausted = errors.New("session: startup attempts exhausted")
	ErrPollFailures     = errors.New("session: too many consecutive poll failures")
)

// State is the client-side session state.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StatePreviewing
	StateCapturing
	StateDithering
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StatePreviewing:
		return "previewing"
	case StateCapturing:
		return "capturing"
	case StateDithering:
		return "dithering"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Busy reports whether capture-affecting controls must be disabled.
func (s State) Busy() bool {
	return s != StateIdle
}

// Sequence reports whether a capture sequence is running.
func (s State) Sequence() bool {
	return s == StateCapturing || s == StateDithering || s == StateStopping
}

// observed maps a backend capture state onto the client state.
func observed(cs backend.CaptureState) State {
	if cs == backend.StateDithering {
		return StateDithering
	}
	return StateCapturing
}

// Snapshot is a consistent copy of everything the UI derives from.
type Snapshot struct {
	State           State
	Loading         bool // Startup has not resolved yet or the overlay is still shown
	CameraConnected bool
	GuiderConnected bool
	Ports           backend.ChoiceList
	Settings        []device.Setting
	Counter         string
	SessionID       string
	LastCaptureSeen int
}

// Image is a rendered frame.
type Image struct {
	Index   int // Capture index; 0 for previews
	Data    []byte
	Preview bool
}

// UpdateKind identifies what changed in an Update.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateCounter
	UpdateImage
	UpdateDither
	UpdateLoaded
	UpdateEnded
)

// Update is delivered to the Callback after every observable change.
type Update struct {
	Kind     UpdateKind
	Snapshot Snapshot
	Image    *Image                // Set for UpdateImage
	Dither   *backend.DitherStatus // Set for UpdateDither
	Err      error                 // Set for UpdateEnded when the session ended abnormally
}

// Callback receives updates. It is called outside the controller's lock and
// may be called from the poller goroutine.
type Callback func(Update)
