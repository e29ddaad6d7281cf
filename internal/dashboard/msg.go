// Package dashboard implements the interactive two-pane control panel:
// camera, settings, capture and guider controls on the left and the
// session log on the right. Separate from internal/tui which handles
// the non-interactive capture display.
package dashboard

import (
	"github.com/smileynet/astrocam/internal/session"
	"github.com/smileynet/astrocam/internal/sessionlog"
)

// Focus represents which pane has keyboard focus.
type Focus int

const (
	PaneLeft  Focus = iota // Controls pane has focus.
	PaneRight              // Session log viewport has focus.
)

// UpdateMsg delivers a controller update to the model.
type UpdateMsg struct {
	Update session.Update
}

// EntryMsg delivers a session log entry to the model.
type EntryMsg struct {
	Entry sessionlog.Entry
}

// ImageSavedMsg reports a capture written to disk.
type ImageSavedMsg struct {
	Index int
	Path  string
}

// actionDoneMsg is returned by every controller command.
type actionDoneMsg struct {
	op  string
	err error
}

// previewDoneMsg is returned by the preview command.
type previewDoneMsg struct {
	path string
	err  error
}
