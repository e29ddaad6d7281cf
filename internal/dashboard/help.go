package dashboard

import (
	"github.com/charmbracelet/bubbles/help"

	"github.com/smileynet/astrocam/internal/ui"
)

// HelpBindings returns the help.KeyMap for r. Bindings whose control is
// disabled are hidden from the help bar.
func HelpBindings(r ui.Render) help.KeyMap {
	km := DefaultKeyMap()
	km.Camera.SetEnabled(r.Camera.ButtonEnabled)
	km.Reload.SetEnabled(r.Camera.ReloadEnabled)
	km.Guider.SetEnabled(r.Guider.ButtonEnabled)
	km.Preview.SetEnabled(r.Capture.PreviewEnabled)
	km.Toggle.SetEnabled(r.Capture.ToggleEnabled)
	km.Prev.SetEnabled(r.Camera.SettingsEnabled)
	km.Next.SetEnabled(r.Camera.SettingsEnabled)
	if r.Capture.ToggleIcon == ui.IconStop {
		km.Toggle.SetHelp("s", "stop")
	} else {
		km.Toggle.SetHelp("s", "start")
	}
	return km
}
