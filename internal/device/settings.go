package device

import (
	"errors"
	"fmt"
	"sort"

	"github.com/smileynet/astrocam/internal/backend"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrNoPortSelected = errors.New("device: no camera has been selected")
	ErrNotEditable    = errors.New("device: setting is not editable")
	ErrUnknownChoice  = errors.New("device: value is not one of the setting's choices")
)

// settingNames is the camera settings vocabulary understood by the backend.
var settingNames = []string{
	"aperture",
	"iso",
	"shutterspeed",
	"drivemode",
	"aeb",
	"whitebalance",
	"colorspace",
	"picturestyle",
	"imageformat",
	"capturetarget",
}

// SettingNames returns the camera settings vocabulary.
func SettingNames() []string {
	return append([]string(nil), settingNames...)
}

// IsKnownSetting reports whether name belongs to the vocabulary.
func IsKnownSetting(name string) bool {
	for _, n := range settingNames {
		if n == name {
			return true
		}
	}
	return false
}

// DefaultEditable returns the settings left to interactive choice.
func DefaultEditable() []string {
	return []string{"aperture", "iso"}
}

// DefaultForced returns the settings always imposed on the camera.
func DefaultForced() map[string]string {
	return map[string]string{
		"shutterspeed":  "bulb",
		"drivemode":     "Single",
		"aeb":           "off",
		"whitebalance":  "Daylight",
		"colorspace":    "sRGB",
		"picturestyle":  "Faithful",
		"imageformat":   "RAW + Large Fine JPEG",
		"capturetarget": "Memory card",
	}
}

// Setting is the interactive view of one camera setting.
type Setting struct {
	Name    string
	Choices []backend.Choice
	Current *string
}

// Value returns the selected value, or "" and false when nothing is selected.
func (s Setting) Value() (string, bool) {
	if s.Current == nil {
		return "", false
	}
	return *s.Current, true
}

// Merge overlays forced onto editable. Forced keys always win.
func Merge(editable, forced map[string]string) map[string]string {
	merged := make(map[string]string, len(editable)+len(forced))
	for k, v := range editable {
		merged[k] = v
	}
	for k, v := range forced {
		merged[k] = v
	}
	return merged
}

// settingsForm holds populated settings keyed by name. Not safe for
// concurrent use; Manager guards it.
type settingsForm struct {
	fields map[string]Setting
}

func newSettingsForm() settingsForm {
	return settingsForm{fields: make(map[string]Setting)}
}

// populate replaces every setting present in cfg.
func (f *settingsForm) populate(cfg backend.CameraConfig) {
	for name, list := range cfg {
		s := Setting{Name: name, Choices: append([]backend.Choice(nil), list.Choices...)}
		if list.Current != nil {
			v := *list.Current
			s.Current = &v
		}
		f.fields[name] = s
	}
}

func (f *settingsForm) reset() {
	f.fields = make(map[string]Setting)
}

// selectValue sets the current value of name after checking it against the choices.
func (f *settingsForm) selectValue(name, value string) error {
	s, ok := f.fields[name]
	if !ok {
		return fmt.Errorf("%w: %s has no loaded choices", ErrUnknownChoice, name)
	}
	for _, c := range s.Choices {
		if c.Value == value {
			v := value
			s.Current = &v
			f.fields[name] = s
			return nil
		}
	}
	return fmt.Errorf("%w: %s=%q", ErrUnknownChoice, name, value)
}

// values returns the selected values for names. Unselected or unloaded
// settings are omitted.
func (f *settingsForm) values(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := f.fields[name].Value(); ok {
			out[name] = v
		}
	}
	return out
}

// list returns copies of the settings for names, in order, skipping unloaded ones.
func (f *settingsForm) list(names []string) []Setting {
	out := make([]Setting, 0, len(names))
	for _, name := range names {
		s, ok := f.fields[name]
		if !ok {
			continue
		}
		s.Choices = append([]backend.Choice(nil), s.Choices...)
		if s.Current != nil {
			v := *s.Current
			s.Current = &v
		}
		out = append(out, s)
	}
	return out
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
