package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CaptureState is the backend-reported state of the capture control loop.
type CaptureState int

const (
	StateIdle      CaptureState = 0
	StateCapturing CaptureState = 1
	StateDithering CaptureState = 2
	StateStopping  CaptureState = 3
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateDithering:
		return "dithering"
	case StateStopping:
		return "stopping"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Active reports whether the control loop is still producing captures.
func (s CaptureState) Active() bool {
	return s == StateCapturing || s == StateDithering
}

// Choice is a selectable option for a camera port or setting.
// On the wire it is either a [display, value] pair or a bare string.
type Choice struct {
	Display string
	Value   string
}

// UnmarshalJSON accepts both the pair and the bare string encodings.
func (c *Choice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Display, c.Value = s, s
		return nil
	}
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("choice: want string or [display, value], got %s", data)
	}
	switch len(pair) {
	case 1:
		c.Display, c.Value = pair[0], pair[0]
	case 2:
		c.Display, c.Value = pair[0], pair[1]
	default:
		return fmt.Errorf("choice: want 1 or 2 elements, got %d", len(pair))
	}
	return nil
}

// MarshalJSON encodes a choice as a pair, or a bare string when display == value.
func (c Choice) MarshalJSON() ([]byte, error) {
	if c.Display == c.Value {
		return json.Marshal(c.Value)
	}
	return json.Marshal([]string{c.Display, c.Value})
}

// ChoiceList is an ordered set of choices with the current selection.
// Current is nil when nothing is selected.
type ChoiceList struct {
	Choices []Choice `json:"choices"`
	Current *string  `json:"current"`
}

// CameraConfig maps setting names to their choice lists.
type CameraConfig map[string]ChoiceList

// CaptureParams is the immutable snapshot sent once at capture start.
type CaptureParams struct {
	Exposure      float64 `json:"exposure"`
	Captures      int     `json:"captures"`
	Dither        bool    `json:"dither"`
	DitherN       int     `json:"dither_n"`
	DitherPx      float64 `json:"dither_px"`
	SettlePx      float64 `json:"settle_px"`
	SettleTime    float64 `json:"settle_time"`
	SettleTimeout float64 `json:"settle_timeout"`
}

// Validate checks that the parameters describe a runnable sequence.
func (p CaptureParams) Validate() error {
	if p.Exposure <= 0 {
		return fmt.Errorf("capture params: exposure must be positive, got %v", p.Exposure)
	}
	if p.Captures <= 0 {
		return fmt.Errorf("capture params: captures must be positive, got %d", p.Captures)
	}
	if p.Dither && p.DitherN < 1 {
		return fmt.Errorf("capture params: dither_n must be at least 1, got %d", p.DitherN)
	}
	return nil
}

// Echo returns p as the backend reports it back in capture status.
func (p CaptureParams) Echo() CaptureEcho {
	return CaptureEcho{
		Exposure:      p.Exposure,
		Captures:      p.Captures,
		Dither:        FormBool(p.Dither),
		DitherN:       p.DitherN,
		DitherPx:      p.DitherPx,
		SettlePx:      p.SettlePx,
		SettleTime:    p.SettleTime,
		SettleTimeout: p.SettleTimeout,
	}
}

// CaptureEcho is the capture configuration echoed in capture status. The
// backend keeps the dither form field unparsed, so it comes back as the
// posted string.
type CaptureEcho struct {
	Exposure      float64  `json:"exposure"`
	Captures      int      `json:"captures"`
	Dither        FormBool `json:"dither"`
	DitherN       int      `json:"dither_n"`
	DitherPx      float64  `json:"dither_px"`
	SettlePx      float64  `json:"settle_px"`
	SettleTime    float64  `json:"settle_time"`
	SettleTimeout float64  `json:"settle_timeout"`
}

// FormBool is a boolean that travelled through a form field. It decodes
// from a JSON bool or from a string such as "true", "false" or "on", and
// encodes as the string the client posted.
type FormBool bool

// UnmarshalJSON accepts a JSON bool, a string or null. Unrecognized
// strings decode as false.
func (b *FormBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = FormBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("form bool: want bool or string, got %s", data)
	}
	if strings.EqualFold(s, "on") {
		*b = true
		return nil
	}
	v, _ = strconv.ParseBool(s)
	*b = FormBool(v)
	return nil
}

// MarshalJSON encodes b as its form string.
func (b FormBool) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatBool(bool(b)))
}

// DitherStatus is guiding telemetry for the current dither cycle.
type DitherStatus struct {
	Dist       float64 `json:"dist"`
	Px         float64 `json:"px"`
	Time       float64 `json:"time"`
	SettleTime float64 `json:"settle_time"`
}

// CaptureStatus is the backend progress report for a capture run.
type CaptureStatus struct {
	CurrentStatus  CaptureState  `json:"current_status"`
	CurrentCapture int           `json:"current_capture"`
	LastCapture    int           `json:"last_capture"`
	CaptureParms   *CaptureEcho  `json:"capture_parms"`
	DitherStatus   *DitherStatus `json:"dither_status"`
}

// AppStatus is the global application status used for startup reconciliation.
// CameraConfig is nil when no camera is connected.
type AppStatus struct {
	Locked          bool         `json:"locked"`
	CameraList      ChoiceList   `json:"camera_list"`
	CameraConfig    CameraConfig `json:"camera_config"`
	CameraConnected bool         `json:"camera_connected"`
	GuiderConnected bool         `json:"guider_connected"`
	Capturing       bool         `json:"capturing"`
	LastCapture     int          `json:"last_capture"`
}

// envelope carries the application-level status flag shared by every response.
type envelope struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
}

type statusResponse struct {
	envelope
	AppStatus
}

type cameraListResponse struct {
	envelope
	CameraList ChoiceList `json:"camera_list"`
}

type configResponse struct {
	envelope
	Config CameraConfig `json:"config"`
}

type imageResponse struct {
	envelope
	ImageData *string `json:"image_data"`
}

type captureStatusResponse struct {
	envelope
	CaptureStatus CaptureStatus `json:"capture_status"`
}
