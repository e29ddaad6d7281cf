// Package simulator is an in-process stand-in for the camera control
// backend. It serves the same HTTP surface, runs a capture control loop
// with dither and settle phases and produces synthetic JPEG frames.
package simulator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
)

// DefaultLoopDelay is the control loop period.
const DefaultLoopDelay = 500 * time.Millisecond

// Camera is a detectable simulated camera.
type Camera struct {
	Name string
	Port string
}

// Simulator holds the simulated devices and capture control state.
type Simulator struct {
	loopDelay   time.Duration
	settleSteps int
	diag        *slog.Logger

	mu       sync.Mutex
	cameras  []Camera
	port     string // Connected camera port, "" if none
	settings map[string]setting
	guider   string // Connected guider host, "" if none
	locked   bool
	failures map[string]string // Path -> error for the next request

	status   backend.CaptureState
	current  int
	last     int
	params   *backend.CaptureParams
	dither   *backend.DitherStatus
	settling int
	image    *string
}

type setting struct {
	choices []string
	current string
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLoopDelay sets the control loop period.
func WithLoopDelay(d time.Duration) Option {
	return func(s *Simulator) { s.loopDelay = d }
}

// WithSettleSteps sets how many loop iterations a dither takes to settle.
func WithSettleSteps(n int) Option {
	return func(s *Simulator) { s.settleSteps = n }
}

// WithCameras replaces the detectable cameras.
func WithCameras(cams ...Camera) Option {
	return func(s *Simulator) { s.cameras = append([]Camera(nil), cams...) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.diag = l }
}

// New creates a Simulator with one detectable camera.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		loopDelay:   DefaultLoopDelay,
		settleSteps: 2,
		diag:        slog.New(slog.DiscardHandler),
		cameras:     []Camera{{Name: "Canon EOS 600D", Port: "usb:001,004"}},
		failures:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the control loop until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.loopDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// SetLocked makes the status endpoint report a busy backend.
func (s *Simulator) SetLocked(locked bool) {
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
}

// FailNext makes the next request to path answer with an application error.
func (s *Simulator) FailNext(path, message string) {
	s.mu.Lock()
	s.failures[path] = message
	s.mu.Unlock()
}

// takeFailure returns and clears the injected failure for path.
func (s *Simulator) takeFailure(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failures[path]
	delete(s.failures, path)
	return msg, ok
}

// Step runs one control loop iteration.
func (s *Simulator) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case backend.StateCapturing:
		if s.current >= s.params.Captures {
			s.status = backend.StateStopping
			break
		}
		s.current++
		img := encodeFrame(s.current)
		s.image = &img
		s.last = s.current
		s.diag.Debug("simulated capture", "index", s.current, "of", s.params.Captures)
		if s.params.Dither && s.current < s.params.Captures && s.current%s.params.DitherN == 0 {
			s.status = backend.StateDithering
			s.settling = s.settleSteps
		}
	case backend.StateDithering:
		if s.settling <= 0 {
			s.dither = nil
			s.status = backend.StateCapturing
			break
		}
		step := float64(s.settleSteps - s.settling + 1)
		s.dither = &backend.DitherStatus{
			Dist:       s.params.DitherPx / step,
			Px:         s.params.SettlePx,
			Time:       step,
			SettleTime: s.params.SettleTime,
		}
		s.settling--
	case backend.StateStopping:
		s.status = backend.StateIdle
		s.dither = nil
	}
}

func (s *Simulator) appStatus() backend.AppStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return backend.AppStatus{Locked: true}
	}
	return backend.AppStatus{
		CameraList:      s.cameraListLocked(),
		CameraConfig:    s.configLocked(),
		CameraConnected: s.port != "",
		GuiderConnected: s.guider != "",
		Capturing:       s.status.Active(),
		LastCapture:     s.last,
	}
}

func (s *Simulator) cameraList() backend.ChoiceList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraListLocked()
}

func (s *Simulator) cameraListLocked() backend.ChoiceList {
	cams := append([]Camera(nil), s.cameras...)
	sort.Slice(cams, func(i, j int) bool { return cams[i].Name < cams[j].Name })
	list := backend.ChoiceList{Choices: make([]backend.Choice, 0, len(cams))}
	for _, c := range cams {
		list.Choices = append(list.Choices, backend.Choice{Display: c.Name, Value: c.Port})
	}
	if s.port != "" {
		p := s.port
		list.Current = &p
	}
	return list
}

func (s *Simulator) connectCamera(port string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cameras {
		if c.Port == port {
			s.port = port
			s.settings = defaultSettings()
			return nil
		}
	}
	return fmt.Errorf("no camera on port %q", port)
}

func (s *Simulator) disconnectCamera() {
	s.mu.Lock()
	s.port = ""
	s.settings = nil
	s.mu.Unlock()
}

// configLocked returns nil when no camera is connected.
func (s *Simulator) configLocked() backend.CameraConfig {
	if s.port == "" {
		return nil
	}
	cfg := make(backend.CameraConfig, len(s.settings))
	for name, st := range s.settings {
		list := backend.ChoiceList{Choices: make([]backend.Choice, 0, len(st.choices))}
		for _, c := range st.choices {
			list.Choices = append(list.Choices, backend.Choice{Display: c, Value: c})
		}
		if st.current != "" {
			cur := st.current
			list.Current = &cur
		}
		cfg[name] = list
	}
	return cfg
}

func (s *Simulator) config() backend.CameraConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configLocked()
}

// setConfig applies values, rejecting unknown settings and values.
func (s *Simulator) setConfig(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == "" {
		return errors.New("camera is not connected")
	}
	for name, v := range values {
		st, ok := s.settings[name]
		if !ok {
			return fmt.Errorf("unknown setting %q", name)
		}
		if !contains(st.choices, v) {
			return fmt.Errorf("invalid value %q for %s", v, name)
		}
	}
	for name, v := range values {
		st := s.settings[name]
		st.current = v
		s.settings[name] = st
	}
	return nil
}

// Settings returns the current camera setting values.
func (s *Simulator) Settings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for name, st := range s.settings {
		out[name] = st.current
	}
	return out
}

func (s *Simulator) preview(exposure float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == "" {
		return "", errors.New("camera is not connected")
	}
	if exposure <= 0 {
		return "", fmt.Errorf("invalid exposure %v", exposure)
	}
	return encodeFrame(0), nil
}

func (s *Simulator) startCapture(p backend.CaptureParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == "" {
		return errors.New("camera is not connected")
	}
	if s.status.Active() {
		return errors.New("capture already running")
	}
	s.params = &p
	s.current = 0
	s.last = 0
	s.image = nil
	s.dither = nil
	s.status = backend.StateCapturing
	s.diag.Info("simulated capture started", "captures", p.Captures, "exposure", p.Exposure)
	return nil
}

func (s *Simulator) stopCapture() {
	s.mu.Lock()
	s.status = backend.StateStopping
	s.mu.Unlock()
}

func (s *Simulator) captureStatus() backend.CaptureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := backend.CaptureStatus{
		CurrentStatus:  s.status,
		CurrentCapture: s.current,
		LastCapture:    s.last,
	}
	if s.params != nil {
		echo := s.params.Echo()
		st.CaptureParms = &echo
	}
	if s.dither != nil {
		d := *s.dither
		st.DitherStatus = &d
	}
	return st
}

func (s *Simulator) lastImage() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

func (s *Simulator) connectGuider(host string) error {
	if host == "" {
		return errors.New("empty guider host")
	}
	s.mu.Lock()
	s.guider = host
	s.mu.Unlock()
	return nil
}

func (s *Simulator) disconnectGuider() {
	s.mu.Lock()
	s.guider = ""
	s.mu.Unlock()
}

// defaultSettings offers every known setting with the values the client
// imposes among its choices.
func defaultSettings() map[string]setting {
	choices := map[string][]string{
		"aperture":      {"4", "5.6", "8", "11"},
		"iso":           {"100", "200", "400", "800", "1600", "3200"},
		"shutterspeed":  {"bulb", "30", "1/100"},
		"drivemode":     {"Single", "Continuous"},
		"aeb":           {"off", "+/- 1"},
		"whitebalance":  {"Auto", "Daylight"},
		"colorspace":    {"sRGB", "AdobeRGB"},
		"picturestyle":  {"Standard", "Faithful"},
		"imageformat":   {"RAW", "Large Fine JPEG", "RAW + Large Fine JPEG"},
		"capturetarget": {"Internal RAM", "Memory card"},
	}
	out := make(map[string]setting, len(choices))
	for _, name := range device.SettingNames() {
		c := choices[name]
		out[name] = setting{choices: c, current: c[0]}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func encodeFrame(index int) string {
	return base64.StdEncoding.EncodeToString(Frame(index))
}
