// Package session drives the capture session lifecycle: configuration push,
// preview, capture start and stop, the remote status poll loop and startup
// reconciliation against an already running backend.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
)

// Backend is the subset of the backend client the controller drives
// directly. Device handshakes go through the device.Manager.
type Backend interface {
	Status(ctx context.Context) (backend.AppStatus, error)
	Preview(ctx context.Context, exposure float64) ([]byte, error)
	StartCapture(ctx context.Context, params backend.CaptureParams) error
	StopCapture(ctx context.Context) error
	CaptureStatus(ctx context.Context) (backend.CaptureStatus, error)
	LastImage(ctx context.Context) ([]byte, error)
}

// Defaults for timing options.
const (
	DefaultPollInterval    = time.Second
	DefaultStartupInterval = time.Second
	DefaultLoadingDelay    = time.Second
)

// Controller is the capture session state machine. Commands are blocking
// calls; each returns once its request sequence has resolved. The state
// lock is never held across a backend call.
type Controller struct {
	backend  Backend
	dev      *device.Manager
	log      device.SessionLog
	diag     *slog.Logger
	callback Callback

	pollInterval    time.Duration
	maxPollFailures int
	startupInterval time.Duration
	startupAttempts int
	loadingDelay    time.Duration
	newID           func() string

	mu       sync.Mutex
	state    State
	counter  string
	session  *Session
	recent   *Session // Most recently installed session, kept after it ends
	lastSeen int      // Watermark of the most recent session, kept after it ends
	loading  bool
	loadOnce sync.Once
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallback sets the update callback.
func WithCallback(cb Callback) Option {
	return func(c *Controller) { c.callback = cb }
}

// WithDiagnostics sets the diagnostic logger.
func WithDiagnostics(l *slog.Logger) Option {
	return func(c *Controller) { c.diag = l }
}

// WithPollInterval sets the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithMaxPollFailures ends the session after n consecutive failed polls.
// Zero retries forever.
func WithMaxPollFailures(n int) Option {
	return func(c *Controller) { c.maxPollFailures = n }
}

// WithStartupRetry sets the startup retry interval and attempt cap.
// A cap of zero retries forever.
func WithStartupRetry(interval time.Duration, attempts int) Option {
	return func(c *Controller) {
		c.startupInterval = interval
		c.startupAttempts = attempts
	}
}

// WithLoadingDelay sets how long the loading overlay stays after startup resolves.
func WithLoadingDelay(d time.Duration) Option {
	return func(c *Controller) { c.loadingDelay = d }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// New creates a Controller. The device manager must wrap the same backend.
func New(b Backend, dev *device.Manager, log device.SessionLog, opts ...Option) *Controller {
	c := &Controller{
		backend:         b,
		dev:             dev,
		log:             log,
		diag:            slog.New(slog.DiscardHandler),
		callback:        func(Update) {},
		pollInterval:    DefaultPollInterval,
		startupInterval: DefaultStartupInterval,
		loadingDelay:    DefaultLoadingDelay,
		newID:           newSessionID,
		loading:         true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:           c.state,
		Loading:         c.loading,
		CameraConnected: c.dev.CameraConnected(),
		GuiderConnected: c.dev.GuiderConnected(),
		Ports:           c.dev.Ports(),
		Settings:        c.dev.EditableSettings(),
		Counter:         c.counter,
		LastCaptureSeen: c.lastSeen,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.LastCaptureSeen = c.session.mark.seen
	}
	return snap
}

func (c *Controller) emit(u Update) {
	u.Snapshot = c.Snapshot()
	c.callback(u)
}

// setState changes the state and publishes it.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState})
}

// begin moves from IDLE to next, or fails with ErrBusy.
func (c *Controller) begin(next State) error {
	c.mu.Lock()
	if c.state != StateIdle {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, cur)
	}
	c.state = next
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState})
	return nil
}

// setCounter publishes text when it differs from the displayed counter.
func (c *Controller) setCounter(text string) {
	c.mu.Lock()
	if c.counter == text {
		c.mu.Unlock()
		return
	}
	c.counter = text
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateCounter})
}

// RequestPreview pushes the configuration and takes a single exposure.
// The state always returns to IDLE, whatever the outcome. A nil image
// with a nil error means the backend produced none.
func (c *Controller) RequestPreview(ctx context.Context, exposure float64) (*Image, error) {
	if err := c.begin(StateConfiguring); err != nil {
		return nil, err
	}
	defer c.setState(StateIdle)

	c.log.Add("Getting camera preview")
	if err := c.dev.PushConfig(ctx); err != nil {
		return nil, err
	}
	c.setState(StatePreviewing)
	data, err := c.backend.Preview(ctx, exposure)
	if err != nil {
		c.log.Add("Error getting camera preview")
		c.diag.Error("preview failed", "exposure", exposure, "err", err)
		return nil, fmt.Errorf("session: preview: %w", err)
	}
	c.log.Add("Retrieved camera preview")
	if data == nil {
		return nil, nil
	}
	img := &Image{Data: data, Preview: true}
	c.emit(Update{Kind: UpdateImage, Image: img})
	return img, nil
}

// StartCapture pushes the configuration and starts a capture sequence.
// The start request is only issued after the push has succeeded. On
// success the session is created and polling begins.
func (c *Controller) StartCapture(ctx context.Context, params backend.CaptureParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.begin(StateConfiguring); err != nil {
		return err
	}

	c.log.Add("Starting capture process")
	if err := c.dev.PushConfig(ctx); err != nil {
		c.setState(StateIdle)
		return err
	}
	c.mu.Lock()
	c.lastSeen = 0
	c.mu.Unlock()
	c.setCounter(counterText(0, params.Captures))

	if err := c.backend.StartCapture(ctx, params); err != nil {
		c.log.Add("Error starting capture process: " + backend.Message(err))
		c.diag.Error("capture start failed", "err", err)
		c.setState(StateIdle)
		return fmt.Errorf("session: start capture: %w", err)
	}

	s := newSession(c.newID(), &params)
	c.log.Add("Capture process started")
	c.install(ctx, s, StateCapturing)
	c.diag.Info("capture session started", "session", s.ID, "captures", params.Captures, "exposure", params.Exposure)
	return nil
}

// StopCapture asks the backend to stop the running sequence. On success
// polling is cancelled and the session is destroyed. On failure the
// session keeps polling in its current state.
func (c *Controller) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNotCapturing
	}
	prev := c.state
	c.state = StateStopping
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState})

	c.log.Add("Stopping capturing")
	if err := c.backend.StopCapture(ctx); err != nil {
		c.log.Add("Error stopping capture process")
		c.diag.Error("capture stop failed", "session", s.ID, "err", err)
		c.mu.Lock()
		if c.session == s && c.state == StateStopping {
			c.state = prev
		}
		c.mu.Unlock()
		c.emit(Update{Kind: UpdateState})
		return fmt.Errorf("session: stop capture: %w", err)
	}

	if c.end(s, nil) {
		c.log.Add("Capture process stopped")
	}
	return nil
}

// install makes s the current session in state and starts its poller.
func (c *Controller) install(ctx context.Context, s *Session, state State) {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	c.mu.Lock()
	c.session = s
	c.recent = s
	c.state = state
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState})

	go c.poll(pollCtx, s)
}

// end destroys s if it is still current and reports whether it was.
// It never waits for the poller, so it is safe to call from it.
func (c *Controller) end(s *Session, cause error) bool {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.lastSeen = s.mark.seen
	last := c.lastSeen
	c.state = StateIdle
	c.mu.Unlock()

	s.finish(cause)
	c.diag.Info("capture session ended", "session", s.ID, "last_capture", last)
	c.emit(Update{Kind: UpdateEnded, Err: cause})
	return true
}

// current reports whether s is still the live session.
func (c *Controller) current(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

// Wait blocks until the most recent session ends and returns its terminal
// error. It returns nil at once when no session was ever started.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	s := c.recent
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any poller without contacting the backend. A running
// backend sequence is left alone and can be resumed at next startup.
func (c *Controller) Close() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.finish(context.Canceled)
	}
}

// Device wrappers. Each publishes the resulting state.

// ReloadCameras refreshes the detected camera list.
func (c *Controller) ReloadCameras(ctx context.Context) error {
	_, err := c.dev.ReloadCameras(ctx)
	c.emit(Update{Kind: UpdateState})
	return err
}

// ConnectCamera connects the camera on port.
func (c *Controller) ConnectCamera(ctx context.Context, port string) error {
	err := c.dev.ConnectCamera(ctx, port)
	c.emit(Update{Kind: UpdateState})
	return err
}

// DisconnectCamera disconnects the camera.
func (c *Controller) DisconnectCamera(ctx context.Context) error {
	err := c.dev.DisconnectCamera(ctx)
	c.emit(Update{Kind: UpdateState})
	return err
}

// ConnectGuider connects the guiding service.
func (c *Controller) ConnectGuider(ctx context.Context) error {
	err := c.dev.ConnectGuider(ctx)
	c.emit(Update{Kind: UpdateState})
	return err
}

// DisconnectGuider disconnects the guiding service.
func (c *Controller) DisconnectGuider(ctx context.Context) error {
	err := c.dev.DisconnectGuider(ctx)
	c.emit(Update{Kind: UpdateState})
	return err
}

// ChangeSetting selects a new value for an editable setting and pushes
// the configuration straight away.
func (c *Controller) ChangeSetting(ctx context.Context, name, value string) error {
	if err := c.begin(StateConfiguring); err != nil {
		return err
	}
	defer c.setState(StateIdle)
	if err := c.dev.Select(name, value); err != nil {
		return err
	}
	return c.dev.PushConfig(ctx)
}

func counterText(current, captures int) string {
	total := "?"
	if captures > 0 {
		total = strconv.Itoa(captures)
	}
	return strconv.Itoa(current) + " / " + total
}
