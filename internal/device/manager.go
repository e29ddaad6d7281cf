// Package device manages camera and guider connections and the camera
// configuration push that must precede every preview and capture start.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/smileynet/astrocam/internal/backend"
)

// Backend is the subset of the backend client the manager drives.
type Backend interface {
	CameraList(ctx context.Context) (backend.ChoiceList, error)
	ConnectCamera(ctx context.Context, port string) error
	DisconnectCamera(ctx context.Context) error
	CameraConfig(ctx context.Context) (backend.CameraConfig, error)
	SetCameraConfig(ctx context.Context, settings map[string]string) error
	ConnectGuider(ctx context.Context, host string) error
	DisconnectGuider(ctx context.Context) error
}

// SessionLog receives user-visible log lines.
type SessionLog interface {
	Add(msg string)
}

// Manager tracks device connection state and the interactive camera settings.
// It does not guard against illegal command sequences (e.g. disconnecting
// mid-capture); callers disable conflicting controls instead.
type Manager struct {
	backend  Backend
	log      SessionLog
	diag     *slog.Logger
	editable []string
	forced   map[string]string
	host     string

	mu              sync.Mutex
	cameraConnected bool
	guiderConnected bool
	ports           backend.ChoiceList
	form            settingsForm
}

// Option configures a Manager.
type Option func(*Manager)

// WithEditable sets the settings left to interactive choice.
func WithEditable(names []string) Option {
	return func(m *Manager) { m.editable = append([]string(nil), names...) }
}

// WithForced sets the settings imposed on every configuration write.
func WithForced(forced map[string]string) Option {
	return func(m *Manager) {
		m.forced = make(map[string]string, len(forced))
		for k, v := range forced {
			m.forced[k] = v
		}
	}
}

// WithGuiderHost sets the fixed guiding service host.
func WithGuiderHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

// WithDiagnostics sets the diagnostic logger.
func WithDiagnostics(l *slog.Logger) Option {
	return func(m *Manager) { m.diag = l }
}

// NewManager creates a Manager driving b and logging to log.
func NewManager(b Backend, log SessionLog, opts ...Option) *Manager {
	m := &Manager{
		backend:  b,
		log:      log,
		diag:     slog.New(slog.DiscardHandler),
		editable: DefaultEditable(),
		forced:   DefaultForced(),
		host:     "localhost",
		form:     newSettingsForm(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// logError writes msg and err to both the session log and the diagnostic console.
func (m *Manager) logError(msg string, err error) {
	m.log.Add(msg + ": " + backend.Message(err))
	m.diag.Error(msg, "err", err)
}

// ReloadCameras fetches the list of detected camera ports.
func (m *Manager) ReloadCameras(ctx context.Context) (backend.ChoiceList, error) {
	m.log.Add("Getting camera list")
	list, err := m.backend.CameraList(ctx)
	if err != nil {
		m.logError("Error getting camera list", err)
		return backend.ChoiceList{}, fmt.Errorf("device: camera list: %w", err)
	}
	m.mu.Lock()
	m.ports = list
	m.mu.Unlock()
	m.log.Add("Camera list retrieved")
	return list, nil
}

// ConnectCamera connects the camera on port, then loads its configuration
// and pushes the forced settings. An empty port fails locally without a
// request. On a backend-reported failure the connection state is unchanged.
func (m *Manager) ConnectCamera(ctx context.Context, port string) error {
	if port == "" {
		m.log.Add("No camera has been selected")
		return ErrNoPortSelected
	}
	m.log.Add("Connecting camera at port " + port)
	if err := m.backend.ConnectCamera(ctx, port); err != nil {
		m.logError("Error connecting camera", err)
		return fmt.Errorf("device: connect camera: %w", err)
	}
	m.mu.Lock()
	m.cameraConnected = true
	cur := port
	m.ports.Current = &cur
	m.mu.Unlock()
	m.log.Add("Camera connected")
	m.syncConfig(ctx)
	return nil
}

// DisconnectCamera disconnects the camera.
func (m *Manager) DisconnectCamera(ctx context.Context) error {
	if err := m.backend.DisconnectCamera(ctx); err != nil {
		m.logError("Error disconnecting camera", err)
		return fmt.Errorf("device: disconnect camera: %w", err)
	}
	m.mu.Lock()
	m.cameraConnected = false
	m.ports.Current = nil
	m.form.reset()
	m.mu.Unlock()
	m.log.Add("Camera disconnected")
	return nil
}

// ConnectGuider connects the guiding service on the configured host.
// When a camera is connected its configuration is reloaded and pushed again.
func (m *Manager) ConnectGuider(ctx context.Context) error {
	m.log.Add("Connecting with autoguider on " + m.host)
	if err := m.backend.ConnectGuider(ctx, m.host); err != nil {
		m.logError("Error connecting guider", err)
		return fmt.Errorf("device: connect guider: %w", err)
	}
	m.mu.Lock()
	m.guiderConnected = true
	camera := m.cameraConnected
	m.mu.Unlock()
	m.log.Add("Guider connected")
	if camera {
		m.syncConfig(ctx)
	}
	return nil
}

// DisconnectGuider disconnects the guiding service.
func (m *Manager) DisconnectGuider(ctx context.Context) error {
	if err := m.backend.DisconnectGuider(ctx); err != nil {
		m.logError("Error disconnecting guider", err)
		return fmt.Errorf("device: disconnect guider: %w", err)
	}
	m.mu.Lock()
	m.guiderConnected = false
	m.mu.Unlock()
	m.log.Add("Guider disconnected")
	return nil
}

// syncConfig loads the remote configuration and pushes the merged settings.
// Failures are logged; the connection itself already succeeded.
func (m *Manager) syncConfig(ctx context.Context) {
	if _, err := m.LoadConfig(ctx); err != nil {
		return
	}
	_ = m.PushConfig(ctx)
}

// LoadConfig fetches the camera configuration and populates each setting's
// choices and current selection.
func (m *Manager) LoadConfig(ctx context.Context) (backend.CameraConfig, error) {
	m.log.Add("Loading camera settings")
	cfg, err := m.backend.CameraConfig(ctx)
	if err != nil {
		m.logError("Error reading camera configuration", err)
		return nil, fmt.Errorf("device: load config: %w", err)
	}
	m.diag.Debug("camera configuration read", "settings", len(cfg))
	m.mu.Lock()
	m.form.populate(cfg)
	m.mu.Unlock()
	return cfg, nil
}

// PushConfig writes the editable selections overlaid with the forced
// settings. Callers must await it before issuing a preview or capture start.
func (m *Manager) PushConfig(ctx context.Context) error {
	m.log.Add("Updating camera settings")
	payload := m.Payload()
	m.diag.Debug("config to be set", "keys", strings.Join(SortedKeys(payload), ","))
	if err := m.backend.SetCameraConfig(ctx, payload); err != nil {
		m.logError("Error setting camera configuration", err)
		return fmt.Errorf("device: push config: %w", err)
	}
	m.log.Add("Camera settings updated")
	return nil
}

// Payload returns the configuration map PushConfig would send.
func (m *Manager) Payload() map[string]string {
	m.mu.Lock()
	editable := m.form.values(m.editable)
	m.mu.Unlock()
	return Merge(editable, m.forced)
}

// Select changes the interactive value of an editable setting.
func (m *Manager) Select(name, value string) error {
	if !m.isEditable(name) {
		return fmt.Errorf("%w: %s", ErrNotEditable, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.form.selectValue(name, value)
}

// Restore adopts connection state reported by the backend at startup
// without issuing any request.
func (m *Manager) Restore(st backend.AppStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports = st.CameraList
	m.cameraConnected = st.CameraConnected || st.CameraConfig != nil
	m.form.reset()
	if st.CameraConfig != nil {
		m.form.populate(st.CameraConfig)
	}
	m.guiderConnected = st.GuiderConnected
}

// CameraConnected reports whether the camera is connected.
func (m *Manager) CameraConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraConnected
}

// GuiderConnected reports whether the guider is connected.
func (m *Manager) GuiderConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guiderConnected
}

// Ports returns the last known camera port list.
func (m *Manager) Ports() backend.ChoiceList {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := backend.ChoiceList{Choices: append([]backend.Choice(nil), m.ports.Choices...)}
	if m.ports.Current != nil {
		v := *m.ports.Current
		out.Current = &v
	}
	return out
}

// EditableSettings returns the loaded editable settings in configured order.
func (m *Manager) EditableSettings() []Setting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.form.list(m.editable)
}

func (m *Manager) isEditable(name string) bool {
	for _, n := range m.editable {
		if n == name {
			return true
		}
	}
	return false
}
