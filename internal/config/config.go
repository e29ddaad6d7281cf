// Package config handles layered YAML configuration with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/device"
)

// Config holds all astrocam configuration.
type Config struct {
	Backend Backend `yaml:"backend"`
	Session Session `yaml:"session"`
	Camera  Camera  `yaml:"camera"`
	Guider  Guider  `yaml:"guider"`
	Capture Capture `yaml:"capture"`
	Images  Images  `yaml:"images"`
	Log     Log     `yaml:"log"`
}

// Backend holds the HTTP backend location.
type Backend struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // 0 disables the client timeout
}

// Session holds polling and startup retry settings.
type Session struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxPollFailures      int           `yaml:"max_poll_failures"` // 0 = retry forever
	StartupRetryInterval time.Duration `yaml:"startup_retry_interval"`
	StartupMaxAttempts   int           `yaml:"startup_max_attempts"` // 0 = retry forever
	LoadingDelay         time.Duration `yaml:"loading_delay"`
}

// Camera holds the editable and forced camera settings.
type Camera struct {
	Editable []string          `yaml:"editable"`
	Forced   map[string]string `yaml:"forced"`
}

// Guider holds autoguider connection settings.
type Guider struct {
	Host string `yaml:"host"`
}

// Capture holds the default capture sequence parameters.
type Capture struct {
	Exposure      float64 `yaml:"exposure"`
	Captures      int     `yaml:"captures"`
	Dither        bool    `yaml:"dither"`
	DitherN       int     `yaml:"dither_n"`
	DitherPx      float64 `yaml:"dither_px"`
	SettlePx      float64 `yaml:"settle_px"`
	SettleTime    float64 `yaml:"settle_time"`
	SettleTimeout float64 `yaml:"settle_timeout"`
}

// Params converts the defaults into backend capture parameters.
func (c Capture) Params() backend.CaptureParams {
	return backend.CaptureParams{
		Exposure:      c.Exposure,
		Captures:      c.Captures,
		Dither:        c.Dither,
		DitherN:       c.DitherN,
		DitherPx:      c.DitherPx,
		SettlePx:      c.SettlePx,
		SettleTime:    c.SettleTime,
		SettleTimeout: c.SettleTimeout,
	}
}

// Images holds where fetched images are written.
type Images struct {
	Dir string `yaml:"dir"`
}

// Log holds diagnostic and session log settings.
type Log struct {
	File        string `yaml:"file"`
	Level       string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	SessionFile string `yaml:"session_file"` // Optional plain-text mirror of the session log
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend: Backend{
			URL: "http://localhost:5000",
		},
		Session: Session{
			PollInterval:         time.Second,
			StartupRetryInterval: time.Second,
			LoadingDelay:         time.Second,
		},
		Camera: Camera{
			Editable: device.DefaultEditable(),
			Forced:   device.DefaultForced(),
		},
		Guider: Guider{
			Host: "localhost",
		},
		Capture: Capture{
			Exposure:      30,
			Captures:      10,
			DitherN:       1,
			DitherPx:      5,
			SettlePx:      2,
			SettleTime:    10,
			SettleTimeout: 60,
		},
		Images: Images{
			Dir: ".astrocam/images",
		},
		Log: Log{
			File:       ".astrocam/logs/astrocam.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads a single YAML config file at path and returns a Config.
// For merging multiple config sources, use LoadLayered instead.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	return LoadLayered(path)
}

// LoadLayered loads config from multiple paths with increasing priority.
// Later paths override earlier ones. Missing files are skipped.
func LoadLayered(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		layer, err := loadLayer(path)
		if err != nil {
			return nil, err
		}
		if layer == nil {
			continue
		}
		cfg.merge(layer)
	}

	return &cfg, nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url %q is not a valid URL", c.Backend.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: backend.url must use http or https, got %q", c.Backend.URL)
	}
	if c.Backend.RequestTimeout < 0 {
		return fmt.Errorf("config: backend.request_timeout must be non-negative, got %v", c.Backend.RequestTimeout)
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("config: session.poll_interval must be positive, got %v", c.Session.PollInterval)
	}
	if c.Session.StartupRetryInterval <= 0 {
		return fmt.Errorf("config: session.startup_retry_interval must be positive, got %v", c.Session.StartupRetryInterval)
	}
	if c.Session.LoadingDelay < 0 {
		return fmt.Errorf("config: session.loading_delay must be non-negative, got %v", c.Session.LoadingDelay)
	}
	if c.Session.MaxPollFailures < 0 {
		return fmt.Errorf("config: session.max_poll_failures must be non-negative, got %d", c.Session.MaxPollFailures)
	}
	if c.Session.StartupMaxAttempts < 0 {
		return fmt.Errorf("config: session.startup_max_attempts must be non-negative, got %d", c.Session.StartupMaxAttempts)
	}
	if len(c.Camera.Editable) == 0 {
		return errors.New("config: camera.editable cannot be empty")
	}
	for _, name := range c.Camera.Editable {
		if !device.IsKnownSetting(name) {
			return fmt.Errorf("config: camera.editable: unknown setting %q", name)
		}
	}
	for _, name := range device.SortedKeys(c.Camera.Forced) {
		if !device.IsKnownSetting(name) {
			return fmt.Errorf("config: camera.forced: unknown setting %q", name)
		}
		if c.Camera.Forced[name] == "" {
			return fmt.Errorf("config: camera.forced.%s cannot be empty", name)
		}
	}
	if c.Guider.Host == "" {
		return errors.New("config: guider.host cannot be empty")
	}
	if c.Capture.Exposure <= 0 {
		return fmt.Errorf("config: capture.exposure must be positive, got %v", c.Capture.Exposure)
	}
	if c.Capture.Captures <= 0 {
		return fmt.Errorf("config: capture.captures must be positive, got %d", c.Capture.Captures)
	}
	if c.Capture.DitherN < 1 {
		return fmt.Errorf("config: capture.dither_n must be at least 1, got %d", c.Capture.DitherN)
	}
	if c.Images.Dir == "" {
		return errors.New("config: images.dir cannot be empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", level)
	}
}

// LoadDotEnv loads variables from a .env file at path into the process
// environment. Variables that are already set are left untouched.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the config.
// Supported variables: ASTROCAM_BACKEND_URL, ASTROCAM_POLL_INTERVAL,
// ASTROCAM_GUIDER_HOST, ASTROCAM_IMAGE_DIR, ASTROCAM_LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("ASTROCAM_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("ASTROCAM_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid ASTROCAM_POLL_INTERVAL %q: %w", v, err)
		}
		c.Session.PollInterval = d
	}
	if v := os.Getenv("ASTROCAM_GUIDER_HOST"); v != "" {
		c.Guider.Host = v
	}
	if v := os.Getenv("ASTROCAM_IMAGE_DIR"); v != "" {
		c.Images.Dir = v
	}
	if v := os.Getenv("ASTROCAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// rawConfig mirrors Config but uses pointers to distinguish set vs unset fields.
type rawConfig struct {
	Backend *rawBackend `yaml:"backend"`
	Session *rawSession `yaml:"session"`
	Camera  *rawCamera  `yaml:"camera"`
	Guider  *rawGuider  `yaml:"guider"`
	Capture *rawCapture `yaml:"capture"`
	Images  *rawImages  `yaml:"images"`
	Log     *rawLog     `yaml:"log"`
}

type rawBackend struct {
	URL            *string        `yaml:"url"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`
}

type rawSession struct {
	PollInterval         *time.Duration `yaml:"poll_interval"`
	MaxPollFailures      *int           `yaml:"max_poll_failures"`
	StartupRetryInterval *time.Duration `yaml:"startup_retry_interval"`
	StartupMaxAttempts   *int           `yaml:"startup_max_attempts"`
	LoadingDelay         *time.Duration `yaml:"loading_delay"`
}

// rawCamera merges forced settings per key; editable replaces the whole list.
type rawCamera struct {
	Editable []string          `yaml:"editable"`
	Forced   map[string]string `yaml:"forced"`
}

type rawGuider struct {
	Host *string `yaml:"host"`
}

type rawCapture struct {
	Exposure      *float64 `yaml:"exposure"`
	Captures      *int     `yaml:"captures"`
	Dither        *bool    `yaml:"dither"`
	DitherN       *int     `yaml:"dither_n"`
	DitherPx      *float64 `yaml:"dither_px"`
	SettlePx      *float64 `yaml:"settle_px"`
	SettleTime    *float64 `yaml:"settle_time"`
	SettleTimeout *float64 `yaml:"settle_timeout"`
}

type rawImages struct {
	Dir *string `yaml:"dir"`
}

type rawLog struct {
	File        *string `yaml:"file"`
	Level       *string `yaml:"level"`
	MaxSizeMB   *int    `yaml:"max_size_mb"`
	MaxBackups  *int    `yaml:"max_backups"`
	SessionFile *string `yaml:"session_file"`
}

// loadLayer reads a single config file into a rawConfig for selective merging.
// Returns nil if the file does not exist. Rejects unknown fields.
func loadLayer(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return &raw, nil
}

// merge applies non-nil fields from a rawConfig layer onto this Config.
func (c *Config) merge(layer *rawConfig) {
	if b := layer.Backend; b != nil {
		setIf(&c.Backend.URL, b.URL)
		setIf(&c.Backend.RequestTimeout, b.RequestTimeout)
	}
	if s := layer.Session; s != nil {
		setIf(&c.Session.PollInterval, s.PollInterval)
		setIf(&c.Session.MaxPollFailures, s.MaxPollFailures)
		setIf(&c.Session.StartupRetryInterval, s.StartupRetryInterval)
		setIf(&c.Session.StartupMaxAttempts, s.StartupMaxAttempts)
		setIf(&c.Session.LoadingDelay, s.LoadingDelay)
	}
	if cam := layer.Camera; cam != nil {
		if cam.Editable != nil {
			c.Camera.Editable = append([]string(nil), cam.Editable...)
		}
		if len(cam.Forced) > 0 {
			forced := make(map[string]string, len(c.Camera.Forced)+len(cam.Forced))
			for k, v := range c.Camera.Forced {
				forced[k] = v
			}
			for k, v := range cam.Forced {
				forced[k] = v
			}
			c.Camera.Forced = forced
		}
	}
	if g := layer.Guider; g != nil {
		setIf(&c.Guider.Host, g.Host)
	}
	if cp := layer.Capture; cp != nil {
		setIf(&c.Capture.Exposure, cp.Exposure)
		setIf(&c.Capture.Captures, cp.Captures)
		setIf(&c.Capture.Dither, cp.Dither)
		setIf(&c.Capture.DitherN, cp.DitherN)
		setIf(&c.Capture.DitherPx, cp.DitherPx)
		setIf(&c.Capture.SettlePx, cp.SettlePx)
		setIf(&c.Capture.SettleTime, cp.SettleTime)
		setIf(&c.Capture.SettleTimeout, cp.SettleTimeout)
	}
	if im := layer.Images; im != nil {
		setIf(&c.Images.Dir, im.Dir)
	}
	if l := layer.Log; l != nil {
		setIf(&c.Log.File, l.File)
		setIf(&c.Log.Level, l.Level)
		setIf(&c.Log.MaxSizeMB, l.MaxSizeMB)
		setIf(&c.Log.MaxBackups, l.MaxBackups)
		setIf(&c.Log.SessionFile, l.SessionFile)
	}
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
