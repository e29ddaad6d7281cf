package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/smileynet/astrocam"
	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/config"
	"github.com/smileynet/astrocam/internal/dashboard"
	"github.com/smileynet/astrocam/internal/device"
	"github.com/smileynet/astrocam/internal/logging"
	"github.com/smileynet/astrocam/internal/session"
	"github.com/smileynet/astrocam/internal/sessionlog"
	"github.com/smileynet/astrocam/internal/simulator"
	"github.com/smileynet/astrocam/internal/tui"
	"github.com/smileynet/astrocam/internal/ui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the top-level command structure for astrocam.
type CLI struct {
	Version   kong.VersionFlag `help:"Show version." short:"V"`
	Dashboard DashboardCmd     `cmd:"" help:"Open the interactive control panel."`
	Capture   CaptureCmd       `cmd:"" help:"Run a capture sequence and follow it to completion."`
	Preview   PreviewCmd       `cmd:"" help:"Take a single preview exposure."`
	Status    StatusCmd        `cmd:"" help:"Print the reconciled backend state."`
	Cameras   CamerasCmd       `cmd:"" help:"List detected camera ports."`
	Simulate  SimulateCmd      `cmd:"" help:"Serve a simulated camera backend."`
	Init      InitCmd          `cmd:"" help:"Write the default config to .astrocam/config.yaml."`
}

// loadConfig loads .env, layered config from user and project paths and env overrides.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadLayered(
		os.ExpandEnv("$HOME/.config/astrocam/config.yaml"),
		".astrocam/config.yaml",
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupError marks failures that happen before the backend is contacted.
type setupError struct {
	err error
}

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

// prepare loads and validates config, applying attempts when non-negative.
func prepare(cmd string, attempts int) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &setupError{fmt.Errorf("%s: %w", cmd, err)}
	}
	if attempts >= 0 {
		cfg.Session.StartupMaxAttempts = attempts
	}
	if err := cfg.Validate(); err != nil {
		return nil, &setupError{fmt.Errorf("%s: %w", cmd, err)}
	}
	return cfg, nil
}

// --- Capture command ---

// CaptureCmd starts a capture sequence, or resumes the one already running,
// and follows it until the backend reports it finished.
type CaptureCmd struct {
	Port     string  `help:"Camera port to connect when no camera is connected."`
	Exposure float64 `help:"Exposure time in seconds (default: config)."`
	Captures int     `help:"Number of captures (default: config)."`
	Dither   bool    `help:"Dither between captures."`
	NoDither bool    `help:"Disable dithering even if configured." name:"no-dither"`
	DitherN  int     `help:"Dither every N captures (default: config)." name:"dither-n"`
	NoTUI    bool    `help:"Force plain text output even if stdout is a TTY." default:"false"`
}

// params applies flag overrides to the configured defaults.
func (c *CaptureCmd) params(p backend.CaptureParams) backend.CaptureParams {
	if c.Exposure > 0 {
		p.Exposure = c.Exposure
	}
	if c.Captures > 0 {
		p.Captures = c.Captures
	}
	if c.Dither {
		p.Dither = true
	}
	if c.NoDither {
		p.Dither = false
	}
	if c.DitherN > 0 {
		p.DitherN = c.DitherN
	}
	return p
}

// Run executes the capture command.
func (c *CaptureCmd) Run() error {
	if c.Dither && c.NoDither {
		return &setupError{errors.New("capture: --dither and --no-dither are mutually exclusive")}
	}
	cfg, err := prepare("capture", -1)
	if err != nil {
		return err
	}
	params := c.params(cfg.Capture.Params())
	if err := params.Validate(); err != nil {
		return &setupError{fmt.Errorf("capture: %w", err)}
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		return &setupError{fmt.Errorf("capture: %w", err)}
	}
	defer a.Close()

	// abort ends the run without stopping the backend (display quit).
	// stop asks the backend to stop and follows the sequence to its end
	// (Ctrl+C or the first q in the TUI).
	abort, cancelAbort := context.WithCancel(context.Background())
	defer cancelAbort()
	sigCtx, stopSignals := signal.NotifyContext(abort, os.Interrupt)
	defer stopSignals()
	stopCtx, requestStop := context.WithCancel(sigCtx)
	defer requestStop()

	bridge := tui.NewBridge()
	a.onUpdate = newProgressForwarder(bridge).forward
	a.log.SetListener(func(e sessionlog.Entry) { bridge.Send(tui.EntryMsg{Entry: e}) })

	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: c.NoTUI,
		Title:      "astrocam capture",
		CancelFunc: requestStop,
	})
	return c.run(stopCtx, abort, cancelAbort, a.ctrl, params, display, bridge)
}

// run drives display and capture lifecycle together, enabling testable wiring.
func (c *CaptureCmd) run(stopCtx, abort context.Context, cancelAbort context.CancelFunc, ctrl captureRunner, params backend.CaptureParams, display tui.Display, bridge *tui.Bridge) error {
	displayDone := make(chan error, 1)
	go func() {
		err := display.Run(context.Background(), bridge.Events())
		bridge.Abandon()
		cancelAbort()
		displayDone <- err
	}()

	runErr := followCapture(stopCtx, abort, ctrl, c.Port, params)
	if runErr != nil {
		bridge.Error(runErr)
	} else {
		bridge.Done()
	}

	// Wait for display to finish (so it releases the terminal).
	displayErr := <-displayDone
	if runErr != nil {
		return runErr
	}
	return displayErr
}

// captureRunner is the controller surface the capture command drives.
type captureRunner interface {
	Startup(ctx context.Context) error
	Snapshot() session.Snapshot
	ConnectCamera(ctx context.Context, port string) error
	StartCapture(ctx context.Context, params backend.CaptureParams) error
	StopCapture(ctx context.Context) error
	Wait(ctx context.Context) error
}

// followCapture reconciles with the backend, starts a sequence unless one
// is already running, then waits for it to end. Cancelling stopCtx issues
// a stop request and keeps following, including when the stop arrives
// while the start is in flight; cancelling abort returns at once.
func followCapture(stopCtx, abort context.Context, ctrl captureRunner, port string, params backend.CaptureParams) error {
	if err := ctrl.Startup(stopCtx); err != nil {
		return quietCancel(stopCtx, abort, err)
	}

	if !ctrl.Snapshot().State.Sequence() {
		if stopCtx.Err() != nil {
			return nil
		}
		// A stop requested while these are in flight must not cancel them:
		// the backend may already run the sequence and needs the stop.
		if !ctrl.Snapshot().CameraConnected {
			if err := ctrl.ConnectCamera(abort, port); err != nil {
				return quietCancel(stopCtx, abort, err)
			}
		}
		if err := ctrl.StartCapture(abort, params); err != nil {
			return quietCancel(stopCtx, abort, err)
		}
	}

	err := ctrl.Wait(stopCtx)
	if stopCtx.Err() == nil || abort.Err() != nil {
		return quietCancel(stopCtx, abort, err)
	}

	if err := ctrl.StopCapture(abort); err != nil && !errors.Is(err, session.ErrNotCapturing) {
		return quietCancel(stopCtx, abort, err)
	}
	return quietCancel(stopCtx, abort, ctrl.Wait(abort))
}

// quietCancel drops cancellation errors once the user interrupted or left
// the display. Nothing was started, or the backend keeps its sequence.
func quietCancel(stopCtx, abort context.Context, err error) error {
	if errors.Is(err, context.Canceled) && (stopCtx.Err() != nil || abort.Err() != nil) {
		return nil
	}
	return err
}

// progressForwarder converts controller updates into display events.
type progressForwarder struct {
	bridge *tui.Bridge

	mu     sync.Mutex
	dither string
}

func newProgressForwarder(bridge *tui.Bridge) *progressForwarder {
	return &progressForwarder{bridge: bridge}
}

func (f *progressForwarder) forward(u session.Update, path string) {
	f.mu.Lock()
	switch {
	case u.Kind == session.UpdateDither && u.Dither != nil:
		f.dither = ditherText(u.Dither)
	case u.Snapshot.State != session.StateDithering:
		f.dither = ""
	}
	msg := tui.ProgressMsg{
		State:   u.Snapshot.State.String(),
		Counter: u.Snapshot.Counter,
		Dither:  f.dither,
	}
	f.mu.Unlock()

	f.bridge.Send(msg)
	if path != "" {
		f.bridge.Send(tui.ImageMsg{Index: u.Image.Index, Path: path})
	}
}

func ditherText(d *backend.DitherStatus) string {
	return fmt.Sprintf("dither: dist %.2f px %.2f, %.0fs of %.0fs settled", d.Dist, d.Px, d.Time, d.SettleTime)
}

// --- Preview command ---

// PreviewCmd takes one exposure with the current camera configuration.
type PreviewCmd struct {
	Port     string  `help:"Camera port to connect when no camera is connected."`
	Exposure float64 `help:"Exposure time in seconds (default: config)."`
	Attempts int     `help:"Startup attempts before giving up (0 = retry forever)." default:"1"`
}

// Run executes the preview command.
func (p *PreviewCmd) Run() error {
	cfg, err := prepare("preview", p.Attempts)
	if err != nil {
		return err
	}
	exposure := cfg.Capture.Exposure
	if p.Exposure > 0 {
		exposure = p.Exposure
	}

	a, err := newApp(cfg, nil)
	if err != nil {
		return &setupError{fmt.Errorf("preview: %w", err)}
	}
	defer a.Close()
	a.log.SetListener(func(e sessionlog.Entry) { _, _ = fmt.Fprintln(os.Stderr, e.String()) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return p.run(ctx, os.Stdout, a.ctrl, a.store, exposure)
}

// previewRunner is the controller surface the preview command drives.
type previewRunner interface {
	Startup(ctx context.Context) error
	Snapshot() session.Snapshot
	ConnectCamera(ctx context.Context, port string) error
	RequestPreview(ctx context.Context, exposure float64) (*session.Image, error)
}

func (p *PreviewCmd) run(ctx context.Context, w io.Writer, ctrl previewRunner, sink dashboard.PreviewSink, exposure float64) error {
	if err := ctrl.Startup(ctx); err != nil {
		return err
	}
	if !ctrl.Snapshot().CameraConnected {
		if err := ctrl.ConnectCamera(ctx, p.Port); err != nil {
			return err
		}
	}
	img, err := ctrl.RequestPreview(ctx, exposure)
	if err != nil {
		return err
	}
	if img == nil {
		_, _ = fmt.Fprintln(w, "No preview image returned")
		return nil
	}
	path, err := sink.SavePreview(img.Data)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Preview saved to %s\n", path)
	return nil
}

// --- Status command ---

// StatusCmd prints the state adopted from the backend at startup.
type StatusCmd struct {
	Attempts int `help:"Startup attempts before giving up (0 = retry forever)." default:"1"`
}

// Run executes the status command.
func (s *StatusCmd) Run() error {
	cfg, err := prepare("status", s.Attempts)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return &setupError{fmt.Errorf("status: %w", err)}
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := a.ctrl.Startup(ctx); err != nil {
		return err
	}
	printStatus(os.Stdout, cfg.Backend.URL, a.ctrl.Snapshot())
	return nil
}

// printStatus renders the reconciled snapshot as aligned key/value lines.
func printStatus(w io.Writer, url string, snap session.Snapshot) {
	r := ui.Reconcile(snap)
	_, _ = fmt.Fprintf(w, "backend:  %s\n", url)
	_, _ = fmt.Fprintf(w, "state:    %s\n", snap.State)
	_, _ = fmt.Fprintf(w, "camera:   %s\n", r.Camera.Status)
	if r.Camera.SettingsVisible {
		for _, s := range snap.Settings {
			v, ok := s.Value()
			if !ok {
				v = "(unset)"
			}
			_, _ = fmt.Fprintf(w, "  %-8s %s\n", s.Name+":", v)
		}
	}
	if r.Capture.Counter != "" {
		_, _ = fmt.Fprintf(w, "capture:  %s\n", r.Capture.Counter)
	}
	if snap.SessionID != "" {
		_, _ = fmt.Fprintf(w, "session:  %s\n", snap.SessionID)
	}
	_, _ = fmt.Fprintf(w, "guider:   %s\n", r.Guider.Status)
}

// --- Cameras command ---

// CamerasCmd lists the camera ports the backend detects.
type CamerasCmd struct{}

// Run executes the cameras command.
func (c *CamerasCmd) Run() error {
	cfg, err := prepare("cameras", -1)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return &setupError{fmt.Errorf("cameras: %w", err)}
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return listCameras(ctx, os.Stdout, a.dev)
}

// cameraLister is the device surface the cameras command drives.
type cameraLister interface {
	ReloadCameras(ctx context.Context) (backend.ChoiceList, error)
}

var _ cameraLister = (*device.Manager)(nil)

func listCameras(ctx context.Context, w io.Writer, dev cameraLister) error {
	list, err := dev.ReloadCameras(ctx)
	if err != nil {
		return err
	}
	if len(list.Choices) == 0 {
		_, _ = fmt.Fprintln(w, "No cameras detected")
		return nil
	}
	for _, ch := range list.Choices {
		marker := " "
		if list.Current != nil && *list.Current == ch.Value {
			marker = "*"
		}
		_, _ = fmt.Fprintf(w, "%s %-16s %s\n", marker, ch.Value, ch.Display)
	}
	return nil
}

// --- Simulate command ---

// SimulateCmd serves the simulated backend until interrupted.
type SimulateCmd struct {
	Addr        string        `help:"Listen address." default:"localhost:5000"`
	LoopDelay   time.Duration `help:"Control loop period." default:"500ms"`
	SettleSteps int           `help:"Control loop iterations a dither takes to settle." default:"2"`
}

// Run executes the simulate command.
func (s *SimulateCmd) Run() error {
	cfg, err := prepare("simulate", -1)
	if err != nil {
		return err
	}
	logCfg := cfg.Log
	logCfg.File = ""
	diag, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		return &setupError{fmt.Errorf("simulate: %w", err)}
	}
	defer diag.Close() //nolint:errcheck // console only

	sim := simulator.New(
		simulator.WithLoopDelay(s.LoopDelay),
		simulator.WithSettleSteps(s.SettleSteps),
		simulator.WithLogger(diag.Logger),
	)
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go sim.Run(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	diag.Info("simulated backend listening", "addr", s.Addr)

	select {
	case err := <-serveErr:
		return &setupError{fmt.Errorf("simulate: %w", err)}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- Init command ---

// InitCmd writes the default configuration template.
type InitCmd struct {
	Path string `help:"Where to write the config." default:".astrocam/config.yaml"`
}

// Run executes the init command.
func (i *InitCmd) Run() error {
	return i.run(os.Stdout)
}

func (i *InitCmd) run(w io.Writer) error {
	if err := astrocam.WriteDefaultConfig(i.Path); err != nil {
		return &setupError{fmt.Errorf("init: %w", err)}
	}
	_, _ = fmt.Fprintf(w, "Wrote %s\n", i.Path)
	return nil
}

// --- Dashboard command ---

// DashboardCmd opens the interactive control panel.
type DashboardCmd struct{}

// teaRunner abstracts Bubble Tea program execution for testing.
type teaRunner interface {
	Run() (tea.Model, error)
}

// Run builds real dependencies and launches the dashboard TUI.
func (d *DashboardCmd) Run() error {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return &setupError{errors.New("dashboard: requires a terminal (TTY)")}
	}
	cfg, err := prepare("dashboard", -1)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return &setupError{fmt.Errorf("dashboard: %w", err)}
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := dashboard.NewModel(a.ctrl,
		dashboard.WithContext(ctx),
		dashboard.WithPreviewSink(a.store),
		dashboard.WithParams(cfg.Capture.Params()),
	)
	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	a.onUpdate = func(u session.Update, path string) {
		prog.Send(dashboard.UpdateMsg{Update: u})
		if path != "" {
			prog.Send(dashboard.ImageSavedMsg{Index: u.Image.Index, Path: path})
		}
	}
	a.log.SetListener(func(e sessionlog.Entry) { prog.Send(dashboard.EntryMsg{Entry: e}) })

	go func() {
		if err := a.ctrl.Startup(ctx); err != nil && ctx.Err() == nil {
			a.diag.Error("startup failed", "err", err)
		}
	}()
	return d.run(true, prog)
}

// run executes the tea program, enabling testable wiring.
func (d *DashboardCmd) run(isTTY bool, prog teaRunner) error {
	if !isTTY {
		return &setupError{errors.New("dashboard: requires a terminal (TTY)")}
	}
	_, err := prog.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// Exit codes.
const (
	exitSuccess = 0
	exitBackend = 1
	exitSetup   = 2
)

// exitCode maps an error to the appropriate exit code.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var se *setupError
	if errors.As(err, &se) {
		return exitSetup
	}
	var te *backend.TransportError
	var ae *backend.AppError
	if errors.As(err, &te) || errors.As(err, &ae) {
		return exitBackend
	}
	for _, target := range []error{
		session.ErrBusy,
		session.ErrNotCapturing,
		session.ErrStartupExhausted,
		session.ErrPollFailures,
		device.ErrNoPortSelected,
		device.ErrUnknownChoice,
	} {
		if errors.Is(err, target) {
			return exitBackend
		}
	}
	return exitSetup
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Description("Terminal client for a remote astrophotography capture backend."),
		kong.Vars{"version": strings.Join([]string{version, commit, date}, " ")},
	)
	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
