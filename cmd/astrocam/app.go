package main

import (
	"fmt"
	"io"

	"github.com/smileynet/astrocam/internal/backend"
	"github.com/smileynet/astrocam/internal/config"
	"github.com/smileynet/astrocam/internal/device"
	"github.com/smileynet/astrocam/internal/imagestore"
	"github.com/smileynet/astrocam/internal/logging"
	"github.com/smileynet/astrocam/internal/session"
	"github.com/smileynet/astrocam/internal/sessionlog"
)

// app holds the wired client stack shared by every backend command.
type app struct {
	cfg   *config.Config
	diag  *logging.Logger
	log   *sessionlog.Log
	dev   *device.Manager
	ctrl  *session.Controller
	store *imagestore.FileStore

	// onUpdate receives every controller update together with the path a
	// capture was written to ("" when nothing was saved). Set it before the
	// controller is driven.
	onUpdate func(u session.Update, path string)
}

// newApp builds the client stack for cfg. console, when non-nil, also
// receives diagnostic records.
func newApp(cfg *config.Config, console io.Writer) (*app, error) {
	diag, err := logging.New(cfg.Log, console)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	logOpts := []sessionlog.Option{sessionlog.WithDiagnostics(diag.Logger)}
	if cfg.Log.SessionFile != "" {
		f, err := sessionlog.OpenFile(cfg.Log.SessionFile)
		if err != nil {
			_ = diag.Close()
			return nil, err
		}
		logOpts = append(logOpts, sessionlog.WithWriter(f))
	}

	a := &app{
		cfg:      cfg,
		diag:     diag,
		log:      sessionlog.New(logOpts...),
		store:    imagestore.NewFileStore(cfg.Images.Dir),
		onUpdate: func(session.Update, string) {},
	}

	client := backend.NewClient(backend.NewTransport(cfg.Backend.URL,
		backend.WithTimeout(cfg.Backend.RequestTimeout),
	))
	a.dev = device.NewManager(client, a.log,
		device.WithEditable(cfg.Camera.Editable),
		device.WithForced(cfg.Camera.Forced),
		device.WithGuiderHost(cfg.Guider.Host),
		device.WithDiagnostics(diag.Logger),
	)
	a.ctrl = session.New(client, a.dev, a.log,
		session.WithCallback(a.handle),
		session.WithDiagnostics(diag.Logger),
		session.WithPollInterval(cfg.Session.PollInterval),
		session.WithMaxPollFailures(cfg.Session.MaxPollFailures),
		session.WithStartupRetry(cfg.Session.StartupRetryInterval, cfg.Session.StartupMaxAttempts),
		session.WithLoadingDelay(cfg.Session.LoadingDelay),
	)
	return a, nil
}

// handle writes capture frames to the image store before forwarding the update.
func (a *app) handle(u session.Update) {
	var path string
	if u.Kind == session.UpdateImage && u.Image != nil && !u.Image.Preview {
		p, err := a.store.SaveCapture(u.Snapshot.SessionID, u.Image.Index, u.Image.Data)
		if err != nil {
			a.log.Addf("Error saving image %d", u.Image.Index)
			a.diag.Error("saving capture failed", "session", u.Snapshot.SessionID, "index", u.Image.Index, "err", err)
		} else {
			path = p
		}
	}
	a.onUpdate(u, path)
}

// Close stops polling and releases log files. A running backend sequence
// keeps going and is resumed by the next startup.
func (a *app) Close() {
	a.ctrl.Close()
	_ = a.log.Close()
	_ = a.diag.Close()
}
