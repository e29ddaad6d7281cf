package session

import (
	"context"
	"fmt"
	"time"

	"github.com/smileynet/astrocam/internal/backend"
)

// Startup reconciles local state with the backend. A locked backend or a
// failed status request is retried after the startup interval until the
// attempt cap (if any) is reached. On success the camera list, camera
// configuration and guider state are adopted, and an ongoing capture is
// resumed by polling without sending a new start request.
//
// The loading overlay is dismissed once, a fixed delay after the first
// attempt resolves, whatever its outcome.
func (c *Controller) Startup(ctx context.Context) error {
	c.log.Add("Initializing")
	for attempt := 1; ; attempt++ {
		st, err := c.backend.Status(ctx)
		c.scheduleLoaded()

		switch {
		case err != nil:
			c.log.Add("Error getting initial status. Retrying.")
			c.diag.Warn("initial status failed", "attempt", attempt, "err", err)
		case st.Locked:
			c.log.Add("Application is busy. Retrying.")
			c.diag.Info("backend locked", "attempt", attempt)
		default:
			c.restore(ctx, st)
			return nil
		}

		if c.startupAttempts > 0 && attempt >= c.startupAttempts {
			if err != nil {
				return fmt.Errorf("%w after %d attempts: %w", ErrStartupExhausted, attempt, err)
			}
			return fmt.Errorf("%w after %d attempts: backend locked", ErrStartupExhausted, attempt)
		}

		timer := time.NewTimer(c.startupInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// restore adopts a normal startup status.
func (c *Controller) restore(ctx context.Context, st backend.AppStatus) {
	c.dev.Restore(st)
	if st.CameraConfig != nil {
		c.log.Add("Camera already connected")
	}
	if st.GuiderConnected {
		c.log.Add("Guider already connected")
	}
	c.emit(Update{Kind: UpdateState})

	if !st.Capturing {
		return
	}
	c.log.Add("Retaking ongoing capture process")
	c.mu.Lock()
	c.lastSeen = 0
	c.mu.Unlock()
	c.install(ctx, newSession(c.newID(), nil), StateCapturing)
}

// scheduleLoaded arms the one-shot overlay dismissal.
func (c *Controller) scheduleLoaded() {
	c.loadOnce.Do(func() {
		time.AfterFunc(c.loadingDelay, func() {
			c.mu.Lock()
			c.loading = false
			c.mu.Unlock()
			c.log.Add("Initialization done")
			c.emit(Update{Kind: UpdateLoaded})
		})
	})
}
