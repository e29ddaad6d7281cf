package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smileynet/astrocam/internal/backend"
)

// Session is the client-held state of one capture run. It is created when
// a start request succeeds (or a running sequence is resumed at startup)
// and destroyed when a terminal status is observed or a stop succeeds.
type Session struct {
	ID      string
	Params  *backend.CaptureParams // Nil when resumed without known parameters
	Started time.Time

	mark     watermark // Guarded by Controller.mu
	failures int       // Poller goroutine only

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func newSession(id string, params *backend.CaptureParams) *Session {
	return &Session{
		ID:      id,
		Params:  params,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
}

func newSessionID() string {
	return uuid.NewString()
}

// finish cancels the poller and releases waiters. Safe to call more than once.
func (s *Session) finish(cause error) {
	s.once.Do(func() {
		s.err = cause
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}

// watermark is the highest capture index whose image has been fetched.
type watermark struct {
	seen int
}

// advance moves the watermark to idx and reports whether idx is new.
// It never moves backwards.
func (w *watermark) advance(idx int) bool {
	if idx <= w.seen {
		return false
	}
	w.seen = idx
	return true
}

// poll runs the status loop for s until the session ends or ctx is cancelled.
// Ticks are serialized: the next tick cannot start until the previous one
// has been reconciled.
func (c *Controller) poll(ctx context.Context, s *Session) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tick(ctx, s) {
				return
			}
		}
	}
}

// tick performs one status poll and reports whether polling should continue.
// Results that arrive after s stopped being the live session are discarded.
func (c *Controller) tick(ctx context.Context, s *Session) bool {
	st, err := c.backend.CaptureStatus(ctx)
	if ctx.Err() != nil {
		return false
	}
	if !c.current(s) {
		c.diag.Debug("discarding stale capture status", "session", s.ID)
		return false
	}
	if err != nil {
		s.failures++
		c.log.Add("Error getting capture status: " + backend.Message(err))
		c.diag.Warn("capture status poll failed", "session", s.ID, "failures", s.failures, "err", err)
		if c.maxPollFailures > 0 && s.failures >= c.maxPollFailures {
			c.end(s, fmt.Errorf("%w: %d", ErrPollFailures, s.failures))
			return false
		}
		return true
	}
	s.failures = 0

	if st.CurrentStatus.Active() {
		c.observe(s, observed(st.CurrentStatus))
		c.reconcile(ctx, s, st)
		return true
	}

	c.reconcile(ctx, s, st)
	if c.end(s, nil) {
		c.log.Add("Capture process has finished")
	}
	return false
}

// observe adopts a backend-reported active state unless a stop is in flight.
func (c *Controller) observe(s *Session, next State) {
	c.mu.Lock()
	if c.session != s || c.state == StateStopping || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateState})
}

// reconcile applies a capture status to the displayed counter, fetches the
// image for a newly completed capture and reports dither telemetry.
func (c *Controller) reconcile(ctx context.Context, s *Session, st backend.CaptureStatus) {
	captures := 0
	switch {
	case st.CaptureParms != nil:
		captures = st.CaptureParms.Captures
	case s.Params != nil:
		captures = s.Params.Captures
	}
	c.setCounter(counterText(st.CurrentCapture, captures))

	c.mu.Lock()
	fresh := c.session == s && s.mark.advance(st.LastCapture)
	c.mu.Unlock()
	if fresh {
		c.fetchImage(ctx, s, st.LastCapture, captures)
	}

	if ds := st.DitherStatus; ds != nil {
		c.log.Add(fmt.Sprintf("Dithering: Dist: %v, Pixels: %v, Time: %v, Settle time: %v",
			ds.Dist, ds.Px, ds.Time, ds.SettleTime))
		c.emit(Update{Kind: UpdateDither, Dither: ds})
	}
}

// fetchImage loads the image for idx exactly once. A nil payload means the
// image has not materialized yet and is not an error.
func (c *Controller) fetchImage(ctx context.Context, s *Session, idx, captures int) {
	label := counterText(idx, captures)
	c.log.Add("Loading image " + label)
	data, err := c.backend.LastImage(ctx)
	if err != nil {
		if ctx.Err() != nil || !c.current(s) {
			return
		}
		c.log.Add("Error loading image " + label)
		c.diag.Warn("last image fetch failed", "session", s.ID, "index", idx, "err", err)
		return
	}
	if data == nil || !c.current(s) {
		return
	}
	c.log.Add("Loaded image " + label + " successfully")
	c.emit(Update{Kind: UpdateImage, Image: &Image{Index: idx, Data: data}})
}
