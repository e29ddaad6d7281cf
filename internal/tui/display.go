package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// DisplayEvent is an event sent to a Display via the update channel.
type DisplayEvent interface {
	isDisplayEvent()
}

var (
	_ DisplayEvent = EntryMsg{}
	_ DisplayEvent = ProgressMsg{}
	_ DisplayEvent = ImageMsg{}
	_ DisplayEvent = DoneMsg{}
	_ DisplayEvent = ErrorMsg{}
)

// Display renders a capture run.
type Display interface {
	Run(ctx context.Context, events <-chan DisplayEvent) error
}

// DisplayOptions configures display creation.
type DisplayOptions struct {
	Writer     io.Writer          // Output destination (default: os.Stdout).
	ForcePlain bool               // Force plain text even if TTY.
	Title      string             // Heading shown by the TUI.
	CancelFunc context.CancelFunc // Called by TUI on stop keypress (ignored by PlainDisplay).
}

// NewDisplay returns a TUI display when the writer is a TTY, or a plain text
// display otherwise. ForcePlain overrides TTY detection.
func NewDisplay(opts DisplayOptions) Display {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	if opts.ForcePlain || !isTTY(opts.Writer) {
		return &PlainDisplay{w: opts.Writer}
	}

	return &TUIDisplay{title: opts.Title, w: opts.Writer, cancelFunc: opts.CancelFunc}
}

// isTTY reports whether w is connected to a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Bridge manages the channel between the session callbacks and a Display.
// Events sent after Done, Error or Abandon are dropped.
type Bridge struct {
	mu      sync.Mutex
	ch      chan DisplayEvent
	closed  bool
	gone    chan struct{}
	goneOne sync.Once
}

// NewBridge creates a Bridge with a buffered event channel.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan DisplayEvent, 64), gone: make(chan struct{})}
}

// Abandon releases blocked senders once the display stopped consuming.
func (b *Bridge) Abandon() {
	b.goneOne.Do(func() { close(b.gone) })
}

// Events returns the read-only channel for Display.Run() to consume.
func (b *Bridge) Events() <-chan DisplayEvent {
	return b.ch
}

// Send delivers ev to the display. It blocks while the buffer is full
// unless the bridge was abandoned.
func (b *Bridge) Send(ev DisplayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	case <-b.gone:
	}
}

// Done signals successful completion and closes the channel.
func (b *Bridge) Done() {
	b.finish(DoneMsg{})
}

// Error signals failure and closes the channel.
func (b *Bridge) Error(err error) {
	b.finish(ErrorMsg{Err: err})
}

func (b *Bridge) finish(ev DisplayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	case <-b.gone:
	}
	b.closed = true
	close(b.ch)
}

// PlainDisplay renders session log entries as text lines.
type PlainDisplay struct {
	w io.Writer
}

// Run loops over events, printing log entries and saved images.
// Returns the run error if it failed, or context error if cancelled.
func (d *PlainDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch msg := ev.(type) {
			case EntryMsg:
				_, _ = fmt.Fprintln(d.w, msg.Entry.String())
			case ImageMsg:
				_, _ = fmt.Fprintf(d.w, "         image %d: %s\n", msg.Index, msg.Path)
			case ProgressMsg:
				// Progress is already narrated by the session log.
			case DoneMsg:
				return nil
			case ErrorMsg:
				return msg.Err
			}
		}
	}
}

// TUIDisplay renders a capture run using a Bubble Tea terminal UI.
// Falls back to PlainDisplay if the TUI program fails to start.
type TUIDisplay struct {
	title      string
	w          io.Writer
	cancelFunc context.CancelFunc
}

// Run starts the Bubble Tea program and feeds events from the channel.
func (d *TUIDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	var opts []ModelOption
	if d.cancelFunc != nil {
		opts = append(opts, WithCancelFunc(d.cancelFunc))
	}
	model := NewModel(d.title, opts...)
	p := tea.NewProgram(model, tea.WithOutput(d.w), tea.WithContext(ctx))

	// Forward events through an intermediate channel so we can stop
	// the goroutine cleanly on TUI failure before falling back.
	fwd := make(chan DisplayEvent, 16)
	stop := make(chan struct{})

	go func() {
		defer close(fwd)
		for ev := range events {
			select {
			case fwd <- ev:
			case <-stop:
				return
			}
		}
	}()

	go func() {
		for ev := range fwd {
			p.Send(ev)
		}
	}()

	final, err := p.Run()
	if err != nil {
		close(stop)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		plain := &PlainDisplay{w: d.w}
		return plain.Run(ctx, events)
	}
	if m, ok := final.(Model); ok {
		return m.err
	}
	return nil
}
