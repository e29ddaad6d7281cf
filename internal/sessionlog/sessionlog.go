// Package sessionlog keeps the user-visible session log: timestamped
// messages with bounded history, an optional plain-text file mirror and
// a listener for live displays. Every entry is also written to the
// diagnostic logger.
package sessionlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeLayout renders entry timestamps in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultCapacity is the number of entries retained in memory.
const DefaultCapacity = 500

// Entry is a single session log line.
type Entry struct {
	Time    time.Time
	Message string
}

// String renders the entry as "[timestamp]: message".
func (e Entry) String() string {
	return fmt.Sprintf("[%s]: %s", e.Time.UTC().Format(TimeLayout), e.Message)
}

// Log is a concurrency-safe session log.
type Log struct {
	mu       sync.Mutex
	deliver  sync.Mutex // Held from append to listener return; orders delivery
	entries  []Entry
	capacity int
	now      func() time.Time
	listener func(Entry)
	diag     *slog.Logger
	file     io.WriteCloser
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity bounds the number of retained entries. Values < 1 are ignored.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithListener registers fn to receive every new entry.
// fn may be called from any goroutine but receives entries one at a time,
// in the order they were appended. fn must not add to the log.
func WithListener(fn func(Entry)) Option {
	return func(l *Log) { l.listener = fn }
}

// WithDiagnostics mirrors entries to the diagnostic logger at info level.
func WithDiagnostics(logger *slog.Logger) Option {
	return func(l *Log) { l.diag = logger }
}

// WithWriter mirrors rendered entries to w, one per line.
func WithWriter(w io.WriteCloser) Option {
	return func(l *Log) { l.file = w }
}

// New creates a Log.
func New(opts ...Option) *Log {
	l := &Log{
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenFile opens path for appending, creating parent directories.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sessionlog: creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: opening %s: %w", path, err)
	}
	return f, nil
}

// SetListener replaces the entry listener.
func (l *Log) SetListener(fn func(Entry)) {
	l.mu.Lock()
	l.listener = fn
	l.mu.Unlock()
}

// Add appends a message.
func (l *Log) Add(msg string) {
	l.mu.Lock()
	e := Entry{Time: l.now(), Message: msg}
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	if l.file != nil {
		_, _ = fmt.Fprintln(l.file, e.String())
	}
	listener := l.listener
	l.deliver.Lock()
	l.mu.Unlock()
	defer l.deliver.Unlock()

	if l.diag != nil {
		l.diag.Info(msg, "source", "session")
	}
	if listener != nil {
		listener(e)
	}
}

// Addf appends a formatted message.
func (l *Log) Addf(format string, args ...any) {
	l.Add(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Close closes the file mirror, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
