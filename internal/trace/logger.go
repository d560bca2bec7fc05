package trace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Logger receives trace events. Implementations must be safe for concurrent
// use and should not block.
type Logger interface {
	Log(e Event)
}

type NoopLogger struct{}

func (NoopLogger) Log(Event) {}

// FileLogger appends CBOR events to a file.
type FileLogger struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{f: f}, nil
}

// Log writes e. Encoding errors are dropped; tracing never fails the bus.
func (l *FileLogger) Log(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	b, err := EncodeEvent(e)
	if err != nil {
		return
	}
	_, _ = l.f.Write(b)
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// SlogAdapter prints events at debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(e Event) {
	attrs := []slog.Attr{
		slog.String("session", e.SessionID),
		slog.Uint64("seq", e.Seq),
		slog.String("kind", e.Kind.String()),
	}
	switch {
	case e.Exchange != nil:
		x := e.Exchange
		attrs = append(attrs,
			slog.String("op", x.Opcode.String()),
			slog.String("tx", fmt.Sprintf("% X", x.TX)),
			slog.String("rx", fmt.Sprintf("% X", x.RX)),
			slog.Duration("took", x.Duration),
		)
		if x.Err != "" {
			attrs = append(attrs, slog.String("err", x.Err))
		}
	case e.Note != nil:
		attrs = append(attrs, slog.String("note", e.Note.Text))
	}
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "bus", attrs...)
}

// MultiLogger fans events out to several loggers.
type MultiLogger []Logger

func (m MultiLogger) Log(e Event) {
	for _, l := range m {
		if l != nil {
			l.Log(e)
		}
	}
}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = MultiLogger(nil)
)
