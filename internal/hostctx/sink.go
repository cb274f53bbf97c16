package hostctx

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink receives console output produced by extension code.
type Sink interface {
	Write(level slog.Level, msg string)
}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// WriterSink writes raw lines, which is what an unredirected process console does.
func WriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Write(_ slog.Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, _ = io.WriteString(s.w, msg)
}

type loggerSink struct {
	lg *slog.Logger
}

// LoggerSink routes console output into a structured logger.
func LoggerSink(lg *slog.Logger) Sink {
	return &loggerSink{lg: lg}
}

func (s *loggerSink) Write(level slog.Level, msg string) {
	s.lg.Log(context.Background(), level, msg)
}
