package library

import (
	"io"
	"log"
)

// Logger writes leveled lines through the standard library logger. A nil
// *Logger discards everything.
type Logger struct {
	logger *log.Logger
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer) *Logger {
	return &Logger{logger: log.New(w, "", log.LstdFlags)}
}

// DiscardLogger returns a logger that drops all output.
func DiscardLogger() *Logger { return NewLogger(io.Discard) }

func (l *Logger) Infof(format string, args ...any) { l.printf("INFO: ", format, args...) }

func (l *Logger) Warnf(format string, args ...any) { l.printf("WARN: ", format, args...) }

func (l *Logger) Errorf(format string, args ...any) { l.printf("ERROR: ", format, args...) }

func (l *Logger) printf(level, format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(level+format, args...)
}
