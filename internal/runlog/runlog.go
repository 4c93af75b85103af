// Package runlog wraps the standard logger so every line of a pipeline
// run is both printed and captured for the run's database row, with
// warning and error tallies.
package runlog

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"
)

// Logger tees log output to a writer (normally stderr) and an in-memory
// buffer, counting warnings and errors as they pass through.
type Logger struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	log      *log.Logger
	warnings int64
	errors   int64
}

// New returns a Logger teeing to w. Pass nil for stderr.
func New(w io.Writer) *Logger {
	l := &Logger{}
	if w == nil {
		w = os.Stderr
	}
	l.log = log.New(io.MultiWriter(w, &lockedWriter{l: l}), "", log.LstdFlags)
	return l
}

type lockedWriter struct{ l *Logger }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.buf.Write(p)
}

// Infof logs a line.
func (l *Logger) Infof(format string, args ...any) {
	l.log.Printf(format, args...)
}

// Warnf logs a line and counts a warning.
func (l *Logger) Warnf(format string, args ...any) {
	l.mu.Lock()
	l.warnings++
	l.mu.Unlock()
	l.log.Printf("WARNING: "+format, args...)
}

// Errorf logs a line and counts an error.
func (l *Logger) Errorf(format string, args ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
	l.log.Printf("ERROR: "+format, args...)
}

// Warnings returns the number of Warnf calls so far.
func (l *Logger) Warnings() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warnings
}

// Errors returns the number of Errorf calls so far.
func (l *Logger) Errors() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errors
}

// Captured returns everything logged so far.
func (l *Logger) Captured() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
