// Package build provides the logging primitives shared by every
// subsystem: a LogWriter that fans out to stdout and an optional rotating
// log file, and a NewSubLogger helper each package uses to create its
// package-level logger. Grounded on lnd's daemon/log.go wiring pattern,
// generalized so it isn't tied to one binary's subsystem list.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

const (
	// maxLogFileSize is the threshold, in kilobytes, at which the active
	// log file is rolled over.
	maxLogFileSize = 10 * 1024

	// maxLogFiles is the number of rolled-over log files kept around.
	maxLogFiles = 3
)

// LogWriter is an io.Writer that logs to both standard output and a
// rotating log file, the second of which is only enabled after
// InitLogRotator has been called. Multiple goroutines may write
// concurrently.
type LogWriter struct {
	mu          sync.Mutex
	rotatorPipe *io.PipeWriter
	rotator     *rotator.Rotator
}

// InitLogRotator opens logFile (creating its directory if necessary) and
// starts a jrick/logrotate rotator over it, rolling the file over once it
// passes maxLogFileSize and keeping maxLogFiles old copies around. Output
// written to w after this call is duplicated to the rotated file in
// addition to stdout.
func (w *LogWriter) InitLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	r, err := rotator.New(logFile, maxLogFileSize, false, maxLogFiles)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	w.mu.Lock()
	w.rotatorPipe = pw
	w.rotator = r
	w.mu.Unlock()

	return nil
}

// Close shuts down the log rotator, if one was started via InitLogRotator.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rotatorPipe != nil {
		w.rotatorPipe.Close()
	}
	if w.rotator != nil {
		return w.rotator.Close()
	}
	return nil
}

// Write implements io.Writer.
func (w *LogWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)

	w.mu.Lock()
	pw := w.rotatorPipe
	w.mu.Unlock()

	if pw != nil {
		pw.Write(p)
	}
	return len(p), nil
}

// NewBackend returns a fresh btclog.Backend writing through w.
func NewBackend(w *LogWriter) *btclog.Backend {
	return btclog.NewBackend(w)
}

// NewSubLogger creates a logger for tag using genLogger, the backend's
// Logger method. If genLogger is nil (no backend wired yet), the returned
// logger discards everything, matching lnd's convention that packages may
// be imported, and their package-level logger referenced, before any
// binary has chosen to wire up real output.
func NewSubLogger(tag string, genLogger func(string) btclog.Logger) btclog.Logger {
	if genLogger == nil {
		return btclog.Disabled
	}
	return genLogger(tag)
}
