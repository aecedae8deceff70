package build

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// TestNewSubLoggerDisabledByDefault checks that a package importing this
// package before any binary has wired a backend gets a silently-discarding
// logger rather than a nil pointer.
func TestNewSubLoggerDisabledByDefault(t *testing.T) {
	t.Parallel()

	log := NewSubLogger("TEST", nil)
	require.Equal(t, btclog.Disabled, log)
	// Must not panic even though nothing is wired.
	log.Infof("hello")
}

// TestNewSubLoggerWiresBackend checks that a logger built on a real
// backend over a LogWriter accepts a level and a log call without
// panicking; its output is not inspected.
func TestNewSubLoggerWiresBackend(t *testing.T) {
	t.Parallel()

	lw := &LogWriter{}
	backend := NewBackend(lw)

	log := NewSubLogger("TEST", backend.Logger)
	log.SetLevel(btclog.LevelInfo)
	log.Info("hello from test")
}

// TestLogWriterFansOutToRotator checks that once a rotator is attached via
// InitLogRotator, writes reach the log file in addition to stdout.
func TestLogWriterFansOutToRotator(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "sub", "test.log")

	lw := &LogWriter{}
	require.NoError(t, lw.InitLogRotator(logFile))

	n, err := lw.Write([]byte("line\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// The rotator consumes the pipe asynchronously; give it a moment to
	// flush before reading the file back and closing.
	require.Eventually(t, func() bool {
		got, err := os.ReadFile(logFile)
		return err == nil && len(got) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, lw.Close())

	got, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Equal(t, "line\n", string(got))
}
