// Package signal provides the single process-wide shutdown flag every
// long-running loop (watchtower, recovery coordinator, maker listener,
// Taker state machine) observes. Per the "global mutable state" design
// note: the flag is an atomic, initialisation happens once per process via
// Intercept, and teardown is cooperative — each loop is expected to drain
// to a safe point before returning once it observes the flag.
package signal

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	once sync.Once

	shuttingDown int32

	shutdownChannel = make(chan struct{})
)

// Interceptor is the handle returned by Intercept. It exposes the shutdown
// channel and a way to request shutdown programmatically (e.g. from an RPC
// call), in addition to the OS signal handling wired up by Intercept.
type Interceptor struct {
	// ShutdownChannel is closed exactly once, the first time a shutdown
	// is requested by either an intercepted OS signal or RequestShutdown.
	ShutdownChannel <-chan struct{}
}

// Intercept installs a SIGINT/SIGTERM handler and returns an Interceptor.
// It is safe to call more than once; only the first call installs the
// handler, and every caller receives the same Interceptor.
func Intercept() Interceptor {
	once.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-sigCh
			requestShutdown()
		}()
	})

	return Interceptor{ShutdownChannel: shutdownChannel}
}

// RequestShutdown programmatically requests shutdown, as if an intercepted
// signal had arrived. Safe to call multiple times and from any goroutine.
func (Interceptor) RequestShutdown() {
	requestShutdown()
}

// Alive reports whether shutdown has not yet been requested. Long-running
// loops should check this (or select on ShutdownChannel) at each safe
// drain point.
func (Interceptor) Alive() bool {
	return atomic.LoadInt32(&shuttingDown) == 0
}

func requestShutdown() {
	if atomic.CompareAndSwapInt32(&shuttingDown, 0, 1) {
		close(shutdownChannel)
	}
}
