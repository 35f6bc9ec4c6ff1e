// Package osutil handles process signals for the agency daemon.
package osutil

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Rustmilian/arangodb-sub000/pkg/xlog"
)

var logger = xlog.NewLogger("osutil", xlog.INFO)

// InterruptHandler is called once on SIGTERM or SIGINT, before the
// process re-raises the signal and dies.
type InterruptHandler func()

var (
	mu                sync.Mutex
	interruptHandlers []InterruptHandler
)

// RegisterInterruptHandler adds a shutdown hook. Hooks run in
// registration order.
func RegisterInterruptHandler(h InterruptHandler) {
	mu.Lock()
	interruptHandlers = append(interruptHandlers, h)
	mu.Unlock()
}

// WaitForInterruptSignals blocks until one of the given signals
// arrives, runs the registered handlers, then re-raises the signal so
// the exit status reflects it.
func WaitForInterruptSignals(sigs ...os.Signal) {
	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, sigs...)

	sig := <-notifier

	mu.Lock()
	handlers := make([]InterruptHandler, len(interruptHandlers))
	copy(handlers, interruptHandlers)
	mu.Unlock()

	logger.Warningf("received %v, shutting down", sig)
	for _, h := range handlers {
		h()
	}
	signal.Stop(notifier)

	pid := syscall.Getpid()
	if pid == 1 {
		os.Exit(0)
	}
	syscall.Kill(pid, sig.(syscall.Signal))
}
