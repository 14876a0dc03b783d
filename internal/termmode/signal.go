package termmode

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// DefaultSignals are the termination signals a process with a raw terminal
// can still receive. SIGINT arrives only from outside, since raw mode turns
// Ctrl-C into a plain byte.
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// NotifyOnSignals restores every guarded terminal as soon as one of sigs is
// delivered, then hands the signal to onSignal (typically a function that
// stops sessions and exits). The returned function uninstalls the handler.
func NotifyOnSignals(ctx context.Context, log *zap.Logger, onSignal func(os.Signal), sigs ...os.Signal) func() {
	if log == nil {
		log = zap.NewNop()
	}
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case sig := <-ch:
			log.Warn("termination signal received, restoring terminal", zap.String("signal", sig.String()))
			if err := RestoreAll(); err != nil {
				log.Warn("terminal restoration incomplete", zap.Error(err))
			}
			if onSignal != nil {
				onSignal(sig)
			}
		case <-ctx.Done():
		}
	}()

	return func() {
		signal.Stop(ch)
		cancel()
	}
}
