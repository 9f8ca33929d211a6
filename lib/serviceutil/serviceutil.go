package serviceutil

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Fatal logs the error and exits with status 1.
func Fatal(message string, err error) {
	slog.Error(message, "err", err)
	os.Exit(1)
}

// Interrupts tracks how many interrupts the process has received.
type Interrupts struct {
	count atomic.Int32
}

// Received reports whether at least one interrupt arrived.
func (i *Interrupts) Received() bool {
	return i.count.Load() > 0
}

// SignalContext returns a context that lives until the second Ctrl+C. On
// the first one, soft is called so that work in progress can wind down on
// its own terms. stop releases the signal handler.
func SignalContext(parent context.Context, soft func()) (ctx context.Context, interrupts *Interrupts, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	interrupts = &Interrupts{}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-sigs:
				n := interrupts.count.Add(1)
				if n == 1 && soft != nil {
					slog.Warn("interrupt received, finishing current record (press Ctrl+C again to force)")
					soft()
					continue
				}
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, interrupts, func() {
		signal.Stop(sigs)
		cancel()
	}
}
