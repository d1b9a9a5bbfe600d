// Package signals wires process signals to graceful shutdown.
//
// Setup installs a handler for SIGINT and SIGTERM. When one of them is
// received it logs the signal, closes stopCh (if non-nil) and cancels the
// returned context. SIGHUP invokes the optional hangup callback and keeps
// the process running.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers the handlers. It returns a context canceled on SIGINT or
// SIGTERM. onHangup may be nil.
func Setup(stopCh chan struct{}, onHangup func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				log.Info().Str("signal", sig.String()).Msg("signal received")
				if onHangup != nil {
					onHangup()
				}
				continue
			}
			log.Warn().Str("signal", sig.String()).Msg("signal received, shutting down")

			// Close stopCh if provided. Use recover to avoid panic if it's already closed.
			if stopCh != nil {
				func() {
					defer func() { _ = recover() }()
					close(stopCh)
				}()
			}
			signal.Stop(sigCh)
			cancel()
			return
		}
	}()

	return ctx
}
