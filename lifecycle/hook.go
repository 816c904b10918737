// Package lifecycle ties realtime channels to process and component
// lifetimes: a process-wide shutdown hook that closes every channel once,
// and Mount/Group helpers that pair every Start with exactly one Stop.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Cleaner closes every open channel
type Cleaner interface {
	CleanupAll()
}

// ShutdownHook runs CleanupAll exactly once, on a termination signal or an
// explicit Shutdown call
type ShutdownHook struct {
	cleaner Cleaner
	signals chan os.Signal
	once    sync.Once
	done    chan struct{}
}

var (
	processHookOnce sync.Once
	processHook     *ShutdownHook
)

// RegisterShutdownHook installs the process-wide hook for c on SIGINT and
// SIGTERM. Only the first call installs anything; later calls return the
// hook already registered.
func RegisterShutdownHook(c Cleaner) *ShutdownHook {
	registered := false
	processHookOnce.Do(func() {
		processHook = newShutdownHook(c, syscall.SIGINT, syscall.SIGTERM)
		registered = true
	})
	if !registered {
		log.Debug().Msg("Shutdown hook already registered")
	}
	return processHook
}

func newShutdownHook(c Cleaner, sigs ...os.Signal) *ShutdownHook {
	h := &ShutdownHook{
		cleaner: c,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(h.signals, sigs...)

	go func() {
		defer signal.Stop(h.signals)
		select {
		case sig := <-h.signals:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
			h.Shutdown()
		case <-h.done:
		}
	}()

	return h
}

// Shutdown closes every channel. Only the first call has an effect.
func (h *ShutdownHook) Shutdown() {
	h.once.Do(func() {
		h.cleaner.CleanupAll()
		close(h.done)
		log.Info().Msg("Realtime channels released")
	})
}

// Done is closed once Shutdown has completed
func (h *ShutdownHook) Done() <-chan struct{} {
	return h.done
}
