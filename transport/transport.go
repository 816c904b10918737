// Package transport builds the push transport selected by configuration.
// Implementations register a Factory from their package init; the daemon
// imports them for side effects.
package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/notify"
	"github.com/civicworks/changefeed/realtime"
)

// Transport is a realtime.Transport owning a connection that must be released
type Transport interface {
	realtime.Transport
	Close() error
}

// Factory creates a transport from configuration
type Factory func(config cfg.TransportConfiguration) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[cfg.TransportKind]Factory)
)

func init() {
	Register(cfg.TransportMemory, func(cfg.TransportConfiguration) (Transport, error) {
		return notify.NewHub(), nil
	})
}

// Register makes a transport available under kind. A later registration
// for the same kind replaces the earlier one.
func Register(kind cfg.TransportKind, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = factory
}

// New creates the transport selected by config.Kind
func New(config cfg.TransportConfiguration) (Transport, error) {
	factoriesMu.RLock()
	factory, ok := factories[config.Kind]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport kind %q (registered: %v)", config.Kind, Kinds())
	}
	return factory(config)
}

// Kinds lists the registered transport kinds in sorted order
func Kinds() []cfg.TransportKind {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]cfg.TransportKind, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
