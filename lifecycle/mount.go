package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/civicworks/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned by components started twice without a Stop
var ErrAlreadyStarted = errors.New("component already started")

// Component is anything with a start/stop lifetime
type Component interface {
	Start() error
	Stop()
}

// Unmount stops a mounted component. Calling it more than once is a no-op.
type Unmount func()

// Mount starts c and returns the function that stops it exactly once.
// Nothing needs unmounting when Start fails.
func Mount(c Component) (Unmount, error) {
	if err := c.Start(); err != nil {
		return nil, err
	}
	telemetry.MountedComponents.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.Stop()
			telemetry.MountedComponents.Dec()
		})
	}, nil
}

type mounted struct {
	name      string
	component Component
	unmount   Unmount
}

// Group owns a set of mounted components and unmounts them in reverse
// mount order
type Group struct {
	mu         sync.Mutex
	components []mounted
}

// Mount starts c and adds it to the group
func (g *Group) Mount(name string, c Component) error {
	unmount, err := Mount(c)
	if err != nil {
		return fmt.Errorf("mount %s: %w", name, err)
	}

	g.mu.Lock()
	g.components = append(g.components, mounted{name: name, component: c, unmount: unmount})
	g.mu.Unlock()

	log.Debug().Str("component", name).Msg("Mounted")
	return nil
}

// UnmountAll stops every component, most recently mounted first
func (g *Group) UnmountAll() {
	g.mu.Lock()
	components := g.components
	g.components = nil
	g.mu.Unlock()

	for i := len(components) - 1; i >= 0; i-- {
		m := components[i]
		m.unmount()
		log.Debug().Str("component", m.name).Msg("Unmounted")
	}
}

// Remount stops and restarts every component in mount order so each one
// registers again, e.g. after CleanupAll released the channels under it.
// Components that fail to restart are dropped from the group.
func (g *Group) Remount() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	kept := g.components[:0]
	for _, m := range g.components {
		m.unmount()
		unmount, err := Mount(m.component)
		if err != nil {
			errs = append(errs, fmt.Errorf("remount %s: %w", m.name, err))
			continue
		}
		m.unmount = unmount
		kept = append(kept, m)
	}
	g.components = kept

	log.Info().Int("components", len(kept)).Msg("Remounted components")
	return errors.Join(errs...)
}

// Len returns the number of mounted components
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.components)
}
