// Package feed is the per-consumer entry point over a realtime.Multiplexer.
//
// A Feed is owned by one consumer and re-invoked with its current
// parameters; it keeps at most one live registration, tracks the last
// event it saw, routes events to per-type handlers and invalidates cache
// keys after each event.
package feed

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrClosed is reported by a Feed used after Close
var ErrClosed = errors.New("feed is closed")

// Handler receives one change event
type Handler func(*realtime.ChangeEvent)

// Invalidator marks cache keys stale
type Invalidator interface {
	Invalidate(keys ...string)
}

// Options configures Use.
//
// The zero value subscribes to every event on the "public" schema.
type Options struct {
	// Disabled releases any live registration and suppresses subscribing
	Disabled bool

	Schema string
	Event  realtime.EventType
	Filter string

	OnInsert Handler
	OnUpdate Handler
	OnDelete Handler

	// Invalidates lists cache keys invalidated after every event
	Invalidates []string
}

// State is the consumer-visible result of Use
type State struct {
	// LastEvent is the most recent event delivered to this feed, shared
	// with every other callback that received it
	LastEvent *realtime.ChangeEvent
	IsEnabled bool
	// Err is set when the subscription could not be established; the feed
	// stays enabled but receives no events
	Err error
}

// subscription is one registration made by a Feed
type subscription struct {
	key        realtime.Key
	handlers   handlerSet
	generation uint64
	unsub    realtime.Unsubscribe
	err      error
	active   atomic.Bool
}

// Feed is a single consumer's view of the change stream.
// Safe for concurrent use; events may arrive on transport goroutines.
type Feed struct {
	mux         realtime.Multiplexer
	invalidator Invalidator

	mu     sync.Mutex
	sub    *subscription
	closed bool

	lastEvent   atomic.Pointer[realtime.ChangeEvent]
	invalidates atomic.Pointer[[]string]
}

// New creates a feed over mux. inv may be nil.
func New(mux realtime.Multiplexer, inv Invalidator) *Feed {
	return &Feed{mux: mux, invalidator: inv}
}

// Use brings the feed in line with table and opts and returns its state.
//
// A new registration replaces the previous one whenever the subscription
// key, the enabled flag or the identity of any handler changes; the old
// registration is released before the new one is made. Calling Use again
// with unchanged parameters keeps the existing registration, unless a
// CleanupAll on the multiplexer released it since.
func (f *Feed) Use(table string, opts Options) State {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return State{LastEvent: f.lastEvent.Load(), Err: ErrClosed}
	}

	invalidates := slices.Clone(opts.Invalidates)
	f.invalidates.Store(&invalidates)

	if opts.Disabled {
		f.releaseLocked()
		return State{LastEvent: f.lastEvent.Load()}
	}

	subOpts := realtime.Options{Schema: opts.Schema, Event: opts.Event, Filter: opts.Filter}
	key := realtime.DeriveKey(table, subOpts)
	handlers := handlerIDs(opts)

	generation := f.mux.Generation()
	if f.sub != nil && f.sub.key == key && f.sub.handlers == handlers {
		if f.sub.err != nil || f.sub.generation == generation {
			return f.stateLocked()
		}
		log.Debug().Str("key", key.String()).Msg("Feed registration was cleaned up, resubscribing")
	} else if f.sub != nil {
		log.Debug().
			Str("from", f.sub.key.String()).
			Str("to", key.String()).
			Msg("Feed parameters changed, resubscribing")
	}

	if f.sub != nil {
		telemetry.FeedResubscribesTotal.Inc()
		f.releaseLocked()
	}

	// Read before subscribing so a concurrent cleanup is noticed next time
	sub := &subscription{key: key, handlers: handlers, generation: generation}
	onInsert, onUpdate, onDelete := opts.OnInsert, opts.OnUpdate, opts.OnDelete

	unsub, err := f.mux.Subscribe(table, func(ev *realtime.ChangeEvent) {
		if !sub.active.Load() {
			return
		}
		f.handle(ev, onInsert, onUpdate, onDelete)
	}, subOpts)
	if err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("Feed subscription failed")
		sub.err = err
	} else {
		sub.unsub = unsub
		sub.active.Store(true)
	}
	f.sub = sub

	return f.stateLocked()
}

func (f *Feed) handle(ev *realtime.ChangeEvent, onInsert, onUpdate, onDelete Handler) {
	f.lastEvent.Store(ev)

	var h Handler
	switch ev.Type {
	case realtime.EventInsert:
		h = onInsert
	case realtime.EventUpdate:
		h = onUpdate
	case realtime.EventDelete:
		h = onDelete
	}
	if h != nil {
		h(ev)
	}

	if f.invalidator == nil {
		return
	}
	if keys := f.invalidates.Load(); keys != nil && len(*keys) > 0 {
		f.invalidator.Invalidate(*keys...)
		telemetry.InvalidationsTotal.Add(float64(len(*keys)))
	}
}

// releaseLocked drops the live registration. Caller holds f.mu.
func (f *Feed) releaseLocked() {
	if f.sub == nil {
		return
	}
	sub := f.sub
	f.sub = nil

	sub.active.Store(false)
	if sub.unsub != nil {
		sub.unsub()
	}
}

func (f *Feed) stateLocked() State {
	s := State{
		LastEvent: f.lastEvent.Load(),
		IsEnabled: f.sub != nil,
	}
	if f.sub != nil {
		s.Err = f.sub.err
	}
	return s
}

// State returns the current state without changing the subscription
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return State{LastEvent: f.lastEvent.Load(), Err: ErrClosed}
	}
	return f.stateLocked()
}

// LastEvent returns the most recent event delivered to this feed
func (f *Feed) LastEvent() *realtime.ChangeEvent {
	return f.lastEvent.Load()
}

// Close releases the registration. Later Use calls return ErrClosed.
// Safe to call more than once.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.releaseLocked()
}
