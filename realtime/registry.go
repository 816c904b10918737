package realtime

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

var _ Multiplexer = (*Registry)(nil)

// registration is one Subscribe call. Identity is the pointer, not the callback.
type registration struct {
	id uint64
	cb Callback
}

// channelEntry is the single owner of a transport channel. An entry is
// placed in the map before its channel is open; ready is closed once the
// open attempt finishes, with err set when it failed.
type channelEntry struct {
	key    Key
	spec   ChannelSpec
	handle ChannelHandle
	regs   []*registration

	ready chan struct{}
	err   error
}

// errSwept reports an open that finished after CleanupAll dropped its entry
var errSwept = errors.New("channel swept while opening")

// ChannelInfo is a point-in-time view of one open channel
type ChannelInfo struct {
	Key       Key       `json:"key"`
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`
	Event     EventType `json:"event"`
	Filter    string    `json:"filter,omitempty"`
	Callbacks int       `json:"callbacks"`
}

// Registry de-duplicates transport channels and fans events out to callbacks
type Registry struct {
	transport Transport

	mu       sync.Mutex
	channels map[Key]*channelEntry

	nextID     atomic.Uint64
	generation atomic.Uint64
}

// NewRegistry creates a registry on top of the given transport
func NewRegistry(transport Transport) (*Registry, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	return &Registry{
		transport: transport,
		channels:  make(map[Key]*channelEntry),
	}, nil
}

// Subscribe registers cb for changes on table. A transport channel is opened
// only if no channel exists yet for the derived key; every call adds its own
// registration and returns its own idempotent unsubscribe handle.
func (r *Registry) Subscribe(table string, cb Callback, opts Options) (Unsubscribe, error) {
	opts = opts.WithDefaults()
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := validateIdentifier("schema", opts.Schema); err != nil {
		return nil, err
	}
	if !opts.Event.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, opts.Event)
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	key := DeriveKey(table, opts)
	reg := &registration{id: r.nextID.Add(1), cb: cb}

	shared, err := r.register(key, table, opts, reg)
	if err != nil {
		return nil, err
	}

	telemetry.Registrations.Inc()

	log.Debug().
		Str("key", key.String()).
		Uint64("registration", reg.id).
		Bool("shared", shared).
		Msg("Subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			r.remove(key, reg)
		})
	}, nil
}

// register adds reg to the entry for key, opening the channel when no entry
// exists. The transport is called without r.mu held; concurrent callers for
// the same key wait on the entry being opened and share its outcome.
func (r *Registry) register(key Key, table string, opts Options, reg *registration) (bool, error) {
	for {
		r.mu.Lock()
		entry, exists := r.channels[key]
		if !exists {
			entry = &channelEntry{
				key: key,
				spec: ChannelSpec{
					Key:    key,
					Schema: opts.Schema,
					Table:  table,
					Event:  opts.Event,
					Filter: opts.Filter,
				},
				ready: make(chan struct{}),
			}
			r.channels[key] = entry
			r.mu.Unlock()

			err := r.open(entry, reg)
			if errors.Is(err, errSwept) {
				continue
			}
			return false, err
		}
		r.mu.Unlock()

		<-entry.ready
		if entry.err != nil {
			return true, entry.err
		}

		r.mu.Lock()
		if r.channels[key] != entry {
			// Closed by its last unsubscribe or by CleanupAll after opening
			r.mu.Unlock()
			continue
		}
		entry.regs = append(entry.regs, reg)
		r.mu.Unlock()
		return true, nil
	}
}

// open opens the transport channel for a fresh entry and registers reg on
// success. A failed open removes the entry so no partial state remains.
func (r *Registry) open(entry *channelEntry, reg *registration) error {
	defer close(entry.ready)

	handle, err := r.transport.OpenChannel(entry.spec, func(event *ChangeEvent) {
		r.dispatch(entry, event)
	})

	r.mu.Lock()
	current := r.channels[entry.key] == entry
	if err != nil {
		if current {
			delete(r.channels, entry.key)
		}
		r.mu.Unlock()

		telemetry.ChannelOpensTotal.With("failed").Inc()
		log.Warn().
			Err(err).
			Str("key", entry.key.String()).
			Msg("Failed to open channel")
		entry.err = fmt.Errorf("%w %s: %w", ErrChannelOpen, entry.key, err)
		return entry.err
	}
	if !current {
		r.mu.Unlock()
		if cerr := r.transport.CloseChannel(handle); cerr != nil {
			log.Warn().Err(cerr).Str("key", entry.key.String()).Msg("Failed to close swept channel")
		}
		return errSwept
	}
	entry.handle = handle
	entry.regs = append(entry.regs, reg)
	r.mu.Unlock()

	telemetry.ChannelOpensTotal.With("success").Inc()
	telemetry.OpenChannels.Inc()
	log.Debug().Str("key", entry.key.String()).Msg("Opened channel")

	return nil
}

// remove drops one registration and closes the channel when it was the last one.
// Removing a registration that is no longer held (CleanupAll ran) is a no-op.
func (r *Registry) remove(key Key, reg *registration) {
	r.mu.Lock()
	entry, ok := r.channels[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	idx := slices.Index(entry.regs, reg)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	entry.regs = slices.Delete(entry.regs, idx, idx+1)
	telemetry.Registrations.Dec()

	if len(entry.regs) > 0 {
		r.mu.Unlock()
		return
	}

	delete(r.channels, entry.key)
	r.mu.Unlock()

	r.closeChannel(entry)
}

// dispatch fans one event out to the entry's callbacks in registration order
func (r *Registry) dispatch(entry *channelEntry, event *ChangeEvent) {
	if event == nil {
		return
	}

	r.mu.Lock()
	if current, ok := r.channels[entry.key]; !ok || current != entry {
		r.mu.Unlock()
		return
	}
	regs := slices.Clone(entry.regs)
	r.mu.Unlock()

	telemetry.EventsDispatchedTotal.With(string(event.Type)).Inc()

	start := time.Now()
	for _, reg := range regs {
		r.invoke(entry.key, reg, event)
	}
	telemetry.DispatchSeconds.Observe(time.Since(start).Seconds())
}

// invoke runs one callback, isolating panics from its siblings
func (r *Registry) invoke(key Key, reg *registration, event *ChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.CallbackFailuresTotal.Inc()
			log.Error().
				Str("key", key.String()).
				Uint64("registration", reg.id).
				Str("event", string(event.Type)).
				Interface("panic", rec).
				Msg("Callback failed while handling change event")
		}
	}()

	reg.cb(event)
}

func (r *Registry) closeChannel(entry *channelEntry) {
	telemetry.OpenChannels.Dec()
	telemetry.ChannelClosesTotal.Inc()

	if err := r.transport.CloseChannel(entry.handle); err != nil {
		log.Warn().
			Err(err).
			Str("key", entry.key.String()).
			Msg("Failed to close channel")
		return
	}
	log.Debug().Str("key", entry.key.String()).Msg("Closed channel")
}

// SubscriptionCount returns the number of open transport channels.
// Channels still being opened are not counted.
func (r *Registry) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, entry := range r.channels {
		if entry.handle != nil {
			n++
		}
	}
	return n
}

// Channels returns a snapshot of the open channels sorted by key
func (r *Registry) Channels() []ChannelInfo {
	r.mu.Lock()
	infos := make([]ChannelInfo, 0, len(r.channels))
	for _, entry := range r.channels {
		if entry.handle == nil {
			continue
		}
		infos = append(infos, ChannelInfo{
			Key:       entry.key,
			Schema:    entry.spec.Schema,
			Table:     entry.spec.Table,
			Event:     entry.spec.Event,
			Filter:    entry.spec.Filter,
			Callbacks: len(entry.regs),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Generation counts CleanupAll calls. Registrations made under an older
// generation have been released.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// CleanupAll closes every channel and clears all registrations.
// Safe to call repeatedly; handles issued earlier become no-ops.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	entries := make([]*channelEntry, 0, len(r.channels))
	registrations := 0
	for _, entry := range r.channels {
		entries = append(entries, entry)
		registrations += len(entry.regs)
	}
	r.channels = make(map[Key]*channelEntry)
	r.generation.Add(1)
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	closed := 0
	for _, entry := range entries {
		// Entries still opening close their own handle once the open returns
		if entry.handle == nil {
			continue
		}
		r.closeChannel(entry)
		closed++
	}
	telemetry.Registrations.Sub(float64(registrations))

	log.Info().
		Int("channels", closed).
		Int("registrations", registrations).
		Msg("Closed all realtime channels")
}
