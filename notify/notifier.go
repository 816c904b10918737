// Package notify provides Hub, an in-process realtime transport. Producers
// call Emit with row changes; the Hub delivers each change to every open
// channel whose table, event type and row filter accept it.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/rowfilter"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const transportName = "memory"

var _ realtime.Transport = (*Hub)(nil)

// channel represents a single open transport channel.
type channel struct {
	id      uint64
	spec    realtime.ChannelSpec
	matcher *rowfilter.Matcher
	deliver func(*realtime.ChangeEvent)

	// deliverMu keeps delivery sequential per channel across concurrent Emit calls
	deliverMu sync.Mutex
	closed    atomic.Bool
}

func (c *channel) Spec() realtime.ChannelSpec {
	return c.spec
}

// Hub implements realtime.Transport.
// Thread-safe; Emit may be called from any goroutine.
type Hub struct {
	channels *xsync.MapOf[uint64, *channel]
	nextID   atomic.Uint64
}

// NewHub creates a new in-process hub.
func NewHub() *Hub {
	return &Hub{
		channels: xsync.NewMapOf[uint64, *channel](),
	}
}

// OpenChannel registers deliver for events matching spec.
// Fails when the row filter does not parse.
func (h *Hub) OpenChannel(spec realtime.ChannelSpec, deliver func(*realtime.ChangeEvent)) (realtime.ChannelHandle, error) {
	matcher, err := rowfilter.NewMatcher(spec)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		id:      h.nextID.Add(1),
		spec:    spec,
		matcher: matcher,
		deliver: deliver,
	}
	h.channels.Store(ch.id, ch)
	return ch, nil
}

// CloseChannel stops delivery on handle. Closing a handle the hub did not
// issue, or closing twice, returns realtime.ErrUnknownChannel.
func (h *Hub) CloseChannel(handle realtime.ChannelHandle) error {
	ch, ok := handle.(*channel)
	if !ok {
		return realtime.ErrUnknownChannel
	}
	if _, loaded := h.channels.LoadAndDelete(ch.id); !loaded {
		return realtime.ErrUnknownChannel
	}
	// No lock here: CloseChannel may run from inside a delivery on this channel
	ch.closed.Store(true)
	return nil
}

// Emit delivers ev synchronously to every matching open channel and returns
// how many channels received it. Emit must not be called from inside a
// delivery on the channel it would deliver to.
func (h *Hub) Emit(ev *realtime.ChangeEvent) int {
	if ev == nil {
		return 0
	}
	schema := ev.Schema
	if schema == "" {
		schema = realtime.DefaultSchema
	}

	var targets []*channel
	h.channels.Range(func(_ uint64, ch *channel) bool {
		if ch.spec.Table == ev.Table && ch.spec.Schema == schema {
			if ch.matcher.Match(ev) {
				targets = append(targets, ch)
			} else {
				telemetry.TransportFilteredTotal.With(transportName).Inc()
			}
		}
		return true
	})

	delivered := 0
	for _, ch := range targets {
		if h.deliverTo(ch, ev) {
			delivered++
		}
	}

	log.Debug().
		Str("table", ev.Table).
		Str("event", string(ev.Type)).
		Int("channels", delivered).
		Msg("Emitted change event")

	return delivered
}

func (h *Hub) deliverTo(ch *channel, ev *realtime.ChangeEvent) bool {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()
	if ch.closed.Load() {
		return false
	}
	ch.deliver(ev)
	return true
}

// OpenChannels returns the number of channels currently open on the hub.
func (h *Hub) OpenChannels() int {
	return h.channels.Size()
}

// Close closes every open channel. Later CloseChannel calls for those
// handles return realtime.ErrUnknownChannel.
func (h *Hub) Close() error {
	h.channels.Range(func(id uint64, ch *channel) bool {
		if _, loaded := h.channels.LoadAndDelete(id); loaded {
			ch.closed.Store(true)
		}
		return true
	})
	return nil
}
