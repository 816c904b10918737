// Package natsbus is a realtime transport over NATS core subjects.
//
// Producers publish one message per row change on
//
//	<prefix>.<schema>.<table>.<insert|update|delete>
//
// with the encoded ChangeEvent as payload and optional Content-Type and
// Content-Encoding headers. Each channel is one NATS subscription; channels
// for every event type subscribe with a trailing wildcard. Row filters are
// evaluated client-side.
package natsbus

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/rowfilter"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/civicworks/changefeed/transport"
	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const transportName = "nats"

func init() {
	transport.Register(cfg.TransportNATS, func(config cfg.TransportConfiguration) (transport.Transport, error) {
		return Connect(config.NATS)
	})
}

// Subject returns the subject events of the given type are published on.
// EventAll yields the wildcard subject used by subscriptions.
func Subject(prefix, schema, table string, event realtime.EventType) string {
	token := "*"
	if event != realtime.EventAll && event != "" {
		token = strings.ToLower(string(event))
	}
	if prefix == "" {
		return schema + "." + table + "." + token
	}
	return prefix + "." + schema + "." + table + "." + token
}

type channel struct {
	id      uint64
	spec    realtime.ChannelSpec
	sub     *nats.Subscription
	matcher *rowfilter.Matcher
}

func (c *channel) Spec() realtime.ChannelSpec {
	return c.spec
}

// Transport implements realtime.Transport on a NATS connection
type Transport struct {
	nc       *nats.Conn
	owned    bool
	prefix   string
	channels *xsync.MapOf[uint64, *channel]
	nextID   atomic.Uint64
}

// Connect dials NATS and returns a transport that owns the connection
func Connect(config cfg.NATSConfiguration) (*Transport, error) {
	wait := time.Duration(config.ReconnectWaitMS) * time.Millisecond
	if wait <= 0 {
		wait = time.Second
	}

	nc, err := nats.Connect(config.URL,
		nats.Name("changefeed"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t := New(nc, config.SubjectPrefix)
	t.owned = true
	return t, nil
}

// New wraps an existing connection. Close does not close nc.
func New(nc *nats.Conn, prefix string) *Transport {
	return &Transport{
		nc:       nc,
		prefix:   prefix,
		channels: xsync.NewMapOf[uint64, *channel](),
	}
}

// OpenChannel subscribes to the subject for spec
func (t *Transport) OpenChannel(spec realtime.ChannelSpec, deliver func(*realtime.ChangeEvent)) (realtime.ChannelHandle, error) {
	matcher, err := rowfilter.NewMatcher(spec)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		id:      t.nextID.Add(1),
		spec:    spec,
		matcher: matcher,
	}
	subject := Subject(t.prefix, spec.Schema, spec.Table, spec.Event)

	// Async handlers run sequentially per subscription
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := encoding.DecodeEvent(msg.Data,
			msg.Header.Get(encoding.HeaderContentType),
			msg.Header.Get(encoding.HeaderContentEncoding))
		if err != nil {
			telemetry.TransportDecodeFailuresTotal.With(transportName).Inc()
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable change event")
			return
		}
		if !ch.matcher.Match(ev) {
			telemetry.TransportFilteredTotal.With(transportName).Inc()
			return
		}
		deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	// Make sure the server knows about the interest before returning
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	ch.sub = sub
	t.channels.Store(ch.id, ch)

	log.Debug().Str("subject", subject).Str("key", spec.Key.String()).Msg("NATS channel opened")
	return ch, nil
}

// CloseChannel unsubscribes the channel's subject
func (t *Transport) CloseChannel(handle realtime.ChannelHandle) error {
	ch, ok := handle.(*channel)
	if !ok {
		return realtime.ErrUnknownChannel
	}
	if _, loaded := t.channels.LoadAndDelete(ch.id); !loaded {
		return realtime.ErrUnknownChannel
	}
	if err := ch.sub.Unsubscribe(); err != nil && t.nc.IsConnected() {
		return fmt.Errorf("unsubscribe %s: %w", ch.sub.Subject, err)
	}
	return nil
}

// OpenChannels returns the number of live subscriptions
func (t *Transport) OpenChannels() int {
	return t.channels.Size()
}

// Close unsubscribes every channel and closes the connection if owned
func (t *Transport) Close() error {
	t.channels.Range(func(id uint64, ch *channel) bool {
		if _, loaded := t.channels.LoadAndDelete(id); loaded {
			_ = ch.sub.Unsubscribe()
		}
		return true
	})
	if t.owned {
		t.nc.Close()
	}
	return nil
}
