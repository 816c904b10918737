// Package pgnotify is a realtime transport built on Postgres LISTEN/NOTIFY.
//
// A row trigger (see InstallTrigger) sends every change on a table as a JSON
// ChangeEvent to the notification channel ChannelName(prefix, schema, table).
// All realtime channels on one table share a single LISTEN; event type and
// row filter are applied client-side. Postgres limits NOTIFY payloads to
// 8000 bytes, so very wide rows are not delivered.
package pgnotify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/rowfilter"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/civicworks/changefeed/transport"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	transportName = "postgres"

	// maxIdentifierLength is NAMEDATALEN-1
	maxIdentifierLength = 63

	defaultQueueSize = 1024
)

func init() {
	transport.Register(cfg.TransportPostgres, func(config cfg.TransportConfiguration) (transport.Transport, error) {
		return Connect(config.Postgres)
	})
}

// ChannelName returns the NOTIFY channel for schema.table. Names longer than
// a Postgres identifier are replaced by a hash.
func ChannelName(prefix, schema, table string) string {
	name := strings.ToLower(prefix + "_" + schema + "_" + table)
	if len(name) <= maxIdentifierLength {
		return name
	}
	return strings.ToLower(prefix) + "_" + strconv.FormatUint(xxhash.Sum64String(schema+"."+table), 16)
}

// listener is the subset of *pq.Listener the transport uses
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type channel struct {
	spec    realtime.ChannelSpec
	pgName  string
	matcher *rowfilter.Matcher
	deliver func(*realtime.ChangeEvent)
}

func (c *channel) Spec() realtime.ChannelSpec {
	return c.spec
}

// Transport implements realtime.Transport over one Postgres listener
type Transport struct {
	listener      listener
	prefix        string
	db            *sql.DB
	triggersMu    sync.Mutex
	installed     map[string]bool
	installOnOpen bool

	mu     sync.Mutex
	routes map[string][]*channel

	queue    chan *pq.Notification
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Connect opens a pq.Listener on config.DSN. When InstallTriggers is set it
// also opens a database handle used to install notify triggers on demand.
func Connect(config cfg.PostgresConfiguration) (*Transport, error) {
	minReconnect := time.Duration(config.MinReconnectMS) * time.Millisecond
	maxReconnect := time.Duration(config.MaxReconnectMS) * time.Millisecond

	l := pq.NewListener(config.DSN, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info().Msg("Postgres listener connected")
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("Postgres listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("Postgres listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn().Err(err).Msg("Postgres listener connection attempt failed")
		}
	})

	var db *sql.DB
	if config.InstallTriggers {
		var err error
		db, err = sql.Open("postgres", config.DSN)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	}

	t := newTransport(l, config.ChannelPrefix, db, defaultQueueSize)
	t.installOnOpen = config.InstallTriggers
	if config.PingIntervalSeconds > 0 {
		t.startPinger(time.Duration(config.PingIntervalSeconds) * time.Second)
	}
	return t, nil
}

func newTransport(l listener, prefix string, db *sql.DB, queueSize int) *Transport {
	t := &Transport{
		listener:  l,
		prefix:    prefix,
		db:        db,
		installed: make(map[string]bool),
		routes:    make(map[string][]*channel),
		queue:     make(chan *pq.Notification, queueSize),
		stop:      make(chan struct{}),
	}

	// The pump never blocks on dispatch, so Listen and Unlisten stay safe to
	// call from inside a delivery.
	t.wg.Add(2)
	go t.pump()
	go t.dispatchLoop()
	return t
}

func (t *Transport) pump() {
	defer t.wg.Done()
	notifications := t.listener.NotificationChannel()
	for {
		select {
		case <-t.stop:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect; notifications may have been missed
				log.Info().Msg("Postgres listener resumed, events during the outage were not delivered")
				continue
			}
			select {
			case t.queue <- n:
			default:
				log.Warn().Str("channel", n.Channel).Msg("Notification queue full, dropping change event")
			}
		}
	}
}

func (t *Transport) dispatchLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case n := <-t.queue:
			t.dispatch(n)
		}
	}
}

func (t *Transport) dispatch(n *pq.Notification) {
	ev, err := encoding.DecodeEvent([]byte(n.Extra), encoding.ContentTypeJSON, "")
	if err != nil {
		telemetry.TransportDecodeFailuresTotal.With(transportName).Inc()
		log.Warn().Err(err).Str("channel", n.Channel).Msg("Dropping undecodable change event")
		return
	}

	t.mu.Lock()
	targets := append([]*channel(nil), t.routes[n.Channel]...)
	t.mu.Unlock()

	for _, ch := range targets {
		if !ch.matcher.Match(ev) {
			telemetry.TransportFilteredTotal.With(transportName).Inc()
			continue
		}
		if !t.isRouted(ch) {
			continue
		}
		ch.deliver(ev)
	}
}

func (t *Transport) isRouted(ch *channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.routes[ch.pgName] {
		if c == ch {
			return true
		}
	}
	return false
}

// OpenChannel routes notifications for spec's table to deliver, issuing
// LISTEN for the first channel on that table.
func (t *Transport) OpenChannel(spec realtime.ChannelSpec, deliver func(*realtime.ChangeEvent)) (realtime.ChannelHandle, error) {
	matcher, err := rowfilter.NewMatcher(spec)
	if err != nil {
		return nil, err
	}

	ch := &channel{
		spec:    spec,
		pgName:  ChannelName(t.prefix, spec.Schema, spec.Table),
		matcher: matcher,
		deliver: deliver,
	}

	if t.installOnOpen {
		if err := t.ensureTrigger(spec.Schema, spec.Table); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.routes[ch.pgName]) == 0 {
		if err := t.listener.Listen(ch.pgName); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("listen %s: %w", ch.pgName, err)
		}
		log.Debug().Str("channel", ch.pgName).Msg("Postgres LISTEN")
	}
	t.routes[ch.pgName] = append(t.routes[ch.pgName], ch)

	return ch, nil
}

// CloseChannel removes the route, issuing UNLISTEN when it was the last
// channel on its table
func (t *Transport) CloseChannel(handle realtime.ChannelHandle) error {
	ch, ok := handle.(*channel)
	if !ok {
		return realtime.ErrUnknownChannel
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	routes := t.routes[ch.pgName]
	idx := -1
	for i, c := range routes {
		if c == ch {
			idx = i
			break
		}
	}
	if idx < 0 {
		return realtime.ErrUnknownChannel
	}

	routes = append(routes[:idx:idx], routes[idx+1:]...)
	if len(routes) > 0 {
		t.routes[ch.pgName] = routes
		return nil
	}

	delete(t.routes, ch.pgName)
	if err := t.listener.Unlisten(ch.pgName); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		return fmt.Errorf("unlisten %s: %w", ch.pgName, err)
	}
	log.Debug().Str("channel", ch.pgName).Msg("Postgres UNLISTEN")
	return nil
}

// OpenChannels returns the number of routed realtime channels
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, routes := range t.routes {
		n += len(routes)
	}
	return n
}

func (t *Transport) ensureTrigger(schema, table string) error {
	t.triggersMu.Lock()
	defer t.triggersMu.Unlock()

	qualified := schema + "." + table
	if t.installed[qualified] || t.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := InstallTrigger(ctx, t.db, t.prefix, schema, table); err != nil {
		return err
	}
	t.installed[qualified] = true
	return nil
}

func (t *Transport) startPinger(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if err := t.listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("Postgres listener ping failed")
				}
			}
		}
	}()
}

// Close stops dispatch and closes the listener and database handle
func (t *Transport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()

		t.mu.Lock()
		t.routes = make(map[string][]*channel)
		t.mu.Unlock()

		err = t.listener.Close()
		if t.db != nil {
			if dbErr := t.db.Close(); err == nil {
				err = dbErr
			}
		}
	})
	return err
}
