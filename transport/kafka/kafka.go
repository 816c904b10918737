// Package kafka is a realtime transport reading change events from Kafka.
//
// Each table has one topic, <prefix>.<schema>.<table>, carrying every event
// type. A channel runs its own consumer group reader starting at the latest
// offset; event type and row filter are applied client-side.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/rowfilter"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/civicworks/changefeed/transport"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const transportName = "kafka"

func init() {
	transport.Register(cfg.TransportKafka, func(config cfg.TransportConfiguration) (transport.Transport, error) {
		return New(config.Kafka, cfg.Config.ClientID)
	})
}

// Topic returns the topic carrying changes of schema.table
func Topic(prefix, schema, table string) string {
	if prefix == "" {
		return schema + "." + table
	}
	return prefix + "." + schema + "." + table
}

type channel struct {
	spec    realtime.ChannelSpec
	reader  *kafka.Reader
	matcher *rowfilter.Matcher
	cancel  context.CancelFunc
	closed  atomic.Bool
}

func (c *channel) Spec() realtime.ChannelSpec {
	return c.spec
}

// Transport implements realtime.Transport with one kafka.Reader per channel
type Transport struct {
	config   cfg.KafkaConfiguration
	clientID string

	mu       sync.Mutex
	channels map[*channel]struct{}
	wg       sync.WaitGroup
}

// New creates a Kafka transport. Readers connect lazily on first fetch.
func New(config cfg.KafkaConfiguration, clientID string) (*Transport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	return &Transport{
		config:   config,
		clientID: clientID,
		channels: make(map[*channel]struct{}),
	}, nil
}

// readerConfig builds the consumer configuration for spec. The group id is
// unique per client and key so that every process sees every event.
func (t *Transport) readerConfig(spec realtime.ChannelSpec) kafka.ReaderConfig {
	group := t.config.GroupPrefix + "-" + t.clientID + "-" + strconv.FormatUint(spec.Key.Hash(), 16)

	rc := kafka.ReaderConfig{
		Brokers:     t.config.Brokers,
		Topic:       Topic(t.config.TopicPrefix, spec.Schema, spec.Table),
		GroupID:     group,
		StartOffset: kafka.LastOffset,
		MinBytes:    t.config.MinBytes,
		MaxBytes:    t.config.MaxBytes,
		MaxWait:     time.Duration(t.config.MaxWaitMS) * time.Millisecond,
	}
	if rc.MinBytes <= 0 {
		rc.MinBytes = 1
	}
	if rc.MaxBytes <= 0 {
		rc.MaxBytes = 10 << 20
	}
	if rc.MaxWait <= 0 {
		rc.MaxWait = 500 * time.Millisecond
	}
	return rc
}

// OpenChannel starts a reader goroutine for spec
func (t *Transport) OpenChannel(spec realtime.ChannelSpec, deliver func(*realtime.ChangeEvent)) (realtime.ChannelHandle, error) {
	matcher, err := rowfilter.NewMatcher(spec)
	if err != nil {
		return nil, err
	}

	rc := t.readerConfig(spec)
	ctx, cancel := context.WithCancel(context.Background())
	ch := &channel{
		spec:    spec,
		reader:  kafka.NewReader(rc),
		matcher: matcher,
		cancel:  cancel,
	}

	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(ctx, ch, deliver)

	log.Debug().
		Str("topic", rc.Topic).
		Str("group", rc.GroupID).
		Str("key", spec.Key.String()).
		Msg("Kafka channel opened")

	return ch, nil
}

func (t *Transport) consume(ctx context.Context, ch *channel, deliver func(*realtime.ChangeEvent)) {
	defer t.wg.Done()
	defer func() {
		if err := ch.reader.Close(); err != nil {
			log.Debug().Err(err).Str("key", ch.spec.Key.String()).Msg("Kafka reader close failed")
		}
	}()

	for {
		msg, err := ch.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Str("key", ch.spec.Key.String()).Msg("Kafka read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeMessage(msg)
		if err != nil {
			telemetry.TransportDecodeFailuresTotal.With(transportName).Inc()
			log.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Dropping undecodable change event")
			continue
		}
		if !ch.matcher.Match(ev) {
			telemetry.TransportFilteredTotal.With(transportName).Inc()
			continue
		}
		if ch.closed.Load() {
			return
		}
		deliver(ev)
	}
}

func decodeMessage(msg kafka.Message) (*realtime.ChangeEvent, error) {
	var contentType, contentEncoding string
	for _, h := range msg.Headers {
		switch h.Key {
		case encoding.HeaderContentType:
			contentType = string(h.Value)
		case encoding.HeaderContentEncoding:
			contentEncoding = string(h.Value)
		}
	}
	return encoding.DecodeEvent(msg.Value, contentType, contentEncoding)
}

// CloseChannel stops the channel's reader. It does not wait for the reader
// goroutine, so it is safe to call from inside a delivery.
func (t *Transport) CloseChannel(handle realtime.ChannelHandle) error {
	ch, ok := handle.(*channel)
	if !ok {
		return realtime.ErrUnknownChannel
	}

	t.mu.Lock()
	_, exists := t.channels[ch]
	delete(t.channels, ch)
	t.mu.Unlock()
	if !exists {
		return realtime.ErrUnknownChannel
	}

	ch.closed.Store(true)
	ch.cancel()
	return nil
}

// OpenChannels returns the number of running readers
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Close stops all readers and waits for them to exit
func (t *Transport) Close() error {
	t.mu.Lock()
	for ch := range t.channels {
		ch.closed.Store(true)
		ch.cancel()
	}
	t.channels = make(map[*channel]struct{})
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
