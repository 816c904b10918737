package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/transport/natsbus"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.TopicPrefix, config.JetStream)
	})
}

// NatsSink implements the Sink interface for NATS.
//
// Messages go to the natsbus subject for their table and event type. With
// JetStream enabled each table gets a stream capturing its subjects;
// core subscribers on the same subjects still receive every message.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	owned   bool
	streams *xsync.MapOf[string, struct{}]
}

// NewNatsSink connects to url and creates a sink publishing under prefix
func NewNatsSink(url, prefix string, useJetStream bool) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s, err := NewNatsSinkConn(nc, prefix, useJetStream)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewNatsSinkConn creates a sink on a connection the caller keeps ownership of
func NewNatsSinkConn(nc *nats.Conn, prefix string, useJetStream bool) (*NatsSink, error) {
	s := &NatsSink{
		nc:      nc,
		prefix:  prefix,
		streams: xsync.NewMapOf[string, struct{}](),
	}
	if useJetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		s.js = js
	}
	return s, nil
}

// Subject returns the subject msg is published on
func (n *NatsSink) Subject(msg publisher.Message) string {
	return natsbus.Subject(n.prefix, msg.Schema, msg.Table, msg.Type)
}

// Publish sends a message to NATS with its headers and "key"
func (n *NatsSink) Publish(msg publisher.Message) error {
	subject := n.Subject(msg)
	out := &nats.Msg{
		Subject: subject,
		Data:    msg.Value,
		Header:  nats.Header{},
	}
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	out.Header.Set("key", msg.Key)

	if n.js == nil {
		if err := n.nc.PublishMsg(out); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, msg); err != nil {
		return err
	}
	if _, err := n.js.PublishMsg(ctx, out); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// ensureStream creates the per-table stream once per sink
func (n *NatsSink) ensureStream(ctx context.Context, msg publisher.Message) error {
	streamName := sanitizeStreamName(n.prefix, msg.Schema, msg.Table)
	if _, ok := n.streams.Load(streamName); ok {
		return nil
	}

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{natsbus.Subject(n.prefix, msg.Schema, msg.Table, realtime.EventAll)},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streams.Store(streamName, struct{}{})
	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc == nil {
		return nil
	}
	if n.owned {
		n.nc.Close()
		return nil
	}
	return n.nc.Flush()
}

// sanitizeStreamName converts a table to a valid JetStream stream name.
// Stream names can't contain "." so parts are joined with "_".
func sanitizeStreamName(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, strings.ReplaceAll(p, ".", "_"))
		}
	}
	return strings.Join(kept, "_")
}
