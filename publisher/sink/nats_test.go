package sink

import (
	"context"
	"testing"
	"time"

	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/transport/natsbus"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startJetStreamServer(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func permitMessage(t *testing.T, f encoding.Format) publisher.Message {
	t.Helper()
	ev := &realtime.ChangeEvent{
		Type:   realtime.EventInsert,
		Schema: "public",
		Table:  "permits",
		New:    realtime.Record{"id": "p-1", "status": "open"},
	}
	data, err := encoding.EncodeEvent(ev, f)
	require.NoError(t, err)
	return publisher.Message{
		Schema:  ev.Schema,
		Table:   ev.Table,
		Type:    ev.Type,
		Key:     "p-1",
		Value:   data,
		Headers: f.Headers(),
	}
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "changefeed_public_permits", sanitizeStreamName("changefeed", "public", "permits"))
	assert.Equal(t, "public_permits", sanitizeStreamName("", "public", "permits"))
	assert.Equal(t, "relay_v2_public_permits", sanitizeStreamName("relay.v2", "public", "permits"))
}

func TestNatsSink_JetStreamPublish(t *testing.T) {
	url := startJetStreamServer(t)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("relay.public.permits.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	snk, err := NewNatsSink(url, "relay", true)
	require.NoError(t, err)
	defer snk.Close()

	msg := permitMessage(t, encoding.Format{ContentType: encoding.ContentTypeJSON})
	require.NoError(t, snk.Publish(msg))
	require.NoError(t, snk.Publish(msg))

	got, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "relay.public.permits.insert", got.Subject)
	assert.Equal(t, "p-1", got.Header.Get("key"))
	assert.Equal(t, encoding.ContentTypeJSON, got.Header.Get(encoding.HeaderContentType))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := js.Stream(ctx, "relay_public_permits")
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	// Stream is created once per sink
	assert.Equal(t, 1, snk.streams.Size())
}

func TestNatsSink_FeedsNatsTransport(t *testing.T) {
	url := startJetStreamServer(t)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	bus := natsbus.New(nc, "relay")
	defer bus.Close()

	received := make(chan *realtime.ChangeEvent, 1)
	opts := realtime.Options{}.WithDefaults()
	_, err = bus.OpenChannel(realtime.ChannelSpec{
		Key:    realtime.DeriveKey("permits", opts),
		Schema: opts.Schema,
		Table:  "permits",
		Event:  opts.Event,
	}, func(ev *realtime.ChangeEvent) { received <- ev })
	require.NoError(t, err)

	snk, err := NewNatsSinkConn(nc, "relay", false)
	require.NoError(t, err)

	f := encoding.Format{ContentType: encoding.ContentTypeMsgpack, Compress: true}
	require.NoError(t, snk.Publish(permitMessage(t, f)))
	require.NoError(t, snk.Close())

	select {
	case ev := <-received:
		assert.Equal(t, realtime.EventInsert, ev.Type)
		assert.Equal(t, "permits", ev.Table)
		assert.Equal(t, "open", ev.New["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	// Borrowed connection stays open
	assert.True(t, nc.IsConnected())
}
