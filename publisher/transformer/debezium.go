package transformer

import (
	"fmt"
	"time"

	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/realtime"
	"github.com/rs/zerolog/log"
)

const debeziumConnector = "changefeed"

func init() {
	// Register debezium transformer factory
	publisher.RegisterTransformer("debezium", func(compress bool) publisher.Transformer {
		return NewDebeziumTransformer(compress)
	})
}

// DebeziumTransformer encodes change events as schemaless Debezium JSON
// envelopes (before/after/op/ts_ms/source), the shape Kafka Connect sinks
// consume with schemas disabled. Deletes are followed by a tombstone.
type DebeziumTransformer struct {
	connectorName string
	format        encoding.Format
	headers       map[string]string
	now           func() time.Time
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer(compress bool) *DebeziumTransformer {
	f := encoding.Format{ContentType: encoding.ContentTypeJSON, Compress: compress}
	return &DebeziumTransformer{
		connectorName: debeziumConnector,
		format:        f,
		headers:       f.Headers(),
		now:           time.Now,
	}
}

type debeziumMessage struct {
	Before realtime.Record `json:"before"`
	After  realtime.Record `json:"after"`
	Op     string          `json:"op"`
	TsMs   int64           `json:"ts_ms"`
	Source debeziumSource  `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	TsMs      int64  `json:"ts_ms"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
}

// Transform converts a change event to a Debezium envelope
func (d *DebeziumTransformer) Transform(ev *realtime.ChangeEvent) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}

	msg := debeziumMessage{
		Op:   d.mapOperation(ev.Type),
		TsMs: d.now().UnixMilli(),
		Source: debeziumSource{
			Connector: d.connectorName,
			Schema:    ev.Schema,
			Table:     ev.Table,
		},
	}
	if !ev.CommitTime.IsZero() {
		msg.Source.TsMs = ev.CommitTime.UnixMilli()
	}

	switch ev.Type {
	case realtime.EventInsert:
		msg.After = ev.New
	case realtime.EventDelete:
		msg.Before = ev.Old
	default:
		msg.Before = ev.Old
		msg.After = ev.New
	}

	data, err := encoding.EncodeValue(msg, d.format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode debezium envelope: %w", err)
	}
	return data, nil
}

// Headers returns the content headers of the envelope
func (d *DebeziumTransformer) Headers() map[string]string {
	return d.headers
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps an event type to a Debezium operation
func (d *DebeziumTransformer) mapOperation(t realtime.EventType) string {
	switch t {
	case realtime.EventInsert:
		return "c" // create
	case realtime.EventUpdate:
		return "u" // update
	case realtime.EventDelete:
		return "d" // delete
	default:
		log.Warn().Str("type", string(t)).Msg("unknown change type, defaulting to update")
		return "u"
	}
}
