package publisher

import "github.com/civicworks/changefeed/realtime"

// Message is one encoded change event handed to a sink
type Message struct {
	Schema string
	Table  string
	Type   realtime.EventType
	// Key is the partition/routing key, usually the row id
	Key string
	// Value is the encoded payload, nil for tombstones
	Value   []byte
	Headers map[string]string
}

// Sink publishes encoded change events to an external system
type Sink interface {
	// Publish sends one message. Sinks derive their topic or subject from
	// Schema, Table and Type.
	Publish(msg Message) error

	// Close releases resources held by the sink
	Close() error
}

// Transformer encodes change events into a sink-specific payload
type Transformer interface {
	// Transform encodes the event
	Transform(ev *realtime.ChangeEvent) ([]byte, error)

	// Headers returns the headers attached to every message it produces
	Headers() map[string]string
}

// Tombstoner is implemented by transformers that follow every delete with a
// tombstone (a nil value under the same key) for log compaction.
type Tombstoner interface {
	Tombstone(key string) []byte
}

// Filter decides which columns of a row image are relayed
type Filter interface {
	Match(column string) bool
}
