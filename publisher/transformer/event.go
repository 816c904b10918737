// Package transformer provides implementations of the publisher.Transformer
// interface for encoding change events in relay formats.
package transformer

import (
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/realtime"
)

func init() {
	publisher.RegisterTransformer("json", func(compress bool) publisher.Transformer {
		return NewEventTransformer(encoding.Format{ContentType: encoding.ContentTypeJSON, Compress: compress})
	})
	publisher.RegisterTransformer("msgpack", func(compress bool) publisher.Transformer {
		return NewEventTransformer(encoding.Format{ContentType: encoding.ContentTypeMsgpack, Compress: compress})
	})
}

// EventTransformer relays events in their native shape, the same payload
// the NATS and Kafka transports decode.
type EventTransformer struct {
	format  encoding.Format
	headers map[string]string
}

// NewEventTransformer creates a transformer encoding in format f
func NewEventTransformer(f encoding.Format) *EventTransformer {
	return &EventTransformer{format: f, headers: f.Headers()}
}

// Transform encodes ev
func (e *EventTransformer) Transform(ev *realtime.ChangeEvent) ([]byte, error) {
	return encoding.EncodeEvent(ev, e.format)
}

// Headers returns the content headers for the configured format
func (e *EventTransformer) Headers() map[string]string {
	return e.headers
}
