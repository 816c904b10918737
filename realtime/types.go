package realtime

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSchema is used when Options.Schema is empty
const DefaultSchema = "public"

// EventType identifies the kind of row change
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAll subscribes to every change kind
	EventAll EventType = "*"
)

// ParseEventType converts a case-insensitive name to an EventType.
// Empty, "*" and "ALL" map to EventAll.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "*", "ALL":
		return EventAll, nil
	case "INSERT":
		return EventInsert, nil
	case "UPDATE":
		return EventUpdate, nil
	case "DELETE":
		return EventDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
	}
}

// Valid reports whether e is one of the known event types
func (e EventType) Valid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete, EventAll:
		return true
	}
	return false
}

// Matches reports whether an event of type other passes a subscription for e
func (e EventType) Matches(other EventType) bool {
	return e == EventAll || e == other
}

// Record is a row image keyed by column name
type Record map[string]any

// ChangeEvent describes one row change on a watched table.
// Events are immutable once produced by a transport; the same pointer is
// handed to every callback registered for its key.
type ChangeEvent struct {
	Type       EventType `json:"type" msgpack:"type"`
	Schema     string    `json:"schema" msgpack:"schema"`
	Table      string    `json:"table" msgpack:"table"`
	New        Record    `json:"new,omitempty" msgpack:"new,omitempty"`
	Old        Record    `json:"old,omitempty" msgpack:"old,omitempty"`
	CommitTime time.Time `json:"commit_timestamp" msgpack:"ts"`
}

// Row returns the row image a filter should be evaluated against:
// the old record for deletes, the new record otherwise.
func (e *ChangeEvent) Row() Record {
	if e.Type == EventDelete {
		return e.Old
	}
	return e.New
}

// Callback receives change events for a subscription
type Callback func(*ChangeEvent)

// Unsubscribe releases one subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Options configures a subscription.
//
// Defaults: Schema "public", Event EventAll, Filter none.
type Options struct {
	// Schema of the watched table
	Schema string
	// Event restricts the change kinds delivered
	Event EventType
	// Filter is a row predicate of the form "column=op.value"
	Filter string
}

// WithDefaults returns a copy of o with empty fields set to their defaults
func (o Options) WithDefaults() Options {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.Event == "" {
		o.Event = EventAll
	}
	o.Filter = strings.TrimSpace(o.Filter)
	return o
}
