package rowfilter

import (
	"github.com/civicworks/changefeed/realtime"
)

// Matcher decides whether an event belongs on a channel: same schema and
// table, an accepted event type, and a row passing the channel filter.
type Matcher struct {
	spec   realtime.ChannelSpec
	filter *Filter
}

// NewMatcher compiles the filter of spec
func NewMatcher(spec realtime.ChannelSpec) (*Matcher, error) {
	f, err := Parse(spec.Filter)
	if err != nil {
		return nil, err
	}
	return &Matcher{spec: spec, filter: f}, nil
}

// Match reports whether ev is deliverable on the channel
func (m *Matcher) Match(ev *realtime.ChangeEvent) bool {
	if ev == nil {
		return false
	}
	if ev.Table != m.spec.Table {
		return false
	}
	schema := ev.Schema
	if schema == "" {
		schema = realtime.DefaultSchema
	}
	if schema != m.spec.Schema {
		return false
	}
	if !m.spec.Event.Matches(ev.Type) {
		return false
	}
	return m.filter.MatchEvent(ev)
}

// Filter returns the compiled row filter, nil when the channel has none
func (m *Matcher) Filter() *Filter {
	return m.filter
}
