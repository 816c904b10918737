package telemetry

// DispatchBuckets for synchronous fan-out of one event (seconds)
var DispatchBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}

// Registry metrics
var (
	// OpenChannels tracks currently open transport channels
	OpenChannels Gauge = NoopStat{}

	// Registrations tracks live callback registrations across all channels
	Registrations Gauge = NoopStat{}

	// ChannelOpensTotal counts channel open attempts by result (success, failed)
	ChannelOpensTotal CounterVec = noopCounterVec{}

	// ChannelClosesTotal counts channels closed by last unsubscribe or cleanup
	ChannelClosesTotal Counter = NoopStat{}

	// EventsDispatchedTotal counts inbound events by type (INSERT, UPDATE, DELETE)
	EventsDispatchedTotal CounterVec = noopCounterVec{}

	// CallbackFailuresTotal counts callbacks that panicked during dispatch
	CallbackFailuresTotal Counter = NoopStat{}

	// DispatchSeconds measures fan-out of one event to all callbacks of its key
	DispatchSeconds Histogram = NoopStat{}
)

// Transport metrics
var (
	// TransportDecodeFailuresTotal counts inbound payloads that could not be decoded, by transport
	TransportDecodeFailuresTotal CounterVec = noopCounterVec{}

	// TransportFilteredTotal counts events dropped client-side by event or row filters, by transport
	TransportFilteredTotal CounterVec = noopCounterVec{}
)

// Facade and collaborator metrics
var (
	// FeedResubscribesTotal counts facade teardown+resubscribe cycles caused by changed parameters
	FeedResubscribesTotal Counter = NoopStat{}

	// InvalidationsTotal counts cache keys invalidated by change events
	InvalidationsTotal Counter = NoopStat{}

	// QueryCacheEntries tracks entries held by the query cache
	QueryCacheEntries Gauge = NoopStat{}

	// RelayPublishedTotal counts relay publishes by sink and result (success, failed, dropped)
	RelayPublishedTotal CounterVec = noopCounterVec{}

	// RelayPublishSeconds measures sink publish latency including retries
	RelayPublishSeconds Histogram = NoopStat{}

	// MountedComponents tracks components currently mounted by lifecycle groups
	MountedComponents Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Called from InitializeTelemetry.
func InitMetrics() {
	OpenChannels = NewGauge(
		"open_channels",
		"Number of open transport channels",
	)
	Registrations = NewGauge(
		"registrations",
		"Number of live callback registrations",
	)
	ChannelOpensTotal = NewCounterVec(
		"channel_opens_total",
		"Channel open attempts by result",
		[]string{"result"},
	)
	ChannelClosesTotal = NewCounter(
		"channel_closes_total",
		"Channels closed",
	)
	EventsDispatchedTotal = NewCounterVec(
		"events_dispatched_total",
		"Change events dispatched by event type",
		[]string{"event"},
	)
	CallbackFailuresTotal = NewCounter(
		"callback_failures_total",
		"Callbacks that panicked while handling an event",
	)
	DispatchSeconds = NewHistogramWithBuckets(
		"dispatch_seconds",
		"Fan-out latency of one event to all callbacks of its key",
		DispatchBuckets,
	)

	TransportDecodeFailuresTotal = NewCounterVec(
		"transport_decode_failures_total",
		"Inbound payloads that failed to decode",
		[]string{"transport"},
	)
	TransportFilteredTotal = NewCounterVec(
		"transport_filtered_total",
		"Inbound events dropped by client-side filters",
		[]string{"transport"},
	)

	FeedResubscribesTotal = NewCounter(
		"feed_resubscribes_total",
		"Facade resubscriptions caused by changed parameters",
	)
	InvalidationsTotal = NewCounter(
		"invalidations_total",
		"Cache keys invalidated by change events",
	)
	QueryCacheEntries = NewGauge(
		"query_cache_entries",
		"Entries held by the query cache",
	)
	RelayPublishedTotal = NewCounterVec(
		"relay_published_total",
		"Relay publishes by sink and result",
		[]string{"sink", "result"},
	)
	RelayPublishSeconds = NewHistogramWithBuckets(
		"relay_publish_seconds",
		"Relay publish latency including retries",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	)
	MountedComponents = NewGauge(
		"mounted_components",
		"Components currently mounted",
	)
}
