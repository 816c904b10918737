package realtime

// ChannelSpec describes the channel a transport is asked to open
type ChannelSpec struct {
	Key    Key
	Schema string
	Table  string
	Event  EventType
	Filter string
}

// ChannelHandle is an opaque reference to an open transport channel
type ChannelHandle interface {
	Spec() ChannelSpec
}

// Transport is the push capability the Registry depends on.
//
// OpenChannel starts delivering events matching spec to deliver. Delivery for
// one channel must be sequential and must not happen from inside OpenChannel.
// CloseChannel stops delivery; the Registry does not wait on its completion
// beyond the call itself and only logs its error.
type Transport interface {
	OpenChannel(spec ChannelSpec, deliver func(*ChangeEvent)) (ChannelHandle, error)
	CloseChannel(handle ChannelHandle) error
}

// Multiplexer is the consumer-facing view of a Registry
type Multiplexer interface {
	Subscribe(table string, cb Callback, opts Options) (Unsubscribe, error)
	SubscriptionCount() int
	CleanupAll()
	// Generation changes every time CleanupAll releases all registrations
	Generation() uint64
}
