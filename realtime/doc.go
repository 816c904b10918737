// Package realtime multiplexes server-pushed row-change events onto many
// local listeners while keeping one transport channel per subscription key.
//
// # Architecture
//
// The Registry owns a map from a canonical Key to a channel entry holding
// the live transport channel and the ordered set of registered callbacks:
//
//	Subscribe("documents", cb, Options{Event: EventUpdate})
//	    -> Key "public:documents:UPDATE"
//	    -> Transport.OpenChannel (only when no entry exists for the key)
//	    -> registration appended to the entry
//
// Inbound events are dispatched synchronously on the goroutine the transport
// delivers them on, to every callback of the key in registration order. A
// callback that panics is recovered and logged; its siblings still run.
//
// The unsubscribe function returned by Subscribe removes exactly one
// registration and is safe to call any number of times. When the last
// registration of a key is removed the transport channel is closed.
// CleanupAll closes every channel at once and leaves the registry empty and
// reusable; handles issued before it become inert.
//
// # Thread Safety
//
// All bookkeeping is confined to one mutex-guarded owner. Callbacks are
// invoked outside the lock, so a callback may subscribe or unsubscribe.
// Transports must not deliver events from inside OpenChannel.
//
// Events for a single key arrive in transport order. No ordering is
// guaranteed across keys.
package realtime
