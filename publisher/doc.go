// Package publisher relays change events to external systems (Kafka, NATS).
//
// # Architecture
//
// The publisher package consists of three main components:
//
// 1. Registry: builds one Worker per configured sink and owns their lifecycle
// 2. Worker: subscribes to its tables through a realtime.Multiplexer and
// publishes each event through a Transformer and a Sink
// 3. Interfaces: Sink, Transformer and Filter abstractions, with factories
// registered by the sink and transformer packages
//
// # Workers
//
// A worker is an ordinary subscriber: its subscriptions share transport
// channels with every other consumer of the same key. Deliveries are queued
// without blocking the transport; a full queue drops the event and counts
// it. Publishing retries with exponential backoff:
//
//	worker, err := NewWorker(WorkerConfig{
//		Name:        "audit",
//		Mux:         registry,
//		Tables:      []string{"permits", "inspections"},
//		Sink:        snk,
//		Transformer: trans,
//	})
//	if err != nil {
//		return err
//	}
//	if err := worker.Start(); err != nil {
//		return err
//	}
//	defer worker.Stop()
//
// # Filters
//
// GlobFilter selects the columns relayed for each row image:
//
//	filter, err := NewGlobFilter(
//		nil,                       // include patterns, empty = all
//		[]string{"*_email", "ssn"}, // exclude patterns
//	)
//
// # Thread Safety
//
// Registry and Worker methods are safe for concurrent use. Sinks are only
// called from their worker's goroutine.
package publisher
