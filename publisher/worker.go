package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of events buffered between delivery and publishing
	DefaultQueueSize = 1024
	// Default column used as the message key
	DefaultKeyColumn = "id"
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on an event
	DefaultMaxRetries = 100
)

// Relay publish results recorded in telemetry
const (
	resultSuccess = "success"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures a relay worker
type WorkerConfig struct {
	Name            string               // Sink name
	Mux             realtime.Multiplexer // Source of change events
	Tables          []string             // Tables subscribed to
	Options         realtime.Options     // Schema, event and row filter for every table
	Sink            Sink                 // Destination sink
	Transformer     Transformer          // Event encoder
	Filter          Filter               // Column filter, nil relays every column
	KeyColumn       string               // Column used as message key
	QueueSize       int                  // Buffered events before dropping
	RetryInitial    time.Duration        // Initial retry delay
	RetryMax        time.Duration        // Max retry delay
	RetryMultiplier float64              // Backoff multiplier
	MaxRetries      int                  // Maximum retry attempts
}

// Worker subscribes to change events and publishes them to a sink.
//
// Delivery is at-most-once: events arriving while the queue is full are
// dropped, and events that exhaust their retries are skipped.
type Worker struct {
	config      WorkerConfig
	queue       chan *realtime.ChangeEvent
	unsubs      []realtime.Unsubscribe
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// WorkerStats is a snapshot of a worker's counters
type WorkerStats struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// NewWorker creates a new relay worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	// Validate config
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Mux == nil {
		return nil, fmt.Errorf("multiplexer is required")
	}
	if len(config.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}

	// Set defaults
	if config.KeyColumn == "" {
		config.KeyColumn = DefaultKeyColumn
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to every configured table and starts publishing.
// Starting a running worker is a no-op.
func (w *Worker) Start() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}

	w.queue = make(chan *realtime.ChangeEvent, w.config.QueueSize)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	// The publish loop runs before subscribing so no delivery waits on it
	go w.publishLoop(w.queue)

	unsubs, err := w.subscribeAll(w.queue)
	if err != nil {
		close(w.stopCh)
		<-w.doneCh
		return err
	}
	w.unsubs = unsubs
	w.running.Store(true)

	log.Info().
		Str("worker", w.config.Name).
		Strs("tables", w.config.Tables).
		Msg("Starting relay worker")

	return nil
}

// subscribeAll registers every configured table; the callbacks only enqueue
func (w *Worker) subscribeAll(queue chan *realtime.ChangeEvent) ([]realtime.Unsubscribe, error) {
	deliver := func(ev *realtime.ChangeEvent) { w.enqueue(queue, ev) }

	unsubs := make([]realtime.Unsubscribe, 0, len(w.config.Tables))
	for _, table := range w.config.Tables {
		unsub, err := w.config.Mux.Subscribe(table, deliver, w.config.Options)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs, nil
}

// Resubscribe replaces the worker's registrations, keeping its queue and
// publish loop. When subscribing fails the worker stops.
func (w *Worker) Resubscribe() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return nil
	}

	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil

	unsubs, err := w.subscribeAll(w.queue)
	if err != nil {
		close(w.stopCh)
		<-w.doneCh
		w.running.Store(false)
		log.Error().Err(err).Str("worker", w.config.Name).Msg("Relay worker stopped after failed resubscribe")
		return err
	}
	w.unsubs = unsubs

	log.Info().Str("worker", w.config.Name).Msg("Relay worker resubscribed")
	return nil
}

// Stop unsubscribes and stops the worker. Events still queued are discarded.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping relay worker")

	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	if pending := len(w.queue); pending > 0 {
		log.Warn().
			Str("worker", w.config.Name).
			Int("pending", pending).
			Msg("Relay worker stopped with undelivered events")
	}
	log.Info().Str("worker", w.config.Name).Msg("Relay worker stopped")
}

// Stats returns a snapshot of the worker's counters
func (w *Worker) Stats() WorkerStats {
	w.lifecycleMu.Lock()
	queued := 0
	if w.queue != nil {
		queued = len(w.queue)
	}
	w.lifecycleMu.Unlock()

	return WorkerStats{
		Name:      w.config.Name,
		Running:   w.running.Load(),
		Queued:    queued,
		Published: w.published.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// enqueue runs on the transport's delivery goroutine and never blocks it
func (w *Worker) enqueue(queue chan<- *realtime.ChangeEvent, ev *realtime.ChangeEvent) {
	select {
	case queue <- ev:
	default:
		w.dropped.Add(1)
		telemetry.RelayPublishedTotal.With(w.config.Name, resultDropped).Inc()
		log.Warn().
			Str("worker", w.config.Name).
			Str("table", ev.Table).
			Msg("Relay queue full, dropping event")
	}
}

// publishLoop is the main worker loop
func (w *Worker) publishLoop(queue <-chan *realtime.ChangeEvent) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev := <-queue:
			if err := w.processEvent(ev); err != nil {
				if errors.Is(err, errWorkerStopped) {
					return
				}
				w.failed.Add(1)
				telemetry.RelayPublishedTotal.With(w.config.Name, resultFailed).Inc()
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Str("table", ev.Table).
					Str("type", string(ev.Type)).
					Msg("Failed to relay event")
				continue
			}
			w.published.Add(1)
			telemetry.RelayPublishedTotal.With(w.config.Name, resultSuccess).Inc()
		}
	}
}

// processEvent encodes and publishes a single change event
func (w *Worker) processEvent(ev *realtime.ChangeEvent) error {
	projected := Project(ev, w.config.Filter)

	data, err := w.config.Transformer.Transform(projected)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	msg := Message{
		Schema:  ev.Schema,
		Table:   ev.Table,
		Type:    ev.Type,
		Key:     w.messageKey(ev),
		Value:   data,
		Headers: w.config.Transformer.Headers(),
	}

	start := time.Now()
	err = w.publishWithRetry(msg)
	telemetry.RelayPublishSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	// For DELETE operations, also send tombstone
	if ts, ok := w.config.Transformer.(Tombstoner); ok && ev.Type == realtime.EventDelete {
		msg.Value = ts.Tombstone(msg.Key)
		if err := w.publishWithRetry(msg); err != nil {
			return err
		}
	}
	return nil
}

// messageKey renders the key column of the relevant row image
func (w *Worker) messageKey(ev *realtime.ChangeEvent) string {
	row := ev.Row()
	if row == nil {
		return ""
	}
	v, ok := row[w.config.KeyColumn]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// publishWithRetry publishes msg with exponential backoff retry.
// Returns error if max retries exhausted or worker stopped.
func (w *Worker) publishWithRetry(msg Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(msg)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for %s.%s: %w", w.config.MaxRetries, msg.Schema, msg.Table, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("table", msg.Table).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		// Sleep with stop check
		if !w.sleep(delay) {
			return errWorkerStopped
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
