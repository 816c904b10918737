package publisher

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/cfg"
	"github.com/civicworks/changefeed/encoding"
	"github.com/civicworks/changefeed/realtime"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the relay registry
type RegistryConfig struct {
	Mux         realtime.Multiplexer    // Source of change events
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all relay workers
type Registry struct {
	mux     realtime.Multiplexer
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a new relay registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Mux == nil {
		return nil, fmt.Errorf("multiplexer is required")
	}

	registry := &Registry{
		mux:     config.Mux,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	// Create workers for each sink configuration
	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Relay registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, err := realtime.ParseEventType(config.Event)
	if err != nil {
		return err
	}

	// Create transformer based on config.Format (stateless, no cleanup needed)
	trans, err := createTransformer(config.Format)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.IncludeColumns, config.ExcludeColumns)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	// Create sink based on config.Type
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:   config.Name,
		Mux:    r.mux,
		Tables: config.Tables,
		Options: realtime.Options{
			Schema: config.Schema,
			Event:  event,
			Filter: config.Filter,
		},
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		KeyColumn:       config.KeyColumn,
		QueueSize:       config.QueueSize,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Strs("tables", config.Tables).
		Msg("Added relay sink")

	return nil
}

// Start starts all workers. A worker that cannot subscribe stops the ones
// already started.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting relay registry")

	for i, worker := range r.workers {
		if err := worker.Start(); err != nil {
			for _, started := range r.workers[:i] {
				started.Stop()
			}
			return fmt.Errorf("start sink %q: %w", worker.config.Name, err)
		}
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping relay registry")

	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeSinks()

	log.Info().Msg("Relay registry stopped")
}

// Resubscribe gives every running worker fresh registrations
func (r *Registry) Resubscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, worker := range r.workers {
		if err := worker.Resubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", worker.config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every worker
func (r *Registry) Stats() []WorkerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]WorkerStats, 0, len(r.workers))
	for _, worker := range r.workers {
		stats = append(stats, worker.Stats())
	}
	return stats
}

func (r *Registry) closeSinks() {
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer; compress selects zstd payloads
type TransformerFactory func(compress bool) Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer for a format name such as
// "json", "msgpack+zstd" or "debezium". Empty means JSON.
func createTransformer(format string) (Transformer, error) {
	base, compression, _ := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "+")
	if base == "" {
		base = "json"
	}
	if compression != "" && compression != encoding.ContentEncodingZstd {
		return nil, fmt.Errorf("unknown compression: %s", compression)
	}

	factoryMu.RLock()
	factory, exists := transformerFactories[base]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(compression != ""), nil
}
