package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/realtime"
	"github.com/civicworks/changefeed/rowfilter"
)

// Worker emits synthetic change events into the transport.
type Worker struct {
	id          int
	emitter     Emitter
	schema      string
	tables      []string
	keyGens     map[string]*KeyGenerator
	matchers    map[string]*rowfilter.Matcher
	opSelector  *OpSelector
	stats       *Stats
	subscribers int
	seq         *uint64
	rng         *rand.Rand
}

// NewWorker creates a new worker.
func NewWorker(id int, run *runState, opSelector *OpSelector) *Worker {
	return &Worker{
		id:          id,
		emitter:     run.emitter,
		schema:      run.schema,
		tables:      run.tables,
		keyGens:     run.keyGens,
		matchers:    run.matchers,
		opSelector:  opSelector,
		stats:       run.stats,
		subscribers: run.subscribers,
		seq:         &run.seq,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Run emits one event per tick received on opsChan.
func (w *Worker) Run(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}
			w.emitOne()
		}
	}
}

func (w *Worker) emitOne() {
	table := w.tables[w.rng.Intn(len(w.tables))]
	typ := w.opSelector.Select()
	seq := atomic.AddUint64(w.seq, 1)
	ev := generateEvent(w.rng, w.keyGens[table], w.schema, table, typ, seq)

	if err := w.emitter.Emit(ev); err != nil {
		w.stats.RecordError()
		return
	}
	w.stats.RecordPublish(typ)
	if w.matchers[table].Match(ev) {
		w.stats.RecordExpected(w.subscribers)
	}
}

// runState is shared by every worker of one run.
type runState struct {
	emitter     Emitter
	schema      string
	tables      []string
	keyGens     map[string]*KeyGenerator
	matchers    map[string]*rowfilter.Matcher
	stats       *Stats
	subscribers int
	seq         uint64
}

// subscribe registers the configured number of callbacks per table.
// Callbacks with identical options share one transport channel.
func subscribe(mux realtime.Multiplexer, config *Config, stats *Stats) error {
	opts := realtime.Options{Schema: config.Schema, Filter: config.Filter}

	for _, table := range config.TableList() {
		for i := 0; i < config.Subscribers; i++ {
			_, err := mux.Subscribe(table, func(ev *realtime.ChangeEvent) {
				stats.RecordDelivery(time.Since(ev.CommitTime))
			}, opts)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", table, err)
			}
		}
	}
	return nil
}

func newRunState(config *Config, emitter Emitter, stats *Stats) (*runState, error) {
	schema := realtime.Options{Schema: config.Schema}.WithDefaults().Schema
	run := &runState{
		emitter:     emitter,
		schema:      schema,
		tables:      config.TableList(),
		keyGens:     make(map[string]*KeyGenerator),
		matchers:    make(map[string]*rowfilter.Matcher),
		stats:       stats,
		subscribers: config.Subscribers,
	}

	for _, table := range run.tables {
		matcher, err := rowfilter.NewMatcher(realtime.ChannelSpec{
			Schema: schema,
			Table:  table,
			Event:  realtime.EventAll,
			Filter: config.Filter,
		})
		if err != nil {
			return nil, err
		}
		run.matchers[table] = matcher
		run.keyGens[table] = NewKeyGenerator(table)
	}
	return run, nil
}

// executeRun runs the fan-out benchmark.
func executeRun(ctx context.Context, config *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Fan-out Benchmark                    ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	dist := config.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return err
	}

	fmt.Printf("Transport:    %s\n", config.Transport)
	fmt.Printf("Tables:       %s\n", config.Tables)
	fmt.Printf("Subscribers:  %d per table\n", config.Subscribers)
	if config.Filter != "" {
		fmt.Printf("Filter:       %s\n", config.Filter)
	}
	fmt.Printf("Workload:     %s\n", config.Workload)
	fmt.Printf("Distribution: I:%d%% U:%d%% D:%d%%\n", dist.Insert, dist.Update, dist.Delete)
	fmt.Printf("Events:       %d\n", config.Events)
	if config.Duration > 0 {
		fmt.Printf("Duration:     %s\n", config.Duration)
	}
	fmt.Printf("Threads:      %d\n", config.Threads)
	fmt.Println()

	stats, err := runBenchmark(ctx, config, true)
	if err != nil {
		return err
	}

	if config.Verify {
		return verifyDelivery(stats)
	}
	return nil
}

// runBenchmark drives the workload and returns its stats once every
// expected delivery has arrived or the settle timeout expires.
func runBenchmark(ctx context.Context, config *Config, report bool) (*Stats, error) {
	bench, err := NewBench(config)
	if err != nil {
		return nil, fmt.Errorf("failed to set up transport: %w", err)
	}
	defer bench.Close()

	registry, err := realtime.NewRegistry(bench.Transport)
	if err != nil {
		return nil, err
	}
	defer registry.CleanupAll()

	stats := NewStats()
	if err := subscribe(registry, config, stats); err != nil {
		return nil, err
	}
	run, err := newRunState(config, bench.Emitter, stats)
	if err != nil {
		return nil, err
	}

	opsChan := make(chan struct{}, config.Threads*10)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < config.Threads; i++ {
		wg.Add(1)
		opSelector := NewOpSelector(config.GetWorkloadDistribution(), time.Now().UnixNano()+int64(i))
		go NewWorker(i, run, opSelector).Run(ctx, opsChan, &wg)
	}

	reporterCtx, stopReporter := context.WithCancel(ctx)
	defer stopReporter()
	if report {
		go reportProgress(reporterCtx, stats)
	}

	if config.Duration > 0 {
		deadline := time.After(config.Duration)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline:
				break loop
			case opsChan <- struct{}{}:
			}
		}
	} else {
	opsLoop:
		for i := 0; i < config.Events; i++ {
			select {
			case <-ctx.Done():
				break opsLoop
			case opsChan <- struct{}{}:
			}
		}
	}

	close(opsChan)
	wg.Wait()
	settle(ctx, stats, config.SettleTimeout)
	stopReporter()
	elapsed := time.Since(start)

	if report {
		fmt.Println()
		fmt.Println("═══════════════════════════════════════════════════════")
		fmt.Println("                  BENCHMARK COMPLETE                   ")
		fmt.Println("═══════════════════════════════════════════════════════")
		stats.PrintFinal(elapsed)
	}
	return stats, nil
}

// settle waits for in-flight deliveries on asynchronous transports.
func settle(ctx context.Context, stats *Stats, timeout time.Duration) {
	if stats.Delivered() >= stats.Expected() {
		return
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for stats.Delivered() < stats.Expected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// verifyDelivery fails when subscribers saw a different number of
// callbacks than the filter admits.
func verifyDelivery(stats *Stats) error {
	delivered, expected := stats.Delivered(), stats.Expected()
	if delivered != expected {
		return fmt.Errorf("delivery mismatch: %d callbacks, expected %d", delivered, expected)
	}
	fmt.Printf("\nVerified %d callbacks across %d events\n", delivered, stats.TotalPublished())
	return nil
}
