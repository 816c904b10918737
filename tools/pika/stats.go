package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/civicworks/changefeed/realtime"
)

// Stats tracks benchmark statistics using atomic operations.
type Stats struct {
	// Published counters per event type
	insertOps uint64
	updateOps uint64
	deleteOps uint64

	publishErrors uint64

	// Callback invocations across all subscribers
	delivered uint64
	// Deliveries the row filter should let through
	expected uint64

	// Delivery latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordPublish records a successfully emitted event.
func (s *Stats) RecordPublish(typ realtime.EventType) {
	switch typ {
	case realtime.EventInsert:
		atomic.AddUint64(&s.insertOps, 1)
	case realtime.EventUpdate:
		atomic.AddUint64(&s.updateOps, 1)
	case realtime.EventDelete:
		atomic.AddUint64(&s.deleteOps, 1)
	}
}

// RecordError records an event the emitter failed to publish.
func (s *Stats) RecordError() {
	atomic.AddUint64(&s.publishErrors, 1)
}

// RecordExpected adds n deliveries the subscribers should observe.
func (s *Stats) RecordExpected(n int) {
	atomic.AddUint64(&s.expected, uint64(n))
}

// RecordDelivery records one callback invocation.
func (s *Stats) RecordDelivery(latency time.Duration) {
	atomic.AddUint64(&s.delivered, 1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// TotalPublished returns total successfully emitted events.
func (s *Stats) TotalPublished() uint64 {
	return atomic.LoadUint64(&s.insertOps) +
		atomic.LoadUint64(&s.updateOps) +
		atomic.LoadUint64(&s.deleteOps)
}

// Delivered returns the callback invocation count.
func (s *Stats) Delivered() uint64 {
	return atomic.LoadUint64(&s.delivered)
}

// Expected returns the delivery count the filter allows.
func (s *Stats) Expected() uint64 {
	return atomic.LoadUint64(&s.expected)
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 = sorted[n*50/100]
	p90 = sorted[n*90/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]

	return p50, p90, p95, p99
}

// GetLatencyStats returns min, max, avg in microseconds.
func (s *Stats) GetLatencyStats() (min, max, avg int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	min = s.latencies[0]
	max = s.latencies[0]
	var sum int64

	for _, l := range s.latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}

	avg = sum / int64(len(s.latencies))
	return min, max, avg
}

// Snapshot is a copy of current counters.
type Snapshot struct {
	Published uint64
	Delivered uint64
	Errors    uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Published: s.TotalPublished(),
		Delivered: s.Delivered(),
		Errors:    atomic.LoadUint64(&s.publishErrors),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	published := s.TotalPublished()
	delivered := s.Delivered()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Publish rate:  %.2f events/sec\n", float64(published)/elapsed.Seconds())
	fmt.Printf("Delivery rate: %.2f callbacks/sec\n", float64(delivered)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("Published:")
	fmt.Printf("  INSERT: %d\n", atomic.LoadUint64(&s.insertOps))
	fmt.Printf("  UPDATE: %d\n", atomic.LoadUint64(&s.updateOps))
	fmt.Printf("  DELETE: %d\n", atomic.LoadUint64(&s.deleteOps))
	fmt.Printf("  TOTAL:  %d\n", published)
	fmt.Println()

	fmt.Println("Delivered:")
	fmt.Printf("  Callbacks: %d\n", delivered)
	fmt.Printf("  Expected:  %d\n", s.Expected())
	if errs := atomic.LoadUint64(&s.publishErrors); errs > 0 {
		fmt.Printf("  Publish errors: %d\n", errs)
	}
	fmt.Println()

	min, max, avg := s.GetLatencyStats()
	p50, p90, p95, p99 := s.GetLatencyPercentiles()

	fmt.Println("Commit-to-callback latency (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
