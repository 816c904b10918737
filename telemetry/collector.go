package telemetry

import (
	"sync"
	"time"
)

// ChannelStats is implemented by the realtime registry
type ChannelStats interface {
	SubscriptionCount() int
}

// CacheStats is implemented by the query cache
type CacheStats interface {
	Len() int
}

// MetricsCollector periodically resynchronizes gauges from their sources.
// Gauges are also updated inline; the collector corrects drift after
// CleanupAll or cache expiry.
type MetricsCollector struct {
	channels ChannelStats
	cache    CacheStats
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. Either source may be nil.
func NewMetricsCollector(channels ChannelStats, cache CacheStats, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		channels: channels,
		cache:    cache,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.channels != nil {
		OpenChannels.Set(float64(mc.channels.SubscriptionCount()))
	}
	if mc.cache != nil {
		QueryCacheEntries.Set(float64(mc.cache.Len()))
	}
}
