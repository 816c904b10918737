package telemetry

import (
	"io"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/civicworks/changefeed/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannels struct{ n atomic.Int64 }

func (f *fakeChannels) SubscriptionCount() int { return int(f.n.Load()) }

type fakeCache struct{ n int }

func (f *fakeCache) Len() int { return f.n }

func scrape(t *testing.T) string {
	t.Helper()
	handler := GetMetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func enablePrometheus(t *testing.T) {
	t.Helper()
	prev := *cfg.Config
	cfg.Config.Prometheus.Enabled = true
	cfg.Config.ClientID = "cf-test"
	InitializeTelemetry()

	t.Cleanup(func() {
		*cfg.Config = prev
		registry = nil
		InitMetrics() // back to no-ops
	})
}

func TestNoopDefaults(t *testing.T) {
	assert.NotPanics(t, func() {
		OpenChannels.Set(3)
		Registrations.Inc()
		ChannelOpensTotal.With("success").Inc()
		EventsDispatchedTotal.With("INSERT").Add(2)
		DispatchSeconds.Observe(0.001)
		RelayPublishedTotal.With("audit", "dropped").Inc()
	})
}

func TestInitializeTelemetry_Disabled(t *testing.T) {
	prev := cfg.Config.Prometheus.Enabled
	cfg.Config.Prometheus.Enabled = false
	defer func() { cfg.Config.Prometheus.Enabled = prev }()

	InitializeTelemetry()
	assert.Nil(t, GetMetricsHandler())
}

func TestInitializeTelemetry_Exports(t *testing.T) {
	enablePrometheus(t)

	ChannelOpensTotal.With("success").Inc()
	RelayPublishedTotal.With("audit", "success").Add(2)
	EventsDispatchedTotal.With("UPDATE").Inc()

	body := scrape(t)
	assert.Contains(t, body, `changefeed_channel_opens_total{client_id="cf-test",result="success"} 1`)
	assert.Contains(t, body, `changefeed_relay_published_total{client_id="cf-test",result="success",sink="audit"} 2`)
	assert.Contains(t, body, "changefeed_dispatch_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsCollector(t *testing.T) {
	enablePrometheus(t)

	channels := &fakeChannels{}
	channels.n.Store(4)
	mc := NewMetricsCollector(channels, &fakeCache{n: 9}, 5*time.Millisecond)
	mc.Start()

	// First collection runs immediately on start
	require.Eventually(t, func() bool {
		return containsLine(scrape(t), `changefeed_open_channels{client_id="cf-test"} 4`)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, scrape(t), `changefeed_query_cache_entries{client_id="cf-test"} 9`)

	channels.n.Store(0)
	require.Eventually(t, func() bool {
		return containsLine(scrape(t), `changefeed_open_channels{client_id="cf-test"} 0`)
	}, time.Second, 5*time.Millisecond)

	mc.Stop()
	mc.Stop() // idempotent
}

func TestMetricsCollector_NilSources(t *testing.T) {
	mc := NewMetricsCollector(nil, nil, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}

func containsLine(body, line string) bool {
	return slices.Contains(strings.Split(body, "\n"), line)
}
