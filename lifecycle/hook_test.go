package lifecycle

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/civicworks/changefeed/notify"
	"github.com/civicworks/changefeed/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls atomic.Int32
}

func (c *countingCleaner) CleanupAll() { c.calls.Add(1) }

func waitDone(t *testing.T, h *ShutdownHook) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestRegisterShutdownHook_OncePerProcess(t *testing.T) {
	first := &countingCleaner{}
	second := &countingCleaner{}

	h1 := RegisterShutdownHook(first)
	h2 := RegisterShutdownHook(second)
	require.Same(t, h1, h2)

	h1.Shutdown()
	h2.Shutdown()
	waitDone(t, h1)

	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestShutdownHook_Signal(t *testing.T) {
	c := &countingCleaner{}
	h := newShutdownHook(c, syscall.SIGUSR1)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	waitDone(t, h)
	assert.Equal(t, int32(1), c.calls.Load())

	// A later explicit call does nothing
	h.Shutdown()
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestShutdownHook_ClosesRegistryChannels(t *testing.T) {
	hub := notify.NewHub()
	r, err := realtime.NewRegistry(hub)
	require.NoError(t, err)

	for _, table := range []string{"documents", "permits", "inspections"} {
		_, err := r.Subscribe(table, func(*realtime.ChangeEvent) {}, realtime.Options{})
		require.NoError(t, err)
	}

	h := newShutdownHook(r, syscall.SIGUSR2)
	h.Shutdown()
	waitDone(t, h)

	assert.Equal(t, 0, r.SubscriptionCount())
	assert.Equal(t, 0, hub.OpenChannels())
}
