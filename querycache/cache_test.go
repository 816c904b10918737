package querycache

import (
	"errors"
	"testing"
	"time"

	"github.com/civicworks/changefeed/feed"
	"github.com/civicworks/changefeed/notify"
	"github.com/civicworks/changefeed/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ feed.Invalidator = (*Cache)(nil)

func TestCache_SetGetDelete(t *testing.T) {
	c := New(8, 0)

	c.Set("documents:list", []string{"doc-1"})
	v, ok := c.Get("documents:list")
	require.True(t, ok)
	assert.Equal(t, []string{"doc-1"}, v)
	assert.Equal(t, 1, c.Len())

	c.Delete("documents:list")
	_, ok = c.Get("documents:list")
	assert.False(t, ok)
}

func TestCache_SizeBound(t *testing.T) {
	c := New(2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestCache_TTL(t *testing.T) {
	c := New(8, 50*time.Millisecond)
	c.Set("a", 1)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(8, 0)
	c.Set("documents:list", 1)
	c.Set("documents:7", 2)
	c.Set("permits:list", 3)

	c.Invalidate("documents:list", "missing")
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, 1, c.InvalidatePrefix("documents:"))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("permits:list")
	assert.True(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New(8, 0)

	loads := 0
	load := func() (any, error) {
		loads++
		return "rows", nil
	}

	v, err := c.GetOrLoad("documents:list", load)
	require.NoError(t, err)
	assert.Equal(t, "rows", v)
	v, err = c.GetOrLoad("documents:list", load)
	require.NoError(t, err)
	assert.Equal(t, "rows", v)
	assert.Equal(t, 1, loads)

	_, err = c.GetOrLoad("broken", func() (any, error) { return nil, errors.New("db down") })
	assert.Error(t, err)
	_, ok := c.Get("broken")
	assert.False(t, ok)
}

func TestCache_GetOrLoadSkipsStoreAfterConcurrentInvalidation(t *testing.T) {
	c := New(8, 0)

	v, err := c.GetOrLoad("documents:list", func() (any, error) {
		// A change event lands while the query is running
		c.Invalidate("documents:list")
		return "stale rows", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale rows", v)

	_, ok := c.Get("documents:list")
	assert.False(t, ok)
}

func TestCache_InvalidatedByFeed(t *testing.T) {
	hub := notify.NewHub()
	r, err := realtime.NewRegistry(hub)
	require.NoError(t, err)

	c := New(8, 0)
	c.Set("documents:list", []string{"doc-1"})
	c.Set("permits:list", []string{"p-1"})

	f := feed.New(r, c)
	defer f.Close()
	f.Use("documents", feed.Options{Invalidates: []string{"documents:list"}})

	hub.Emit(&realtime.ChangeEvent{Type: realtime.EventInsert, Table: "documents"})

	_, ok := c.Get("documents:list")
	assert.False(t, ok)
	_, ok = c.Get("permits:list")
	assert.True(t, ok)
}
