package lifecycle

import (
	"sync"

	"github.com/civicworks/changefeed/feed"
	"github.com/civicworks/changefeed/realtime"
	"github.com/rs/zerolog/log"
)

// FeedComponent owns one feed for the duration of a mount. Start creates
// a fresh feed and subscribes; Stop closes it, releasing its registration.
type FeedComponent struct {
	mux         realtime.Multiplexer
	invalidator feed.Invalidator
	table       string
	opts        feed.Options

	mu   sync.Mutex
	feed *feed.Feed
}

// NewFeedComponent describes a feed on table to be started on mount
func NewFeedComponent(mux realtime.Multiplexer, inv feed.Invalidator, table string, opts feed.Options) *FeedComponent {
	return &FeedComponent{
		mux:         mux,
		invalidator: inv,
		table:       table,
		opts:        opts,
	}
}

// Start subscribes. A subscription failure leaves the feed degraded and
// is not a start failure.
func (c *FeedComponent) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.feed != nil {
		return ErrAlreadyStarted
	}

	c.feed = feed.New(c.mux, c.invalidator)
	state := c.feed.Use(c.table, c.opts)
	if state.Err != nil {
		log.Warn().Err(state.Err).Str("table", c.table).Msg("Feed started without a live subscription")
	}
	return nil
}

// Stop releases the subscription
func (c *FeedComponent) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.feed == nil {
		return
	}
	c.feed.Close()
	c.feed = nil
}

// State reports the state of the running feed; zero when stopped
func (c *FeedComponent) State() feed.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.feed == nil {
		return feed.State{}
	}
	return c.feed.State()
}

// Table returns the watched table
func (c *FeedComponent) Table() string {
	return c.table
}
