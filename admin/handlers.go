package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/civicworks/changefeed/publisher"
	"github.com/civicworks/changefeed/realtime"
	"github.com/rs/zerolog/log"
)

// Channels is the registry view the admin API inspects and resets
type Channels interface {
	Channels() []realtime.ChannelInfo
	SubscriptionCount() int
	CleanupAll()
}

// RelayStats reports relay worker counters
type RelayStats interface {
	Stats() []publisher.WorkerStats
}

// Cache is the query cache surface exposed for manual invalidation
type Cache interface {
	Len() int
	Invalidate(keys ...string)
	InvalidatePrefix(prefix string) int
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	transport string
	channels  Channels
	relay     RelayStats
	cache     Cache

	// Run after CleanupAll so long-lived subscribers register again
	cleanupHooks []func() error
}

// NewAdminHandlers creates a new AdminHandlers instance.
// relay and cache may be nil when those components are not running.
func NewAdminHandlers(transport string, channels Channels, relay RelayStats, cache Cache) *AdminHandlers {
	return &AdminHandlers{
		transport: transport,
		channels:  channels,
		relay:     relay,
		cache:     cache,
	}
}

// OnCleanup registers fn to run after the cleanup endpoint closes every
// channel. Hooks must be registered before the handlers serve requests.
func (h *AdminHandlers) OnCleanup(fn func() error) {
	h.cleanupHooks = append(h.cleanupHooks, fn)
}

// handleChannels lists open transport channels and their callback counts
func (h *AdminHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.channels.Channels())
}

// handleCleanup closes every channel, as the shutdown hook does, then runs
// the cleanup hooks so mounted watches and relay workers resubscribe
func (h *AdminHandlers) handleCleanup(w http.ResponseWriter, r *http.Request) {
	closed := h.channels.SubscriptionCount()
	h.channels.CleanupAll()

	log.Warn().
		Int("channels", closed).
		Str("remote", r.RemoteAddr).
		Msg("Realtime channels cleaned up via admin API")

	var errs []error
	for _, hook := range h.cleanupHooks {
		if err := hook(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("Resubscribe after cleanup failed")
		writeErrorResponse(w, http.StatusInternalServerError, "channels closed, resubscribe failed: "+err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"closed":   closed,
		"reopened": h.channels.SubscriptionCount(),
	})
}

// handleHealth reports liveness and a few counters
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"transport": h.transport,
		"channels":  h.channels.SubscriptionCount(),
	}
	if h.relay != nil {
		response["sinks"] = len(h.relay.Stats())
	}
	if h.cache != nil {
		response["cache_entries"] = h.cache.Len()
	}
	writeJSONResponse(w, response)
}

// handleSinks lists relay workers and their counters
func (h *AdminHandlers) handleSinks(w http.ResponseWriter, r *http.Request) {
	if h.relay == nil {
		writeJSONResponse(w, []publisher.WorkerStats{})
		return
	}
	writeJSONResponse(w, h.relay.Stats())
}

type invalidateRequest struct {
	Keys   []string `json:"keys"`
	Prefix string   `json:"prefix"`
}

// handleInvalidate marks query cache entries stale by key or prefix
func (h *AdminHandlers) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeErrorResponse(w, http.StatusNotFound, "query cache is disabled")
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Prefix = strings.TrimSpace(req.Prefix)
	if len(req.Keys) == 0 && req.Prefix == "" {
		writeErrorResponse(w, http.StatusBadRequest, "keys or prefix is required")
		return
	}

	invalidated := len(req.Keys)
	if len(req.Keys) > 0 {
		h.cache.Invalidate(req.Keys...)
	}
	if req.Prefix != "" {
		invalidated += h.cache.InvalidatePrefix(req.Prefix)
	}

	writeJSONResponse(w, map[string]interface{}{
		"invalidated": invalidated,
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
