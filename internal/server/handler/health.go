package handler

import (
	"net/http"
	"time"
)

// Feed is a market listener as seen by the health endpoint.
type Feed interface {
	Venue() string
	Symbols() []string
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	feeds     []Feed
}

// NewHealthHandler creates a HealthHandler reporting mode and the
// subscriptions of feeds.
func NewHealthHandler(mode string, feeds ...Feed) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: time.Now().UTC(), feeds: feeds}
}

// HealthCheck responds with the process status and feed subscriptions.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	subs := make(map[string][]string, len(h.feeds))
	for _, f := range h.feeds {
		subs[f.Venue()] = f.Symbols()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"subscriptions":  subs,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
