package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the aggregated refresh statistics over HTTP.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

// Stats returns the full aggregate view. An optional ?source= parameter
// restricts the recent-cycle list to one enrichment source.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.aggregator.Stats()
	if source := r.URL.Query().Get("source"); source != "" {
		filtered := stats.RecentCycles[:0:0]
		for _, c := range stats.RecentCycles {
			if c.Source == source {
				filtered = append(filtered, c)
			}
		}
		stats.RecentCycles = filtered
	}
	h.writeJSON(w, stats)
}

// Cycles returns only the recent per-cycle snapshots, newest last.
func (h *Handler) Cycles(w http.ResponseWriter, r *http.Request) {
	stats := h.aggregator.Stats()
	h.writeJSON(w, map[string]any{
		"cycles": stats.RecentCycles,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write analytics response", "error", err)
	}
}
