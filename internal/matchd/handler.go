// Package matchd is the HTTP surface of the match service: it resolves query
// records against the in-memory reference index, with a Redis result cache in
// front of the matcher.
package matchd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/internal/match/cache"
	"github.com/awarddata/linkage-platform/internal/match/refindex"
	apperrors "github.com/awarddata/linkage-platform/pkg/errors"
	"github.com/awarddata/linkage-platform/pkg/logger"
	"github.com/awarddata/linkage-platform/pkg/metrics"
)

const maxRequestBody = 1 << 20 // 1 MB

// EntityMatcher resolves one query record.
type EntityMatcher interface {
	Match(q match.QueryRecord) (match.Result, error)
}

type Handler struct {
	matcher EntityMatcher
	index   *refindex.Index
	cache   *cache.ResultCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(matcher EntityMatcher, index *refindex.Index, resultCache *cache.ResultCache, m *metrics.Metrics) *Handler {
	return &Handler{
		matcher: matcher,
		index:   index,
		cache:   resultCache,
		metrics: m,
		logger:  slog.Default().With("component", "match-handler"),
	}
}

// Match handles POST /v1/match. The body is a single query record; the
// response carries the resolution (or a null entity ID with the candidate
// list when nothing clears the auto-accept threshold).
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var query match.QueryRecord
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&query); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	io.Copy(io.Discard, body)

	var result *match.Result
	var err error
	cacheHit := false

	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, h.index.Version(), query, func() (*match.Result, error) {
			res, err := h.matcher.Match(query)
			if err != nil {
				return nil, err
			}
			return &res, nil
		})
	} else {
		var res match.Result
		res, err = h.matcher.Match(query)
		result = &res
	}

	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("match failed", "record_id", query.ID, "error", err)
			h.writeError(w, status, "match failed")
			return
		}
		h.writeError(w, status, err.Error())
		return
	}

	latency := time.Since(start)
	if h.metrics != nil {
		h.metrics.MatchRequestsTotal.WithLabelValues(string(result.Method)).Inc()
		cacheStatus := "miss"
		if cacheHit {
			cacheStatus = "hit"
		} else {
			h.metrics.MatchCandidateCount.Observe(float64(len(result.Candidates)))
		}
		h.metrics.MatchLatency.WithLabelValues(cacheStatus).Observe(latency.Seconds())
	}

	log.Info("match completed",
		"record_id", query.ID,
		"method", string(result.Method),
		"score", result.Score,
		"matched", result.Matched(),
		"candidates", len(result.Candidates),
		"cache_hit", cacheHit,
		"latency_ms", latency.Milliseconds(),
	)

	h.writeJSON(w, http.StatusOK, result)
}

// MatchBatch handles POST /v1/match/batch: an array of query records in, an
// array of resolutions out, in the same order. Per-record invalid input does
// not fail the batch; the slot carries the error message instead.
func (h *Handler) MatchBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var queries []match.QueryRecord
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&queries); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	io.Copy(io.Discard, body)

	type batchItem struct {
		Result *match.Result `json:"result,omitempty"`
		Error  string        `json:"error,omitempty"`
	}
	items := make([]batchItem, len(queries))
	for i, query := range queries {
		res, err := h.matcher.Match(query)
		if err != nil {
			items[i].Error = err.Error()
			continue
		}
		items[i].Result = &res
		if h.metrics != nil {
			h.metrics.MatchRequestsTotal.WithLabelValues(string(res.Method)).Inc()
		}
	}

	log.Info("batch match completed", "records", len(queries))
	h.writeJSON(w, http.StatusOK, items)
}

// ReferenceStats handles GET /v1/reference/stats: index size, build version,
// and any identifier collisions dropped during the build.
func (h *Handler) ReferenceStats(w http.ResponseWriter, r *http.Request) {
	dups := h.index.Duplicates()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"entities":        h.index.Len(),
		"version":         h.index.Version(),
		"duplicate_ids":   dups,
		"duplicate_count": len(dups),
	})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
