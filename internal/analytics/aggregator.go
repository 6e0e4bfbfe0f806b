package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/awarddata/linkage-platform/pkg/kafka"
)

// AggregatedStats is the dashboard view the analytics service serves: totals
// across all cycles plus the most recent per-(source, cycle) snapshots.
type AggregatedStats struct {
	TotalSubjects    int64        `json:"total_subjects"`
	TotalSuccess     int64        `json:"total_success"`
	TotalUnchanged   int64        `json:"total_unchanged"`
	TotalFailed      int64        `json:"total_failed"`
	AvgLatencyMs     float64      `json:"avg_latency_ms"`
	P95LatencyMs     int64        `json:"p95_latency_ms"`
	TopErrors        []ErrorCount `json:"top_errors"`
	RecentCycles     []CycleStats `json:"recent_cycles"`
	SubjectsPerMinute float64     `json:"subjects_per_minute"`
}

type ErrorCount struct {
	Error string `json:"error"`
	Count int64  `json:"count"`
}

// Aggregator consumes enrichment events from Kafka and keeps rolling
// aggregates in memory.
type Aggregator struct {
	mu          sync.RWMutex
	latencies   []int64
	errorCounts map[string]int64
	cycles      map[string]*CycleStats // keyed source + "/" + cycle ID
	cycleOrder  []string
	totals      AggregatedStats
	startTime   time.Time

	logger *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:   make([]int64, 0, 10000),
		errorCounts: make(map[string]int64),
		cycles:      make(map[string]*CycleStats),
		startTime:   time.Now(),
		logger:      slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent returns the kafka handler that feeds an Aggregator. Subject
// and cycle events share a topic; the type tag picks the decode path.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		subj, err := kafka.DecodeJSON[SubjectEvent](value)
		if err == nil && subj.Type == EventSubjectRefreshed {
			agg.recordSubjectEvent(subj)
			return nil
		}
		cycle, err := kafka.DecodeJSON[CycleEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode enrichment event", "error", err)
			return nil
		}
		if cycle.Type != EventCycleCompleted {
			agg.logger.Warn("dropping enrichment event with unknown type", "type", cycle.Type)
			return nil
		}
		agg.recordCycleEvent(cycle)
		return nil
	}
}

func (a *Aggregator) recordSubjectEvent(event SubjectEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totals.TotalSubjects++
	switch event.Outcome {
	case OutcomeSuccess:
		a.totals.TotalSuccess++
	case OutcomeUnchanged:
		a.totals.TotalUnchanged++
	case OutcomeFailed:
		a.totals.TotalFailed++
		if event.Error != "" {
			a.errorCounts[event.Error]++
		}
	}
	a.latencies = append(a.latencies, event.LatencyMs)
}

func (a *Aggregator) recordCycleEvent(event CycleEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := event.Source + "/" + event.CycleID
	if _, exists := a.cycles[key]; !exists {
		a.cycleOrder = append(a.cycleOrder, key)
	}
	a.cycles[key] = &CycleStats{
		Source:         event.Source,
		CycleID:        event.CycleID,
		TotalRecords:   event.TotalRecords,
		WithinSLA:      event.WithinSLA,
		StaleCount:     event.StaleCount,
		SuccessCount:   event.SuccessCount,
		FailedCount:    event.FailedCount,
		UnchangedCount: event.Unchanged,
		AttemptCount:   event.AttemptCount,
		APICalls:       event.APICalls,
		APIErrors:      event.APIErrors,
	}
}

// Stats returns a snapshot of the aggregate view.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.totals
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P95LatencyMs = percentile(sorted, 95)
	}
	stats.TopErrors = topErrors(a.errorCounts, 10)

	// Most recent 20 cycles, newest last.
	start := 0
	if len(a.cycleOrder) > 20 {
		start = len(a.cycleOrder) - 20
	}
	for _, key := range a.cycleOrder[start:] {
		stats.RecentCycles = append(stats.RecentCycles, *a.cycles[key])
	}

	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.SubjectsPerMinute = float64(stats.TotalSubjects) / elapsed
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topErrors(counts map[string]int64, n int) []ErrorCount {
	result := make([]ErrorCount, 0, len(counts))
	for msg, count := range counts {
		result = append(result, ErrorCount{Error: msg, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Error < result[j].Error
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
