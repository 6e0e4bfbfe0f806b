// Package refresh drives enrichment refresh cycles: it selects stale
// subjects from the freshness store, fetches them from an external source
// under bounded concurrency and a shared rate limit, records outcomes, and
// checkpoints progress so an interrupted cycle resumes without reprocessing.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/awarddata/linkage-platform/internal/analytics"
	"github.com/awarddata/linkage-platform/internal/checkpoint"
	"github.com/awarddata/linkage-platform/internal/freshness"
	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/pkg/config"
	"github.com/awarddata/linkage-platform/pkg/errors"
	"github.com/awarddata/linkage-platform/pkg/logger"
	"github.com/awarddata/linkage-platform/pkg/metrics"
	"github.com/awarddata/linkage-platform/pkg/resilience"
)

// State names the phase a refresh cycle is in. Cycles move strictly
// Selecting → Dispatching/Updating → Checkpointing and finish in one of the
// three terminal states.
type State string

const (
	StateSelecting     State = "selecting"
	StateDispatching   State = "dispatching"
	StateUpdating      State = "updating"
	StateCheckpointing State = "checkpointing"
	StateDone          State = "done"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// FreshnessStore is the slice of the freshness store the orchestrator needs.
type FreshnessStore interface {
	ListStale(ctx context.Context, source string, slaDays int) ([]string, error)
	Get(ctx context.Context, subjectID, source string) (*freshness.Record, error)
	Count(ctx context.Context, source string) (int, error)
	RecordAttempt(ctx context.Context, p freshness.AttemptParams) (*freshness.Record, error)
}

// CheckpointStore persists partition progress markers. A marker only outlives
// an interrupted cycle; Delete clears it once the cycle completes cleanly.
type CheckpointStore interface {
	Save(ctx context.Context, cp *checkpoint.Checkpoint) error
	Load(ctx context.Context, partitionID, source string) (*checkpoint.Checkpoint, error)
	Delete(ctx context.Context, partitionID, source string) error
}

// EntityMatcher resolves a fetched payload against the reference set.
type EntityMatcher interface {
	Match(q match.QueryRecord) (match.Result, error)
}

// CycleSummary is reported at the end of every cycle, including partial ones:
// the counters, terminal state, and the last checkpoint position are always
// populated so operators can see where a failed cycle stopped.
type CycleSummary struct {
	CycleID        string               `json:"cycle_id"`
	Source         string               `json:"source"`
	State          State                `json:"state"`
	Stats          analytics.CycleStats `json:"stats"`
	LastCheckpoint *checkpoint.Checkpoint `json:"last_checkpoint,omitempty"`
	Duration       time.Duration        `json:"duration"`
}

// Orchestrator runs refresh cycles for one source. Construct with New; all
// fields are fixed for the orchestrator's lifetime.
type Orchestrator struct {
	cfg       config.RefreshConfig
	source    string
	fresh     FreshnessStore
	cps       CheckpointStore
	fetcher   Fetcher
	matcher   EntityMatcher // optional
	limiter   *RateLimiter
	breaker   *resilience.CircuitBreaker
	collector *analytics.Collector // optional
	metrics   *metrics.Metrics     // optional
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMatcher enables re-matching fetched payloads against the reference set.
func WithMatcher(m EntityMatcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// WithCollector publishes per-subject and per-cycle events to analytics.
func WithCollector(c *analytics.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithMetrics records cycle progress to Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(
	cfg config.RefreshConfig,
	source string,
	fresh FreshnessStore,
	cps CheckpointStore,
	fetcher Fetcher,
	limiter *RateLimiter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		source:  source,
		fresh:   fresh,
		cps:     cps,
		fetcher: fetcher,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker("fetch-"+source, resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "refresh-orchestrator", "source", source),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// subjectResult carries one subject's outcome back from its worker.
type subjectResult struct {
	subjectID string
	outcome   analytics.Outcome
	method    match.Method
	score     int
	latencyMs int64
	errMsg    string
	apiCalls  int
	apiErrors int
	fatal     error
}

// RunCycle executes one full refresh cycle for the orchestrator's source.
// forced subjects are refreshed regardless of staleness (and seed subjects
// the store has never seen). Per-subject fetch failures are recorded and the
// cycle continues; only store I/O failures abort it, and even then the
// summary reports what was safely persisted.
func (o *Orchestrator) RunCycle(ctx context.Context, forced []string) (*CycleSummary, error) {
	cycleID := uuid.NewString()
	ctx = logger.WithCycleID(ctx, cycleID)
	start := o.now()

	summary := &CycleSummary{
		CycleID: cycleID,
		Source:  o.source,
		State:   StateSelecting,
		Stats:   analytics.CycleStats{Source: o.source, CycleID: cycleID},
	}
	log := o.logger.With("cycle_id", cycleID)
	log.Info("refresh cycle starting", "sla_days", o.cfg.SLAFor(o.source))

	work, err := o.selectSubjects(ctx, forced, summary)
	if err != nil {
		return o.finish(summary, start, StateFailed), err
	}
	if len(work) == 0 {
		log.Info("nothing to refresh")
		o.clearCheckpoint(summary, log)
		return o.finish(summary, start, StateDone), nil
	}
	log.Info("subjects selected", "stale", summary.Stats.StaleCount, "to_process", len(work))

	if err := o.runBatches(ctx, work, summary, log); err != nil {
		return o.finish(summary, start, StateFailed), err
	}

	if ctx.Err() != nil {
		return o.finish(summary, start, StateCancelled), nil
	}
	o.clearCheckpoint(summary, log)
	return o.finish(summary, start, StateDone), nil
}

// selectSubjects is the Selecting phase: stale subjects unioned with forced
// ones, sorted ascending, with already-checkpointed positions skipped.
func (o *Orchestrator) selectSubjects(ctx context.Context, forced []string, summary *CycleSummary) ([]string, error) {
	slaDays := o.cfg.SLAFor(o.source)

	stale, err := o.fresh.ListStale(ctx, o.source, slaDays)
	if err != nil {
		return nil, err
	}
	total, err := o.fresh.Count(ctx, o.source)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stale)+len(forced))
	selected := make([]string, 0, len(stale)+len(forced))
	for _, id := range stale {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			selected = append(selected, id)
		}
	}
	for _, id := range forced {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			selected = append(selected, id)
		}
	}
	sort.Strings(selected)

	summary.Stats.StaleCount = len(stale)
	summary.Stats.TotalRecords = total
	summary.Stats.WithinSLA = total - len(stale)
	if o.metrics != nil {
		o.metrics.StaleSubjects.WithLabelValues(o.source).Set(float64(len(stale)))
	}

	cp, err := o.cps.Load(ctx, o.cfg.Partition, o.source)
	if err != nil {
		return nil, err
	}
	if cp != nil && cp.LastProcessedSubjectID != "" {
		summary.LastCheckpoint = cp
		trimmed := selected[:0]
		for _, id := range selected {
			if id > cp.LastProcessedSubjectID {
				trimmed = append(trimmed, id)
			}
		}
		selected = trimmed
	}
	return selected, nil
}

// runBatches is the Dispatching/Updating/Checkpointing loop. Cancellation is
// honoured between batches only: in-flight fetches finish, no new batch
// starts, and a final checkpoint is saved before returning.
func (o *Orchestrator) runBatches(ctx context.Context, work []string, summary *CycleSummary, log *slog.Logger) error {
	batchSize := o.cfg.BatchSize
	processed := 0
	failed := 0
	if summary.LastCheckpoint != nil {
		processed = summary.LastCheckpoint.RecordsProcessed
		failed = summary.LastCheckpoint.RecordsFailed
	}
	recordsTotal := processed + len(work)
	batchesSinceSave := 0

	for batchStart := 0; batchStart < len(work); batchStart += batchSize {
		if ctx.Err() != nil {
			log.Info("cancellation requested, stopping before next batch")
			return o.saveCheckpoint(summary, processed, failed, recordsTotal)
		}

		summary.State = StateDispatching
		end := batchStart + batchSize
		if end > len(work) {
			end = len(work)
		}
		batch := work[batchStart:end]

		results := make([]subjectResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.ConcurrencyLimit)
		for i, subjectID := range batch {
			i, subjectID := i, subjectID
			g.Go(func() error {
				results[i] = o.processSubject(gctx, subjectID)
				return results[i].fatal
			})
		}
		waitErr := g.Wait()

		summary.State = StateUpdating
		lastCompleted := ""
		for _, res := range results {
			if res.subjectID == "" {
				continue // worker never ran (cancelled or aborted batch)
			}
			if res.fatal != nil {
				// The store write failed: nothing durable happened for this
				// subject, so it must not advance the checkpoint.
				continue
			}
			o.applyResult(res, summary)
			processed++
			if res.outcome == analytics.OutcomeFailed {
				failed++
			}
			if res.subjectID > lastCompleted {
				lastCompleted = res.subjectID
			}
		}
		if lastCompleted != "" {
			if summary.LastCheckpoint == nil || lastCompleted > summary.LastCheckpoint.LastProcessedSubjectID {
				summary.LastCheckpoint = &checkpoint.Checkpoint{
					PartitionID:            o.cfg.Partition,
					Source:                 o.source,
					LastProcessedSubjectID: lastCompleted,
				}
			}
		}

		if waitErr != nil && errors.IsFatalToCycle(waitErr) {
			log.Error("store failure mid-cycle, aborting", "error", waitErr)
			if cpErr := o.saveCheckpoint(summary, processed, failed, recordsTotal); cpErr != nil {
				log.Error("final checkpoint save failed", "error", cpErr)
			}
			return waitErr
		}

		summary.State = StateCheckpointing
		batchesSinceSave++
		if batchesSinceSave >= o.cfg.CheckpointEvery {
			if err := o.saveCheckpoint(summary, processed, failed, recordsTotal); err != nil {
				return err
			}
			batchesSinceSave = 0
		}
		log.Debug("batch complete",
			"processed", processed,
			"failed", failed,
			"remaining", len(work)-end,
		)
	}

	return o.saveCheckpoint(summary, processed, failed, recordsTotal)
}

// processSubject fetches and records one subject. It only returns a fatal
// error for store I/O failures; fetch failures become recorded outcomes.
func (o *Orchestrator) processSubject(ctx context.Context, subjectID string) subjectResult {
	res := subjectResult{subjectID: subjectID}
	start := o.now()
	defer func() { res.latencyMs = o.now().Sub(start).Milliseconds() }()

	if err := o.limiter.Wait(ctx, o.source, o.cfg.RatePerMinute); err != nil {
		// Cancelled while queued; the subject stays stale for the next cycle.
		res.subjectID = ""
		return res
	}

	var payload *Payload
	fetchErr := resilience.Retry(ctx, "fetch-"+o.source, resilience.RetryConfig{}, func() error {
		return o.breaker.Execute(func() error {
			res.apiCalls++
			p, err := o.fetcher.Fetch(ctx, subjectID)
			if err != nil {
				res.apiErrors++
				return err
			}
			payload = p
			return nil
		})
	})
	if o.metrics != nil {
		o.metrics.FetchLatency.WithLabelValues(o.source).Observe(o.now().Sub(start).Seconds())
		o.metrics.CircuitBreakerState.WithLabelValues("fetch-" + o.source).Set(float64(o.breaker.GetState()))
	}

	if fetchErr != nil {
		res.outcome = analytics.OutcomeFailed
		res.errMsg = fetchErr.Error()
		if _, err := o.fresh.RecordAttempt(ctx, freshness.AttemptParams{
			SubjectID:    subjectID,
			Source:       o.source,
			Success:      false,
			ErrorMessage: fetchErr.Error(),
		}); err != nil {
			res.fatal = err
		}
		return res
	}

	newHash := HashPayload(payload.Body)
	prev, err := o.fresh.Get(ctx, subjectID, o.source)
	if err != nil {
		res.fatal = err
		return res
	}
	changed := freshness.HasDelta(prev, newHash)

	metadataPatch := map[string]string{}
	if o.matcher != nil && (payload.Name != "" || payload.PrimaryID != "" || payload.SecondaryID != "") {
		matchResult, err := o.matcher.Match(match.QueryRecord{
			ID:          subjectID,
			PrimaryID:   payload.PrimaryID,
			SecondaryID: payload.SecondaryID,
			Name:        payload.Name,
		})
		if err == nil {
			res.method = matchResult.Method
			res.score = matchResult.Score
			metadataPatch["match_method"] = string(matchResult.Method)
			metadataPatch["match_score"] = strconv.Itoa(matchResult.Score)
			if matchResult.Matched() {
				metadataPatch["matched_entity_id"] = matchResult.MatchedEntityID
			}
		}
	}

	if _, err := o.fresh.RecordAttempt(ctx, freshness.AttemptParams{
		SubjectID:     subjectID,
		Source:        o.source,
		Success:       true,
		PayloadHash:   newHash,
		MetadataPatch: metadataPatch,
	}); err != nil {
		res.fatal = err
		return res
	}

	if changed {
		res.outcome = analytics.OutcomeSuccess
	} else {
		res.outcome = analytics.OutcomeUnchanged
	}
	return res
}

func (o *Orchestrator) applyResult(res subjectResult, summary *CycleSummary) {
	stats := &summary.Stats
	stats.AttemptCount++
	stats.APICalls += res.apiCalls
	stats.APIErrors += res.apiErrors
	switch res.outcome {
	case analytics.OutcomeSuccess:
		stats.SuccessCount++
	case analytics.OutcomeUnchanged:
		stats.UnchangedCount++
	case analytics.OutcomeFailed:
		stats.FailedCount++
	}
	if o.metrics != nil {
		o.metrics.RefreshSubjectsTotal.WithLabelValues(o.source, string(res.outcome)).Inc()
		o.metrics.FetchErrorsTotal.WithLabelValues(o.source).Add(float64(res.apiErrors))
	}
	if o.collector != nil {
		o.collector.TrackSubject(analytics.SubjectEvent{
			Type:        analytics.EventSubjectRefreshed,
			Source:      o.source,
			CycleID:     summary.CycleID,
			SubjectID:   res.subjectID,
			Outcome:     res.outcome,
			MatchMethod: string(res.method),
			MatchScore:  res.score,
			LatencyMs:   res.latencyMs,
			Error:       res.errMsg,
			Timestamp:   o.now().UTC(),
		})
	}
}

func (o *Orchestrator) saveCheckpoint(summary *CycleSummary, processed, failed, total int) error {
	if summary.LastCheckpoint == nil {
		return nil
	}
	cp := &checkpoint.Checkpoint{
		PartitionID:            o.cfg.Partition,
		Source:                 o.source,
		LastProcessedSubjectID: summary.LastCheckpoint.LastProcessedSubjectID,
		RecordsProcessed:       processed,
		RecordsFailed:          failed,
		RecordsTotal:           total,
		Timestamp:              o.now().UTC(),
		Metadata:               map[string]string{"cycle_id": summary.CycleID},
	}
	// Checkpoint saves use a fresh context: a cancelled cycle must still be
	// able to persist its final position.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := o.cps.Save(saveCtx, cp)
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.CheckpointSavesTotal.WithLabelValues(o.source, status).Inc()
	}
	if err != nil {
		return err
	}
	summary.LastCheckpoint = cp
	return nil
}

// clearCheckpoint removes the partition's resume marker after a cycle
// completes cleanly. A marker left behind would make every later cycle skip
// subjects at or below its position, so those subjects would never refresh
// again. Cancelled and failed cycles keep their marker to resume from.
// Deletion is best-effort: the completed cycle stands even if it fails.
func (o *Orchestrator) clearCheckpoint(summary *CycleSummary, log *slog.Logger) {
	if summary.LastCheckpoint == nil {
		return
	}
	delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.cps.Delete(delCtx, o.cfg.Partition, o.source); err != nil {
		log.Error("checkpoint delete failed", "error", err)
	}
}

// finish stamps the terminal state, emits the cycle event, and logs the
// summary. It never fails: reporting is best-effort.
func (o *Orchestrator) finish(summary *CycleSummary, start time.Time, state State) *CycleSummary {
	summary.State = state
	summary.Duration = o.now().Sub(start)

	if o.metrics != nil {
		o.metrics.CyclesTotal.WithLabelValues(o.source, string(state)).Inc()
	}
	if o.collector != nil {
		o.collector.TrackCycle(analytics.CycleEvent{
			Type:         analytics.EventCycleCompleted,
			Source:       o.source,
			CycleID:      summary.CycleID,
			State:        string(state),
			TotalRecords: summary.Stats.TotalRecords,
			WithinSLA:    summary.Stats.WithinSLA,
			StaleCount:   summary.Stats.StaleCount,
			SuccessCount: summary.Stats.SuccessCount,
			FailedCount:  summary.Stats.FailedCount,
			Unchanged:    summary.Stats.UnchangedCount,
			AttemptCount: summary.Stats.AttemptCount,
			APICalls:     summary.Stats.APICalls,
			APIErrors:    summary.Stats.APIErrors,
			DurationMs:   summary.Duration.Milliseconds(),
			Timestamp:    o.now().UTC(),
		})
	}

	checkpointPos := ""
	if summary.LastCheckpoint != nil {
		checkpointPos = summary.LastCheckpoint.LastProcessedSubjectID
	}
	o.logger.Info("refresh cycle finished",
		"cycle_id", summary.CycleID,
		"state", string(state),
		"success", summary.Stats.SuccessCount,
		"failed", summary.Stats.FailedCount,
		"unchanged", summary.Stats.UnchangedCount,
		"api_calls", summary.Stats.APICalls,
		"api_errors", summary.Stats.APIErrors,
		"last_checkpoint", checkpointPos,
		"duration", summary.Duration,
	)
	return summary
}

// Describe returns a short human-readable cycle description for CLI output.
func (s *CycleSummary) Describe() string {
	pos := "-"
	if s.LastCheckpoint != nil && s.LastCheckpoint.LastProcessedSubjectID != "" {
		pos = s.LastCheckpoint.LastProcessedSubjectID
	}
	return fmt.Sprintf("cycle %s [%s] source=%s success=%d failed=%d unchanged=%d checkpoint=%s",
		s.CycleID, s.State, s.Source,
		s.Stats.SuccessCount, s.Stats.FailedCount, s.Stats.UnchangedCount, pos)
}
