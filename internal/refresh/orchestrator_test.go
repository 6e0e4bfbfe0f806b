package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/awarddata/linkage-platform/internal/checkpoint"
	"github.com/awarddata/linkage-platform/internal/freshness"
	"github.com/awarddata/linkage-platform/internal/match"
	"github.com/awarddata/linkage-platform/pkg/config"
	"github.com/awarddata/linkage-platform/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeFreshStore struct {
	mu      sync.Mutex
	records map[string]*freshness.Record // keyed subjectID
	failAll bool
}

func newFakeFreshStore(staleSubjects ...string) *fakeFreshStore {
	s := &fakeFreshStore{records: make(map[string]*freshness.Record)}
	for _, id := range staleSubjects {
		s.records[id] = &freshness.Record{SubjectID: id, Status: freshness.StatusPending}
	}
	return s
}

func (s *fakeFreshStore) ListStale(ctx context.Context, source string, slaDays int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, fmt.Errorf("%w: listing stale", errors.ErrStoreIO)
	}
	var out []string
	for id, rec := range s.records {
		if freshness.IsStale(rec, slaDays, time.Now()) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeFreshStore) Get(ctx context.Context, subjectID, source string) (*freshness.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[subjectID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeFreshStore) Count(ctx context.Context, source string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *fakeFreshStore) RecordAttempt(ctx context.Context, p freshness.AttemptParams) (*freshness.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, fmt.Errorf("%w: recording attempt for %s", errors.ErrStoreIO, p.SubjectID)
	}
	rec, ok := s.records[p.SubjectID]
	if !ok {
		rec = &freshness.Record{SubjectID: p.SubjectID, Source: p.Source, Metadata: map[string]string{}}
		s.records[p.SubjectID] = rec
	}
	now := time.Now().UTC()
	rec.LastAttemptAt = now
	rec.AttemptCount++
	if p.Success {
		rec.Status = freshness.StatusSuccess
		rec.LastSuccessAt = &now
		rec.PayloadHash = p.PayloadHash
		rec.SuccessCount++
		rec.ErrorMessage = ""
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		for k, v := range p.MetadataPatch {
			rec.Metadata[k] = v
		}
	} else {
		rec.Status = freshness.StatusFailed
		rec.ErrorMessage = p.ErrorMessage
	}
	cp := *rec
	return &cp, nil
}

type fakeCheckpointStore struct {
	mu        sync.Mutex
	saved     map[string]*checkpoint.Checkpoint // keyed partition/source
	lastSaved *checkpoint.Checkpoint            // survives Delete, for inspecting cleared cycles
	saves     int
	deletes   int
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: make(map[string]*checkpoint.Checkpoint)}
}

func (s *fakeCheckpointStore) key(partitionID, source string) string {
	return partitionID + "/" + source
}

func (s *fakeCheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	key := s.key(cp.PartitionID, cp.Source)
	if prev, ok := s.saved[key]; ok && prev.LastProcessedSubjectID > cp.LastProcessedSubjectID {
		return nil // monotonic guard, stale write ignored
	}
	clone := *cp
	s.saved[key] = &clone
	s.lastSaved = &clone
	return nil
}

func (s *fakeCheckpointStore) Load(ctx context.Context, partitionID, source string) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.saved[s.key(partitionID, source)]
	if !ok {
		return nil, nil
	}
	clone := *cp
	return &clone, nil
}

func (s *fakeCheckpointStore) Delete(ctx context.Context, partitionID, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.saved, s.key(partitionID, source))
	return nil
}

func (s *fakeCheckpointStore) last() *checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	failing  map[string]bool
	fetched  []string
	inFlight int
	maxSeen  int
	onFetch  func(subjectID string)
}

func newFakeFetcher(subjects ...string) *fakeFetcher {
	f := &fakeFetcher{
		payloads: make(map[string][]byte),
		failing:  make(map[string]bool),
	}
	for _, id := range subjects {
		f.payloads[id] = []byte(fmt.Sprintf(`{"name":"Entity %s","primary_id":"PID-%s"}`, id, id))
	}
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, subjectID string) (*Payload, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.fetched = append(f.fetched, subjectID)
	hook := f.onFetch
	failing := f.failing[subjectID]
	body := f.payloads[subjectID]
	f.mu.Unlock()

	if hook != nil {
		hook(subjectID)
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("%w: upstream 503 for %s", errors.ErrTransientFetch, subjectID)
	}
	payload := &Payload{SubjectID: subjectID, Body: body}
	var fields struct {
		Name        string `json:"name"`
		PrimaryID   string `json:"primary_id"`
		SecondaryID string `json:"secondary_id"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		payload.Name = fields.Name
		payload.PrimaryID = fields.PrimaryID
		payload.SecondaryID = fields.SecondaryID
	}
	return payload, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeMatcher struct{ result match.Result }

func (m *fakeMatcher) Match(q match.QueryRecord) (match.Result, error) {
	return m.result, nil
}

func testRefreshConfig() config.RefreshConfig {
	return config.RefreshConfig{
		SLADays:          7,
		BatchSize:        2,
		ConcurrencyLimit: 2,
		RatePerMinute:    100000,
		CheckpointEvery:  1,
		Partition:        "p0",
	}
}

func subjects(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%03d", i+1)
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunCycleProcessesAllStale(t *testing.T) {
	subs := subjects(5)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if summary.State != StateDone {
		t.Errorf("state = %s, want done", summary.State)
	}
	if summary.Stats.AttemptCount != 5 || summary.Stats.SuccessCount != 5 {
		t.Errorf("stats = %+v, want 5 attempts / 5 success", summary.Stats)
	}
	if summary.Stats.StaleCount != 5 || summary.Stats.TotalRecords != 5 {
		t.Errorf("selection stats wrong: %+v", summary.Stats)
	}
	if fetcher.fetchCount() != 5 {
		t.Errorf("fetched %d subjects, want 5", fetcher.fetchCount())
	}
	// Progress was checkpointed along the way, and the resume marker is
	// cleared once the cycle completes.
	last := cps.last()
	if last == nil || last.LastProcessedSubjectID != "S005" || last.RecordsProcessed != 5 {
		t.Errorf("last saved checkpoint = %+v, want S005 / 5 processed", last)
	}
	if cp, _ := cps.Load(context.Background(), "p0", "sam"); cp != nil {
		t.Errorf("completed cycle left checkpoint %+v", cp)
	}
}

func TestRunCycleResumeSkipsCheckpointed(t *testing.T) {
	subs := subjects(10)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	if err := cps.Save(context.Background(), &checkpoint.Checkpoint{
		PartitionID:            "p0",
		Source:                 "sam",
		LastProcessedSubjectID: "S004",
		RecordsProcessed:       4,
		RecordsFailed:          1,
	}); err != nil {
		t.Fatal(err)
	}
	fetcher := newFakeFetcher(subs...)

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Only the remaining 6 subjects are fetched.
	if fetcher.fetchCount() != 6 {
		t.Errorf("fetched %d, want 6", fetcher.fetchCount())
	}
	for _, id := range fetcher.fetched {
		if id <= "S004" {
			t.Errorf("re-fetched checkpointed subject %s", id)
		}
	}
	// Counts continue from the checkpoint: 4 prior + 6 now.
	last := cps.last()
	if last.RecordsProcessed != 10 || last.LastProcessedSubjectID != "S010" {
		t.Errorf("resumed checkpoint = %+v", last)
	}
	if summary.Stats.AttemptCount != 6 {
		t.Errorf("cycle attempts = %d, want 6", summary.Stats.AttemptCount)
	}
	// The resumed cycle finished, so the marker it resumed from is gone.
	if cp, _ := cps.Load(context.Background(), "p0", "sam"); cp != nil {
		t.Errorf("resumed cycle completed but left checkpoint %+v", cp)
	}
}

func TestRunCycleFailureIsolation(t *testing.T) {
	subs := subjects(4)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)
	fetcher.failing["S002"] = true

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("per-subject failures must not fail the cycle: %v", err)
	}

	if summary.State != StateDone {
		t.Errorf("state = %s, want done", summary.State)
	}
	if summary.Stats.SuccessCount != 3 || summary.Stats.FailedCount != 1 {
		t.Errorf("stats = %+v, want 3 success / 1 failed", summary.Stats)
	}
	if summary.Stats.APIErrors == 0 {
		t.Error("api errors not counted")
	}

	rec, _ := fresh.Get(context.Background(), "S002", "sam")
	if rec.Status != freshness.StatusFailed || rec.ErrorMessage == "" {
		t.Errorf("failed subject not recorded: %+v", rec)
	}
	// The cycle still checkpoints past the failed subject before clearing.
	last := cps.last()
	if last.LastProcessedSubjectID != "S004" || last.RecordsFailed != 1 {
		t.Errorf("checkpoint = %+v", last)
	}
}

func TestRunCycleStoreFailureAborts(t *testing.T) {
	subs := subjects(4)
	fresh := newFakeFreshStore(subs...)
	fresh.failAll = true
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	cfg := testRefreshConfig()
	o := New(cfg, "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))

	// ListStale itself fails first; the cycle reports Failed immediately.
	summary, err := o.RunCycle(context.Background(), nil)
	if err == nil || !errors.IsFatalToCycle(err) {
		t.Fatalf("err = %v, want store I/O failure", err)
	}
	if summary.State != StateFailed {
		t.Errorf("state = %s, want failed", summary.State)
	}
}

func TestRunCycleStoreFailureMidCycle(t *testing.T) {
	subs := subjects(6)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)
	// Trip the store after the first batch has been dispatched.
	fetcher.onFetch = func(subjectID string) {
		if subjectID >= "S003" {
			fresh.mu.Lock()
			fresh.failAll = true
			fresh.mu.Unlock()
		}
	}

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err == nil || !errors.IsFatalToCycle(err) {
		t.Fatalf("err = %v, want store I/O failure", err)
	}
	if summary.State != StateFailed {
		t.Errorf("state = %s, want failed", summary.State)
	}
	// The summary still reports the checkpoint for what was safely recorded.
	if summary.LastCheckpoint == nil {
		t.Error("failed cycle must still report its last checkpoint")
	}
}

func TestRunCycleCancellationBetweenBatches(t *testing.T) {
	subs := subjects(6)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher.onFetch = func(subjectID string) {
		if subjectID == "S002" {
			cancel()
		}
	}

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(ctx, nil)
	if err != nil {
		t.Fatalf("cancellation must be a clean exit: %v", err)
	}
	if summary.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", summary.State)
	}
	// Batch 1 (S001, S002) finishes in flight; no later batch starts.
	for _, id := range fetcher.fetched {
		if id > "S002" {
			t.Errorf("fetched %s after cancellation", id)
		}
	}
	if got := fetcher.fetchCount(); got > 2 {
		t.Errorf("fetched %d subjects after cancel, want at most 2", got)
	}
	// Cancelled cycles keep their marker so the next run resumes from it.
	cp, _ := cps.Load(context.Background(), "p0", "sam")
	if cp == nil || cp.LastProcessedSubjectID != "S002" {
		t.Errorf("cancelled cycle checkpoint = %+v, want S002", cp)
	}
	if cps.deletes != 0 {
		t.Errorf("cancelled cycle deleted its checkpoint %d times", cps.deletes)
	}
}

func TestRunCycleForcedSubjects(t *testing.T) {
	fresh := newFakeFreshStore("S001")
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher("S001", "S002")

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	// S002 is unknown to the store; forcing it seeds a record.
	summary, err := o.RunCycle(context.Background(), []string{"S002", "S001"})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Stats.AttemptCount != 2 {
		t.Errorf("attempts = %d, want 2 (forced deduplicated against stale)", summary.Stats.AttemptCount)
	}
	rec, _ := fresh.Get(context.Background(), "S002", "sam")
	if rec == nil || rec.Status != freshness.StatusSuccess {
		t.Errorf("forced subject not recorded: %+v", rec)
	}
}

func TestRunCycleUnchangedDetection(t *testing.T) {
	fresh := newFakeFreshStore()
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher("S001")

	// Seed a record whose hash already matches what the fetcher will return,
	// but stale enough to be selected.
	hash := HashPayload(fetcher.payloads["S001"])
	old := time.Now().UTC().AddDate(0, 0, -30)
	fresh.records["S001"] = &freshness.Record{
		SubjectID:     "S001",
		Status:        freshness.StatusSuccess,
		LastSuccessAt: &old,
		PayloadHash:   hash,
	}

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Stats.UnchangedCount != 1 || summary.Stats.SuccessCount != 0 {
		t.Errorf("stats = %+v, want 1 unchanged", summary.Stats)
	}
	// The attempt still refreshes last_success_at.
	rec, _ := fresh.Get(context.Background(), "S001", "sam")
	if rec.LastSuccessAt.Equal(old) {
		t.Error("unchanged refresh must still advance last_success_at")
	}
}

func TestRunCycleRecordsMatchMetadata(t *testing.T) {
	fresh := newFakeFreshStore("S001")
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher("S001")

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute),
		WithMatcher(&fakeMatcher{result: match.Result{
			MatchedEntityID: "E42",
			Score:           100,
			Method:          match.MethodFuzzyAuto,
		}}),
	)
	if _, err := o.RunCycle(context.Background(), nil); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	rec, _ := fresh.Get(context.Background(), "S001", "sam")
	if rec.Metadata["matched_entity_id"] != "E42" {
		t.Errorf("match result not recorded in metadata: %+v", rec.Metadata)
	}
	if rec.Metadata["match_method"] != string(match.MethodFuzzyAuto) || rec.Metadata["match_score"] != "100" {
		t.Errorf("match metadata incomplete: %+v", rec.Metadata)
	}
}

func TestRunCycleConcurrencyBounded(t *testing.T) {
	subs := subjects(12)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	cfg := testRefreshConfig()
	cfg.BatchSize = 12
	cfg.ConcurrencyLimit = 3

	o := New(cfg, "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	if _, err := o.RunCycle(context.Background(), nil); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if fetcher.maxSeen > 3 {
		t.Errorf("observed %d concurrent fetches, limit is 3", fetcher.maxSeen)
	}
}

func TestRunCycleNothingToDo(t *testing.T) {
	fresh := newFakeFreshStore()
	cps := newFakeCheckpointStore()
	o := New(testRefreshConfig(), "sam", fresh, cps, newFakeFetcher(), NewRateLimiter(time.Minute))

	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.State != StateDone || summary.Stats.AttemptCount != 0 {
		t.Errorf("empty cycle summary = %+v", summary)
	}
	if cps.saves != 0 {
		t.Errorf("empty cycle should not save checkpoints, saved %d", cps.saves)
	}
}

func TestRunCycleRefreshesAgainAfterCompletion(t *testing.T) {
	subs := subjects(3)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	if _, err := o.RunCycle(context.Background(), nil); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if cp, _ := cps.Load(context.Background(), "p0", "sam"); cp != nil {
		t.Fatalf("completed cycle left checkpoint %+v", cp)
	}

	// Age every record past the SLA so the next cycle sees them stale again.
	old := time.Now().UTC().AddDate(0, 0, -30)
	fresh.mu.Lock()
	for _, rec := range fresh.records {
		rec.LastSuccessAt = &old
	}
	fresh.mu.Unlock()

	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if summary.State != StateDone {
		t.Errorf("second cycle state = %s, want done", summary.State)
	}
	if summary.Stats.AttemptCount != 3 {
		t.Errorf("second cycle attempts = %d, want 3", summary.Stats.AttemptCount)
	}
	if got := fetcher.fetchCount(); got != 6 {
		t.Errorf("fetched %d subjects across two cycles, want 6", got)
	}
}

func TestRunCycleClearsExhaustedCheckpoint(t *testing.T) {
	subs := subjects(3)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	// A leftover marker at or past every stale subject trims the whole
	// selection; the empty cycle must clear it or no subject ever refreshes.
	if err := cps.Save(context.Background(), &checkpoint.Checkpoint{
		PartitionID:            "p0",
		Source:                 "sam",
		LastProcessedSubjectID: "S003",
		RecordsProcessed:       3,
	}); err != nil {
		t.Fatal(err)
	}
	fetcher := newFakeFetcher(subs...)

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if summary.State != StateDone || fetcher.fetchCount() != 0 {
		t.Fatalf("trimmed cycle: state=%s fetched=%d, want done / 0", summary.State, fetcher.fetchCount())
	}
	if cp, _ := cps.Load(context.Background(), "p0", "sam"); cp != nil {
		t.Fatalf("exhausted checkpoint not cleared: %+v", cp)
	}

	summary, err = o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if fetcher.fetchCount() != 3 {
		t.Errorf("fetched %d stale subjects after marker cleared, want 3", fetcher.fetchCount())
	}
	if summary.Stats.SuccessCount != 3 {
		t.Errorf("second cycle stats = %+v, want 3 success", summary.Stats)
	}
}

func TestCycleSummaryRates(t *testing.T) {
	subs := subjects(3)
	fresh := newFakeFreshStore(subs...)
	cps := newFakeCheckpointStore()
	fetcher := newFakeFetcher(subs...)

	o := New(testRefreshConfig(), "sam", fresh, cps, fetcher, NewRateLimiter(time.Minute))
	summary, err := o.RunCycle(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	stats := summary.Stats
	if stats.CoverageRate() != 0 {
		// All records were stale at selection time.
		t.Errorf("coverage = %f, want 0", stats.CoverageRate())
	}
	if stats.SuccessRate() != 1.0 {
		t.Errorf("success rate = %f, want 1.0", stats.SuccessRate())
	}
	report := stats.MeetsThresholds(0.0, 0.95, 0.05)
	if !report.OK() {
		t.Errorf("thresholds should pass: %+v", report)
	}
}
