// Package analytics aggregates per-cycle enrichment coverage, success, and
// error rates, both in-process (for the orchestrator's own summary) and as a
// standalone Kafka-fed service.
package analytics

// CycleStats aggregates counters for one (source, cycle) pair. The derived
// rates are guarded against division by zero: a rate with a zero denominator
// is defined as 0.0.
type CycleStats struct {
	Source         string `json:"source"`
	CycleID        string `json:"cycle_id"`
	TotalRecords   int    `json:"total_records"`
	WithinSLA      int    `json:"within_sla"`
	StaleCount     int    `json:"stale_count"`
	SuccessCount   int    `json:"success_count"`
	FailedCount    int    `json:"failed_count"`
	UnchangedCount int    `json:"unchanged_count"`
	AttemptCount   int    `json:"attempt_count"`
	APICalls       int    `json:"api_calls"`
	APIErrors      int    `json:"api_errors"`
}

// CoverageRate is the fraction of known records inside their SLA.
func (s CycleStats) CoverageRate() float64 {
	return safeRate(float64(s.WithinSLA), float64(s.TotalRecords))
}

// SuccessRate is the fraction of attempts that fetched changed content.
// Unchanged fetches keep records fresh but do not count toward it.
func (s CycleStats) SuccessRate() float64 {
	return safeRate(float64(s.SuccessCount), float64(s.AttemptCount))
}

// ErrorRate is the fraction of external API calls that failed.
func (s CycleStats) ErrorRate() float64 {
	return safeRate(float64(s.APIErrors), float64(s.APICalls))
}

// ThresholdReport is the per-dimension verdict from MeetsThresholds.
type ThresholdReport struct {
	CoverageOK bool `json:"coverage_ok"`
	SuccessOK  bool `json:"success_ok"`
	ErrorOK    bool `json:"error_ok"`
}

// OK reports whether every dimension passed.
func (r ThresholdReport) OK() bool {
	return r.CoverageOK && r.SuccessOK && r.ErrorOK
}

// MeetsThresholds compares the cycle's derived rates against alerting
// thresholds.
func (s CycleStats) MeetsThresholds(minCoverage, minSuccess, maxError float64) ThresholdReport {
	return ThresholdReport{
		CoverageOK: s.CoverageRate() >= minCoverage,
		SuccessOK:  s.SuccessRate() >= minSuccess,
		ErrorOK:    s.ErrorRate() <= maxError,
	}
}

func safeRate(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0.0
	}
	return numerator / denominator
}
