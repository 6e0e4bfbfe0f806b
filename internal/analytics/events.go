package analytics

import "time"

type EventType string

const (
	EventSubjectRefreshed EventType = "subject_refreshed"
	EventCycleCompleted   EventType = "cycle_completed"
)

// Outcome is the terminal state of one subject within a refresh cycle.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// SubjectEvent is emitted once per subject processed in a refresh cycle.
type SubjectEvent struct {
	Type        EventType `json:"type"`
	Source      string    `json:"source"`
	CycleID     string    `json:"cycle_id"`
	SubjectID   string    `json:"subject_id"`
	Outcome     Outcome   `json:"outcome"`
	MatchMethod string    `json:"match_method,omitempty"`
	MatchScore  int       `json:"match_score,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CycleEvent is emitted once when a refresh cycle reaches a terminal state.
type CycleEvent struct {
	Type         EventType `json:"type"`
	Source       string    `json:"source"`
	CycleID      string    `json:"cycle_id"`
	State        string    `json:"state"`
	TotalRecords int       `json:"total_records"`
	WithinSLA    int       `json:"within_sla"`
	StaleCount   int       `json:"stale_count"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	Unchanged    int       `json:"unchanged_count"`
	AttemptCount int       `json:"attempt_count"`
	APICalls     int       `json:"api_calls"`
	APIErrors    int       `json:"api_errors"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}
