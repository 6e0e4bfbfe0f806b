// Package freshness tracks per-(subject, source) enrichment state: when a
// subject was last successfully enriched, the hash of its last known-good
// payload, and how many attempts it has absorbed. The durable store is the
// single source of truth for staleness decisions; the orchestrator never
// trusts in-memory state across a restart.
package freshness

import "time"

// Status is the enrichment state of a (subject, source) pair.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is the durable freshness state for one (subject, source) pair.
// Created on first attempt, mutated in place on every subsequent one, and
// never deleted by the engine itself.
type Record struct {
	SubjectID     string            `json:"subject_id"`
	Source        string            `json:"source"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	LastSuccessAt *time.Time        `json:"last_success_at,omitempty"`
	PayloadHash   string            `json:"payload_hash,omitempty"`
	Status        Status            `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	SuccessCount  int               `json:"success_count"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsStale reports whether rec is outside its SLA at the given instant: true
// when the subject has never been successfully enriched, or when the last
// success is older than slaDays. A nil record is always stale.
//
// Staleness is computed from the last successful fetch, not the last attempt:
// a run of transient failures must not make a subject look fresh.
func IsStale(rec *Record, slaDays int, now time.Time) bool {
	if rec == nil || rec.LastSuccessAt == nil {
		return true
	}
	return now.Sub(*rec.LastSuccessAt) > time.Duration(slaDays)*24*time.Hour
}

// HasDelta reports whether newHash differs from the last stored payload hash.
// A record with no stored hash always has a delta.
func HasDelta(rec *Record, newHash string) bool {
	if rec == nil || rec.PayloadHash == "" {
		return true
	}
	return rec.PayloadHash != newHash
}
