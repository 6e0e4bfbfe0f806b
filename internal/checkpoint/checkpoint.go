// Package checkpoint persists batch-progress markers so that interrupted
// refresh runs resume where they left off instead of re-scanning a partition
// from the start. Checkpoints are advisory: whether a subject has already
// been enriched is always answered by the freshness store, never by a
// checkpoint.
package checkpoint

import "time"

// Checkpoint marks progress through one ordered partition of subjects for a
// source. It is overwritten, not appended, on each save for the same
// (partition_id, source) key.
type Checkpoint struct {
	PartitionID            string            `json:"partition_id"`
	Source                 string            `json:"source"`
	LastProcessedSubjectID string            `json:"last_processed_subject_id,omitempty"`
	RecordsProcessed       int               `json:"records_processed"`
	RecordsFailed          int               `json:"records_failed"`
	RecordsTotal           int               `json:"records_total"`
	Timestamp              time.Time         `json:"checkpoint_timestamp"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}
