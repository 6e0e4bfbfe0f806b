package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/awarddata/linkage-platform/pkg/errors"
	"github.com/awarddata/linkage-platform/pkg/postgres"
)

// Store persists checkpoints to the checkpoints table, keyed by
// (partition_id, source).
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "checkpoint-store"),
	}
}

// Save upserts a checkpoint. Saves are idempotent and monotonic: the SQL
// guard refuses to move last_processed_subject_id backwards, so a late
// writer racing a resumed run cannot regress progress. Subject IDs compare
// as strings, which is consistent with the ascending order the orchestrator
// processes them in.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint metadata: %w", err)
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO checkpoints
            (partition_id, source, last_processed_subject_id, records_processed,
             records_failed, records_total, checkpoint_timestamp, metadata)
         VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
         ON CONFLICT (partition_id, source) DO UPDATE SET
            last_processed_subject_id = EXCLUDED.last_processed_subject_id,
            records_processed         = EXCLUDED.records_processed,
            records_failed            = EXCLUDED.records_failed,
            records_total             = EXCLUDED.records_total,
            checkpoint_timestamp      = EXCLUDED.checkpoint_timestamp,
            metadata                  = EXCLUDED.metadata
         WHERE checkpoints.last_processed_subject_id IS NULL
            OR EXCLUDED.last_processed_subject_id >= checkpoints.last_processed_subject_id`,
		cp.PartitionID, cp.Source, cp.LastProcessedSubjectID, cp.RecordsProcessed,
		cp.RecordsFailed, cp.RecordsTotal, cp.Timestamp, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: saving checkpoint %s/%s: %v",
			errors.ErrStoreIO, cp.Source, cp.PartitionID, err)
	}
	return nil
}

// Load returns the checkpoint for (partitionID, source), or nil when none
// exists.
func (s *Store) Load(ctx context.Context, partitionID, source string) (*Checkpoint, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT partition_id, source, COALESCE(last_processed_subject_id, ''),
                records_processed, records_failed, records_total,
                checkpoint_timestamp, COALESCE(metadata, '{}')
         FROM checkpoints
         WHERE partition_id = $1 AND source = $2`,
		partitionID, source,
	)
	var cp Checkpoint
	var metadata []byte
	err := row.Scan(
		&cp.PartitionID, &cp.Source, &cp.LastProcessedSubjectID,
		&cp.RecordsProcessed, &cp.RecordsFailed, &cp.RecordsTotal,
		&cp.Timestamp, &metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading checkpoint %s/%s: %v",
			errors.ErrStoreIO, source, partitionID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint metadata: %w", err)
		}
	}
	return &cp, nil
}

// Delete removes the checkpoint for (partitionID, source). Deleting a
// missing checkpoint is not an error.
func (s *Store) Delete(ctx context.Context, partitionID, source string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE partition_id = $1 AND source = $2`,
		partitionID, source,
	)
	if err != nil {
		return fmt.Errorf("%w: deleting checkpoint %s/%s: %v",
			errors.ErrStoreIO, source, partitionID, err)
	}
	return nil
}
