package freshness

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

// Store persists freshness records to the freshness_records table, keyed by
// (subject_id, source). All failures wrap errors.ErrStoreIO so the
// orchestrator can tell fatal store problems apart from per-subject ones.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "freshness-store"),
		now:    time.Now,
	}
}

// Get returns the record for (subjectID, source), or nil when none exists.
func (s *Store) Get(ctx context.Context, subjectID, source string) (*Record, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT subject_id, source, last_attempt_at, last_success_at,
                COALESCE(payload_hash, ''), status, attempt_count, success_count,
                COALESCE(error_message, ''), COALESCE(metadata, '{}')
         FROM freshness_records
         WHERE subject_id = $1 AND source = $2`,
		subjectID, source,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting freshness record %s/%s: %v",
			errors.ErrStoreIO, source, subjectID, err)
	}
	return rec, nil
}

// Put upserts a record wholesale, overwriting any existing row for the key.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	metadata, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO freshness_records
            (subject_id, source, last_attempt_at, last_success_at, payload_hash,
             status, attempt_count, success_count, error_message, metadata)
         VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10)
         ON CONFLICT (subject_id, source) DO UPDATE SET
            last_attempt_at = EXCLUDED.last_attempt_at,
            last_success_at = EXCLUDED.last_success_at,
            payload_hash    = EXCLUDED.payload_hash,
            status          = EXCLUDED.status,
            attempt_count   = EXCLUDED.attempt_count,
            success_count   = EXCLUDED.success_count,
            error_message   = EXCLUDED.error_message,
            metadata        = EXCLUDED.metadata`,
		rec.SubjectID, rec.Source, rec.LastAttemptAt, rec.LastSuccessAt,
		rec.PayloadHash, rec.Status, rec.AttemptCount, rec.SuccessCount,
		rec.ErrorMessage, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: putting freshness record %s/%s: %v",
			errors.ErrStoreIO, rec.Source, rec.SubjectID, err)
	}
	return nil
}

// ListStale returns the subject IDs for source whose records fail the SLA,
// sorted ascending. Subjects the store has never seen are the caller's
// responsibility to enumerate separately.
func (s *Store) ListStale(ctx context.Context, source string, slaDays int) ([]string, error) {
	cutoff := s.now().UTC().Add(-time.Duration(slaDays) * 24 * time.Hour)
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT subject_id FROM freshness_records
         WHERE source = $1 AND (last_success_at IS NULL OR last_success_at < $2)
         ORDER BY subject_id`,
		source, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing stale subjects for %s: %v",
			errors.ErrStoreIO, source, err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scanning stale subject: %v", errors.ErrStoreIO, err)
		}
		subjects = append(subjects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating stale subjects: %v", errors.ErrStoreIO, err)
	}
	return subjects, nil
}

// Count returns the number of records known for source.
func (s *Store) Count(ctx context.Context, source string) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM freshness_records WHERE source = $1`, source,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: counting records for %s: %v", errors.ErrStoreIO, source, err)
	}
	return n, nil
}

// AttemptParams describes one attempt outcome for RecordAttempt.
type AttemptParams struct {
	SubjectID     string
	Source        string
	Success       bool
	PayloadHash   string
	ErrorMessage  string
	MetadataPatch map[string]string
}

// RecordAttempt is the single mutation entry point for freshness state. It
// always increments attempt_count. On success it advances last_success_at,
// stores the new payload hash, bumps success_count, clears the error, and
// merges the metadata patch. On failure it records the error and leaves
// last_success_at and payload_hash untouched, so a transient failure never
// erases the last known-good state.
func (s *Store) RecordAttempt(ctx context.Context, p AttemptParams) (*Record, error) {
	var result *Record
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT subject_id, source, last_attempt_at, last_success_at,
                    COALESCE(payload_hash, ''), status, attempt_count, success_count,
                    COALESCE(error_message, ''), COALESCE(metadata, '{}')
             FROM freshness_records
             WHERE subject_id = $1 AND source = $2
             FOR UPDATE`,
			p.SubjectID, p.Source,
		)
		rec, err := scanRecord(row)
		if err == sql.ErrNoRows {
			rec = &Record{
				SubjectID: p.SubjectID,
				Source:    p.Source,
				Status:    StatusPending,
				Metadata:  map[string]string{},
			}
		} else if err != nil {
			return err
		}

		now := s.now().UTC()
		rec.LastAttemptAt = now
		rec.AttemptCount++
		if p.Success {
			rec.Status = StatusSuccess
			rec.LastSuccessAt = &now
			rec.PayloadHash = p.PayloadHash
			rec.SuccessCount++
			rec.ErrorMessage = ""
			for k, v := range p.MetadataPatch {
				if rec.Metadata == nil {
					rec.Metadata = map[string]string{}
				}
				rec.Metadata[k] = v
			}
		} else {
			rec.Status = StatusFailed
			rec.ErrorMessage = p.ErrorMessage
		}

		metadata, err := json.Marshal(orEmpty(rec.Metadata))
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO freshness_records
                (subject_id, source, last_attempt_at, last_success_at, payload_hash,
                 status, attempt_count, success_count, error_message, metadata)
             VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10)
             ON CONFLICT (subject_id, source) DO UPDATE SET
                last_attempt_at = EXCLUDED.last_attempt_at,
                last_success_at = EXCLUDED.last_success_at,
                payload_hash    = EXCLUDED.payload_hash,
                status          = EXCLUDED.status,
                attempt_count   = EXCLUDED.attempt_count,
                success_count   = EXCLUDED.success_count,
                error_message   = EXCLUDED.error_message,
                metadata        = EXCLUDED.metadata`,
			rec.SubjectID, rec.Source, rec.LastAttemptAt, rec.LastSuccessAt,
			rec.PayloadHash, rec.Status, rec.AttemptCount, rec.SuccessCount,
			rec.ErrorMessage, metadata,
		)
		if err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: recording attempt %s/%s: %v",
			errors.ErrStoreIO, p.Source, p.SubjectID, err)
	}
	return result, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var lastSuccess sql.NullTime
	var metadata []byte
	err := row.Scan(
		&rec.SubjectID, &rec.Source, &rec.LastAttemptAt, &lastSuccess,
		&rec.PayloadHash, &rec.Status, &rec.AttemptCount, &rec.SuccessCount,
		&rec.ErrorMessage, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		rec.LastSuccessAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &rec, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
