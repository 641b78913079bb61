package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

const dlqColumns = `id, original_job_id, workflow_id, workflow_name, error_message, error_details,
	retry_count, payload, priority, environment, first_failed_at, last_failed_at, created_at,
	reprocessed_at, reprocessed_by, new_job_id`

// InsertDLQEntry stores a new dead letter entry
func (s *Store) InsertDLQEntry(ctx context.Context, e domain.DLQEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dlq_entries (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		e.ID,
		e.OriginalJobID,
		e.WorkflowID,
		e.WorkflowName,
		e.ErrorMessage,
		e.ErrorDetails,
		e.RetryCount,
		rawText(e.Payload),
		int(e.Priority),
		e.Environment,
		e.FirstFailedAt.UTC(),
		e.LastFailedAt.UTC(),
		e.CreatedAt.UTC(),
		nullTime(e.ReprocessedAt),
		e.ReprocessedBy,
		e.NewJobID,
	)
	if err != nil {
		return fmt.Errorf("insert dlq entry %s: %w", e.ID, err)
	}
	return nil
}

// GetDLQEntry retrieves an entry by id
func (s *Store) GetDLQEntry(ctx context.Context, id string) (domain.DLQEntry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`), id)
	e, err := scanDLQEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DLQEntry{}, fmt.Errorf("%w: %s", domain.ErrDLQEntryNotFound, id)
	}
	return e, err
}

// ListDLQEntries returns entries newest first
func (s *Store) ListDLQEntries(ctx context.Context, f domain.DLQFilter) ([]domain.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE 1=1`
	var args []any

	if f.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, f.WorkflowID)
	}
	if f.PendingOnly {
		query += " AND reprocessed_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DLQStats counts entries, all workflows if workflowID is empty
func (s *Store) DLQStats(ctx context.Context, workflowID string) (domain.DLQStats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(CASE WHEN reprocessed_at IS NULL THEN 1 ELSE 0 END), 0) FROM dlq_entries`
	var args []any
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}

	var stats domain.DLQStats
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&stats.Total, &stats.Pending); err != nil {
		return domain.DLQStats{}, fmt.Errorf("dlq stats: %w", err)
	}
	return stats, nil
}

// ClaimDLQEntry marks a pending entry reprocessed. Only one caller can claim
// an entry; others get ErrDLQEntryNotFound.
func (s *Store) ClaimDLQEntry(ctx context.Context, id, by string, at time.Time) (domain.DLQEntry, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE dlq_entries SET reprocessed_at = ?, reprocessed_by = ?
		WHERE id = ? AND reprocessed_at IS NULL
	`), at.UTC(), by, id)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("claim dlq entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.DLQEntry{}, err
	}
	if n == 0 {
		return domain.DLQEntry{}, fmt.Errorf("%w: %s is missing or already reprocessed", domain.ErrDLQEntryNotFound, id)
	}
	return s.GetDLQEntry(ctx, id)
}

// UnclaimDLQEntry reverts a claim whose resubmission failed
func (s *Store) UnclaimDLQEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE dlq_entries SET reprocessed_at = NULL, reprocessed_by = NULL, new_job_id = NULL WHERE id = ?
	`), id)
	if err != nil {
		return fmt.Errorf("unclaim dlq entry %s: %w", id, err)
	}
	return nil
}

// SetDLQNewJobID records the job created by a retry
func (s *Store) SetDLQNewJobID(ctx context.Context, id, jobID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE dlq_entries SET new_job_id = ? WHERE id = ?`), jobID, id)
	if err != nil {
		return fmt.Errorf("set new job id of dlq entry %s: %w", id, err)
	}
	return nil
}

// DeleteDLQEntry removes an entry and reports whether it existed
func (s *Store) DeleteDLQEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM dlq_entries WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete dlq entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeDLQ deletes reprocessed entries whose reprocessed_at is before cutoff
func (s *Store) PurgeDLQ(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM dlq_entries WHERE reprocessed_at IS NOT NULL AND reprocessed_at < ?
	`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanDLQEntry(row scanner) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var priority int
	var workflowName, errMsg, errDetails, payload, env, by, newJobID sql.NullString
	var reprocessed sql.NullTime

	err := row.Scan(&e.ID, &e.OriginalJobID, &e.WorkflowID, &workflowName, &errMsg, &errDetails,
		&e.RetryCount, &payload, &priority, &env, &e.FirstFailedAt, &e.LastFailedAt, &e.CreatedAt,
		&reprocessed, &by, &newJobID)
	if err != nil {
		return domain.DLQEntry{}, err
	}

	e.Priority = domain.Priority(priority).Clamp()
	e.WorkflowName = workflowName.String
	e.ErrorMessage = errMsg.String
	e.ErrorDetails = errDetails.String
	e.Environment = env.String
	e.ReprocessedBy = by.String
	e.NewJobID = newJobID.String
	if payload.Valid && payload.String != "" {
		e.Payload = []byte(payload.String)
	}
	e.ReprocessedAt = timePtr(reprocessed)
	return e, nil
}
