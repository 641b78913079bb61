// Package store persists jobs, dead letter entries and robot assignments in
// SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store provides SQL-backed persistence
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the schema. SQLite file paths
// get their parent directory created.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", domain.ErrValidation, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one connection keeps :memory: databases alive and serializes writers
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(schemaFor(driver)); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, workflow_id, workflow_name, robot_id, status, priority, environment, payload,
	required_capabilities, trigger_key, retry_count, max_retries, progress, current_node,
	error_message, error_details, result, created_at, created_by, scheduled_time, queued_at,
	started_at, completed_at, first_failed_at, next_attempt_at, dead_lettered_at, version`

// SaveJob inserts or updates a job. A write whose version is not newer than
// the stored row is ignored.
func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	caps, err := json.Marshal(job.RequiredCapabilities)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			robot_id = excluded.robot_id,
			status = excluded.status,
			priority = excluded.priority,
			required_capabilities = excluded.required_capabilities,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			progress = excluded.progress,
			current_node = excluded.current_node,
			error_message = excluded.error_message,
			error_details = excluded.error_details,
			result = excluded.result,
			queued_at = excluded.queued_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			first_failed_at = excluded.first_failed_at,
			next_attempt_at = excluded.next_attempt_at,
			dead_lettered_at = excluded.dead_lettered_at,
			version = excluded.version
		WHERE jobs.version < excluded.version
	`),
		job.ID,
		job.WorkflowID,
		job.WorkflowName,
		job.RobotID,
		string(job.Status),
		int(job.Priority),
		job.Environment,
		rawText(job.Payload),
		string(caps),
		job.TriggerKey,
		job.RetryCount,
		job.MaxRetries,
		job.Progress,
		job.CurrentNode,
		job.ErrorMessage,
		job.ErrorDetails,
		rawText(job.Result),
		job.CreatedAt.UTC(),
		job.CreatedBy,
		nullTime(job.ScheduledTime),
		nullTime(job.QueuedAt),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		nullTime(job.FirstFailedAt),
		nullTime(job.NextAttemptAt),
		nullTime(job.DeadLetteredAt),
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id
func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, err
}

// LoadActiveJobs returns jobs that have not reached a terminal state, plus
// FAILED jobs that exhausted their retries but never reached the dead letter
// queue.
func (s *Store) LoadActiveJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?)
			OR (status = ? AND retry_count < max_retries)
			OR (status = ? AND dead_lettered_at IS NULL
				AND NOT EXISTS (SELECT 1 FROM dlq_entries WHERE dlq_entries.original_job_id = jobs.id))
		ORDER BY created_at
	`), string(domain.JobPending), string(domain.JobQueued), string(domain.JobRunning),
		string(domain.JobFailed), string(domain.JobFailed))
	if err != nil {
		return nil, fmt.Errorf("load active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobQuery filters ListJobs. Zero values match everything.
type JobQuery struct {
	Status     domain.JobStatus
	WorkflowID string
	RobotID    string
	Limit      int
}

// ListJobs returns stored jobs, newest first
func (s *Store) ListJobs(ctx context.Context, q JobQuery) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, q.WorkflowID)
	}
	if q.RobotID != "" {
		query += " AND robot_id = ?"
		args = append(args, q.RobotID)
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var job domain.Job
	var status string
	var priority int
	var workflowName, robotID, env, payload, caps, trigger, node, errMsg, errDetails, result, createdBy sql.NullString
	var scheduled, queued, started, completed, firstFailed, nextAttempt, deadLettered sql.NullTime

	err := row.Scan(&job.ID, &job.WorkflowID, &workflowName, &robotID, &status, &priority, &env, &payload,
		&caps, &trigger, &job.RetryCount, &job.MaxRetries, &job.Progress, &node,
		&errMsg, &errDetails, &result, &job.CreatedAt, &createdBy, &scheduled, &queued,
		&started, &completed, &firstFailed, &nextAttempt, &deadLettered, &job.Version)
	if err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	job.Priority = domain.Priority(priority).Clamp()
	job.WorkflowName = workflowName.String
	job.RobotID = robotID.String
	job.Environment = env.String
	job.TriggerKey = trigger.String
	job.CurrentNode = node.String
	job.ErrorMessage = errMsg.String
	job.ErrorDetails = errDetails.String
	job.CreatedBy = createdBy.String
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if caps.Valid && caps.String != "" && caps.String != "null" {
		if err := json.Unmarshal([]byte(caps.String), &job.RequiredCapabilities); err != nil {
			return domain.Job{}, fmt.Errorf("decode capabilities of job %s: %w", job.ID, err)
		}
	}
	job.ScheduledTime = timePtr(scheduled)
	job.QueuedAt = timePtr(queued)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.FirstFailedAt = timePtr(firstFailed)
	job.NextAttemptAt = timePtr(nextAttempt)
	job.DeadLetteredAt = timePtr(deadLettered)
	return job, nil
}

func rawText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
