package store

import "strings"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    workflow_name TEXT,
    robot_id TEXT,
    status TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 1,
    environment TEXT,
    payload TEXT,
    required_capabilities TEXT,
    trigger_key TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 0,
    progress INTEGER NOT NULL DEFAULT 0,
    current_node TEXT,
    error_message TEXT,
    error_details TEXT,
    result TEXT,
    created_at {{ts}} NOT NULL,
    created_by TEXT,
    scheduled_time {{ts}},
    queued_at {{ts}},
    started_at {{ts}},
    completed_at {{ts}},
    first_failed_at {{ts}},
    next_attempt_at {{ts}},
    dead_lettered_at {{ts}},
    version BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_workflow_id ON jobs(workflow_id);
CREATE INDEX IF NOT EXISTS idx_jobs_robot_id ON jobs(robot_id);

CREATE TABLE IF NOT EXISTS dlq_entries (
    id TEXT PRIMARY KEY,
    original_job_id TEXT NOT NULL,
    workflow_id TEXT NOT NULL,
    workflow_name TEXT,
    error_message TEXT,
    error_details TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    payload TEXT,
    priority INTEGER NOT NULL DEFAULT 1,
    environment TEXT,
    first_failed_at {{ts}} NOT NULL,
    last_failed_at {{ts}} NOT NULL,
    created_at {{ts}} NOT NULL,
    reprocessed_at {{ts}},
    reprocessed_by TEXT,
    new_job_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_dlq_workflow_id ON dlq_entries(workflow_id);
CREATE INDEX IF NOT EXISTS idx_dlq_original_job_id ON dlq_entries(original_job_id);
CREATE INDEX IF NOT EXISTS idx_dlq_reprocessed_at ON dlq_entries(reprocessed_at);

CREATE TABLE IF NOT EXISTS robot_assignments (
    workflow_id TEXT NOT NULL,
    robot_id TEXT NOT NULL,
    is_default BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (workflow_id, robot_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_default
    ON robot_assignments(workflow_id) WHERE is_default;
`

// schemaFor returns the schema with driver specific column types
func schemaFor(driver string) string {
	ts := "TIMESTAMP"
	if driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{ts}}", ts).Replace(schema)
}
