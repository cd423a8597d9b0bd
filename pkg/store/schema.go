package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is the full Postgres DDL. Statements are idempotent so migrate can
// be re-run safely.
const Schema = `
CREATE TABLE IF NOT EXISTS directives (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL UNIQUE,
    task_config         JSONB NOT NULL DEFAULT '{}',
    task_list           JSONB NOT NULL DEFAULT '[]',
    approval_required   BOOLEAN NOT NULL DEFAULT FALSE,
    max_concurrent_runs INTEGER NOT NULL DEFAULT 0,
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    version             INTEGER NOT NULL DEFAULT 1,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id                 TEXT PRIMARY KEY,
    directive_id       TEXT,
    directive_snapshot JSONB,
    status             TEXT NOT NULL,
    approval           TEXT NOT NULL DEFAULT 'none',
    approved_by        TEXT NOT NULL DEFAULT '',
    approved_at        TIMESTAMPTZ,
    worker_host_id     TEXT,
    prompt_tokens      BIGINT NOT NULL DEFAULT 0,
    completion_tokens  BIGINT NOT NULL DEFAULT 0,
    total_tokens       BIGINT NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ,
    ended_at           TIMESTAMPTZ,
    report_markdown    TEXT NOT NULL DEFAULT '',
    report_json        JSONB,
    created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status_ended ON runs (status, ended_at);

CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at   TIMESTAMPTZ,
    result     JSONB,
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs (run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_kind_status ON jobs (kind, status, ended_at);

CREATE TABLE IF NOT EXISTS schedules (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    job_kind          TEXT NOT NULL,
    directive_id      TEXT,
    custom_directive  TEXT NOT NULL DEFAULT '',
    enabled           BOOLEAN NOT NULL DEFAULT TRUE,
    kind              TEXT NOT NULL,
    interval_minutes  INTEGER NOT NULL DEFAULT 0,
    cron_expr         TEXT NOT NULL DEFAULT '',
    timezone          TEXT NOT NULL DEFAULT 'UTC',
    service_map_scope TEXT NOT NULL DEFAULT 'allowlist',
    max_global        INTEGER NOT NULL DEFAULT 0,
    max_per_job       INTEGER NOT NULL DEFAULT 0,
    last_run_at       TIMESTAMPTZ,
    next_run_at       TIMESTAMPTZ NOT NULL,
    claimed_by        TEXT NOT NULL DEFAULT '',
    claimed_until     TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run_at);

CREATE TABLE IF NOT EXISTS scheduled_runs (
    id          TEXT PRIMARY KEY,
    schedule_id TEXT NOT NULL REFERENCES schedules (id) ON DELETE CASCADE,
    run_id      TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    status      TEXT NOT NULL,
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    error       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scheduled_runs_schedule ON scheduled_runs (schedule_id, created_at);

CREATE TABLE IF NOT EXISTS worker_hosts (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    kind              TEXT NOT NULL,
    endpoint          TEXT NOT NULL,
    capabilities      JSONB NOT NULL DEFAULT '{}',
    ssh_config        JSONB,
    enabled           BOOLEAN NOT NULL DEFAULT TRUE,
    healthy           BOOLEAN NOT NULL DEFAULT FALSE,
    active_runs_count INTEGER NOT NULL DEFAULT 0,
    last_seen_at      TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hosts_routing ON worker_hosts (enabled, healthy, last_seen_at);

CREATE TABLE IF NOT EXISTS container_allowlist (
    container_id TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    enabled      BOOLEAN NOT NULL DEFAULT TRUE,
    tags         JSONB NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_images (
    image              TEXT NOT NULL,
    tag                TEXT NOT NULL,
    requires_gpu       BOOLEAN NOT NULL DEFAULT FALSE,
    min_vram_mb        BIGINT NOT NULL DEFAULT 0,
    allow_cpu_fallback BOOLEAN NOT NULL DEFAULT FALSE,
    enabled            BOOLEAN NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (image, tag)
);

CREATE TABLE IF NOT EXISTS gpu_states (
    id              TEXT PRIMARY KEY,
    host_id         TEXT NOT NULL REFERENCES worker_hosts (id) ON DELETE CASCADE,
    device_index    INTEGER NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    total_vram_mb   BIGINT NOT NULL DEFAULT 0,
    used_vram_mb    BIGINT NOT NULL DEFAULT 0,
    free_vram_mb    BIGINT NOT NULL DEFAULT 0,
    utilization_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    active_workers  INTEGER NOT NULL DEFAULT 0,
    available       BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (host_id, device_index)
);

CREATE TABLE IF NOT EXISTS run_artifacts (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    job_id     TEXT NOT NULL DEFAULT '',
    kind       TEXT NOT NULL,
    path       TEXT NOT NULL,
    size_bytes BIGINT NOT NULL DEFAULT 0,
    mime_type  TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON run_artifacts (run_id);

CREATE TABLE IF NOT EXISTS llm_calls (
    id                TEXT PRIMARY KEY,
    job_id            TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
    model_id          TEXT NOT NULL,
    endpoint          TEXT NOT NULL DEFAULT '',
    prompt_tokens     BIGINT NOT NULL DEFAULT 0,
    completion_tokens BIGINT NOT NULL DEFAULT 0,
    total_tokens      BIGINT NOT NULL DEFAULT 0,
    duration_ms       BIGINT NOT NULL DEFAULT 0,
    success           BOOLEAN NOT NULL DEFAULT TRUE,
    error_kind        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_job_model ON llm_calls (job_id, model_id);

CREATE TABLE IF NOT EXISTS worker_audits (
    id              TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL DEFAULT '',
    job_id          TEXT NOT NULL DEFAULT '',
    op              TEXT NOT NULL,
    container_id    TEXT NOT NULL DEFAULT '',
    image           TEXT NOT NULL DEFAULT '',
    chosen_gpu      INTEGER NOT NULL DEFAULT -1,
    gpu_reason      TEXT NOT NULL DEFAULT '',
    config_snapshot JSONB,
    success         BOOLEAN NOT NULL DEFAULT TRUE,
    error           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audits_run ON worker_audits (run_id, created_at);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
