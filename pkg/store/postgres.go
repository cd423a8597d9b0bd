package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/drydock-sh/drydock/pkg/types"
)

// psql builds queries with Postgres $n placeholders.
var psql = sqrl.StatementBuilder.PlaceholderFormat(sqrl.Dollar)

// Postgres implements Store on a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*Postgres, error) {
	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the schema on this connection.
func (p *Postgres) Migrate(ctx context.Context) error {
	return Migrate(ctx, p.db)
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// getOne runs a select builder expecting exactly one row.
func getOne[T any](ctx context.Context, db *sqlx.DB, b sqrl.SelectBuilder, what string) (*T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var out T
	if err := db.GetContext(ctx, &out, query, args...); err != nil {
		return nil, notFoundOr(err, what)
	}
	return &out, nil
}

// selectAll runs a select builder returning all rows.
func selectAll[T any](ctx context.Context, db *sqlx.DB, b sqrl.SelectBuilder) ([]*T, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var out []*T
	if err := db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// exec runs a builder and returns the affected row count.
func exec(ctx context.Context, db sqlx.ExecerContext, b sqrl.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Directives ----

func (p *Postgres) CreateDirective(ctx context.Context, d *types.Directive) error {
	_, err := exec(ctx, p.db, psql.Insert("directives").
		Columns("id", "name", "task_config", "task_list", "approval_required",
			"max_concurrent_runs", "enabled", "version", "created_at", "updated_at").
		Values(d.ID, d.Name, d.TaskConfig, d.TaskList, d.ApprovalRequired,
			d.MaxConcurrentRuns, d.Enabled, d.Version, d.CreatedAt, d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert directive: %w", err)
	}
	return nil
}

func (p *Postgres) GetDirective(ctx context.Context, id string) (*types.Directive, error) {
	return getOne[types.Directive](ctx, p.db,
		psql.Select("*").From("directives").Where(sqrl.Eq{"id": id}), "directive")
}

func (p *Postgres) GetDirectiveByName(ctx context.Context, name string) (*types.Directive, error) {
	return getOne[types.Directive](ctx, p.db,
		psql.Select("*").From("directives").Where(sqrl.Eq{"name": name}), "directive")
}

func (p *Postgres) FirstEnabledDirective(ctx context.Context) (*types.Directive, error) {
	return getOne[types.Directive](ctx, p.db,
		psql.Select("*").From("directives").
			Where(sqrl.Eq{"enabled": true}).
			OrderBy("created_at ASC").Limit(1), "directive")
}

func (p *Postgres) ListDirectives(ctx context.Context) ([]*types.Directive, error) {
	return selectAll[types.Directive](ctx, p.db,
		psql.Select("*").From("directives").OrderBy("name ASC"))
}

func (p *Postgres) UpdateDirective(ctx context.Context, d *types.Directive) error {
	n, err := exec(ctx, p.db, psql.Update("directives").
		Set("name", d.Name).
		Set("task_config", d.TaskConfig).
		Set("task_list", d.TaskList).
		Set("approval_required", d.ApprovalRequired).
		Set("max_concurrent_runs", d.MaxConcurrentRuns).
		Set("enabled", d.Enabled).
		Set("version", sqrl.Expr("version + 1")).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": d.ID}))
	if err != nil {
		return fmt.Errorf("failed to update directive: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("directive %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteDirective(ctx context.Context, id string) error {
	n, err := exec(ctx, p.db, psql.Delete("directives").Where(sqrl.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to delete directive: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("directive %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- Runs ----

func insertRunQ(r *types.Run) sqrl.InsertBuilder {
	return psql.Insert("runs").
		Columns("id", "directive_id", "directive_snapshot", "status", "approval",
			"approved_by", "approved_at", "worker_host_id", "prompt_tokens",
			"completion_tokens", "total_tokens", "started_at", "ended_at",
			"report_markdown", "report_json", "created_at").
		Values(r.ID, r.DirectiveID, []byte(r.DirectiveSnapshot), r.Status, r.Approval,
			r.ApprovedBy, r.ApprovedAt, r.WorkerHostID, r.PromptTokens,
			r.CompletionTokens, r.TotalTokens, r.StartedAt, r.EndedAt,
			r.ReportMarkdown, []byte(r.ReportJSON), r.CreatedAt)
}

func (p *Postgres) CreateRun(ctx context.Context, r *types.Run) error {
	if _, err := exec(ctx, p.db, insertRunQ(r)); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CreateLaunch persists a run with its jobs, one-shot schedules, and binding
// rows in one transaction, so a crashed launch never leaves partial work.
func (p *Postgres) CreateLaunch(ctx context.Context, r *types.Run, jobs []*types.Job, schedules []*types.Schedule, bindings []*types.ScheduledRun) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin launch transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := exec(ctx, tx, insertRunQ(r)); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	for _, j := range jobs {
		if _, err := exec(ctx, tx, insertJobQ(j)); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
	}
	for _, s := range schedules {
		if _, err := exec(ctx, tx, insertScheduleQ(s)); err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}
	}
	for _, sr := range bindings {
		if _, err := exec(ctx, tx, insertScheduledRunQ(sr)); err != nil {
			return fmt.Errorf("failed to insert scheduled run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit launch transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*types.Run, error) {
	return getOne[types.Run](ctx, p.db,
		psql.Select("*").From("runs").Where(sqrl.Eq{"id": id}), "run")
}

func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]*types.Run, error) {
	b := psql.Select("*").From("runs").OrderBy("created_at DESC")
	if len(f.Status) > 0 {
		b = b.Where(sqrl.Eq{"status": f.Status})
	}
	if f.Since != nil {
		b = b.Where(sqrl.GtOrEq{"created_at": *f.Since})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return selectAll[types.Run](ctx, p.db, b)
}

func (p *Postgres) SetRunHost(ctx context.Context, runID, hostID string) error {
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("worker_host_id", hostID).
		Where(sqrl.Eq{"id": runID}))
	if err != nil {
		return fmt.Errorf("failed to set run host: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkRunRunning(ctx context.Context, runID string, at time.Time) error {
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("status", types.RunStatusRunning).
		Set("started_at", at).
		Where(sqrl.Eq{"id": runID, "status": types.RunStatusPending}))
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if n == 0 {
		return p.runGuardError(ctx, runID)
	}
	return nil
}

func (p *Postgres) FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrPrecondition)
	}
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("status", status).
		Set("ended_at", at).
		Where(sqrl.Eq{"id": runID}).
		Where(sqrl.Eq{"status": []types.RunStatus{types.RunStatusPending, types.RunStatusRunning}}))
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return p.runGuardError(ctx, runID)
	}
	return nil
}

// runGuardError distinguishes a missing run from a terminal one after a
// guarded update matched zero rows.
func (p *Postgres) runGuardError(ctx context.Context, runID string) error {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("run %s already terminal: %w", runID, ErrPrecondition)
}

func (p *Postgres) CancelRun(ctx context.Context, runID string, at time.Time) (*types.Run, error) {
	run, err := p.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		// Cancelling a terminal run is a no-op.
		return run, nil
	}
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("status", types.RunStatusCancelled).
		Set("ended_at", at).
		Where(sqrl.Eq{"id": runID}).
		Where(sqrl.Eq{"status": []types.RunStatus{types.RunStatusPending, types.RunStatusRunning}}))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	if n == 0 {
		// Lost the race to a terminal transition; return current state.
		return p.GetRun(ctx, runID)
	}
	return p.GetRun(ctx, runID)
}

func (p *Postgres) SetRunApproval(ctx context.Context, runID string, approval types.ApprovalStatus, by string, at time.Time) error {
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("approval", approval).
		Set("approved_by", by).
		Set("approved_at", at).
		Where(sqrl.Eq{"id": runID, "approval": types.ApprovalPending}))
	if err != nil {
		return fmt.Errorf("failed to set run approval: %w", err)
	}
	if n == 0 {
		if _, err := p.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("run %s not awaiting approval: %w", runID, ErrPrecondition)
	}
	return nil
}

func (p *Postgres) AddRunTokens(ctx context.Context, runID string, prompt, completion, total int64) error {
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("prompt_tokens", sqrl.Expr("prompt_tokens + ?", prompt)).
		Set("completion_tokens", sqrl.Expr("completion_tokens + ?", completion)).
		Set("total_tokens", sqrl.Expr("total_tokens + ?", total)).
		Where(sqrl.Eq{"id": runID}))
	if err != nil {
		return fmt.Errorf("failed to add run tokens: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) SetRunReport(ctx context.Context, runID, markdown string, structured json.RawMessage) error {
	n, err := exec(ctx, p.db, psql.Update("runs").
		Set("report_markdown", markdown).
		Set("report_json", []byte(structured)).
		Where(sqrl.Eq{"id": runID}))
	if err != nil {
		return fmt.Errorf("failed to set run report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) LastSuccessfulRun(ctx context.Context) (*types.Run, error) {
	return getOne[types.Run](ctx, p.db,
		psql.Select("*").From("runs").
			Where(sqrl.Eq{"status": types.RunStatusSuccess}).
			OrderBy("ended_at DESC").Limit(1), "run")
}

func (p *Postgres) RunsSince(ctx context.Context, t time.Time) ([]*types.Run, error) {
	return selectAll[types.Run](ctx, p.db,
		psql.Select("*").From("runs").
			Where(sqrl.Or{
				sqrl.Gt{"ended_at": t},
				sqrl.Eq{"status": []types.RunStatus{types.RunStatusPending, types.RunStatusRunning}},
			}).
			OrderBy("created_at ASC"))
}

func (p *Postgres) CountRunsByStatus(ctx context.Context, status types.RunStatus) (int, error) {
	query, args, err := psql.Select("COUNT(*)").From("runs").
		Where(sqrl.Eq{"status": status}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	var n int
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountRunningRunsForKind(ctx context.Context, kind types.TaskKind) (int, error) {
	query, args, err := psql.Select("COUNT(DISTINCT r.id)").
		From("runs r").
		Join("jobs j ON j.run_id = r.id").
		Where(sqrl.Eq{"r.status": types.RunStatusRunning, "j.kind": kind}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	var n int
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count runs by kind: %w", err)
	}
	return n, nil
}

// ---- Jobs ----

func insertJobQ(j *types.Job) sqrl.InsertBuilder {
	return psql.Insert("jobs").
		Columns("id", "run_id", "kind", "status", "started_at", "ended_at",
			"result", "error", "created_at").
		Values(j.ID, j.RunID, j.Kind, j.Status, j.StartedAt, j.EndedAt,
			[]byte(j.Result), j.Error, j.CreatedAt)
}

func (p *Postgres) CreateJob(ctx context.Context, j *types.Job) error {
	if _, err := exec(ctx, p.db, insertJobQ(j)); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return getOne[types.Job](ctx, p.db,
		psql.Select("*").From("jobs").Where(sqrl.Eq{"id": id}), "job")
}

func (p *Postgres) ListJobsByRun(ctx context.Context, runID string) ([]*types.Job, error) {
	return selectAll[types.Job](ctx, p.db,
		psql.Select("*").From("jobs").
			Where(sqrl.Eq{"run_id": runID}).OrderBy("created_at ASC"))
}

func (p *Postgres) MarkJobRunning(ctx context.Context, jobID string, at time.Time) error {
	n, err := exec(ctx, p.db, psql.Update("jobs").
		Set("status", types.JobStatusRunning).
		Set("started_at", at).
		Where(sqrl.Eq{"id": jobID, "status": types.JobStatusPending}))
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if n == 0 {
		if _, err := p.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s not pending: %w", jobID, ErrPrecondition)
	}
	return nil
}

func (p *Postgres) FinishJob(ctx context.Context, jobID string, status types.JobStatus, at time.Time, result json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrPrecondition)
	}
	n, err := exec(ctx, p.db, psql.Update("jobs").
		Set("status", status).
		Set("ended_at", at).
		Set("result", []byte(result)).
		Set("error", errMsg).
		Where(sqrl.Eq{"id": jobID}).
		Where(sqrl.Eq{"status": []types.JobStatus{types.JobStatusPending, types.JobStatusRunning}}))
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n == 0 {
		if _, err := p.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("job %s already terminal: %w", jobID, ErrPrecondition)
	}
	return nil
}

// ---- Schedules ----

func insertScheduleQ(s *types.Schedule) sqrl.InsertBuilder {
	return psql.Insert("schedules").
		Columns("id", "name", "job_kind", "directive_id", "custom_directive",
			"enabled", "kind", "interval_minutes", "cron_expr", "timezone",
			"service_map_scope", "max_global", "max_per_job", "last_run_at",
			"next_run_at", "claimed_by", "claimed_until", "created_at", "updated_at").
		Values(s.ID, s.Name, s.JobKind, s.DirectiveID, s.CustomDirective,
			s.Enabled, s.Kind, s.IntervalMinutes, s.CronExpr, s.Timezone,
			s.ServiceMapScope, s.MaxGlobal, s.MaxPerJob, s.LastRunAt,
			s.NextRunAt, s.ClaimedBy, s.ClaimedUntil, s.CreatedAt, s.UpdatedAt)
}

func (p *Postgres) CreateSchedule(ctx context.Context, s *types.Schedule) error {
	if _, err := exec(ctx, p.db, insertScheduleQ(s)); err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (p *Postgres) GetSchedule(ctx context.Context, id string) (*types.Schedule, error) {
	return getOne[types.Schedule](ctx, p.db,
		psql.Select("*").From("schedules").Where(sqrl.Eq{"id": id}), "schedule")
}

func (p *Postgres) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	return selectAll[types.Schedule](ctx, p.db,
		psql.Select("*").From("schedules").OrderBy("name ASC"))
}

func (p *Postgres) UpdateSchedule(ctx context.Context, s *types.Schedule) error {
	n, err := exec(ctx, p.db, psql.Update("schedules").
		Set("name", s.Name).
		Set("job_kind", s.JobKind).
		Set("directive_id", s.DirectiveID).
		Set("custom_directive", s.CustomDirective).
		Set("enabled", s.Enabled).
		Set("kind", s.Kind).
		Set("interval_minutes", s.IntervalMinutes).
		Set("cron_expr", s.CronExpr).
		Set("timezone", s.Timezone).
		Set("service_map_scope", s.ServiceMapScope).
		Set("max_global", s.MaxGlobal).
		Set("max_per_job", s.MaxPerJob).
		Set("next_run_at", s.NextRunAt).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": s.ID}))
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id string) error {
	n, err := exec(ctx, p.db, psql.Delete("schedules").Where(sqrl.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimDueSchedules acquires up to limit due schedules under row locks. The
// SKIP LOCKED clause guarantees two claimants never observe the same row.
func (p *Postgres) ClaimDueSchedules(ctx context.Context, now time.Time, claimant string, ttl time.Duration, limit int) ([]*types.Schedule, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var due []*types.Schedule
	err = tx.SelectContext(ctx, &due, `
		SELECT * FROM schedules
		WHERE enabled = TRUE
		  AND next_run_at <= $1
		  AND (claimed_until IS NULL OR claimed_until <= $1)
		ORDER BY next_run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil, tx.Commit()
	}

	until := now.Add(ttl)
	for _, s := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET claimed_by = $1, claimed_until = $2 WHERE id = $3`,
			claimant, until, s.ID); err != nil {
			return nil, fmt.Errorf("failed to claim schedule %s: %w", s.ID, err)
		}
		s.ClaimedBy = claimant
		u := until
		s.ClaimedUntil = &u
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim tx: %w", err)
	}
	return due, nil
}

func (p *Postgres) ReleaseClaim(ctx context.Context, scheduleID string) error {
	_, err := exec(ctx, p.db, psql.Update("schedules").
		Set("claimed_by", "").
		Set("claimed_until", nil).
		Where(sqrl.Eq{"id": scheduleID}))
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (p *Postgres) AdvanceSchedule(ctx context.Context, scheduleID string, lastRun *time.Time, nextRun time.Time) error {
	b := psql.Update("schedules").
		Set("next_run_at", nextRun).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": scheduleID})
	if lastRun != nil {
		b = b.Set("last_run_at", *lastRun)
	}
	n, err := exec(ctx, p.db, b)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	n, err := exec(ctx, p.db, psql.Update("schedules").
		Set("enabled", enabled).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkScheduleDue(ctx context.Context, id string, now time.Time) error {
	n, err := exec(ctx, p.db, psql.Update("schedules").
		Set("next_run_at", now).
		Set("updated_at", now).
		Where(sqrl.Eq{"id": id, "enabled": true}))
	if err != nil {
		return fmt.Errorf("failed to mark schedule due: %w", err)
	}
	if n == 0 {
		if _, err := p.GetSchedule(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("schedule %s disabled: %w", id, ErrPrecondition)
	}
	return nil
}

// ---- ScheduledRuns ----

func insertScheduledRunQ(sr *types.ScheduledRun) sqrl.InsertBuilder {
	return psql.Insert("scheduled_runs").
		Columns("id", "schedule_id", "run_id", "status", "started_at",
			"finished_at", "error", "created_at").
		Values(sr.ID, sr.ScheduleID, sr.RunID, sr.Status, sr.StartedAt,
			sr.FinishedAt, sr.Error, sr.CreatedAt)
}

func (p *Postgres) CreateScheduledRun(ctx context.Context, sr *types.ScheduledRun) error {
	if _, err := exec(ctx, p.db, insertScheduledRunQ(sr)); err != nil {
		return fmt.Errorf("failed to insert scheduled run: %w", err)
	}
	return nil
}

func (p *Postgres) PendingScheduledRun(ctx context.Context, scheduleID string) (*types.ScheduledRun, error) {
	sr, err := getOne[types.ScheduledRun](ctx, p.db,
		psql.Select("*").From("scheduled_runs").
			Where(sqrl.Eq{"schedule_id": scheduleID, "status": types.ScheduledRunPending}).
			OrderBy("created_at ASC").Limit(1), "scheduled run")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sr, err
}

func (p *Postgres) StartScheduledRun(ctx context.Context, id string, at time.Time) error {
	n, err := exec(ctx, p.db, psql.Update("scheduled_runs").
		Set("status", types.ScheduledRunStarted).
		Set("started_at", at).
		Where(sqrl.Eq{"id": id, "status": types.ScheduledRunPending}))
	if err != nil {
		return fmt.Errorf("failed to start scheduled run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scheduled run %s not pending: %w", id, ErrPrecondition)
	}
	return nil
}

func (p *Postgres) FinishScheduledRun(ctx context.Context, id string, status types.ScheduledRunStatus, at time.Time, errMsg string) error {
	n, err := exec(ctx, p.db, psql.Update("scheduled_runs").
		Set("status", status).
		Set("finished_at", at).
		Set("error", errMsg).
		Where(sqrl.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to finish scheduled run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("scheduled run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListScheduleHistory(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduledRun, error) {
	b := psql.Select("*").From("scheduled_runs").
		Where(sqrl.Eq{"schedule_id": scheduleID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return selectAll[types.ScheduledRun](ctx, p.db, b)
}

// ---- Worker hosts ----

func (p *Postgres) CreateWorkerHost(ctx context.Context, h *types.WorkerHost) error {
	_, err := exec(ctx, p.db, psql.Insert("worker_hosts").
		Columns("id", "name", "kind", "endpoint", "capabilities", "ssh_config",
			"enabled", "healthy", "active_runs_count", "last_seen_at",
			"created_at", "updated_at").
		Values(h.ID, h.Name, h.Kind, h.Endpoint, h.Capabilities, h.SSH,
			h.Enabled, h.Healthy, h.ActiveRuns, h.LastSeenAt,
			h.CreatedAt, h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert worker host: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkerHost(ctx context.Context, id string) (*types.WorkerHost, error) {
	return getOne[types.WorkerHost](ctx, p.db,
		psql.Select("*").From("worker_hosts").Where(sqrl.Eq{"id": id}), "worker host")
}

func (p *Postgres) ListWorkerHosts(ctx context.Context) ([]*types.WorkerHost, error) {
	return selectAll[types.WorkerHost](ctx, p.db,
		psql.Select("*").From("worker_hosts").OrderBy("name ASC"))
}

func (p *Postgres) UpdateWorkerHost(ctx context.Context, h *types.WorkerHost) error {
	b := psql.Update("worker_hosts").
		Set("name", h.Name).
		Set("kind", h.Kind).
		Set("endpoint", h.Endpoint).
		Set("capabilities", h.Capabilities).
		Set("enabled", h.Enabled).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": h.ID})
	if !h.SSH.IsZero() {
		b = b.Set("ssh_config", h.SSH)
	}
	n, err := exec(ctx, p.db, b)
	if err != nil {
		return fmt.Errorf("failed to update worker host: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("worker host %s: %w", h.ID, ErrNotFound)
	}
	return nil
}

// DeleteWorkerHost refuses to delete a host with active runs.
func (p *Postgres) DeleteWorkerHost(ctx context.Context, id string) error {
	n, err := exec(ctx, p.db, psql.Delete("worker_hosts").
		Where(sqrl.Eq{"id": id, "active_runs_count": 0}))
	if err != nil {
		return fmt.Errorf("failed to delete worker host: %w", err)
	}
	if n == 0 {
		if _, err := p.GetWorkerHost(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("worker host %s has active runs: %w", id, ErrPrecondition)
	}
	return nil
}

// IncrementActiveRuns bumps the counter iff the host is enabled, healthy,
// and below its concurrency cap. The cap lives inside the capabilities JSON,
// so the row is locked and checked in Go.
func (p *Postgres) IncrementActiveRuns(ctx context.Context, hostID string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var h types.WorkerHost
	if err := tx.GetContext(ctx, &h,
		`SELECT * FROM worker_hosts WHERE id = $1 FOR UPDATE`, hostID); err != nil {
		return notFoundOr(err, "worker host")
	}
	if !h.Enabled || !h.Healthy || !h.HasCapacity() {
		return fmt.Errorf("worker host %s not accepting runs: %w", hostID, ErrPrecondition)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE worker_hosts SET active_runs_count = active_runs_count + 1 WHERE id = $1`,
		hostID); err != nil {
		return fmt.Errorf("failed to increment active runs: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) DecrementActiveRuns(ctx context.Context, hostID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE worker_hosts
		 SET active_runs_count = GREATEST(active_runs_count - 1, 0)
		 WHERE id = $1`, hostID)
	if err != nil {
		return fmt.Errorf("failed to decrement active runs: %w", err)
	}
	return nil
}

// SetHostHealth updates the health flag. last_seen_at moves only on success,
// so staleness keeps measuring from the last good probe.
func (p *Postgres) SetHostHealth(ctx context.Context, hostID string, healthy bool, seenAt *time.Time) error {
	b := psql.Update("worker_hosts").
		Set("healthy", healthy).
		Set("updated_at", time.Now().UTC()).
		Where(sqrl.Eq{"id": hostID})
	if seenAt != nil {
		b = b.Set("last_seen_at", *seenAt)
	}
	n, err := exec(ctx, p.db, b)
	if err != nil {
		return fmt.Errorf("failed to set host health: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("worker host %s: %w", hostID, ErrNotFound)
	}
	return nil
}

// ---- Container allowlist ----

func (p *Postgres) UpsertAllowedContainer(ctx context.Context, c *types.AllowedContainer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO container_allowlist (container_id, name, description, enabled, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (container_id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    enabled = EXCLUDED.enabled, tags = EXCLUDED.tags`,
		c.ContainerID, c.Name, c.Description, c.Enabled, c.Tags, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert allowed container: %w", err)
	}
	return nil
}

func (p *Postgres) GetAllowedContainer(ctx context.Context, containerID string) (*types.AllowedContainer, error) {
	return getOne[types.AllowedContainer](ctx, p.db,
		psql.Select("*").From("container_allowlist").
			Where(sqrl.Eq{"container_id": containerID}), "allowed container")
}

func (p *Postgres) ListAllowedContainers(ctx context.Context, enabledOnly bool) ([]*types.AllowedContainer, error) {
	b := psql.Select("*").From("container_allowlist").OrderBy("container_id ASC")
	if enabledOnly {
		b = b.Where(sqrl.Eq{"enabled": true})
	}
	return selectAll[types.AllowedContainer](ctx, p.db, b)
}

func (p *Postgres) DeleteAllowedContainer(ctx context.Context, containerID string) error {
	n, err := exec(ctx, p.db, psql.Delete("container_allowlist").
		Where(sqrl.Eq{"container_id": containerID}))
	if err != nil {
		return fmt.Errorf("failed to delete allowed container: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("allowed container %s: %w", containerID, ErrNotFound)
	}
	return nil
}

// ---- Worker image allowlist ----

func (p *Postgres) UpsertWorkerImage(ctx context.Context, w *types.WorkerImage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_images (image, tag, requires_gpu, min_vram_mb, allow_cpu_fallback, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (image, tag) DO UPDATE
		SET requires_gpu = EXCLUDED.requires_gpu, min_vram_mb = EXCLUDED.min_vram_mb,
		    allow_cpu_fallback = EXCLUDED.allow_cpu_fallback, enabled = EXCLUDED.enabled`,
		w.Image, w.Tag, w.RequiresGPU, w.MinVRAMMB, w.AllowCPUFallback, w.Enabled, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert worker image: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkerImage(ctx context.Context, image, tag string) (*types.WorkerImage, error) {
	return getOne[types.WorkerImage](ctx, p.db,
		psql.Select("*").From("worker_images").
			Where(sqrl.Eq{"image": image, "tag": tag}), "worker image")
}

func (p *Postgres) ListWorkerImages(ctx context.Context) ([]*types.WorkerImage, error) {
	return selectAll[types.WorkerImage](ctx, p.db,
		psql.Select("*").From("worker_images").OrderBy("image ASC, tag ASC"))
}

func (p *Postgres) DeleteWorkerImage(ctx context.Context, image, tag string) error {
	n, err := exec(ctx, p.db, psql.Delete("worker_images").
		Where(sqrl.Eq{"image": image, "tag": tag}))
	if err != nil {
		return fmt.Errorf("failed to delete worker image: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("worker image %s:%s: %w", image, tag, ErrNotFound)
	}
	return nil
}

// ---- GPU state ----

func (p *Postgres) UpsertGPUState(ctx context.Context, g *types.GPUState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gpu_states (id, host_id, device_index, name, total_vram_mb,
			used_vram_mb, free_vram_mb, utilization_pct, active_workers, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (host_id, device_index) DO UPDATE
		SET name = EXCLUDED.name, total_vram_mb = EXCLUDED.total_vram_mb,
		    used_vram_mb = EXCLUDED.used_vram_mb, free_vram_mb = EXCLUDED.free_vram_mb,
		    utilization_pct = EXCLUDED.utilization_pct,
		    active_workers = EXCLUDED.active_workers,
		    available = EXCLUDED.available, updated_at = EXCLUDED.updated_at`,
		g.ID, g.HostID, g.DeviceIndex, g.Name, g.TotalVRAMMB,
		g.UsedVRAMMB, g.FreeVRAMMB, g.UtilizationPct, g.ActiveWorkers, g.Available, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert gpu state: %w", err)
	}
	return nil
}

func (p *Postgres) ListGPUStates(ctx context.Context, hostID string) ([]*types.GPUState, error) {
	return selectAll[types.GPUState](ctx, p.db,
		psql.Select("*").From("gpu_states").
			Where(sqrl.Eq{"host_id": hostID}).OrderBy("device_index ASC"))
}

// ---- Artifacts ----

func (p *Postgres) CreateArtifact(ctx context.Context, a *types.RunArtifact) error {
	_, err := exec(ctx, p.db, psql.Insert("run_artifacts").
		Columns("id", "run_id", "job_id", "kind", "path", "size_bytes",
			"mime_type", "created_at").
		Values(a.ID, a.RunID, a.JobID, a.Kind, a.Path, a.SizeBytes,
			a.MIMEType, a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

func (p *Postgres) GetArtifact(ctx context.Context, id string) (*types.RunArtifact, error) {
	return getOne[types.RunArtifact](ctx, p.db,
		psql.Select("*").From("run_artifacts").Where(sqrl.Eq{"id": id}), "artifact")
}

func (p *Postgres) ListArtifactsByRun(ctx context.Context, runID string) ([]*types.RunArtifact, error) {
	return selectAll[types.RunArtifact](ctx, p.db,
		psql.Select("*").From("run_artifacts").
			Where(sqrl.Eq{"run_id": runID}).OrderBy("created_at ASC"))
}

// ---- LLM telemetry ----

func (p *Postgres) CreateLLMCall(ctx context.Context, c *types.LLMCall) error {
	_, err := exec(ctx, p.db, psql.Insert("llm_calls").
		Columns("id", "job_id", "model_id", "endpoint", "prompt_tokens",
			"completion_tokens", "total_tokens", "duration_ms", "success",
			"error_kind", "created_at").
		Values(c.ID, c.JobID, c.ModelID, c.Endpoint, c.PromptTokens,
			c.CompletionTokens, c.TotalTokens, c.DurationMS, c.Success,
			c.ErrorKind, c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert llm call: %w", err)
	}
	return nil
}

func (p *Postgres) ListLLMCallsByJob(ctx context.Context, jobID string) ([]*types.LLMCall, error) {
	return selectAll[types.LLMCall](ctx, p.db,
		psql.Select("*").From("llm_calls").
			Where(sqrl.Eq{"job_id": jobID}).OrderBy("created_at ASC"))
}

func (p *Postgres) ListLLMCallsByRun(ctx context.Context, runID string) ([]*types.LLMCall, error) {
	return selectAll[types.LLMCall](ctx, p.db,
		psql.Select("c.*").From("llm_calls c").
			Join("jobs j ON j.id = c.job_id").
			Where(sqrl.Eq{"j.run_id": runID}).
			OrderBy("c.created_at ASC"))
}

func (p *Postgres) TokenStats(ctx context.Context) ([]TokenStat, error) {
	query, args, err := psql.Select(
		"model_id",
		"COUNT(*) AS calls",
		"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens",
		"COALESCE(SUM(completion_tokens), 0) AS completion_tokens",
		"COALESCE(SUM(total_tokens), 0) AS total_tokens").
		From("llm_calls").
		GroupBy("model_id").
		OrderBy("model_id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build token stats query: %w", err)
	}
	var stats []TokenStat
	if err := p.db.SelectContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select token stats: %w", err)
	}
	return stats, nil
}

// ---- Audit ----

func (p *Postgres) CreateAudit(ctx context.Context, a *types.WorkerAudit) error {
	_, err := exec(ctx, p.db, psql.Insert("worker_audits").
		Columns("id", "run_id", "job_id", "op", "container_id", "image",
			"chosen_gpu", "gpu_reason", "config_snapshot", "success", "error",
			"created_at").
		Values(a.ID, a.RunID, a.JobID, a.Op, a.ContainerID, a.Image,
			a.ChosenGPU, a.GPUReason, []byte(a.ConfigSnapshot), a.Success, a.Error,
			a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}
	return nil
}

func (p *Postgres) ListAuditByRun(ctx context.Context, runID string) ([]*types.WorkerAudit, error) {
	return selectAll[types.WorkerAudit](ctx, p.db,
		psql.Select("*").From("worker_audits").
			Where(sqrl.Eq{"run_id": runID}).OrderBy("created_at ASC"))
}
