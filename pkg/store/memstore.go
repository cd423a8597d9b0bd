package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drydock-sh/drydock/pkg/types"
)

// Mem is an in-memory Store with the same guarded-mutation semantics as the
// Postgres implementation. It backs the test suites and single-binary demos;
// claim acquisition is serialized under one mutex, which satisfies the
// claim invariant without row locks.
type Mem struct {
	mu sync.Mutex

	directives    map[string]*types.Directive
	runs          map[string]*types.Run
	jobs          map[string]*types.Job
	schedules     map[string]*types.Schedule
	scheduledRuns map[string]*types.ScheduledRun
	hosts         map[string]*types.WorkerHost
	containers    map[string]*types.AllowedContainer
	images        map[string]*types.WorkerImage
	gpus          map[string]*types.GPUState
	artifacts     map[string]*types.RunArtifact
	llmCalls      map[string]*types.LLMCall
	audits        []*types.WorkerAudit
}

var _ Store = (*Mem)(nil)

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		directives:    make(map[string]*types.Directive),
		runs:          make(map[string]*types.Run),
		jobs:          make(map[string]*types.Job),
		schedules:     make(map[string]*types.Schedule),
		scheduledRuns: make(map[string]*types.ScheduledRun),
		hosts:         make(map[string]*types.WorkerHost),
		containers:    make(map[string]*types.AllowedContainer),
		images:        make(map[string]*types.WorkerImage),
		gpus:          make(map[string]*types.GPUState),
		artifacts:     make(map[string]*types.RunArtifact),
		llmCalls:      make(map[string]*types.LLMCall),
	}
}

func (m *Mem) Close() error { return nil }

// ---- Directives ----

func (m *Mem) CreateDirective(_ context.Context, d *types.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.directives[d.ID] = &cp
	return nil
}

func (m *Mem) GetDirective(_ context.Context, id string) (*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.directives[id]
	if !ok {
		return nil, fmt.Errorf("directive %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *Mem) GetDirectiveByName(_ context.Context, name string) (*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.directives {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("directive %s: %w", name, ErrNotFound)
}

func (m *Mem) FirstEnabledDirective(_ context.Context) (*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *types.Directive
	for _, d := range m.directives {
		if !d.Enabled {
			continue
		}
		if first == nil || d.CreatedAt.Before(first.CreatedAt) {
			first = d
		}
	}
	if first == nil {
		return nil, fmt.Errorf("enabled directive: %w", ErrNotFound)
	}
	cp := *first
	return &cp, nil
}

func (m *Mem) ListDirectives(_ context.Context) ([]*types.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Directive, 0, len(m.directives))
	for _, d := range m.directives {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) UpdateDirective(_ context.Context, d *types.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.directives[d.ID]
	if !ok {
		return fmt.Errorf("directive %s: %w", d.ID, ErrNotFound)
	}
	cp := *d
	cp.Version = cur.Version + 1
	cp.UpdatedAt = time.Now().UTC()
	m.directives[d.ID] = &cp
	return nil
}

func (m *Mem) DeleteDirective(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.directives[id]; !ok {
		return fmt.Errorf("directive %s: %w", id, ErrNotFound)
	}
	delete(m.directives, id)
	return nil
}

// ---- Runs ----

func (m *Mem) CreateRun(_ context.Context, r *types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Mem) CreateLaunch(_ context.Context, r *types.Run, jobs []*types.Job, schedules []*types.Schedule, bindings []*types.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runCp := *r
	m.runs[r.ID] = &runCp
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	for _, s := range schedules {
		cp := *s
		m.schedules[s.ID] = &cp
	}
	for _, sr := range bindings {
		cp := *sr
		m.scheduledRuns[sr.ID] = &cp
	}
	return nil
}

func (m *Mem) GetRun(_ context.Context, id string) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRunLocked(id)
}

func (m *Mem) getRunLocked(id string) (*types.Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Mem) ListRuns(_ context.Context, f RunFilter) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Run
	for _, r := range m.runs {
		if len(f.Status) > 0 {
			match := false
			for _, s := range f.Status {
				if r.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) SetRunHost(_ context.Context, runID, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.WorkerHostID = &hostID
	return nil
}

func (m *Mem) MarkRunRunning(_ context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if r.Status != types.RunStatusPending {
		return fmt.Errorf("run %s not pending: %w", runID, ErrPrecondition)
	}
	r.Status = types.RunStatusRunning
	t := at
	r.StartedAt = &t
	return nil
}

func (m *Mem) FinishRun(_ context.Context, runID string, status types.RunStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrPrecondition)
	}
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if r.Status.Terminal() {
		return fmt.Errorf("run %s already terminal: %w", runID, ErrPrecondition)
	}
	r.Status = status
	t := at
	r.EndedAt = &t
	return nil
}

func (m *Mem) CancelRun(_ context.Context, runID string, at time.Time) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if !r.Status.Terminal() {
		r.Status = types.RunStatusCancelled
		t := at
		r.EndedAt = &t
	}
	cp := *r
	return &cp, nil
}

func (m *Mem) SetRunApproval(_ context.Context, runID string, approval types.ApprovalStatus, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if r.Approval != types.ApprovalPending {
		return fmt.Errorf("run %s not awaiting approval: %w", runID, ErrPrecondition)
	}
	r.Approval = approval
	r.ApprovedBy = by
	t := at
	r.ApprovedAt = &t
	return nil
}

func (m *Mem) AddRunTokens(_ context.Context, runID string, prompt, completion, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.PromptTokens += prompt
	r.CompletionTokens += completion
	r.TotalTokens += total
	return nil
}

func (m *Mem) SetRunReport(_ context.Context, runID, markdown string, structured json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.ReportMarkdown = markdown
	r.ReportJSON = append(json.RawMessage(nil), structured...)
	return nil
}

func (m *Mem) LastSuccessfulRun(_ context.Context) (*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Run
	for _, r := range m.runs {
		if r.Status != types.RunStatusSuccess || r.EndedAt == nil {
			continue
		}
		if best == nil || r.EndedAt.After(*best.EndedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("successful run: %w", ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (m *Mem) RunsSince(_ context.Context, t time.Time) ([]*types.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Run
	for _, r := range m.runs {
		active := r.Status == types.RunStatusPending || r.Status == types.RunStatusRunning
		endedAfter := r.EndedAt != nil && r.EndedAt.After(t)
		if active || endedAfter {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) CountRunsByStatus(_ context.Context, status types.RunStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Mem) CountRunningRunsForKind(_ context.Context, kind types.TaskKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, j := range m.jobs {
		if j.Kind != kind {
			continue
		}
		if r, ok := m.runs[j.RunID]; ok && r.Status == types.RunStatusRunning {
			seen[r.ID] = true
		}
	}
	return len(seen), nil
}

// ---- Jobs ----

func (m *Mem) CreateJob(_ context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Mem) GetJob(_ context.Context, id string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (m *Mem) ListJobsByRun(_ context.Context, runID string) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if j.RunID == runID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) MarkJobRunning(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.Status != types.JobStatusPending {
		return fmt.Errorf("job %s not pending: %w", jobID, ErrPrecondition)
	}
	j.Status = types.JobStatusRunning
	t := at
	j.StartedAt = &t
	return nil
}

func (m *Mem) FinishJob(_ context.Context, jobID string, status types.JobStatus, at time.Time, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrPrecondition)
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("job %s already terminal: %w", jobID, ErrPrecondition)
	}
	j.Status = status
	t := at
	j.EndedAt = &t
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = errMsg
	return nil
}

// ---- Schedules ----

func (m *Mem) CreateSchedule(_ context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *Mem) GetSchedule(_ context.Context, id string) (*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Mem) ListSchedules(_ context.Context) ([]*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) UpdateSchedule(_ context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("schedule %s: %w", s.ID, ErrNotFound)
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.schedules[s.ID] = &cp
	return nil
}

func (m *Mem) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(m.schedules, id)
	return nil
}

func (m *Mem) ClaimDueSchedules(_ context.Context, now time.Time, claimant string, ttl time.Duration, limit int) ([]*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*types.Schedule
	for _, s := range m.schedules {
		if !s.Enabled || s.NextRunAt.After(now) {
			continue
		}
		if s.ClaimedUntil != nil && s.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(ttl)
	out := make([]*types.Schedule, 0, len(due))
	for _, s := range due {
		s.ClaimedBy = claimant
		u := until
		s.ClaimedUntil = &u
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Mem) ReleaseClaim(_ context.Context, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[scheduleID]; ok {
		s.ClaimedBy = ""
		s.ClaimedUntil = nil
	}
	return nil
}

func (m *Mem) AdvanceSchedule(_ context.Context, scheduleID string, lastRun *time.Time, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	if lastRun != nil {
		t := *lastRun
		s.LastRunAt = &t
	}
	s.NextRunAt = nextRun
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Mem) SetScheduleEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Mem) MarkScheduleDue(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if !s.Enabled {
		return fmt.Errorf("schedule %s disabled: %w", id, ErrPrecondition)
	}
	s.NextRunAt = now
	s.UpdatedAt = now
	return nil
}

// ---- ScheduledRuns ----

func (m *Mem) CreateScheduledRun(_ context.Context, sr *types.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sr
	m.scheduledRuns[sr.ID] = &cp
	return nil
}

func (m *Mem) PendingScheduledRun(_ context.Context, scheduleID string) (*types.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *types.ScheduledRun
	for _, sr := range m.scheduledRuns {
		if sr.ScheduleID != scheduleID || sr.Status != types.ScheduledRunPending {
			continue
		}
		if oldest == nil || sr.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sr
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (m *Mem) StartScheduledRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduledRuns[id]
	if !ok {
		return fmt.Errorf("scheduled run %s: %w", id, ErrNotFound)
	}
	if sr.Status != types.ScheduledRunPending {
		return fmt.Errorf("scheduled run %s not pending: %w", id, ErrPrecondition)
	}
	sr.Status = types.ScheduledRunStarted
	t := at
	sr.StartedAt = &t
	return nil
}

func (m *Mem) FinishScheduledRun(_ context.Context, id string, status types.ScheduledRunStatus, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduledRuns[id]
	if !ok {
		return fmt.Errorf("scheduled run %s: %w", id, ErrNotFound)
	}
	sr.Status = status
	t := at
	sr.FinishedAt = &t
	sr.Error = errMsg
	return nil
}

func (m *Mem) ListScheduleHistory(_ context.Context, scheduleID string, limit int) ([]*types.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ScheduledRun
	for _, sr := range m.scheduledRuns {
		if sr.ScheduleID == scheduleID {
			cp := *sr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- Worker hosts ----

func (m *Mem) CreateWorkerHost(_ context.Context, h *types.WorkerHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.hosts[h.ID] = &cp
	return nil
}

func (m *Mem) GetWorkerHost(_ context.Context, id string) (*types.WorkerHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("worker host %s: %w", id, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *Mem) ListWorkerHosts(_ context.Context) ([]*types.WorkerHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.WorkerHost, 0, len(m.hosts))
	for _, h := range m.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) UpdateWorkerHost(_ context.Context, h *types.WorkerHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.hosts[h.ID]
	if !ok {
		return fmt.Errorf("worker host %s: %w", h.ID, ErrNotFound)
	}
	cp := *h
	// SSH credentials are write-only: an empty config on update keeps the
	// stored one.
	if cp.SSH.IsZero() {
		cp.SSH = cur.SSH
	}
	cp.ActiveRuns = cur.ActiveRuns
	cp.Healthy = cur.Healthy
	cp.LastSeenAt = cur.LastSeenAt
	cp.UpdatedAt = time.Now().UTC()
	m.hosts[h.ID] = &cp
	return nil
}

func (m *Mem) DeleteWorkerHost(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return fmt.Errorf("worker host %s: %w", id, ErrNotFound)
	}
	if h.ActiveRuns > 0 {
		return fmt.Errorf("worker host %s has active runs: %w", id, ErrPrecondition)
	}
	delete(m.hosts, id)
	return nil
}

func (m *Mem) IncrementActiveRuns(_ context.Context, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[hostID]
	if !ok {
		return fmt.Errorf("worker host %s: %w", hostID, ErrNotFound)
	}
	if !h.Enabled || !h.Healthy || !h.HasCapacity() {
		return fmt.Errorf("worker host %s not accepting runs: %w", hostID, ErrPrecondition)
	}
	h.ActiveRuns++
	return nil
}

func (m *Mem) DecrementActiveRuns(_ context.Context, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[hostID]
	if !ok {
		return fmt.Errorf("worker host %s: %w", hostID, ErrNotFound)
	}
	if h.ActiveRuns > 0 {
		h.ActiveRuns--
	}
	return nil
}

func (m *Mem) SetHostHealth(_ context.Context, hostID string, healthy bool, seenAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[hostID]
	if !ok {
		return fmt.Errorf("worker host %s: %w", hostID, ErrNotFound)
	}
	h.Healthy = healthy
	if seenAt != nil {
		t := *seenAt
		h.LastSeenAt = &t
	}
	h.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- Container allowlist ----

func (m *Mem) UpsertAllowedContainer(_ context.Context, c *types.AllowedContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.containers[c.ContainerID] = &cp
	return nil
}

func (m *Mem) GetAllowedContainer(_ context.Context, containerID string) (*types.AllowedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("allowed container %s: %w", containerID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Mem) ListAllowedContainers(_ context.Context, enabledOnly bool) ([]*types.AllowedContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AllowedContainer
	for _, c := range m.containers {
		if enabledOnly && !c.Enabled {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (m *Mem) DeleteAllowedContainer(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[containerID]; !ok {
		return fmt.Errorf("allowed container %s: %w", containerID, ErrNotFound)
	}
	delete(m.containers, containerID)
	return nil
}

// ---- Worker image allowlist ----

func imageKey(image, tag string) string { return image + ":" + tag }

func (m *Mem) UpsertWorkerImage(_ context.Context, w *types.WorkerImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.images[imageKey(w.Image, w.Tag)] = &cp
	return nil
}

func (m *Mem) GetWorkerImage(_ context.Context, image, tag string) (*types.WorkerImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.images[imageKey(image, tag)]
	if !ok {
		return nil, fmt.Errorf("worker image %s:%s: %w", image, tag, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *Mem) ListWorkerImages(_ context.Context) ([]*types.WorkerImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.WorkerImage
	for _, w := range m.images {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return imageKey(out[i].Image, out[i].Tag) < imageKey(out[j].Image, out[j].Tag)
	})
	return out, nil
}

func (m *Mem) DeleteWorkerImage(_ context.Context, image, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := imageKey(image, tag)
	if _, ok := m.images[key]; !ok {
		return fmt.Errorf("worker image %s: %w", key, ErrNotFound)
	}
	delete(m.images, key)
	return nil
}

// ---- GPU state ----

func (m *Mem) UpsertGPUState(_ context.Context, g *types.GPUState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%d", g.HostID, g.DeviceIndex)
	cp := *g
	m.gpus[key] = &cp
	return nil
}

func (m *Mem) ListGPUStates(_ context.Context, hostID string) ([]*types.GPUState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.GPUState
	for _, g := range m.gpus {
		if g.HostID == hostID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceIndex < out[j].DeviceIndex })
	return out, nil
}

// ---- Artifacts ----

func (m *Mem) CreateArtifact(_ context.Context, a *types.RunArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *Mem) GetArtifact(_ context.Context, id string) (*types.RunArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Mem) ListArtifactsByRun(_ context.Context, runID string) ([]*types.RunArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RunArtifact
	for _, a := range m.artifacts {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ---- LLM telemetry ----

func (m *Mem) CreateLLMCall(_ context.Context, c *types.LLMCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.llmCalls[c.ID] = &cp
	return nil
}

func (m *Mem) ListLLMCallsByJob(_ context.Context, jobID string) ([]*types.LLMCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LLMCall
	for _, c := range m.llmCalls {
		if c.JobID == jobID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ListLLMCallsByRun(_ context.Context, runID string) ([]*types.LLMCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LLMCall
	for _, c := range m.llmCalls {
		j, ok := m.jobs[c.JobID]
		if !ok || j.RunID != runID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) TokenStats(_ context.Context) ([]TokenStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byModel := make(map[string]*TokenStat)
	for _, c := range m.llmCalls {
		s, ok := byModel[c.ModelID]
		if !ok {
			s = &TokenStat{ModelID: c.ModelID}
			byModel[c.ModelID] = s
		}
		s.Calls++
		s.PromptTokens += c.PromptTokens
		s.CompletionTokens += c.CompletionTokens
		s.TotalTokens += c.TotalTokens
	}
	out := make([]TokenStat, 0, len(byModel))
	for _, s := range byModel {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// ---- Audit ----

func (m *Mem) CreateAudit(_ context.Context, a *types.WorkerAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *Mem) ListAuditByRun(_ context.Context, runID string) ([]*types.WorkerAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.WorkerAudit
	for _, a := range m.audits {
		if a.RunID == runID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
