package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drydock-sh/drydock/pkg/types"
)

// hotspotUtilizationPct flags a GPU device as a hotspot in run reports.
const hotspotUtilizationPct = 80.0

type runReport struct {
	RunID      string       `json:"run_id"`
	Status     string       `json:"status"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
	Tokens     tokenTotals  `json:"tokens"`
	Jobs       []jobReport  `json:"jobs"`
	GPUHotspot []gpuHotspot `json:"gpu_hotspots,omitempty"`
}

type tokenTotals struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

type jobReport struct {
	JobID           string        `json:"job_id"`
	Kind            string        `json:"kind"`
	Status          string        `json:"status"`
	DurationSeconds float64       `json:"duration_seconds"`
	Error           string        `json:"error,omitempty"`
	Artifacts       []artifactRef `json:"artifacts,omitempty"`
	Tokens          tokenTotals   `json:"tokens"`
}

type artifactRef struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

type gpuHotspot struct {
	DeviceIndex    int     `json:"device_index"`
	Name           string  `json:"name,omitempty"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// writeReport assembles the run's markdown report and its structured mirror
// from store state and persists both. The caller passes the rolled-up status:
// the run row still reads running here because its terminal transition belongs
// to the scheduler, and the stored report must already carry the outcome.
func (d *Dispatcher) writeReport(ctx context.Context, runID, hostID string, status types.RunStatus) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	jobs, err := d.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	artifacts, err := d.store.ListArtifactsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	calls, err := d.store.ListLLMCallsByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list llm calls: %w", err)
	}

	var gpus []*types.GPUState
	if hostID != "" && hasKind(jobs, types.TaskGPUReport) {
		if gs, err := d.store.ListGPUStates(ctx, hostID); err == nil {
			gpus = gs
		}
	}

	md, structured, err := buildReport(run, status, jobs, artifacts, calls, gpus, d.now().UTC())
	if err != nil {
		return err
	}
	if err := d.store.SetRunReport(ctx, runID, md, structured); err != nil {
		return fmt.Errorf("failed to set run report: %w", err)
	}
	return nil
}

// writeFailureReport covers dispatch paths that abort before any container
// ran. A run that ends failed still gets a report listing every job and its
// failure reason.
func (d *Dispatcher) writeFailureReport(ctx context.Context, runID, hostID string) {
	if err := d.writeReport(ctx, runID, hostID, types.RunStatusFailed); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("failed to write run report")
	}
}

// buildReport renders the markdown summary and JSON mirror for a run. Both
// are reference-only: paths, counts, and statuses, never artifact content.
func buildReport(run *types.Run, status types.RunStatus, jobs []*types.Job, artifacts []*types.RunArtifact, calls []*types.LLMCall, gpus []*types.GPUState, now time.Time) (string, json.RawMessage, error) {
	artifactsByJob := make(map[string][]artifactRef)
	for _, a := range artifacts {
		artifactsByJob[a.JobID] = append(artifactsByJob[a.JobID], artifactRef{
			ID:        a.ID,
			Kind:      string(a.Kind),
			Path:      a.Path,
			SizeBytes: a.SizeBytes,
		})
	}
	tokensByJob := make(map[string]tokenTotals)
	for _, c := range calls {
		t := tokensByJob[c.JobID]
		t.Prompt += c.PromptTokens
		t.Completion += c.CompletionTokens
		t.Total += c.TotalTokens
		tokensByJob[c.JobID] = t
	}

	ended := run.EndedAt
	if ended == nil {
		ended = &now
	}

	doc := runReport{
		RunID:     run.ID,
		Status:    string(status),
		StartedAt: run.StartedAt,
		EndedAt:   ended,
		Tokens: tokenTotals{
			Prompt:     run.PromptTokens,
			Completion: run.CompletionTokens,
			Total:      run.TotalTokens,
		},
		Jobs: make([]jobReport, 0, len(jobs)),
	}
	for _, g := range gpus {
		if g.UtilizationPct >= hotspotUtilizationPct {
			doc.GPUHotspot = append(doc.GPUHotspot, gpuHotspot{
				DeviceIndex:    g.DeviceIndex,
				Name:           g.Name,
				UtilizationPct: g.UtilizationPct,
			})
		}
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&md, "- Status: %s\n", status)
	if run.StartedAt != nil {
		fmt.Fprintf(&md, "- Started: %s\n", run.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&md, "- Tokens: %d prompt, %d completion, %d total\n", run.PromptTokens, run.CompletionTokens, run.TotalTokens)

	for _, j := range jobs {
		jr := jobReport{
			JobID:     j.ID,
			Kind:      string(j.Kind),
			Status:    string(j.Status),
			Error:     j.Error,
			Artifacts: artifactsByJob[j.ID],
			Tokens:    tokensByJob[j.ID],
		}
		if j.StartedAt != nil && j.EndedAt != nil {
			jr.DurationSeconds = j.EndedAt.Sub(*j.StartedAt).Seconds()
		}
		doc.Jobs = append(doc.Jobs, jr)

		fmt.Fprintf(&md, "\n## %s\n\n", j.Kind)
		fmt.Fprintf(&md, "- Status: %s\n", j.Status)
		if jr.DurationSeconds > 0 {
			fmt.Fprintf(&md, "- Duration: %.1fs\n", jr.DurationSeconds)
		}
		if j.Error != "" {
			fmt.Fprintf(&md, "- Error: %s\n", j.Error)
		}
		if jr.Tokens.Total > 0 {
			fmt.Fprintf(&md, "- Tokens: %d\n", jr.Tokens.Total)
		}
		for _, a := range jr.Artifacts {
			fmt.Fprintf(&md, "- Artifact: %s (%s, %d bytes)\n", a.Path, a.Kind, a.SizeBytes)
		}
	}

	if len(doc.GPUHotspot) > 0 {
		fmt.Fprintf(&md, "\n## GPU hotspots\n\n")
		for _, h := range doc.GPUHotspot {
			fmt.Fprintf(&md, "- Device %d (%s): %.0f%% utilization\n", h.DeviceIndex, h.Name, h.UtilizationPct)
		}
	}

	structured, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode run report: %w", err)
	}
	return md.String(), structured, nil
}

func hasKind(jobs []*types.Job, kind types.TaskKind) bool {
	for _, j := range jobs {
		if j.Kind == kind {
			return true
		}
	}
	return false
}
