package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/drydock-sh/drydock/pkg/metrics"
	"github.com/drydock-sh/drydock/pkg/types"
)

// telemetryFile is the worker sidecar name. It carries token counters only
// and is consumed (deleted) on ingestion so a later job of the same run does
// not double-count it.
const telemetryFile = "telemetry.json"

type telemetrySidecar struct {
	Models []telemetryModel `json:"models"`
}

type telemetryModel struct {
	ModelID          string `json:"model_id"`
	Endpoint         string `json:"endpoint"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	DurationMS       int64  `json:"duration_ms"`
	Success          bool   `json:"success"`
	ErrorKind        string `json:"error_kind"`
}

// ingestOutputs records artifact metadata and telemetry a worker left under
// the run's artifact directory. Files recorded by an earlier job of the same
// run are skipped. Returns the number of new artifacts and the total tokens
// ingested. A missing run directory is an empty result, not an error.
func (d *Dispatcher) ingestOutputs(ctx context.Context, runID, jobID string) (int, int64, error) {
	root, err := filepath.Abs(d.cfg.ArtifactRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	dir := filepath.Join(root, "run_"+runID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}

	seen := make(map[string]bool)
	if existing, err := d.store.ListArtifactsByRun(ctx, runID); err == nil {
		for _, a := range existing {
			seen[a.Path] = true
		}
	}

	count := 0
	walkErr := filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || entry.Name() == telemetryFile {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			d.logger.Warn().Str("path", p).Msg("skipping artifact outside the artifact root")
			return nil
		}
		if seen[p] {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}

		a := &types.RunArtifact{
			ID:        newID(),
			RunID:     runID,
			JobID:     jobID,
			Kind:      classifyArtifact(p),
			Path:      p,
			SizeBytes: info.Size(),
			MIMEType:  mimeType(p),
			CreatedAt: d.now().UTC(),
		}
		if err := d.store.CreateArtifact(ctx, a); err != nil {
			return fmt.Errorf("failed to record artifact %s: %w", p, err)
		}
		count++
		return nil
	})

	tokens, telErr := d.ingestTelemetry(ctx, runID, jobID, filepath.Join(dir, telemetryFile))
	if walkErr != nil {
		return count, tokens, walkErr
	}
	return count, tokens, telErr
}

// ingestTelemetry parses the worker's sidecar into LLMCall rows and run token
// totals. Only counters cross this boundary; the sidecar never carries prompt
// or response text, and any unexpected field is dropped by the decoder.
func (d *Dispatcher) ingestTelemetry(ctx context.Context, runID, jobID, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read telemetry sidecar: %w", err)
	}

	var sidecar telemetrySidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return 0, fmt.Errorf("failed to parse telemetry sidecar: %w", err)
	}

	var prompt, completion, total int64
	for _, m := range sidecar.Models {
		if m.TotalTokens == 0 {
			m.TotalTokens = m.PromptTokens + m.CompletionTokens
		}
		call := &types.LLMCall{
			ID:               newID(),
			JobID:            jobID,
			ModelID:          m.ModelID,
			Endpoint:         m.Endpoint,
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
			DurationMS:       m.DurationMS,
			Success:          m.Success,
			ErrorKind:        m.ErrorKind,
			CreatedAt:        d.now().UTC(),
		}
		if err := d.store.CreateLLMCall(ctx, call); err != nil {
			return total, fmt.Errorf("failed to record llm call: %w", err)
		}
		prompt += m.PromptTokens
		completion += m.CompletionTokens
		total += m.TotalTokens
		metrics.TokensTotal.WithLabelValues(m.ModelID, "prompt").Add(float64(m.PromptTokens))
		metrics.TokensTotal.WithLabelValues(m.ModelID, "completion").Add(float64(m.CompletionTokens))
	}

	if total > 0 {
		if err := d.store.AddRunTokens(ctx, runID, prompt, completion, total); err != nil {
			return total, fmt.Errorf("failed to add run tokens: %w", err)
		}
	}

	if err := os.Remove(path); err != nil {
		d.logger.Warn().Err(err).Str("path", path).Msg("failed to remove telemetry sidecar")
	}
	return total, nil
}

func classifyArtifact(path string) types.ArtifactKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return types.ArtifactReport
	case ".json", ".csv":
		return types.ArtifactData
	case ".log", ".txt":
		return types.ArtifactLog
	default:
		return types.ArtifactOther
	}
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
