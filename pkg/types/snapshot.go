package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DirectiveSnapshot is the directive content captured into a Run at launch,
// plus the launch-time overrides. It is immutable for the Run's lifetime;
// later directive edits never affect runs already launched.
type DirectiveSnapshot struct {
	DirectiveID         *string    `json:"directive_id,omitempty"`
	Name                string     `json:"name"`
	TaskConfig          JSONMap    `json:"task_config"`
	TaskList            StringList `json:"task_list"`
	ApprovalRequired    bool       `json:"approval_required"`
	Version             int        `json:"version"`
	Tasks               StringList `json:"tasks"`
	UseRAG              bool       `json:"use_rag"`
	CustomDirectiveText string     `json:"custom_directive_text,omitempty"`
	TargetHostID        string     `json:"target_host_id,omitempty"`
	CapturedAt          time.Time  `json:"captured_at"`
}

// Encode serializes the snapshot for storage on a Run.
func (s *DirectiveSnapshot) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode directive snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a Run's stored snapshot.
func DecodeSnapshot(raw json.RawMessage) (*DirectiveSnapshot, error) {
	var s DirectiveSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode directive snapshot: %w", err)
	}
	return &s, nil
}

// TimeoutMinutes reads the per-job timeout from the task configuration,
// returning fallback when absent or non-positive.
func (s *DirectiveSnapshot) TimeoutMinutes(fallback int) int {
	if n := s.TaskConfig.Int("timeout_minutes", 0); n > 0 {
		return n
	}
	return fallback
}

// RequiredTasks lists the task kinds the snapshot marks as required. A failed
// required job aborts the remaining jobs of the run.
func (s *DirectiveSnapshot) RequiredTasks() []TaskKind {
	raw, ok := s.TaskConfig["required_tasks"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]TaskKind, 0, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			out = append(out, TaskKind(str))
		}
	}
	return out
}

// TaskRequired reports whether the snapshot marks the kind as required.
func (s *DirectiveSnapshot) TaskRequired(kind TaskKind) bool {
	for _, k := range s.RequiredTasks() {
		if k == kind {
			return true
		}
	}
	return false
}
