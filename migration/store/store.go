// Package store persists job status and final artifacts for a pipeline run.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle state of an import job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status          *Status
	ProgressPercent *int
	Stage           *string
	Error           *string
	// ClearError writes a null error, used when a job restarts or completes.
	ClearError     bool
	MemoryMarkdown *string
	Facts          json.RawMessage
	CompletedAt    *time.Time
	// UpdatedAt defaults to the time the patch is applied.
	UpdatedAt *time.Time
}

// Progress builds a patch for a stage checkpoint.
func Progress(percent int, stage string) JobPatch {
	return JobPatch{ProgressPercent: &percent, Stage: &stage}
}

// Column names shared by the REST and SQLite stores.
const (
	colStatus      = "import_status"
	colProgress    = "progress_percent"
	colStage       = "import_stage"
	colError       = "import_error"
	colMemory      = "memory_md"
	colFacts       = "facts_json"
	colCompletedAt = "completed_at"
	colUpdatedAt   = "updated_at"
)

// Fields returns the column/value map for the patch. Times are RFC3339 UTC strings.
func (p JobPatch) Fields(now time.Time) map[string]any {
	f := make(map[string]any, 8)
	if p.Status != nil {
		f[colStatus] = string(*p.Status)
	}
	if p.ProgressPercent != nil {
		f[colProgress] = *p.ProgressPercent
	}
	if p.Stage != nil {
		f[colStage] = *p.Stage
	}
	if p.Error != nil {
		f[colError] = *p.Error
	} else if p.ClearError {
		f[colError] = nil
	}
	if p.MemoryMarkdown != nil {
		f[colMemory] = *p.MemoryMarkdown
	}
	if len(p.Facts) > 0 {
		f[colFacts] = p.Facts
	}
	if p.CompletedAt != nil {
		f[colCompletedAt] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	updated := now
	if p.UpdatedAt != nil {
		updated = *p.UpdatedAt
	}
	f[colUpdatedAt] = updated.UTC().Format(time.RFC3339Nano)
	return f
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store receives job updates. Callers treat failures as best-effort.
type Store interface {
	UpdateJob(ctx context.Context, jobID string, patch JobPatch) error
}

// Nop discards every update.
type Nop struct{}

func (Nop) UpdateJob(context.Context, string, JobPatch) error { return nil }
