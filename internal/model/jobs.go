package model

import (
	"encoding/json"
	"time"
)

// JobState is one lifecycle state of a pipeline job.
type JobState string

const (
	StatePending       JobState = "PENDING"
	StateAnalyzing     JobState = "ANALYZING"
	StateMapping       JobState = "MAPPING"
	StateMaterializing JobState = "MATERIALIZING"
	StateValidating    JobState = "VALIDATING"
	StateDone          JobState = "DONE"
	StateFailed        JobState = "FAILED"
	StateCancelled     JobState = "CANCELLED"
)

// Terminal reports whether no further transitions are accepted.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// JobStatusRecord is the current status snapshot persisted per job.
type JobStatusRecord struct {
	JobID     string            `json:"job_id"`
	State     JobState          `json:"state"`
	Detail    string            `json:"detail,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// JobEventRecord is one append-only state transition.
type JobEventRecord struct {
	JobID  string    `json:"job_id"`
	State  JobState  `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// CheckpointRecord is the durable per-(job, phase) snapshot stored under
// checkpoints/<phase>/<job_id>.json.
type CheckpointRecord struct {
	JobID     string          `json:"job_id"`
	Phase     string          `json:"phase"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FileProgress is a live progress tick emitted during heavy phases.
type FileProgress struct {
	JobID         string   `json:"job_id,omitempty"`
	SchemaID      string   `json:"schema_id,omitempty"`
	SchemaName    string   `json:"schema_name,omitempty"`
	FilePath      string   `json:"file"`
	Phase         string   `json:"phase"`
	ProcessedRows int64    `json:"processed_rows"`
	TotalRows     int64    `json:"total_rows,omitempty"`
	ETASeconds    *float64 `json:"eta_s,omitempty"`
	RowsPerSec    *float64 `json:"rows_per_sec,omitempty"`
	SpillRows     int64    `json:"spill_rows,omitempty"`
}

// ValidationSummary aggregates row-level validation counters.
type ValidationSummary struct {
	TotalRows       int64 `json:"total_rows"`
	ShortRows       int64 `json:"short_rows"`
	LongRows        int64 `json:"long_rows"`
	EmptyRows       int64 `json:"empty_rows"`
	MissingRequired int64 `json:"missing_required"`
	TypeMismatches  int64 `json:"type_mismatches"`
}

// SpillMetrics counts back-pressure spill activity.
type SpillMetrics struct {
	Spills        int64 `json:"spills"`
	RowsSpilled   int64 `json:"rows_spilled"`
	BytesSpilled  int64 `json:"bytes_spilled"`
	MaxBufferRows int64 `json:"max_buffer_rows"`
}

// JobMetrics is the per-(job, schema) materialization summary persisted to
// the durable store.
type JobMetrics struct {
	JobID           string  `json:"job_id"`
	SchemaID        string  `json:"schema_id"`
	SchemaName      string  `json:"schema_name,omitempty"`
	Rows            int64   `json:"rows"`
	RowsPerSec      float64 `json:"rows_per_sec"`
	ShortRows       int64   `json:"short_rows"`
	LongRows        int64   `json:"long_rows"`
	EmptyRows       int64   `json:"empty_rows"`
	MissingRequired int64   `json:"missing_required"`
	TypeMismatches  int64   `json:"type_mismatches"`
	SpillCount      int64   `json:"spill_count"`
	RowsSpilled     int64   `json:"rows_spilled"`
	DurationMS      int64   `json:"duration_ms"`
}

// ResourceLimits are optional hardware budgets enforced by the resource
// manager. Zero means unlimited.
type ResourceLimits struct {
	MemoryMB   int    `json:"memory_mb,omitempty"`
	SpillMB    int    `json:"spill_mb,omitempty"`
	MaxWorkers int    `json:"max_workers,omitempty"`
	TempDir    string `json:"temp_dir,omitempty"`
}
