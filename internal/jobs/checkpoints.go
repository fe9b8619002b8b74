// Package jobs holds the job state machine and the checkpoint registry that
// make materialization resumable.
package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// CheckpointRegistry stores one JSON snapshot per (job, phase) under
// <base>/<phase>/<job_id>.json. Writes are write-temp+rename so a reader
// always sees the last committed snapshot.
type CheckpointRegistry struct {
	baseDir string
	mu      sync.Mutex
}

func NewCheckpointRegistry(baseDir string) *CheckpointRegistry {
	if baseDir == "" {
		baseDir = filepath.Join("artifacts", "checkpoints")
	}
	return &CheckpointRegistry{baseDir: baseDir}
}

// Load returns the last committed snapshot, or (nil record, false) when no
// checkpoint exists or the file is unreadable garbage from a dead write.
func (r *CheckpointRegistry) Load(jobID, phase string) (model.CheckpointRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path(jobID, phase))
	if err != nil {
		return model.CheckpointRecord{}, false
	}
	var rec model.CheckpointRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.CheckpointRecord{}, false
	}
	return rec, true
}

// Save commits a new snapshot for (job, phase).
func (r *CheckpointRegistry) Save(jobID, phase string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode checkpoint %s/%s", phase, jobID)
	}
	rec := model.CheckpointRecord{
		JobID:     jobID,
		Phase:     phase,
		Payload:   raw,
		UpdatedAt: time.Now().UTC(),
	}
	doc, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode checkpoint %s/%s", phase, jobID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.path(jobID, phase)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IOError, err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IOError, err, "create checkpoint temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "write checkpoint %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "sync checkpoint %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "close checkpoint %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.IOError, err, "commit checkpoint %s", path)
	}
	return nil
}

// Clear removes the snapshot; destruction is explicit on terminal success.
func (r *CheckpointRegistry) Clear(jobID, phase string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := os.Remove(r.path(jobID, phase))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, err, "remove checkpoint %s/%s", phase, jobID)
	}
	return nil
}

func (r *CheckpointRegistry) path(jobID, phase string) string {
	return filepath.Join(r.baseDir, sanitizeSegment(phase), sanitizeSegment(jobID)+".json")
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, string(os.PathSeparator), "_")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" {
		return "_"
	}
	return s
}
