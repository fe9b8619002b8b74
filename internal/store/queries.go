package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// FetchJobStatus returns the status snapshot for one job, (zero, false) when
// the job is unknown.
func (s *Store) FetchJobStatus(jobID string) (model.JobStatusRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT job_id, state, detail, last_error, metadata_json, created_at, updated_at
		 FROM job_status WHERE job_id = ?`, jobID)

	var (
		rec                      model.JobStatusRecord
		state                    string
		detail, lastErr, rawMeta sql.NullString
		createdAt, updatedAt     float64
	)
	err := row.Scan(&rec.JobID, &state, &detail, &lastErr, &rawMeta, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return model.JobStatusRecord{}, false, nil
	}
	if err != nil {
		return model.JobStatusRecord{}, false, errs.Wrap(errs.StorageFailure, err, "read job_status %s", jobID)
	}
	rec.State = model.JobState(state)
	rec.Detail = detail.String
	rec.LastError = lastErr.String
	if rawMeta.Valid && rawMeta.String != "" {
		_ = json.Unmarshal([]byte(rawMeta.String), &rec.Metadata)
	}
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return rec, true, nil
}

// FetchJobEvents returns a job's transitions in append order.
func (s *Store) FetchJobEvents(jobID string) ([]model.JobEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT job_id, state, detail, created_at FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read job_events %s", jobID)
	}
	defer rows.Close()

	var out []model.JobEventRecord
	for rows.Next() {
		var (
			ev        model.JobEventRecord
			state     string
			detail    sql.NullString
			createdAt float64
		)
		if err := rows.Scan(&ev.JobID, &state, &detail, &createdAt); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "scan job_events %s", jobID)
		}
		ev.State = model.JobState(state)
		ev.Detail = detail.String
		ev.At = fromUnix(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FetchProgressHistory returns up to limit recent ticks for a schema, newest
// first.
func (s *Store) FetchProgressHistory(schemaID string, limit int) ([]model.FileProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT job_id, schema_id, schema_name, file_path, processed_rows, total_rows, eta_seconds, rows_per_sec, spill_rows
		 FROM job_progress_events WHERE schema_id = ? ORDER BY id DESC LIMIT ?`, schemaID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read progress history %s", schemaID)
	}
	defer rows.Close()

	var out []model.FileProgress
	for rows.Next() {
		var (
			p                 model.FileProgress
			jobID, schemaName sql.NullString
			eta, rate         sql.NullFloat64
			spill             sql.NullInt64
		)
		if err := rows.Scan(&jobID, &p.SchemaID, &schemaName, &p.FilePath, &p.ProcessedRows, &p.TotalRows, &eta, &rate, &spill); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "scan progress history %s", schemaID)
		}
		p.JobID = jobID.String
		p.SchemaName = schemaName.String
		if eta.Valid {
			v := eta.Float64
			p.ETASeconds = &v
		}
		if rate.Valid {
			v := rate.Float64
			p.RowsPerSec = &v
		}
		p.SpillRows = spill.Int64
		p.Phase = "materialize"
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountProgressEvents reports the retained tick count for one schema.
func (s *Store) CountProgressEvents(schemaID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM job_progress_events WHERE schema_id = ?`, schemaID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.StorageFailure, err, "count progress events %s", schemaID)
	}
	return n, nil
}

// FetchJobMetrics returns the per-schema metrics rows of one job.
func (s *Store) FetchJobMetrics(jobID string) ([]model.JobMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT job_id, schema_id, schema_name, rows, rows_per_sec, short_rows, long_rows, empty_rows, missing_required, type_mismatches, spill_count, rows_spilled, duration_ms
		 FROM job_metrics WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read job_metrics %s", jobID)
	}
	defer rows.Close()

	var out []model.JobMetrics
	for rows.Next() {
		var (
			m          model.JobMetrics
			schemaName sql.NullString
		)
		if err := rows.Scan(&m.JobID, &m.SchemaID, &schemaName, &m.Rows, &m.RowsPerSec, &m.ShortRows, &m.LongRows, &m.EmptyRows, &m.MissingRequired, &m.TypeMismatches, &m.SpillCount, &m.RowsSpilled, &m.DurationMS); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "scan job_metrics %s", jobID)
		}
		m.SchemaName = schemaName.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppliedMigrations returns the recorded migration versions in order.
func (s *Store) AppliedMigrations() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "read schema_migrations")
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, err, "scan schema_migrations")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func fromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}
