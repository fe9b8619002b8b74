// Package store is the durable SQLite persistence layer: one database file
// per installation, versioned idempotent migrations, and a narrow typed query
// surface. All DDL/DML is serialized through a store-level mutex; SQLite is
// the only shared mutable state in the system.
package store

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"uscsv/internal/errs"
	"uscsv/internal/model"
)

// MaxProgressEventsPerSchema is the retention cap for job_progress_events.
const MaxProgressEventsPerSchema = 500

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates/opens the store file and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, err, "open store %s", path)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at REAL NOT NULL
	)`); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "create schema_migrations")
	}

	applied := map[int]bool{}
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "read schema_migrations")
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errs.Wrap(errs.StorageFailure, err, "scan schema_migrations")
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "iterate schema_migrations")
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "begin migration %d", m.version)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return errs.Wrap(errs.StorageFailure, err, "apply migration %d", m.version)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.version, nowUnix()); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.StorageFailure, err, "record migration %d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "commit migration %d", m.version)
		}
	}
	return nil
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// PersistMapping replaces the stored schemas/blocks snapshot and records the
// artifact version.
func (s *Store) PersistMapping(m model.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin mapping persist")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM schemas`); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "clear schemas")
	}
	if _, err := tx.Exec(`DELETE FROM blocks`); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "clear blocks")
	}
	now := nowUnix()
	for _, schema := range m.Schemas {
		columns, err := json.Marshal(schema.Columns)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode columns of %s", schema.SchemaID)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO schemas(id, name, columns_json, canonical_namespace, canonical_schema_id, canonical_schema_version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			schema.SchemaID, schema.Name, string(columns),
			nullable(schema.CanonicalNamespace), nullable(schema.CanonicalSchemaID), nullable(schema.CanonicalSchemaVersion), now,
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert schema %s", schema.SchemaID)
		}
	}
	for _, block := range m.Blocks {
		key := block.FilePath + ":" + itoa(block.BlockID)
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO blocks(block_key, file_path, block_id, schema_id, start_line, end_line)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key, block.FilePath, block.BlockID, nullable(block.SchemaID), block.StartLine, block.EndLine,
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert block %s", key)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO artifact_metadata(artifact, artifact_version, detail, updated_at) VALUES ('mapping', ?, ?, ?)`,
		m.ArtifactVersion, itoa(len(m.Blocks))+" blocks", now,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "record mapping artifact version")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit mapping persist")
	}
	return nil
}

// PersistHeaderClusters replaces the stored clusters and records the cluster
// artifact version.
func (s *Store) PersistHeaderClusters(artifact model.ClusterArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin cluster persist")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM header_clusters`); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "clear header_clusters")
	}
	now := nowUnix()
	for _, cl := range artifact.Clusters {
		members, err := json.Marshal(cl.Members)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode cluster %s", cl.ClusterID)
		}
		reasons, err := json.Marshal(cl.ReasonCodes)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode reasons of %s", cl.ClusterID)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO header_clusters(cluster_id, canonical_name, members_json, confidence, needs_review, version, reason_codes_json, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cl.ClusterID, cl.CanonicalName, string(members), cl.Confidence, boolInt(cl.NeedsReview), cl.Version, string(reasons), now,
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert cluster %s", cl.ClusterID)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO artifact_metadata(artifact, artifact_version, detail, updated_at) VALUES ('header_clusters', ?, ?, ?)`,
		artifact.ArtifactVersion, itoa(len(artifact.Clusters))+" clusters", now,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "record cluster artifact version")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit cluster persist")
	}
	return nil
}

// PersistHeaderMetadata replaces file headers, occurrences and profiles.
func (s *Store) PersistHeaderMetadata(fileHeaders []model.FileHeaderSummary, occurrences []model.HeaderOccurrence, profiles []model.HeaderTypeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin header metadata persist")
	}
	defer tx.Rollback()

	for _, table := range []string{"file_headers", "header_occurrences", "header_profiles"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "clear %s", table)
		}
	}
	for _, fh := range fileHeaders {
		raw, err := json.Marshal(fh.Headers)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode headers of %s", fh.FileID)
		}
		if _, err := tx.Exec(`INSERT INTO file_headers(file_id, headers_json) VALUES (?, ?)`, fh.FileID, string(raw)); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert file_headers %s", fh.FileID)
		}
	}
	for _, occ := range occurrences {
		if _, err := tx.Exec(
			`INSERT INTO header_occurrences(raw_header, file_id, column_index) VALUES (?, ?, ?)`,
			occ.RawHeader, occ.FileID, occ.ColumnIndex,
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert header occurrence")
		}
	}
	for _, p := range profiles {
		raw, err := json.Marshal(p.TypeProfile)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode profile %s", p.RawHeader)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO header_profiles(raw_header, type_profile_json) VALUES (?, ?)`,
			p.RawHeader, string(raw),
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert header profile %s", p.RawHeader)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit header metadata persist")
	}
	return nil
}

// PersistColumnProfiles replaces the column_profiles snapshot.
func (s *Store) PersistColumnProfiles(profiles []model.ColumnProfileResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin column profile persist")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM column_profiles`); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "clear column_profiles")
	}
	for _, p := range profiles {
		hist, err := json.Marshal(model.EnsureTypeBuckets(p.TypeHist))
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode hist %s/%d", p.FileID, p.ColumnIndex)
		}
		topK, err := json.Marshal(p.TopK)
		if err != nil {
			return errs.Wrap(errs.StorageFailure, err, "encode top-k %s/%d", p.FileID, p.ColumnIndex)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO column_profiles(file_id, column_index, header, type_hist_json, unique_estimate, nulls, non_nulls, top_k_json, min_value, max_value, numeric_min, numeric_max)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.FileID, p.ColumnIndex, p.Header, string(hist), p.UniqueEstimate, p.Nulls, p.NonNulls,
			string(topK), nullable(p.Min), nullable(p.Max), floatPtr(p.NumericMin), floatPtr(p.NumericMax),
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert column profile %s/%d", p.FileID, p.ColumnIndex)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit column profile persist")
	}
	return nil
}

// RecordSynonyms appends canonical/variant pairs discovered during review.
func (s *Store) RecordSynonyms(mapping map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUnix()
	for canonical, variants := range mapping {
		for _, variant := range variants {
			if _, err := s.db.Exec(
				`INSERT OR IGNORE INTO synonyms(canonical_name, variant, created_at) VALUES (?, ?, ?)`,
				canonical, variant, now,
			); err != nil {
				return errs.Wrap(errs.StorageFailure, err, "insert synonym %s/%s", canonical, variant)
			}
		}
	}
	return nil
}

// RecordAudit appends one audit_log row.
func (s *Store) RecordAudit(entity, action, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO audit_log(entity, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		entity, action, detail, nowUnix(),
	)
	return errs.Wrap(errs.StorageFailure, err, "insert audit event")
}

// RecordJobMetrics appends one job_metrics row.
func (s *Store) RecordJobMetrics(m model.JobMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO job_metrics(job_id, schema_id, schema_name, rows, rows_per_sec, short_rows, long_rows, empty_rows, missing_required, type_mismatches, spill_count, rows_spilled, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.JobID, m.SchemaID, m.SchemaName, m.Rows, m.RowsPerSec, m.ShortRows, m.LongRows, m.EmptyRows,
		m.MissingRequired, m.TypeMismatches, m.SpillCount, m.RowsSpilled, m.DurationMS, nowUnix(),
	)
	return errs.Wrap(errs.StorageFailure, err, "insert job metrics")
}

// RecordProgressEvent appends a progress tick and prunes the schema's history
// down to the retention cap in the same transaction.
func (s *Store) RecordProgressEvent(p model.FileProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schemaID := p.SchemaID
	if schemaID == "" {
		schemaID = filepath.Base(p.FilePath)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin progress insert")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO job_progress_events(job_id, schema_id, schema_name, file_path, processed_rows, total_rows, eta_seconds, rows_per_sec, spill_rows, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(p.JobID), schemaID, nullable(p.SchemaName), p.FilePath, p.ProcessedRows, p.TotalRows,
		floatPtr(p.ETASeconds), floatPtr(p.RowsPerSec), p.SpillRows, nowUnix(),
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "insert progress event")
	}
	if _, err := tx.Exec(
		`DELETE FROM job_progress_events
		 WHERE schema_id = ?
		   AND id NOT IN (
			SELECT id FROM job_progress_events
			WHERE schema_id = ?
			ORDER BY id DESC
			LIMIT ?
		 )`,
		schemaID, schemaID, MaxProgressEventsPerSchema,
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "prune progress events")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit progress insert")
	}
	return nil
}

// RecordTransition persists a job status upsert and the matching event-log
// append atomically. Implements jobs.TransitionStore.
func (s *Store) RecordTransition(status model.JobStatusRecord, event model.JobEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := json.Marshal(status.Metadata)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "encode metadata of %s", status.JobID)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "begin transition")
	}
	defer tx.Rollback()

	var createdAt float64
	row := tx.QueryRow(`SELECT created_at FROM job_status WHERE job_id = ?`, status.JobID)
	switch err := row.Scan(&createdAt); err {
	case nil:
		if _, err := tx.Exec(
			`UPDATE job_status SET state = ?, detail = ?, last_error = ?, metadata_json = ?, updated_at = ? WHERE job_id = ?`,
			string(status.State), nullable(status.Detail), nullable(status.LastError), string(metadata), unix(status.UpdatedAt), status.JobID,
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "update job_status %s", status.JobID)
		}
	case sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO job_status(job_id, state, detail, last_error, metadata_json, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			status.JobID, string(status.State), nullable(status.Detail), nullable(status.LastError),
			string(metadata), unix(status.CreatedAt), unix(status.UpdatedAt),
		); err != nil {
			return errs.Wrap(errs.StorageFailure, err, "insert job_status %s", status.JobID)
		}
	default:
		return errs.Wrap(errs.StorageFailure, err, "read job_status %s", status.JobID)
	}

	if _, err := tx.Exec(
		`INSERT INTO job_events(job_id, state, detail, created_at) VALUES (?, ?, ?, ?)`,
		event.JobID, string(event.State), nullable(event.Detail), unix(event.At),
	); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "insert job_event %s", event.JobID)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "commit transition %s", status.JobID)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unix(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func itoa(n int) string { return strconv.Itoa(n) }
