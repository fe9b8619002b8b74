package store

// Versioned DDL applied on every open. Statements are idempotent; the
// schema_migrations ledger records applied version integers.
var migrations = []struct {
	version    int
	statements []string
}{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS schemas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			columns_json TEXT NOT NULL,
			canonical_namespace TEXT,
			canonical_schema_id TEXT,
			canonical_schema_version TEXT,
			updated_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schemas_updated_at ON schemas(updated_at)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			block_key TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			block_id INTEGER NOT NULL,
			schema_id TEXT,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_schema_block ON blocks(schema_id, block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_file_path ON blocks(file_path)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_id TEXT NOT NULL,
			column_name TEXT NOT NULL,
			metrics_json TEXT NOT NULL,
			updated_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_schema_column ON stats(schema_id, column_name)`,
		`CREATE TABLE IF NOT EXISTS synonyms (
			canonical_name TEXT NOT NULL,
			variant TEXT NOT NULL,
			created_at REAL NOT NULL,
			PRIMARY KEY (canonical_name, variant)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_synonyms_variant ON synonyms(variant)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			schema_id TEXT NOT NULL,
			schema_name TEXT,
			rows INTEGER NOT NULL,
			rows_per_sec REAL NOT NULL,
			short_rows INTEGER NOT NULL,
			long_rows INTEGER NOT NULL,
			empty_rows INTEGER NOT NULL,
			missing_required INTEGER NOT NULL,
			type_mismatches INTEGER NOT NULL,
			spill_count INTEGER NOT NULL,
			rows_spilled INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_metrics_job ON job_metrics(job_id, schema_id)`,
		`CREATE TABLE IF NOT EXISTS job_progress_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT,
			schema_id TEXT NOT NULL,
			schema_name TEXT,
			file_path TEXT NOT NULL,
			processed_rows INTEGER NOT NULL,
			total_rows INTEGER,
			eta_seconds REAL,
			rows_per_sec REAL,
			spill_rows INTEGER,
			created_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_progress_schema ON job_progress_events(schema_id, created_at)`,
	}},
	{2, []string{
		`CREATE TABLE IF NOT EXISTS header_clusters (
			cluster_id TEXT PRIMARY KEY,
			canonical_name TEXT NOT NULL,
			members_json TEXT NOT NULL,
			confidence REAL NOT NULL,
			needs_review INTEGER NOT NULL,
			version INTEGER NOT NULL,
			reason_codes_json TEXT,
			updated_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS header_occurrences (
			raw_header TEXT NOT NULL,
			file_id TEXT NOT NULL,
			column_index INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_header_occurrences_file ON header_occurrences(file_id)`,
		`CREATE TABLE IF NOT EXISTS header_profiles (
			raw_header TEXT PRIMARY KEY,
			type_profile_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_headers (
			file_id TEXT PRIMARY KEY,
			headers_json TEXT NOT NULL
		)`,
	}},
	{3, []string{
		`CREATE TABLE IF NOT EXISTS column_profiles (
			file_id TEXT NOT NULL,
			column_index INTEGER NOT NULL,
			header TEXT,
			type_hist_json TEXT NOT NULL,
			unique_estimate INTEGER NOT NULL,
			nulls INTEGER NOT NULL,
			non_nulls INTEGER NOT NULL,
			top_k_json TEXT,
			min_value TEXT,
			max_value TEXT,
			numeric_min REAL,
			numeric_max REAL,
			PRIMARY KEY (file_id, column_index)
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_metadata (
			artifact TEXT PRIMARY KEY,
			artifact_version INTEGER NOT NULL,
			detail TEXT,
			updated_at REAL NOT NULL
		)`,
	}},
	{4, []string{
		`CREATE TABLE IF NOT EXISTS job_status (
			job_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			detail TEXT,
			last_error TEXT,
			metadata_json TEXT,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT,
			created_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at)`,
	}},
}
