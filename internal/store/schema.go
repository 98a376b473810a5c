package store

import "strings"

// Schema is the SQLite DDL. Optional key parts (participant and site of a
// bucket, site and type of a report) are stored as empty strings so they can take part
// in primary keys.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL DEFAULT '',
	study_id TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	total_rows INTEGER NOT NULL DEFAULT 0,
	processed_rows INTEGER NOT NULL DEFAULT 0,
	rejected_rows INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS raw_measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	study_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	measurement_type TEXT NOT NULL,
	raw_value TEXT NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	event_ts DATETIME NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	quality_score REAL,
	corrects_raw_id INTEGER,
	ingested_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_job ON raw_measurements(job_id, id);
CREATE INDEX IF NOT EXISTS idx_raw_corrects ON raw_measurements(corrects_raw_id);

CREATE TABLE IF NOT EXISTS processed_measurements (
	raw_measurement_id INTEGER PRIMARY KEY,
	source_raw_id INTEGER NOT NULL,
	job_id TEXT NOT NULL,
	study_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	measurement_type TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	raw_value TEXT NOT NULL,
	standardized_value REAL,
	standardized_unit TEXT NOT NULL DEFAULT '',
	original_unit TEXT NOT NULL DEFAULT '',
	event_ts DATETIME NOT NULL,
	quality_score REAL NOT NULL,
	is_numeric BOOLEAN NOT NULL,
	is_outlier BOOLEAN NOT NULL,
	processing_notes TEXT NOT NULL DEFAULT '[]',
	processed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_participant ON processed_measurements(study_id, participant_id, measurement_type, event_ts);
CREATE INDEX IF NOT EXISTS idx_processed_type ON processed_measurements(study_id, measurement_type, event_ts);
CREATE INDEX IF NOT EXISTS idx_processed_site ON processed_measurements(study_id, site_id, event_ts);

CREATE TABLE IF NOT EXISTS distributions (
	study_id TEXT NOT NULL,
	measurement_type TEXT NOT NULL,
	sample_count INTEGER NOT NULL,
	mean REAL NOT NULL,
	m2 REAL NOT NULL,
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (study_id, measurement_type)
);

CREATE TABLE IF NOT EXISTS participant_summaries (
	study_id TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	primary_site_id TEXT NOT NULL DEFAULT '',
	first_measurement_at DATETIME NOT NULL,
	last_measurement_at DATETIME NOT NULL,
	total_measurements INTEGER NOT NULL,
	avg_quality_score REAL NOT NULL,
	distinct_type_count INTEGER NOT NULL,
	distinct_site_count INTEGER NOT NULL,
	type_counts TEXT NOT NULL DEFAULT '{}',
	site_counts TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (study_id, participant_id)
);

CREATE TABLE IF NOT EXISTS study_summaries (
	study_id TEXT PRIMARY KEY,
	first_measurement_at DATETIME NOT NULL,
	last_measurement_at DATETIME NOT NULL,
	total_measurements INTEGER NOT NULL,
	total_participants INTEGER NOT NULL,
	total_sites INTEGER NOT NULL,
	avg_quality_score REAL NOT NULL,
	site_counts TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregation_buckets (
	study_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	participant_id TEXT NOT NULL DEFAULT '',
	site_id TEXT NOT NULL DEFAULT '',
	measurement_type TEXT NOT NULL,
	granularity TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	period_end DATETIME NOT NULL,
	measurement_count INTEGER NOT NULL,
	numeric_count INTEGER NOT NULL,
	avg_value REAL,
	min_value REAL,
	max_value REAL,
	avg_quality_score REAL NOT NULL,
	participant_counts TEXT NOT NULL DEFAULT '{}',
	distinct_participants INTEGER NOT NULL,
	version INTEGER NOT NULL,
	last_updated DATETIME NOT NULL,
	PRIMARY KEY (study_id, scope, participant_id, site_id, measurement_type, granularity, period_start)
);

CREATE INDEX IF NOT EXISTS idx_buckets_range ON aggregation_buckets(study_id, granularity, period_start);

CREATE TABLE IF NOT EXISTS quality_reports (
	study_id TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	measurement_type TEXT NOT NULL DEFAULT '',
	report_date DATETIME NOT NULL,
	measurement_count INTEGER NOT NULL,
	numeric_count INTEGER NOT NULL,
	non_numeric_count INTEGER NOT NULL,
	outlier_count INTEGER NOT NULL,
	distinct_participants INTEGER NOT NULL,
	avg_quality_score REAL,
	min_quality_score REAL,
	max_quality_score REAL,
	first_event_at DATETIME,
	last_event_at DATETIME,
	generated_at DATETIME NOT NULL,
	PRIMARY KEY (study_id, site_id, measurement_type, report_date)
);
`

// PostgresSchema derives the Postgres DDL from the SQLite one.
func PostgresSchema() string {
	return strings.NewReplacer(
		"INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY",
		"INTEGER PRIMARY KEY", "BIGINT PRIMARY KEY",
		"INTEGER", "BIGINT",
		"DATETIME", "TIMESTAMPTZ",
		"REAL", "DOUBLE PRECISION",
	).Replace(Schema)
}
