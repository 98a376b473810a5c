package analytics

const measurementsSchema = `
CREATE TABLE processed_measurements (
    raw_measurement_id BIGINT PRIMARY KEY,
    source_raw_id BIGINT NOT NULL,
    job_id VARCHAR NOT NULL,
    study_id VARCHAR NOT NULL,
    participant_id VARCHAR NOT NULL,
    measurement_type VARCHAR NOT NULL,
    site_id VARCHAR NOT NULL,
    event_ts TIMESTAMP NOT NULL,
    raw_value VARCHAR NOT NULL,
    original_unit VARCHAR NOT NULL,
    standardized_value DOUBLE,
    standardized_unit VARCHAR NOT NULL,
    is_numeric BOOLEAN NOT NULL,
    quality_score DOUBLE NOT NULL,
    is_outlier BOOLEAN NOT NULL,
    processing_notes VARCHAR NOT NULL,
    processed_at TIMESTAMP NOT NULL
)`

const participantsSchema = `
CREATE TABLE participant_summaries (
    study_id VARCHAR NOT NULL,
    participant_id VARCHAR NOT NULL,
    total_measurements BIGINT NOT NULL,
    distinct_type_count INTEGER NOT NULL,
    distinct_site_count INTEGER NOT NULL,
    primary_site_id VARCHAR NOT NULL,
    avg_quality_score DOUBLE NOT NULL,
    first_measurement_at TIMESTAMP NOT NULL,
    last_measurement_at TIMESTAMP NOT NULL,
    PRIMARY KEY (study_id, participant_id)
)`

const studiesSchema = `
CREATE TABLE study_summaries (
    study_id VARCHAR PRIMARY KEY,
    total_measurements BIGINT NOT NULL,
    total_participants BIGINT NOT NULL,
    total_sites INTEGER NOT NULL,
    avg_quality_score DOUBLE NOT NULL,
    first_measurement_at TIMESTAMP NOT NULL,
    last_measurement_at TIMESTAMP NOT NULL
)`

const bucketsSchema = `
CREATE TABLE aggregation_buckets (
    study_id VARCHAR NOT NULL,
    scope VARCHAR NOT NULL,
    participant_id VARCHAR NOT NULL,
    site_id VARCHAR NOT NULL,
    measurement_type VARCHAR NOT NULL,
    granularity VARCHAR NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    measurement_count BIGINT NOT NULL,
    numeric_count BIGINT NOT NULL,
    avg_value DOUBLE,
    min_value DOUBLE,
    max_value DOUBLE,
    avg_quality_score DOUBLE NOT NULL,
    distinct_participants INTEGER NOT NULL,
    last_updated TIMESTAMP NOT NULL
)`

const reportsSchema = `
CREATE TABLE quality_reports (
    study_id VARCHAR NOT NULL,
    report_date DATE NOT NULL,
    site_id VARCHAR NOT NULL,
    measurement_type VARCHAR NOT NULL,
    measurement_count BIGINT NOT NULL,
    numeric_count BIGINT NOT NULL,
    non_numeric_count BIGINT NOT NULL,
    outlier_count BIGINT NOT NULL,
    distinct_participants BIGINT NOT NULL,
    avg_quality_score DOUBLE,
    min_quality_score DOUBLE,
    max_quality_score DOUBLE,
    first_event_at TIMESTAMP,
    last_event_at TIMESTAMP,
    generated_at TIMESTAMP NOT NULL
)`

var schemaStatements = []string{
	measurementsSchema,
	participantsSchema,
	studiesSchema,
	bucketsSchema,
	reportsSchema,
}
