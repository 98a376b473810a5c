package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const processedColumns = `raw_measurement_id, source_raw_id, job_id, study_id, participant_id, measurement_type,
	site_id, raw_value, standardized_value, standardized_unit, original_unit, event_ts, quality_score,
	is_numeric, is_outlier, processing_notes, processed_at`

// FindProcessed returns the processed record of a logical measurement, or
// nil when it has not been derived yet.
func (db *DB) FindProcessed(ctx context.Context, logicalID int64) (*domain.ProcessedMeasurement, error) {
	query := db.Rebind(`SELECT ` + processedColumns + ` FROM processed_measurements WHERE raw_measurement_id = ?`)

	p := &domain.ProcessedMeasurement{}
	err := db.GetContext(ctx, p, query, logicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find processed measurement", err)
	}
	return p, nil
}

// UpsertProcessed writes the record keyed by its logical raw id, replacing
// any earlier derivation.
func (db *DB) UpsertProcessed(ctx context.Context, p *domain.ProcessedMeasurement) error {
	p.EventTimestamp = p.EventTimestamp.UTC()
	p.ProcessedAt = p.ProcessedAt.UTC()
	if p.ProcessingNotes == nil {
		p.ProcessingNotes = domain.StringSlice{}
	}

	query := `INSERT INTO processed_measurements (` + processedColumns + `)
		VALUES (:raw_measurement_id, :source_raw_id, :job_id, :study_id, :participant_id, :measurement_type,
			:site_id, :raw_value, :standardized_value, :standardized_unit, :original_unit, :event_ts,
			:quality_score, :is_numeric, :is_outlier, :processing_notes, :processed_at)
		ON CONFLICT (raw_measurement_id) DO UPDATE SET
			source_raw_id = excluded.source_raw_id,
			job_id = excluded.job_id,
			study_id = excluded.study_id,
			participant_id = excluded.participant_id,
			measurement_type = excluded.measurement_type,
			site_id = excluded.site_id,
			raw_value = excluded.raw_value,
			standardized_value = excluded.standardized_value,
			standardized_unit = excluded.standardized_unit,
			original_unit = excluded.original_unit,
			event_ts = excluded.event_ts,
			quality_score = excluded.quality_score,
			is_numeric = excluded.is_numeric,
			is_outlier = excluded.is_outlier,
			processing_notes = excluded.processing_notes,
			processed_at = excluded.processed_at`

	_, err := db.NamedExecContext(ctx, query, p)
	return wrap("upsert processed measurement", err)
}

// MeasurementFilter selects processed measurements. Zero values are ignored.
type MeasurementFilter struct {
	From            time.Time
	To              time.Time
	MinQuality      *float64
	StudyID         string
	ParticipantID   string
	MeasurementType string
	SiteID          string
	OutliersOnly    bool
	Limit           int
}

func (f MeasurementFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	add("study_id = ?", f.StudyID)
	if f.ParticipantID != "" {
		add("participant_id = ?", f.ParticipantID)
	}
	if f.MeasurementType != "" {
		add("measurement_type = ?", f.MeasurementType)
	}
	if f.SiteID != "" {
		add("site_id = ?", f.SiteID)
	}
	if !f.From.IsZero() {
		add("event_ts >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("event_ts < ?", f.To.UTC())
	}
	if f.MinQuality != nil {
		add("quality_score >= ?", *f.MinQuality)
	}
	if f.OutliersOnly {
		add("is_outlier = ?", true)
	}
	return strings.Join(conds, " AND "), args
}

func (db *DB) ListProcessed(ctx context.Context, f MeasurementFilter) ([]*domain.ProcessedMeasurement, error) {
	where, args := f.where()
	query := `SELECT ` + processedColumns + ` FROM processed_measurements WHERE ` + where +
		` ORDER BY event_ts ASC, raw_measurement_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []*domain.ProcessedMeasurement
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, wrap("list processed measurements", err)
	}
	return out, nil
}

// NumericValues returns the numeric values of a (study, type) pair, leaving
// out one logical measurement.
func (db *DB) NumericValues(ctx context.Context, studyID, measurementType string, excludeID int64) ([]float64, error) {
	query := db.Rebind(`SELECT standardized_value FROM processed_measurements
		WHERE study_id = ? AND measurement_type = ? AND is_numeric = ? AND raw_measurement_id <> ?
		ORDER BY standardized_value ASC`)

	var values []float64
	if err := db.SelectContext(ctx, &values, query, studyID, measurementType, true, excludeID); err != nil {
		return nil, wrap("numeric values", err)
	}
	return values, nil
}

// TimeBounds is the earliest and latest event timestamp of a set of rows.
type TimeBounds struct {
	First time.Time
	Last  time.Time
	Found bool
}

func (db *DB) timeBounds(ctx context.Context, where string, args ...interface{}) (TimeBounds, error) {
	var b TimeBounds
	first := db.Rebind(`SELECT event_ts FROM processed_measurements WHERE ` + where + ` ORDER BY event_ts ASC LIMIT 1`)
	err := db.GetContext(ctx, &b.First, first, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, wrap("time bounds", err)
	}

	last := db.Rebind(`SELECT event_ts FROM processed_measurements WHERE ` + where + ` ORDER BY event_ts DESC LIMIT 1`)
	if err := db.GetContext(ctx, &b.Last, last, args...); err != nil {
		return b, wrap("time bounds", err)
	}
	b.Found = true
	return b, nil
}

func (db *DB) ParticipantTimeBounds(ctx context.Context, studyID, participantID string) (TimeBounds, error) {
	return db.timeBounds(ctx, "study_id = ? AND participant_id = ?", studyID, participantID)
}

func (db *DB) StudyTimeBounds(ctx context.Context, studyID string) (TimeBounds, error) {
	return db.timeBounds(ctx, "study_id = ?", studyID)
}

// ValueBounds is the numeric minimum and maximum within one bucket.
type ValueBounds struct {
	Min *float64 `db:"min_value"`
	Max *float64 `db:"max_value"`
}

// BucketValueBounds recomputes min/max of the numeric values that fall in a
// bucket's key and window.
func (db *DB) BucketValueBounds(ctx context.Context, k domain.BucketKey) (ValueBounds, error) {
	where := `study_id = ? AND measurement_type = ? AND is_numeric = ? AND event_ts >= ? AND event_ts < ?`
	args := []interface{}{k.StudyID, k.MeasurementType, true, k.PeriodStart.UTC(), k.PeriodEnd.UTC()}
	switch k.Scope {
	case domain.ScopeParticipant:
		where += ` AND participant_id = ?`
		args = append(args, k.ParticipantID)
	case domain.ScopeSite:
		where += ` AND site_id = ?`
		args = append(args, k.SiteID)
	}

	var b ValueBounds
	query := db.Rebind(`SELECT MIN(standardized_value) AS min_value, MAX(standardized_value) AS max_value
		FROM processed_measurements WHERE ` + where)
	if err := db.GetContext(ctx, &b, query, args...); err != nil {
		return b, wrap("bucket value bounds", err)
	}
	return b, nil
}

// ReportRow is the slice of a processed measurement a quality report needs.
type ReportRow struct {
	EventTimestamp time.Time `db:"event_ts"`
	ParticipantID  string    `db:"participant_id"`
	QualityScore   float64   `db:"quality_score"`
	IsNumeric      bool      `db:"is_numeric"`
	IsOutlier      bool      `db:"is_outlier"`
}

// ReportRows scans the processed measurements of a report key's window.
func (db *DB) ReportRows(ctx context.Context, k domain.ReportKey) ([]ReportRow, error) {
	from, to := k.Window()
	where, args := MeasurementFilter{
		StudyID:         k.StudyID,
		SiteID:          k.SiteID,
		MeasurementType: k.MeasurementType,
		From:            from,
		To:              to,
	}.where()

	query := db.Rebind(`SELECT event_ts, participant_id, quality_score, is_numeric, is_outlier
		FROM processed_measurements WHERE ` + where)

	var rows []ReportRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrap("report rows", err)
	}
	return rows, nil
}

// ListStudies returns every study with at least one processed measurement.
func (db *DB) ListStudies(ctx context.Context) ([]string, error) {
	var ids []string
	if err := db.SelectContext(ctx, &ids, `SELECT DISTINCT study_id FROM processed_measurements ORDER BY study_id`); err != nil {
		return nil, wrap("list studies", err)
	}
	return ids, nil
}

// SiteType is one (site, measurement type) combination present in a window.
type SiteType struct {
	SiteID          string `db:"site_id"`
	MeasurementType string `db:"measurement_type"`
}

func (db *DB) ListSiteTypes(ctx context.Context, studyID string, from, to time.Time) ([]SiteType, error) {
	query := db.Rebind(`SELECT DISTINCT site_id, measurement_type FROM processed_measurements
		WHERE study_id = ? AND event_ts >= ? AND event_ts < ?
		ORDER BY site_id, measurement_type`)

	var out []SiteType
	if err := db.SelectContext(ctx, &out, query, studyID, from.UTC(), to.UTC()); err != nil {
		return nil, wrap("list site types", err)
	}
	return out, nil
}
