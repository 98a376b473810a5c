package store

import (
	"context"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const reportColumns = `study_id, site_id, measurement_type, report_date, measurement_count, numeric_count,
	non_numeric_count, outlier_count, distinct_participants, avg_quality_score, min_quality_score,
	max_quality_score, first_event_at, last_event_at, generated_at`

// UpsertQualityReport overwrites the snapshot stored under the report key.
func (db *DB) UpsertQualityReport(ctx context.Context, r *domain.QualityReport) error {
	r.ReportDate = r.ReportDate.UTC()
	r.GeneratedAt = r.GeneratedAt.UTC()

	query := `INSERT INTO quality_reports (` + reportColumns + `)
		VALUES (:study_id, :site_id, :measurement_type, :report_date, :measurement_count, :numeric_count,
			:non_numeric_count, :outlier_count, :distinct_participants, :avg_quality_score,
			:min_quality_score, :max_quality_score, :first_event_at, :last_event_at, :generated_at)
		ON CONFLICT (study_id, site_id, measurement_type, report_date) DO UPDATE SET
			measurement_count = excluded.measurement_count,
			numeric_count = excluded.numeric_count,
			non_numeric_count = excluded.non_numeric_count,
			outlier_count = excluded.outlier_count,
			distinct_participants = excluded.distinct_participants,
			avg_quality_score = excluded.avg_quality_score,
			min_quality_score = excluded.min_quality_score,
			max_quality_score = excluded.max_quality_score,
			first_event_at = excluded.first_event_at,
			last_event_at = excluded.last_event_at,
			generated_at = excluded.generated_at`

	_, err := db.NamedExecContext(ctx, query, r)
	return wrap("upsert quality report", err)
}

// ListQualityReports returns a study's reports with report_date in [from, to).
func (db *DB) ListQualityReports(ctx context.Context, studyID string, from, to time.Time) ([]*domain.QualityReport, error) {
	query := `SELECT ` + reportColumns + ` FROM quality_reports WHERE study_id = ?`
	args := []interface{}{studyID}
	if !from.IsZero() {
		query += ` AND report_date >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND report_date < ?`
		args = append(args, to.UTC())
	}
	query += ` ORDER BY report_date, site_id, measurement_type`

	var out []*domain.QualityReport
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, wrap("list quality reports", err)
	}
	return out, nil
}
