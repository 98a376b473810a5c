package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const rawColumns = `id, job_id, study_id, participant_id, measurement_type, raw_value, unit, event_ts,
	site_id, quality_score, corrects_raw_id, ingested_at`

// AppendRaw appends raw measurements to the log and assigns their ids.
// Rows are immutable afterwards; there is no update or delete.
func (db *DB) AppendRaw(ctx context.Context, rows []*domain.RawMeasurement) error {
	query := db.Rebind(`INSERT INTO raw_measurements (job_id, study_id, participant_id, measurement_type,
			raw_value, unit, event_ts, site_id, quality_score, corrects_raw_id, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	for _, r := range rows {
		r.EventTimestamp = r.EventTimestamp.UTC()
		r.IngestedAt = r.IngestedAt.UTC()
		err := db.GetContext(ctx, &r.ID, query, r.JobID, r.StudyID, r.ParticipantID, r.MeasurementType,
			r.RawValue, r.Unit, r.EventTimestamp, r.SiteID, r.QualityScore, r.CorrectsRawID, r.IngestedAt)
		if err != nil {
			return wrap("append raw measurement", err)
		}
	}
	return nil
}

func (db *DB) GetRaw(ctx context.Context, id int64) (*domain.RawMeasurement, error) {
	query := db.Rebind(`SELECT ` + rawColumns + ` FROM raw_measurements WHERE id = ?`)

	r := &domain.RawMeasurement{}
	err := db.GetContext(ctx, r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get raw measurement", err)
	}
	return r, nil
}

// LatestRevision returns the newest raw row of a logical measurement.
func (db *DB) LatestRevision(ctx context.Context, logicalID int64) (*domain.RawMeasurement, error) {
	query := db.Rebind(`SELECT ` + rawColumns + ` FROM raw_measurements
		WHERE id = ? OR corrects_raw_id = ? ORDER BY id DESC LIMIT 1`)

	r := &domain.RawMeasurement{}
	err := db.GetContext(ctx, r, query, logicalID, logicalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrap("latest revision", err)
	}
	return r, nil
}

// ListRawByJob pages through a job's raw rows in id order.
func (db *DB) ListRawByJob(ctx context.Context, jobID string, afterID int64, limit int) ([]*domain.RawMeasurement, error) {
	query := db.Rebind(`SELECT ` + rawColumns + ` FROM raw_measurements
		WHERE job_id = ? AND id > ? ORDER BY id ASC LIMIT ?`)

	var rows []*domain.RawMeasurement
	if err := db.SelectContext(ctx, &rows, query, jobID, afterID, limit); err != nil {
		return nil, wrap("list raw measurements", err)
	}
	return rows, nil
}

func (db *DB) CountRawByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM raw_measurements WHERE job_id = ?`), jobID)
	return n, wrap("count raw measurements", err)
}

// CountUnreflectedRaw counts raw rows of a job whose logical measurement has
// no processed record at that revision or a later one.
func (db *DB) CountUnreflectedRaw(ctx context.Context, jobID string) (int, error) {
	query := db.Rebind(`SELECT COUNT(*) FROM raw_measurements r
		LEFT JOIN processed_measurements p ON p.raw_measurement_id = COALESCE(r.corrects_raw_id, r.id)
		WHERE r.job_id = ? AND (p.raw_measurement_id IS NULL OR p.source_raw_id < r.id)`)

	var n int
	err := db.GetContext(ctx, &n, query, jobID)
	return n, wrap("count unreflected raw measurements", err)
}
