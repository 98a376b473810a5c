package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const bucketColumns = `study_id, scope, participant_id, site_id, measurement_type, granularity, period_start,
	period_end, measurement_count, numeric_count, avg_value, min_value, max_value, avg_quality_score,
	participant_counts, distinct_participants, version, last_updated`

// GetBucket returns nil when the bucket has not been created yet.
func (db *DB) GetBucket(ctx context.Context, k domain.BucketKey) (*domain.AggregationBucket, error) {
	query := db.Rebind(`SELECT ` + bucketColumns + ` FROM aggregation_buckets
		WHERE study_id = ? AND scope = ? AND participant_id = ? AND site_id = ?
			AND measurement_type = ? AND granularity = ? AND period_start = ?`)

	b := &domain.AggregationBucket{}
	err := db.GetContext(ctx, b, query, k.StudyID, k.Scope, k.ParticipantID, k.SiteID,
		k.MeasurementType, k.Granularity, k.PeriodStart.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get aggregation bucket", err)
	}
	return b, nil
}

// SaveBucket inserts a new bucket (version 0) or compare-and-swaps it.
// Buckets are never deleted.
func (db *DB) SaveBucket(ctx context.Context, b *domain.AggregationBucket) error {
	b.PeriodStart = b.PeriodStart.UTC()
	b.PeriodEnd = b.PeriodEnd.UTC()

	var res sql.Result
	var err error
	if b.Version == 0 {
		res, err = db.NamedExecContext(ctx, `INSERT INTO aggregation_buckets (`+bucketColumns+`)
			VALUES (:study_id, :scope, :participant_id, :site_id, :measurement_type, :granularity,
				:period_start, :period_end, :measurement_count, :numeric_count, :avg_value, :min_value,
				:max_value, :avg_quality_score, :participant_counts, :distinct_participants, 1, :last_updated)
			ON CONFLICT (study_id, scope, participant_id, site_id, measurement_type, granularity, period_start)
			DO NOTHING`, b)
	} else {
		res, err = db.NamedExecContext(ctx, `UPDATE aggregation_buckets SET
				measurement_count = :measurement_count,
				numeric_count = :numeric_count,
				avg_value = :avg_value,
				min_value = :min_value,
				max_value = :max_value,
				avg_quality_score = :avg_quality_score,
				participant_counts = :participant_counts,
				distinct_participants = :distinct_participants,
				version = version + 1,
				last_updated = :last_updated
			WHERE study_id = :study_id AND scope = :scope AND participant_id = :participant_id
				AND site_id = :site_id AND measurement_type = :measurement_type
				AND granularity = :granularity AND period_start = :period_start AND version = :version`, b)
	}
	return db.finishVersioned("save aggregation bucket", res, err, &b.Version)
}

// BucketFilter selects aggregation buckets. Empty fields are ignored except
// Scope, which defaults to study scope.
type BucketFilter struct {
	From            time.Time
	To              time.Time
	StudyID         string
	Scope           domain.Scope
	Granularity     domain.Granularity
	MeasurementType string
	ParticipantID   string
	SiteID          string
}

func (db *DB) ListBuckets(ctx context.Context, f BucketFilter) ([]*domain.AggregationBucket, error) {
	scope := f.Scope
	if scope == "" {
		scope = domain.ScopeStudy
	}
	conds := []string{"study_id = ?", "scope = ?"}
	args := []interface{}{f.StudyID, scope}
	if f.Granularity != "" {
		conds = append(conds, "granularity = ?")
		args = append(args, f.Granularity)
	}
	if f.MeasurementType != "" {
		conds = append(conds, "measurement_type = ?")
		args = append(args, f.MeasurementType)
	}
	if f.ParticipantID != "" {
		conds = append(conds, "participant_id = ?")
		args = append(args, f.ParticipantID)
	}
	if f.SiteID != "" {
		conds = append(conds, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "period_end > ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, "period_start < ?")
		args = append(args, f.To.UTC())
	}

	query := `SELECT ` + bucketColumns + ` FROM aggregation_buckets WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY period_start, granularity, measurement_type, participant_id, site_id`

	var out []*domain.AggregationBucket
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, wrap("list aggregation buckets", err)
	}
	return out, nil
}
