package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

// GetDistribution returns the running statistics of a (study, type) pair,
// or an empty distribution at version 0 when none is stored.
func (db *DB) GetDistribution(ctx context.Context, studyID, measurementType string) (*domain.Distribution, error) {
	query := db.Rebind(`SELECT study_id, measurement_type, sample_count, mean, m2, version, updated_at
		FROM distributions WHERE study_id = ? AND measurement_type = ?`)

	d := &domain.Distribution{}
	err := db.GetContext(ctx, d, query, studyID, measurementType)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Distribution{StudyID: studyID, MeasurementType: measurementType}, nil
	}
	if err != nil {
		return nil, wrap("get distribution", err)
	}
	return d, nil
}

// SaveDistribution writes d if the stored version still equals d.Version.
func (db *DB) SaveDistribution(ctx context.Context, d *domain.Distribution) error {
	d.UpdatedAt = time.Now().UTC()

	var res sql.Result
	var err error
	if d.Version == 0 {
		res, err = db.NamedExecContext(ctx, `INSERT INTO distributions
				(study_id, measurement_type, sample_count, mean, m2, version, updated_at)
			VALUES (:study_id, :measurement_type, :sample_count, :mean, :m2, 1, :updated_at)
			ON CONFLICT (study_id, measurement_type) DO NOTHING`, d)
	} else {
		res, err = db.NamedExecContext(ctx, `UPDATE distributions SET
				sample_count = :sample_count, mean = :mean, m2 = :m2,
				version = version + 1, updated_at = :updated_at
			WHERE study_id = :study_id AND measurement_type = :measurement_type AND version = :version`, d)
	}
	return db.finishVersioned("save distribution", res, err, &d.Version)
}

// finishVersioned turns a zero-row versioned write into ErrVersionConflict
// and bumps the caller's version on success.
func (db *DB) finishVersioned(op string, res sql.Result, err error, version *int64) error {
	if err != nil {
		return wrap(op, err)
	}
	ok, err := rowsChanged(res)
	if err != nil {
		return wrap(op, err)
	}
	if !ok {
		return ErrVersionConflict
	}
	*version++
	return nil
}
