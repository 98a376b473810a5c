package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const participantColumns = `study_id, participant_id, primary_site_id, first_measurement_at, last_measurement_at,
	total_measurements, avg_quality_score, distinct_type_count, distinct_site_count, type_counts, site_counts,
	version, updated_at`

// GetParticipantSummary returns nil when the pair has no summary yet.
func (db *DB) GetParticipantSummary(ctx context.Context, studyID, participantID string) (*domain.ParticipantSummary, error) {
	query := db.Rebind(`SELECT ` + participantColumns + ` FROM participant_summaries
		WHERE study_id = ? AND participant_id = ?`)

	s := &domain.ParticipantSummary{}
	err := db.GetContext(ctx, s, query, studyID, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get participant summary", err)
	}
	return s, nil
}

// SaveParticipantSummary inserts (version 0) or compare-and-swaps the row.
func (db *DB) SaveParticipantSummary(ctx context.Context, s *domain.ParticipantSummary) error {
	var res sql.Result
	var err error
	if s.Version == 0 {
		res, err = db.NamedExecContext(ctx, `INSERT INTO participant_summaries (`+participantColumns+`)
			VALUES (:study_id, :participant_id, :primary_site_id, :first_measurement_at, :last_measurement_at,
				:total_measurements, :avg_quality_score, :distinct_type_count, :distinct_site_count,
				:type_counts, :site_counts, 1, :updated_at)
			ON CONFLICT (study_id, participant_id) DO NOTHING`, s)
	} else {
		res, err = db.NamedExecContext(ctx, `UPDATE participant_summaries SET
				primary_site_id = :primary_site_id,
				first_measurement_at = :first_measurement_at,
				last_measurement_at = :last_measurement_at,
				total_measurements = :total_measurements,
				avg_quality_score = :avg_quality_score,
				distinct_type_count = :distinct_type_count,
				distinct_site_count = :distinct_site_count,
				type_counts = :type_counts,
				site_counts = :site_counts,
				version = version + 1,
				updated_at = :updated_at
			WHERE study_id = :study_id AND participant_id = :participant_id AND version = :version`, s)
	}
	return db.finishVersioned("save participant summary", res, err, &s.Version)
}

// DeleteParticipantSummary removes a summary whose last measurement was
// moved elsewhere by a correction.
func (db *DB) DeleteParticipantSummary(ctx context.Context, s *domain.ParticipantSummary) error {
	query := db.Rebind(`DELETE FROM participant_summaries WHERE study_id = ? AND participant_id = ? AND version = ?`)
	res, err := db.ExecContext(ctx, query, s.StudyID, s.ParticipantID, s.Version)
	if err != nil {
		return wrap("delete participant summary", err)
	}
	ok, err := rowsChanged(res)
	if err != nil {
		return wrap("delete participant summary", err)
	}
	if !ok {
		return ErrVersionConflict
	}
	return nil
}

// ListParticipantSummaries lists a study's participants, optionally only
// those whose average quality reaches minQuality.
func (db *DB) ListParticipantSummaries(ctx context.Context, studyID string, minQuality *float64) ([]*domain.ParticipantSummary, error) {
	query := `SELECT ` + participantColumns + ` FROM participant_summaries WHERE study_id = ?`
	args := []interface{}{studyID}
	if minQuality != nil {
		query += ` AND avg_quality_score >= ?`
		args = append(args, *minQuality)
	}
	query += ` ORDER BY participant_id`

	var out []*domain.ParticipantSummary
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, wrap("list participant summaries", err)
	}
	return out, nil
}

func (db *DB) CountParticipantSummaries(ctx context.Context, studyID string) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM participant_summaries WHERE study_id = ?`), studyID)
	return n, wrap("count participant summaries", err)
}

const studyColumns = `study_id, first_measurement_at, last_measurement_at, total_measurements, total_participants,
	total_sites, avg_quality_score, site_counts, version, updated_at`

// GetStudySummary returns nil when the study has no summary yet.
func (db *DB) GetStudySummary(ctx context.Context, studyID string) (*domain.StudySummary, error) {
	query := db.Rebind(`SELECT ` + studyColumns + ` FROM study_summaries WHERE study_id = ?`)

	s := &domain.StudySummary{}
	err := db.GetContext(ctx, s, query, studyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get study summary", err)
	}
	return s, nil
}

func (db *DB) SaveStudySummary(ctx context.Context, s *domain.StudySummary) error {
	var res sql.Result
	var err error
	if s.Version == 0 {
		res, err = db.NamedExecContext(ctx, `INSERT INTO study_summaries (`+studyColumns+`)
			VALUES (:study_id, :first_measurement_at, :last_measurement_at, :total_measurements,
				:total_participants, :total_sites, :avg_quality_score, :site_counts, 1, :updated_at)
			ON CONFLICT (study_id) DO NOTHING`, s)
	} else {
		res, err = db.NamedExecContext(ctx, `UPDATE study_summaries SET
				first_measurement_at = :first_measurement_at,
				last_measurement_at = :last_measurement_at,
				total_measurements = :total_measurements,
				total_participants = :total_participants,
				total_sites = :total_sites,
				avg_quality_score = :avg_quality_score,
				site_counts = :site_counts,
				version = version + 1,
				updated_at = :updated_at
			WHERE study_id = :study_id AND version = :version`, s)
	}
	return db.finishVersioned("save study summary", res, err, &s.Version)
}

func (db *DB) DeleteStudySummary(ctx context.Context, s *domain.StudySummary) error {
	query := db.Rebind(`DELETE FROM study_summaries WHERE study_id = ? AND version = ?`)
	res, err := db.ExecContext(ctx, query, s.StudyID, s.Version)
	if err != nil {
		return wrap("delete study summary", err)
	}
	ok, err := rowsChanged(res)
	if err != nil {
		return wrap("delete study summary", err)
	}
	if !ok {
		return ErrVersionConflict
	}
	return nil
}
