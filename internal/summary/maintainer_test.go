package summary

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "summary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func measurement(id int64, participant, site, mtype string, score float64, ts time.Time) *domain.ProcessedMeasurement {
	return &domain.ProcessedMeasurement{
		RawMeasurementID: id,
		SourceRawID:      id,
		JobID:            "job-1",
		StudyID:          "S1",
		ParticipantID:    participant,
		MeasurementType:  mtype,
		SiteID:           site,
		RawValue:         "1",
		EventTimestamp:   ts,
		QualityScore:     score,
		ProcessedAt:      base,
	}
}

// apply writes the processed row and applies the delta in one transaction,
// the way the transformation engine does.
func apply(t *testing.T, db *store.DB, m *Maintainer, d domain.Delta) {
	t.Helper()
	err := db.RunInTx(context.Background(), func(tx *store.DB) error {
		if d.Next != nil {
			if err := tx.UpsertProcessed(context.Background(), d.Next); err != nil {
				return err
			}
		}
		return m.Apply(context.Background(), tx, d, base)
	})
	require.NoError(t, err)
}

func TestApplyNewMeasurements(t *testing.T) {
	db := openDB(t)
	m := New()
	ctx := context.Background()

	apply(t, db, m, domain.Delta{Next: measurement(1, "P1", "SITE-A", "glucose", 1.0, base)})
	apply(t, db, m, domain.Delta{Next: measurement(2, "P1", "SITE-B", "weight", 0.5, base.Add(-time.Hour))})
	apply(t, db, m, domain.Delta{Next: measurement(3, "P1", "SITE-A", "glucose", 0.6, base.Add(2*time.Hour))})
	apply(t, db, m, domain.Delta{Next: measurement(4, "P2", "", "glucose", 0.9, base)})

	p1, err := db.GetParticipantSummary(ctx, "S1", "P1")
	require.NoError(t, err)
	require.NotNil(t, p1)
	assert.Equal(t, int64(3), p1.TotalMeasurements)
	assert.InDelta(t, 0.7, p1.AvgQualityScore, 1e-9)
	assert.Equal(t, 2, p1.DistinctTypeCount)
	assert.Equal(t, 2, p1.DistinctSiteCount)
	assert.Equal(t, "SITE-A", p1.PrimarySiteID)
	assert.True(t, p1.FirstMeasurementAt.Equal(base.Add(-time.Hour)))
	assert.True(t, p1.LastMeasurementAt.Equal(base.Add(2*time.Hour)))

	p2, err := db.GetParticipantSummary(ctx, "S1", "P2")
	require.NoError(t, err)
	assert.Equal(t, 0, p2.DistinctSiteCount, "missing site is not a site")
	assert.Equal(t, "", p2.PrimarySiteID)

	study, err := db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), study.TotalMeasurements)
	assert.Equal(t, int64(2), study.TotalParticipants)
	assert.Equal(t, 2, study.TotalSites)
	assert.InDelta(t, 0.75, study.AvgQualityScore, 1e-9)

	count, err := db.CountParticipantSummaries(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, study.TotalParticipants, count)
}

func TestRetractThenApplyCorrection(t *testing.T) {
	db := openDB(t)
	m := New()
	ctx := context.Background()

	first := measurement(1, "P1", "SITE-A", "glucose", 1.0, base)
	apply(t, db, m, domain.Delta{Next: first})
	apply(t, db, m, domain.Delta{Next: measurement(2, "P1", "SITE-A", "glucose", 0.8, base.Add(time.Hour))})

	// Correct the quality and move the event earlier.
	corrected := measurement(1, "P1", "SITE-A", "glucose", 0.4, base.Add(-24*time.Hour))
	corrected.SourceRawID = 10
	apply(t, db, m, domain.Delta{Prior: first, Next: corrected})

	p1, err := db.GetParticipantSummary(ctx, "S1", "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p1.TotalMeasurements)
	assert.InDelta(t, 0.6, p1.AvgQualityScore, 1e-9)
	assert.True(t, p1.FirstMeasurementAt.Equal(base.Add(-24*time.Hour)))
	assert.True(t, p1.LastMeasurementAt.Equal(base.Add(time.Hour)))

	study, err := db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), study.TotalMeasurements)
	assert.InDelta(t, 0.6, study.AvgQualityScore, 1e-9)
}

func TestRetractRecomputesBounds(t *testing.T) {
	db := openDB(t)
	m := New()
	ctx := context.Background()

	apply(t, db, m, domain.Delta{Next: measurement(1, "P1", "SITE-A", "glucose", 1, base)})
	last := measurement(2, "P1", "SITE-A", "glucose", 1, base.Add(48*time.Hour))
	apply(t, db, m, domain.Delta{Next: last})

	moved := measurement(2, "P1", "SITE-A", "glucose", 1, base.Add(time.Hour))
	apply(t, db, m, domain.Delta{Prior: last, Next: moved})

	p1, err := db.GetParticipantSummary(ctx, "S1", "P1")
	require.NoError(t, err)
	assert.True(t, p1.LastMeasurementAt.Equal(base.Add(time.Hour)), "last bound falls back to the remaining rows")

	study, err := db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, study.LastMeasurementAt.Equal(base.Add(time.Hour)))
}

func TestCorrectionMovesParticipant(t *testing.T) {
	db := openDB(t)
	m := New()
	ctx := context.Background()

	apply(t, db, m, domain.Delta{Next: measurement(1, "P1", "SITE-A", "glucose", 1, base)})
	wrong := measurement(2, "P9", "SITE-B", "glucose", 1, base)
	apply(t, db, m, domain.Delta{Next: wrong})

	study, err := db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), study.TotalParticipants)
	assert.Equal(t, 2, study.TotalSites)

	fixed := measurement(2, "P1", "SITE-A", "glucose", 1, base)
	fixed.SourceRawID = 3
	apply(t, db, m, domain.Delta{Prior: wrong, Next: fixed})

	gone, err := db.GetParticipantSummary(ctx, "S1", "P9")
	require.NoError(t, err)
	assert.Nil(t, gone, "participant without measurements is removed")

	p1, err := db.GetParticipantSummary(ctx, "S1", "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p1.TotalMeasurements)

	study, err = db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), study.TotalParticipants)
	assert.Equal(t, 1, study.TotalSites)
	assert.Equal(t, int64(2), study.TotalMeasurements)

	count, err := db.CountParticipantSummaries(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, study.TotalParticipants, count)
}

func TestCorrectionMovesStudy(t *testing.T) {
	db := openDB(t)
	m := New()
	ctx := context.Background()

	wrong := measurement(1, "P1", "SITE-A", "glucose", 1, base)
	apply(t, db, m, domain.Delta{Next: wrong})

	fixed := measurement(1, "P1", "SITE-A", "glucose", 1, base)
	fixed.StudyID = "S2"
	fixed.SourceRawID = 2
	apply(t, db, m, domain.Delta{Prior: wrong, Next: fixed})

	s1, err := db.GetStudySummary(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, s1)

	s2, err := db.GetStudySummary(ctx, "S2")
	require.NoError(t, err)
	require.NotNil(t, s2)
	assert.Equal(t, int64(1), s2.TotalParticipants)
}

func TestRetractMissingSummary(t *testing.T) {
	db := openDB(t)
	err := db.RunInTx(context.Background(), func(tx *store.DB) error {
		return New().Apply(context.Background(), tx, domain.Delta{Prior: measurement(1, "P1", "", "glucose", 1, base)}, base)
	})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	prior := measurement(1, "P1", "SITE-A", "glucose", 1, base)
	next := measurement(1, "P2", "SITE-A", "glucose", 1, base)

	assert.Equal(t, []string{"participant|S1|P2", "study|S1"}, Keys(domain.Delta{Next: next}))
	assert.Len(t, Keys(domain.Delta{Prior: prior, Next: next}), 4)
}
