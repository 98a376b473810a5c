package aggregate

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

// Wednesday.
var base = time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "aggregate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func numeric(id int64, participant string, value, score float64, ts time.Time) *domain.ProcessedMeasurement {
	return &domain.ProcessedMeasurement{
		RawMeasurementID:  id,
		SourceRawID:       id,
		JobID:             "job-1",
		StudyID:           "S1",
		ParticipantID:     participant,
		MeasurementType:   "glucose",
		SiteID:            "SITE-A",
		StandardizedValue: &value,
		IsNumeric:         true,
		EventTimestamp:    ts,
		QualityScore:      score,
		ProcessedAt:       base,
	}
}

func text(id int64, participant string, score float64, ts time.Time) *domain.ProcessedMeasurement {
	p := numeric(id, participant, 0, score, ts)
	p.StandardizedValue = nil
	p.IsNumeric = false
	p.RawValue = "trace"
	return p
}

func apply(t *testing.T, db *store.DB, e *Engine, d domain.Delta) {
	t.Helper()
	err := db.RunInTx(context.Background(), func(tx *store.DB) error {
		if d.Next != nil {
			if err := tx.UpsertProcessed(context.Background(), d.Next); err != nil {
				return err
			}
		}
		return e.Apply(context.Background(), tx, d, base)
	})
	require.NoError(t, err)
}

func bucket(t *testing.T, db *store.DB, scope domain.Scope, g domain.Granularity, p *domain.ProcessedMeasurement) *domain.AggregationBucket {
	t.Helper()
	for _, k := range domain.BucketKeysFor(p) {
		if k.Scope == scope && k.Granularity == g {
			b, err := db.GetBucket(context.Background(), k)
			require.NoError(t, err)
			require.NotNil(t, b, "bucket %s", k)
			return b
		}
	}
	t.Fatalf("no %s/%s key", scope, g)
	return nil
}

func TestApplyCreatesAllBuckets(t *testing.T) {
	db := openDB(t)
	e := New()

	first := numeric(1, "P1", 90, 1.0, base)
	apply(t, db, e, domain.Delta{Next: first})
	apply(t, db, e, domain.Delta{Next: numeric(2, "P2", 110, 0.8, base.Add(time.Hour))})
	apply(t, db, e, domain.Delta{Next: text(3, "P1", 0.3, base.Add(2*time.Hour))})

	for _, g := range domain.Granularities {
		b := bucket(t, db, domain.ScopeStudy, g, first)
		assert.Equal(t, int64(3), b.Count, string(g))
		assert.Equal(t, int64(2), b.NumericCount)
		assert.InDelta(t, 100, *b.AvgValue, 1e-9)
		assert.InDelta(t, 90, *b.MinValue, 1e-9)
		assert.InDelta(t, 110, *b.MaxValue, 1e-9)
		assert.InDelta(t, 0.7, b.AvgQualityScore, 1e-9)
		assert.Equal(t, 2, b.DistinctParticipants)
	}

	p1 := bucket(t, db, domain.ScopeParticipant, domain.GranularityDaily, first)
	assert.Equal(t, "P1", p1.ParticipantID)
	assert.Equal(t, int64(2), p1.Count)
	assert.Equal(t, int64(1), p1.NumericCount)
	assert.Equal(t, 1, p1.DistinctParticipants)

	site := bucket(t, db, domain.ScopeSite, domain.GranularityWeekly, first)
	assert.Equal(t, "SITE-A", site.SiteID)
	assert.True(t, site.PeriodStart.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
	assert.True(t, site.PeriodEnd.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))

	buckets, err := db.ListBuckets(context.Background(), store.BucketFilter{StudyID: "S1"})
	require.NoError(t, err)
	assert.Len(t, buckets, 3, "one study bucket per granularity")
}

func TestCorrectionRecomputesExtremes(t *testing.T) {
	db := openDB(t)
	e := New()

	apply(t, db, e, domain.Delta{Next: numeric(1, "P1", 90, 1, base)})
	high := numeric(2, "P1", 500, 1, base)
	apply(t, db, e, domain.Delta{Next: high})

	fixed := numeric(2, "P1", 100, 1, base)
	fixed.SourceRawID = 5
	apply(t, db, e, domain.Delta{Prior: high, Next: fixed})

	b := bucket(t, db, domain.ScopeStudy, domain.GranularityDaily, fixed)
	assert.Equal(t, int64(2), b.Count)
	assert.InDelta(t, 95, *b.AvgValue, 1e-9)
	assert.InDelta(t, 90, *b.MinValue, 1e-9)
	assert.InDelta(t, 100, *b.MaxValue, 1e-9, "max falls back once 500 is retracted")
}

func TestCorrectionAcrossPeriods(t *testing.T) {
	db := openDB(t)
	e := New()

	late := numeric(1, "P1", 90, 1, base)
	apply(t, db, e, domain.Delta{Next: late})

	moved := numeric(1, "P1", 90, 1, base.AddDate(0, -1, 0))
	moved.SourceRawID = 2
	apply(t, db, e, domain.Delta{Prior: late, Next: moved})

	old := bucket(t, db, domain.ScopeStudy, domain.GranularityMonthly, late)
	assert.Equal(t, int64(0), old.Count, "buckets are kept even when emptied")
	assert.Equal(t, int64(0), old.NumericCount)
	assert.Nil(t, old.AvgValue)
	assert.Nil(t, old.MinValue)
	assert.Nil(t, old.MaxValue)
	assert.Equal(t, 0, old.DistinctParticipants)

	now := bucket(t, db, domain.ScopeStudy, domain.GranularityMonthly, moved)
	assert.Equal(t, int64(1), now.Count)
}

func TestNumericToTextCorrection(t *testing.T) {
	db := openDB(t)
	e := New()

	apply(t, db, e, domain.Delta{Next: numeric(1, "P1", 90, 1, base)})
	v := numeric(2, "P1", 120, 1, base)
	apply(t, db, e, domain.Delta{Next: v})

	txt := text(2, "P1", 0.3, base)
	txt.SourceRawID = 3
	apply(t, db, e, domain.Delta{Prior: v, Next: txt})

	b := bucket(t, db, domain.ScopeStudy, domain.GranularityDaily, txt)
	assert.Equal(t, int64(2), b.Count)
	assert.Equal(t, int64(1), b.NumericCount)
	assert.InDelta(t, 90, *b.AvgValue, 1e-9)
	assert.InDelta(t, 90, *b.MaxValue, 1e-9)
	assert.InDelta(t, 0.65, b.AvgQualityScore, 1e-9)
	assert.Equal(t, 1, b.DistinctParticipants)
}

func TestRetractMissingBucket(t *testing.T) {
	db := openDB(t)
	err := db.RunInTx(context.Background(), func(tx *store.DB) error {
		return New().Apply(context.Background(), tx, domain.Delta{Prior: numeric(1, "P1", 1, 1, base)}, base)
	})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	p := numeric(1, "P1", 1, 1, base)
	assert.Len(t, Keys(domain.Delta{Next: p}), 9)
	assert.Len(t, Keys(domain.Delta{Prior: p, Next: p}), 18)
}
