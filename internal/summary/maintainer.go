// Package summary keeps participant and study rollups current. Every change
// arrives as a domain.Delta and is applied retract-then-apply, so a
// correction moves exactly its own contribution.
package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// Maintainer is the only writer of participant and study summaries. It holds
// no state; callers serialize per key (see Keys) and run Apply inside the
// transaction that stored the delta.
type Maintainer struct{}

func New() *Maintainer {
	return &Maintainer{}
}

func participantKey(studyID, participantID string) string {
	return "participant|" + studyID + "|" + participantID
}

func studyKey(studyID string) string {
	return "study|" + studyID
}

// Keys lists the summary rows a delta touches.
func Keys(d domain.Delta) []string {
	var keys []string
	for _, p := range []*domain.ProcessedMeasurement{d.Prior, d.Next} {
		if p == nil {
			continue
		}
		keys = append(keys, participantKey(p.StudyID, p.ParticipantID), studyKey(p.StudyID))
	}
	return keys
}

// Apply retracts d.Prior and applies d.Next. tx must already contain d.Next
// and no longer contain d.Prior, since bounds that cannot be retracted
// arithmetically are recomputed from the processed rows.
func (m *Maintainer) Apply(ctx context.Context, tx *store.DB, d domain.Delta, now time.Time) error {
	now = now.UTC()
	if d.Prior != nil {
		removed, err := m.retractParticipant(ctx, tx, d.Prior, now)
		if err != nil {
			return err
		}
		if err := m.retractStudy(ctx, tx, d.Prior, removed, now); err != nil {
			return err
		}
	}
	if d.Next != nil {
		added, err := m.applyParticipant(ctx, tx, d.Next, now)
		if err != nil {
			return err
		}
		if err := m.applyStudy(ctx, tx, d.Next, added, now); err != nil {
			return err
		}
	}
	return nil
}

// retractParticipant reports whether the participant row was removed.
func (m *Maintainer) retractParticipant(ctx context.Context, tx *store.DB, p *domain.ProcessedMeasurement, now time.Time) (bool, error) {
	s, err := tx.GetParticipantSummary(ctx, p.StudyID, p.ParticipantID)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, fmt.Errorf("participant summary %s/%s missing for retraction", p.StudyID, p.ParticipantID)
	}

	if s.TotalMeasurements <= 1 {
		return true, tx.DeleteParticipantSummary(ctx, s)
	}

	s.AvgQualityScore = retractMean(s.AvgQualityScore, s.TotalMeasurements, p.QualityScore)
	s.TotalMeasurements--
	s.Types.Remove(p.MeasurementType)
	if p.SiteID != "" {
		s.Sites.Remove(p.SiteID)
	}
	s.DistinctTypeCount = s.Types.Distinct()
	s.DistinctSiteCount = s.Sites.Distinct()
	s.PrimarySiteID = s.Sites.Most()

	if touchesBounds(p.EventTimestamp, s.FirstMeasurementAt, s.LastMeasurementAt) {
		b, err := tx.ParticipantTimeBounds(ctx, p.StudyID, p.ParticipantID)
		if err != nil {
			return false, err
		}
		if b.Found {
			s.FirstMeasurementAt, s.LastMeasurementAt = b.First.UTC(), b.Last.UTC()
		}
	}

	s.UpdatedAt = now
	return false, tx.SaveParticipantSummary(ctx, s)
}

// applyParticipant reports whether the participant row was created.
func (m *Maintainer) applyParticipant(ctx context.Context, tx *store.DB, p *domain.ProcessedMeasurement, now time.Time) (bool, error) {
	s, err := tx.GetParticipantSummary(ctx, p.StudyID, p.ParticipantID)
	if err != nil {
		return false, err
	}
	created := s == nil
	if created {
		s = &domain.ParticipantSummary{
			StudyID:            p.StudyID,
			ParticipantID:      p.ParticipantID,
			FirstMeasurementAt: p.EventTimestamp.UTC(),
			LastMeasurementAt:  p.EventTimestamp.UTC(),
			Types:              domain.CountSet{},
			Sites:              domain.CountSet{},
		}
	}

	s.AvgQualityScore = applyMean(s.AvgQualityScore, s.TotalMeasurements, p.QualityScore)
	s.TotalMeasurements++
	s.Types.Add(p.MeasurementType)
	if p.SiteID != "" {
		s.Sites.Add(p.SiteID)
	}
	s.DistinctTypeCount = s.Types.Distinct()
	s.DistinctSiteCount = s.Sites.Distinct()
	s.PrimarySiteID = s.Sites.Most()
	s.FirstMeasurementAt, s.LastMeasurementAt = extend(s.FirstMeasurementAt, s.LastMeasurementAt, p.EventTimestamp)
	s.UpdatedAt = now

	return created, tx.SaveParticipantSummary(ctx, s)
}

func (m *Maintainer) retractStudy(ctx context.Context, tx *store.DB, p *domain.ProcessedMeasurement, participantRemoved bool, now time.Time) error {
	s, err := tx.GetStudySummary(ctx, p.StudyID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("study summary %s missing for retraction", p.StudyID)
	}

	if s.TotalMeasurements <= 1 {
		return tx.DeleteStudySummary(ctx, s)
	}

	s.AvgQualityScore = retractMean(s.AvgQualityScore, s.TotalMeasurements, p.QualityScore)
	s.TotalMeasurements--
	if participantRemoved {
		s.TotalParticipants--
	}
	if p.SiteID != "" {
		s.Sites.Remove(p.SiteID)
	}
	s.TotalSites = s.Sites.Distinct()

	if touchesBounds(p.EventTimestamp, s.FirstMeasurementAt, s.LastMeasurementAt) {
		b, err := tx.StudyTimeBounds(ctx, p.StudyID)
		if err != nil {
			return err
		}
		if b.Found {
			s.FirstMeasurementAt, s.LastMeasurementAt = b.First.UTC(), b.Last.UTC()
		}
	}

	s.UpdatedAt = now
	return tx.SaveStudySummary(ctx, s)
}

func (m *Maintainer) applyStudy(ctx context.Context, tx *store.DB, p *domain.ProcessedMeasurement, participantAdded bool, now time.Time) error {
	s, err := tx.GetStudySummary(ctx, p.StudyID)
	if err != nil {
		return err
	}
	if s == nil {
		s = &domain.StudySummary{
			StudyID:            p.StudyID,
			FirstMeasurementAt: p.EventTimestamp.UTC(),
			LastMeasurementAt:  p.EventTimestamp.UTC(),
			Sites:              domain.CountSet{},
		}
	}

	s.AvgQualityScore = applyMean(s.AvgQualityScore, s.TotalMeasurements, p.QualityScore)
	s.TotalMeasurements++
	if participantAdded {
		s.TotalParticipants++
	}
	if p.SiteID != "" {
		s.Sites.Add(p.SiteID)
	}
	s.TotalSites = s.Sites.Distinct()
	s.FirstMeasurementAt, s.LastMeasurementAt = extend(s.FirstMeasurementAt, s.LastMeasurementAt, p.EventTimestamp)
	s.UpdatedAt = now

	return tx.SaveStudySummary(ctx, s)
}

// applyMean adds x to a mean over n values.
func applyMean(mean float64, n int64, x float64) float64 {
	return (mean*float64(n) + x) / float64(n+1)
}

// retractMean removes x from a mean over n values.
func retractMean(mean float64, n int64, x float64) float64 {
	if n <= 1 {
		return 0
	}
	return (mean*float64(n) - x) / float64(n-1)
}

func extend(first, last, t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	if t.Before(first) {
		first = t
	}
	if t.After(last) {
		last = t
	}
	return first, last
}

func touchesBounds(t, first, last time.Time) bool {
	return t.Equal(first) || t.Equal(last)
}
