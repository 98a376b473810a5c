// Package report generates quality reports. A report is recomputed from the
// processed measurements of its window every time; nothing is incremental.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// Generator is the only writer of quality reports.
type Generator struct {
	db      *store.DB
	metrics *metrics.Metrics
	logger  *logger.Logger
	now     func() time.Time
	running chan struct{}
}

func NewGenerator(db *store.DB, m *metrics.Metrics, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Default()
	}
	return &Generator{
		db:      db,
		metrics: m,
		logger:  log.WithComponent("report"),
		now:     time.Now,
		running: make(chan struct{}, 1),
	}
}

// Generate recomputes one report and overwrites the stored snapshot. A key
// whose window holds no measurements still gets a zero-count report.
func (g *Generator) Generate(ctx context.Context, key domain.ReportKey) (*domain.QualityReport, error) {
	key.ReportDate, _ = key.Window()

	rows, err := g.db.ReportRows(ctx, key)
	if err != nil {
		return nil, err
	}

	r := Compute(key, rows)
	r.GeneratedAt = g.now().UTC()
	if err := g.db.UpsertQualityReport(ctx, r); err != nil {
		return nil, err
	}
	g.metrics.ReportsGenerated(1)
	return r, nil
}

// Compute builds the snapshot statistics of rows.
func Compute(key domain.ReportKey, rows []store.ReportRow) *domain.QualityReport {
	r := &domain.QualityReport{ReportKey: key}
	if len(rows) == 0 {
		return r
	}

	participants := map[string]struct{}{}
	var sum float64
	minQ, maxQ := rows[0].QualityScore, rows[0].QualityScore
	first, last := rows[0].EventTimestamp, rows[0].EventTimestamp

	for _, row := range rows {
		r.MeasurementCount++
		if row.IsNumeric {
			r.NumericCount++
		} else {
			r.NonNumericCount++
		}
		if row.IsOutlier {
			r.OutlierCount++
		}
		participants[row.ParticipantID] = struct{}{}

		sum += row.QualityScore
		if row.QualityScore < minQ {
			minQ = row.QualityScore
		}
		if row.QualityScore > maxQ {
			maxQ = row.QualityScore
		}
		if row.EventTimestamp.Before(first) {
			first = row.EventTimestamp
		}
		if row.EventTimestamp.After(last) {
			last = row.EventTimestamp
		}
	}

	avg := sum / float64(r.MeasurementCount)
	first, last = first.UTC(), last.UTC()
	r.AvgQualityScore = &avg
	r.MinQualityScore = &minQ
	r.MaxQualityScore = &maxQ
	r.FirstEventAt = &first
	r.LastEventAt = &last
	r.DistinctParticipants = int64(len(participants))
	return r
}

// GenerateForStudyDate writes the overall report of a study day plus one per
// site, per type and per (site, type) seen that day.
func (g *Generator) GenerateForStudyDate(ctx context.Context, studyID string, date time.Time) ([]*domain.QualityReport, error) {
	day, next := domain.GranularityDaily.Period(date)
	combos, err := g.db.ListSiteTypes(ctx, studyID, day, next)
	if err != nil {
		return nil, err
	}

	keys := []domain.ReportKey{{StudyID: studyID, ReportDate: day}}
	sites := map[string]bool{}
	types := map[string]bool{}
	for _, c := range combos {
		if !sites[c.SiteID] {
			sites[c.SiteID] = true
			keys = append(keys, domain.ReportKey{StudyID: studyID, SiteID: c.SiteID, ReportDate: day})
		}
		if !types[c.MeasurementType] {
			types[c.MeasurementType] = true
			keys = append(keys, domain.ReportKey{StudyID: studyID, MeasurementType: c.MeasurementType, ReportDate: day})
		}
		keys = append(keys, domain.ReportKey{StudyID: studyID, SiteID: c.SiteID, MeasurementType: c.MeasurementType, ReportDate: day})
	}

	out := make([]*domain.QualityReport, 0, len(keys))
	seen := map[string]bool{}
	for _, k := range keys {
		// A measurement without a site already rolls up into the
		// overall and per-type keys.
		if seen[k.String()] {
			continue
		}
		seen[k.String()] = true

		r, err := g.Generate(ctx, k)
		if err != nil {
			return out, fmt.Errorf("failed to generate report %s: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GenerateAll regenerates the reports of date for every study with data.
func (g *Generator) GenerateAll(ctx context.Context, date time.Time) (int, error) {
	studies, err := g.db.ListStudies(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range studies {
		reports, err := g.GenerateForStudyDate(ctx, s, date)
		n += len(reports)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
