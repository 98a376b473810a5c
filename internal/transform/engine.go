// Package transform turns raw measurements into processed ones and feeds
// the resulting delta to the summary and aggregation maintainers in the same
// transaction.
package transform

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/aggregate"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/keylock"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/quality"
	"github.com/cesargomez89/clinicaletl/internal/retry"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/summary"
	"github.com/cesargomez89/clinicaletl/internal/units"
)

// Outcome says what Process did with a raw row.
type Outcome string

const (
	// OutcomeApplied means a new derivation was stored and its delta applied.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means this revision was already reflected.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStale means a newer revision is already reflected.
	OutcomeStale Outcome = "stale"
)

// Result is what processing one raw row did. Record is the processed
// measurement now stored for the row's logical id (nil when stale).
type Result struct {
	Record  *domain.ProcessedMeasurement
	Outcome Outcome
}

// Options configures an Engine; nil or zero fields take defaults.
type Options struct {
	Catalog   *units.Catalog
	Evaluator *quality.Evaluator
	Locks     *keylock.Locker
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	Now       func() time.Time
	Retry     retry.Config
}

// Engine is safe for concurrent use. Rows of the same logical measurement
// serialize on a per-measurement lock; their derived rows serialize on
// per-key locks and are written with versioned compare-and-swap.
type Engine struct {
	db         *store.DB
	catalog    *units.Catalog
	evaluator  *quality.Evaluator
	summaries  *summary.Maintainer
	aggregates *aggregate.Engine
	locks      *keylock.Locker
	metrics    *metrics.Metrics
	logger     *logger.Logger
	now        func() time.Time
	retry      retry.Config
}

func NewEngine(db *store.DB, opts Options) *Engine {
	e := &Engine{
		db:         db,
		catalog:    opts.Catalog,
		evaluator:  opts.Evaluator,
		summaries:  summary.New(),
		aggregates: aggregate.New(),
		locks:      opts.Locks,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		retry:      opts.Retry,
	}
	if e.catalog == nil {
		e.catalog = units.Default()
	}
	if e.evaluator == nil {
		e.evaluator = quality.NewEvaluator(quality.DefaultPolicy())
	}
	if e.locks == nil {
		e.locks = keylock.New()
	}
	if e.logger == nil {
		e.logger = logger.Default()
	}
	e.logger = e.logger.WithComponent("transform")
	if e.now == nil {
		e.now = time.Now
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = retry.DefaultConfig()
	}
	return e
}

// Process derives raw's logical measurement unless this revision, or a
// newer one, is already reflected.
func (e *Engine) Process(ctx context.Context, raw *domain.RawMeasurement) (Result, error) {
	return e.process(ctx, raw, false)
}

// Reprocess re-derives a logical measurement from its latest revision even
// when that revision is already reflected.
func (e *Engine) Reprocess(ctx context.Context, logicalID int64) (Result, error) {
	raw, err := e.db.LatestRevision(ctx, logicalID)
	if err != nil {
		return Result{}, err
	}
	return e.process(ctx, raw, true)
}

func (e *Engine) process(ctx context.Context, raw *domain.RawMeasurement, force bool) (Result, error) {
	start := time.Now()
	log := e.logger.WithMeasurement(raw.ID, raw.MeasurementType)

	unlock := e.locks.Lock(measurementKey(raw.LogicalID()))
	defer unlock()

	policy := retry.Policy{
		Config:    e.retry,
		Retryable: store.IsRetryable,
		OnRetry: func(attempt int, err error) {
			e.metrics.VersionConflict()
			log.Debug("Retrying contended write", "attempt", attempt, "error", err)
		},
	}

	res, err := retry.Do(ctx, policy, func() (Result, error) {
		return e.attempt(ctx, raw, force)
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to process raw measurement %d: %w", raw.ID, err)
	}

	outlier := res.Outcome == OutcomeApplied && res.Record.IsOutlier
	e.metrics.RowProcessed(string(res.Outcome), outlier, time.Since(start))
	log.Debug("Processed raw measurement", "outcome", res.Outcome, "logical_id", raw.LogicalID())
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, raw *domain.RawMeasurement, force bool) (Result, error) {
	logicalID := raw.LogicalID()

	prior, err := e.db.FindProcessed(ctx, logicalID)
	if err != nil {
		return Result{}, err
	}
	if prior != nil {
		switch {
		case prior.SourceRawID > raw.ID:
			return Result{Outcome: OutcomeStale}, nil
		case prior.SourceRawID == raw.ID && !force:
			return Result{Record: prior, Outcome: OutcomeUnchanged}, nil
		}
	}

	now := e.now().UTC()
	next, issues := e.derive(raw, now)

	unlock := e.locks.LockAll(lockKeys(prior, next)...)
	defer unlock()

	err = e.db.RunInTx(ctx, func(tx *store.DB) error {
		current, err := tx.FindProcessed(ctx, logicalID)
		if err != nil {
			return err
		}
		if !sameRevision(prior, current) {
			return store.ErrVersionConflict
		}

		if err := e.score(ctx, tx, prior, next, issues, raw.QualityScore); err != nil {
			return err
		}
		if err := tx.UpsertProcessed(ctx, next); err != nil {
			return err
		}

		delta := domain.Delta{Prior: prior, Next: next}
		if err := e.summaries.Apply(ctx, tx, delta, now); err != nil {
			return err
		}
		return e.aggregates.Apply(ctx, tx, delta, now)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Record: next, Outcome: OutcomeApplied}, nil
}

// score retracts the prior value from its distribution, evaluates next
// against what remains and adds next's value.
func (e *Engine) score(ctx context.Context, tx *store.DB, prior, next *domain.ProcessedMeasurement, issues []quality.Issue, priorScore *float64) error {
	var dist *domain.Distribution
	if next.IsNumeric {
		d, err := tx.GetDistribution(ctx, next.StudyID, next.MeasurementType)
		if err != nil {
			return err
		}
		dist = d
	}

	if prior != nil && prior.IsNumeric {
		v, _ := prior.Value()
		if dist != nil && samePair(prior, next) {
			dist.Remove(v)
		} else {
			d, err := tx.GetDistribution(ctx, prior.StudyID, prior.MeasurementType)
			if err != nil {
				return err
			}
			d.Remove(v)
			if err := tx.SaveDistribution(ctx, d); err != nil {
				return err
			}
		}
	}

	in := quality.Input{
		Issues:     issues,
		PriorScore: priorScore,
		Numeric:    next.IsNumeric,
	}
	if dist != nil {
		in.Value, _ = next.Value()
		in.Distribution = *dist
		if e.evaluator.UsesSample() {
			sample, err := tx.NumericValues(ctx, next.StudyID, next.MeasurementType, next.RawMeasurementID)
			if err != nil {
				return err
			}
			in.Sample = sample
		}
	}

	r := e.evaluator.Evaluate(in)
	next.QualityScore = r.Score
	next.IsOutlier = next.IsNumeric && r.Outlier
	next.ProcessingNotes = append(next.ProcessingNotes, r.Notes...)

	if dist == nil {
		return nil
	}
	dist.Add(in.Value)
	return tx.SaveDistribution(ctx, dist)
}

// derive builds the processed record of raw without its quality fields and
// lists the metadata issues the evaluator should penalize.
func (e *Engine) derive(raw *domain.RawMeasurement, now time.Time) (*domain.ProcessedMeasurement, []quality.Issue) {
	p := &domain.ProcessedMeasurement{
		RawMeasurementID: raw.LogicalID(),
		SourceRawID:      raw.ID,
		JobID:            raw.JobID,
		StudyID:          raw.StudyID,
		ParticipantID:    raw.ParticipantID,
		MeasurementType:  e.catalog.ResolveType(raw.MeasurementType),
		SiteID:           strings.TrimSpace(raw.SiteID),
		RawValue:         raw.RawValue,
		OriginalUnit:     strings.TrimSpace(raw.Unit),
		EventTimestamp:   raw.EventTimestamp.UTC(),
		ProcessedAt:      now,
	}

	var notes []string
	var issues []quality.Issue

	parsed := ParseValue(raw.RawValue)
	notes = append(notes, parsed.Notes...)

	if parsed.Numeric {
		unit := p.OriginalUnit
		switch {
		case unit == "" && parsed.EmbeddedUnit != "":
			unit = parsed.EmbeddedUnit
			p.OriginalUnit = unit
		case parsed.EmbeddedUnit != "" && !strings.EqualFold(unit, parsed.EmbeddedUnit):
			notes = append(notes, fmt.Sprintf("embedded unit %q differs from unit %q; using %q", parsed.EmbeddedUnit, unit, unit))
		}

		std := e.catalog.Standardize(p.MeasurementType, unit, parsed.Value)
		if std.Note != "" {
			notes = append(notes, std.Note)
		}
		switch std.Status {
		case units.StatusMissingUnit:
			issues = append(issues, quality.IssueMissingUnit)
		case units.StatusUnknownUnit:
			issues = append(issues, quality.IssueUnknownUnit)
		case units.StatusUnknownType:
			if unit == "" {
				issues = append(issues, quality.IssueMissingUnit)
			}
		}

		if math.IsNaN(std.Value) || math.IsInf(std.Value, 0) {
			notes = append(notes, fmt.Sprintf("conversion of %s %s overflowed; value treated as non-numeric", raw.RawValue, unit))
		} else {
			v := std.Value
			p.StandardizedValue = &v
			p.StandardizedUnit = std.Unit
			p.IsNumeric = true
		}
	} else {
		p.StandardizedUnit = p.OriginalUnit
	}

	if p.SiteID == "" {
		issues = append(issues, quality.IssueMissingSite)
		notes = append(notes, "site missing")
	}
	if p.EventTimestamp.After(now) {
		issues = append(issues, quality.IssueFutureTimestamp)
		notes = append(notes, fmt.Sprintf("event timestamp %s is in the future", p.EventTimestamp.Format(time.RFC3339)))
	}
	if s := raw.QualityScore; s != nil && (math.IsNaN(*s) || *s < 0 || *s > 1) {
		issues = append(issues, quality.IssueInvalidPrior)
		notes = append(notes, fmt.Sprintf("a-priori quality score %s outside [0,1] ignored", strconv.FormatFloat(*s, 'g', -1, 64)))
	}

	p.ProcessingNotes = notes
	return p, issues
}

func measurementKey(logicalID int64) string {
	return "measurement|" + strconv.FormatInt(logicalID, 10)
}

func distributionKey(p *domain.ProcessedMeasurement) string {
	return "distribution|" + p.StudyID + "|" + p.MeasurementType
}

// lockKeys lists every shared row the delta from prior to next touches.
func lockKeys(prior, next *domain.ProcessedMeasurement) []string {
	d := domain.Delta{Prior: prior, Next: next}
	keys := append(summary.Keys(d), aggregate.Keys(d)...)
	if prior != nil && prior.IsNumeric {
		keys = append(keys, distributionKey(prior))
	}
	if next.IsNumeric {
		keys = append(keys, distributionKey(next))
	}
	return keys
}

func samePair(a, b *domain.ProcessedMeasurement) bool {
	return a.StudyID == b.StudyID && a.MeasurementType == b.MeasurementType
}

func sameRevision(a, b *domain.ProcessedMeasurement) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.SourceRawID == b.SourceRawID && a.ProcessedAt.Equal(b.ProcessedAt)
}
