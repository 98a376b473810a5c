// Package aggregate maintains the time-bucketed rollups. Each granularity
// and scope is an independent bucket fed from the same deltas; nothing is
// rolled up from one granularity into another.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// Engine is the only writer of aggregation buckets.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Keys lists the lock keys of every bucket a delta touches.
func Keys(d domain.Delta) []string {
	var keys []string
	for _, p := range []*domain.ProcessedMeasurement{d.Prior, d.Next} {
		if p == nil {
			continue
		}
		for _, k := range domain.BucketKeysFor(p) {
			keys = append(keys, k.String())
		}
	}
	return keys
}

// Apply retracts d.Prior from its buckets and adds d.Next to its own. As
// with the summaries, tx must already hold d.Next in place of d.Prior.
func (e *Engine) Apply(ctx context.Context, tx *store.DB, d domain.Delta, now time.Time) error {
	now = now.UTC()
	if d.Prior != nil {
		for _, k := range domain.BucketKeysFor(d.Prior) {
			if err := e.retract(ctx, tx, k, d.Prior, now); err != nil {
				return err
			}
		}
	}
	if d.Next != nil {
		for _, k := range domain.BucketKeysFor(d.Next) {
			if err := e.apply(ctx, tx, k, d.Next, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) retract(ctx context.Context, tx *store.DB, k domain.BucketKey, p *domain.ProcessedMeasurement, now time.Time) error {
	b, err := tx.GetBucket(ctx, k)
	if err != nil {
		return err
	}
	if b == nil || b.Count == 0 {
		return fmt.Errorf("aggregation bucket %s missing for retraction", k)
	}

	b.AvgQualityScore = retractMean(b.AvgQualityScore, b.Count, p.QualityScore)
	b.Count--
	b.Participants.Remove(p.ParticipantID)
	b.DistinctParticipants = b.Participants.Distinct()

	if v, ok := p.Value(); ok {
		if b.NumericCount <= 1 {
			b.NumericCount = 0
			b.AvgValue, b.MinValue, b.MaxValue = nil, nil, nil
		} else {
			avg := retractMean(deref(b.AvgValue), b.NumericCount, v)
			b.AvgValue = &avg
			b.NumericCount--
			if equals(b.MinValue, v) || equals(b.MaxValue, v) {
				bounds, err := tx.BucketValueBounds(ctx, k)
				if err != nil {
					return err
				}
				b.MinValue, b.MaxValue = bounds.Min, bounds.Max
			}
		}
	}

	b.LastUpdated = now
	return tx.SaveBucket(ctx, b)
}

func (e *Engine) apply(ctx context.Context, tx *store.DB, k domain.BucketKey, p *domain.ProcessedMeasurement, now time.Time) error {
	b, err := tx.GetBucket(ctx, k)
	if err != nil {
		return err
	}
	if b == nil {
		b = &domain.AggregationBucket{BucketKey: k, Participants: domain.CountSet{}}
	}

	b.AvgQualityScore = applyMean(b.AvgQualityScore, b.Count, p.QualityScore)
	b.Count++
	b.Participants.Add(p.ParticipantID)
	b.DistinctParticipants = b.Participants.Distinct()

	if v, ok := p.Value(); ok {
		avg := applyMean(deref(b.AvgValue), b.NumericCount, v)
		b.AvgValue = &avg
		b.NumericCount++
		if b.MinValue == nil || v < *b.MinValue {
			lo := v
			b.MinValue = &lo
		}
		if b.MaxValue == nil || v > *b.MaxValue {
			hi := v
			b.MaxValue = &hi
		}
	}

	b.LastUpdated = now
	return tx.SaveBucket(ctx, b)
}

func applyMean(mean float64, n int64, x float64) float64 {
	return (mean*float64(n) + x) / float64(n+1)
}

func retractMean(mean float64, n int64, x float64) float64 {
	if n <= 1 {
		return 0
	}
	return (mean*float64(n) - x) / float64(n-1)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func equals(f *float64, v float64) bool {
	return f != nil && *f == v
}
