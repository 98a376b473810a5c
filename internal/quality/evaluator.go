// Package quality scores processed measurements and flags statistical
// outliers against the running distribution of their (study, type) pair.
package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

type Method string

const (
	MethodZScore Method = "zscore"
	MethodIQR    Method = "iqr"
)

type PenaltyMode string

const (
	// PenaltyFixed subtracts the full outlier penalty from a flagged value.
	PenaltyFixed PenaltyMode = "fixed"
	// PenaltyScaled grows the penalty with the deviation, from half the
	// penalty at the threshold up to the full penalty at twice the threshold.
	PenaltyScaled PenaltyMode = "scaled"
)

// Issue is a metadata problem that lowers the quality score.
type Issue string

const (
	IssueMissingUnit     Issue = "missing_unit"
	IssueUnknownUnit     Issue = "unknown_unit"
	IssueMissingSite     Issue = "missing_site"
	IssueFutureTimestamp Issue = "future_timestamp"
	IssueInvalidPrior    Issue = "invalid_prior_score"
)

// Policy holds the scoring knobs.
type Policy struct {
	Method                 Method
	PenaltyMode            PenaltyMode
	Threshold              float64
	IQRMultiplier          float64
	MinSampleSize          int
	NumericBase            float64
	NonNumericBase         float64
	OutlierPenalty         float64
	SparseDeviationPenalty float64
	MetadataPenalty        float64
}

func DefaultPolicy() Policy {
	return Policy{
		Method:                 MethodZScore,
		PenaltyMode:            PenaltyFixed,
		Threshold:              3,
		IQRMultiplier:          1.5,
		MinSampleSize:          10,
		NumericBase:            1.0,
		NonNumericBase:         0.3,
		OutlierPenalty:         0.4,
		SparseDeviationPenalty: 0.2,
		MetadataPenalty:        0.1,
	}
}

// minSparseSample is the smallest history on which a sparse deviation is
// worth noting at all.
const minSparseSample = 3

// Input is everything the evaluator needs about one value. Distribution and
// Sample describe the other values of the pair, never the value itself.
type Input struct {
	Distribution domain.Distribution
	PriorScore   *float64
	Sample       []float64
	Issues       []Issue
	Value        float64
	Numeric      bool
}

type Result struct {
	Notes   []string
	Score   float64
	Outlier bool
}

// Evaluator is stateless; distribution bookkeeping belongs to the caller.
type Evaluator struct {
	Policy Policy
}

func NewEvaluator(p Policy) *Evaluator {
	return &Evaluator{Policy: p}
}

// UsesSample reports whether Evaluate needs Input.Sample filled.
func (e *Evaluator) UsesSample() bool {
	return e.Policy.Method == MethodIQR
}

// Evaluate scores one value. A value is flagged only when the distribution
// has at least MinSampleSize observations and a non-zero spread.
func (e *Evaluator) Evaluate(in Input) Result {
	p := e.Policy
	var r Result

	if !in.Numeric {
		r.Score = p.NonNumericBase
	} else {
		r.Score = p.NumericBase
		e.scoreDeviation(in, &r)
	}

	for _, issue := range in.Issues {
		r.Score -= p.MetadataPenalty
		r.Notes = append(r.Notes, fmt.Sprintf("quality penalty: %s", issue))
	}

	if in.PriorScore != nil && *in.PriorScore >= 0 && *in.PriorScore <= 1 {
		r.Score *= *in.PriorScore
	}

	r.Score = clamp(r.Score)
	return r
}

func (e *Evaluator) scoreDeviation(in Input, r *Result) {
	p := e.Policy
	n := int(in.Distribution.Count)
	if e.UsesSample() {
		n = len(in.Sample)
	}

	if n >= p.MinSampleSize {
		deviation, ok := e.deviation(in)
		if !ok || deviation <= p.Threshold {
			return
		}
		r.Outlier = true
		r.Score -= e.outlierPenalty(deviation)
		r.Notes = append(r.Notes, e.outlierNote(deviation, n))
		return
	}

	// Too little history to flag. A value far from the few observations
	// so far is still less trustworthy.
	d := in.Distribution
	std := d.StdDev()
	if d.Count < minSparseSample || std == 0 {
		return
	}
	z := math.Abs(in.Value-d.Mean) / std
	if z > p.Threshold {
		r.Score -= p.SparseDeviationPenalty
		r.Notes = append(r.Notes, fmt.Sprintf(
			"value deviates %.1f standard deviations from %d prior observations; too few to flag as outlier", z, d.Count))
	}
}

// deviation expresses how far the value is outside the normal range, in
// units of the threshold's scale: standard deviations for z-score, IQRs
// beyond the fences for IQR. ok is false when the spread is zero.
func (e *Evaluator) deviation(in Input) (float64, bool) {
	if e.Policy.Method == MethodIQR {
		q1, q3 := Quartiles(in.Sample)
		iqr := q3 - q1
		if iqr == 0 {
			return 0, false
		}
		var beyond float64
		switch {
		case in.Value < q1:
			beyond = (q1 - in.Value) / iqr
		case in.Value > q3:
			beyond = (in.Value - q3) / iqr
		}
		// Scale so that the fence multiplier maps onto the threshold.
		return beyond / e.Policy.IQRMultiplier * e.Policy.Threshold, true
	}

	std := in.Distribution.StdDev()
	if std == 0 {
		return 0, false
	}
	return math.Abs(in.Value-in.Distribution.Mean) / std, true
}

func (e *Evaluator) outlierPenalty(deviation float64) float64 {
	p := e.Policy
	if p.PenaltyMode != PenaltyScaled {
		return p.OutlierPenalty
	}
	ratio := deviation / (2 * p.Threshold)
	if ratio < 0.5 {
		ratio = 0.5
	}
	if ratio > 1 {
		ratio = 1
	}
	return p.OutlierPenalty * ratio
}

func (e *Evaluator) outlierNote(deviation float64, n int) string {
	if e.Policy.Method == MethodIQR {
		return fmt.Sprintf("outlier: outside %.1f IQR fences of %d observations", e.Policy.IQRMultiplier, n)
	}
	return fmt.Sprintf("outlier: %.1f standard deviations from the mean of %d observations", deviation, n)
}

// Quartiles returns Q1 and Q3 using linear interpolation between order
// statistics. values need not be sorted.
func Quartiles(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return quantile(sorted, 0.25), quantile(sorted, 0.75)
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
