package domain

import (
	"math"
	"strings"
	"time"
)

// RawMeasurement is one as-submitted data point. Rows are never edited;
// a correction is a new row whose CorrectsRawID names the root row of the
// logical measurement it replaces.
type RawMeasurement struct {
	EventTimestamp  time.Time `json:"event_timestamp" db:"event_ts"`
	IngestedAt      time.Time `json:"ingested_at" db:"ingested_at"`
	QualityScore    *float64  `json:"quality_score,omitempty" db:"quality_score"`
	CorrectsRawID   *int64    `json:"corrects_raw_id,omitempty" db:"corrects_raw_id"`
	JobID           string    `json:"job_id" db:"job_id"`
	StudyID         string    `json:"study_id" db:"study_id"`
	ParticipantID   string    `json:"participant_id" db:"participant_id"`
	MeasurementType string    `json:"measurement_type" db:"measurement_type"`
	RawValue        string    `json:"raw_value" db:"raw_value"`
	Unit            string    `json:"unit" db:"unit"`
	SiteID          string    `json:"site_id" db:"site_id"`
	ID              int64     `json:"id" db:"id"`
}

// LogicalID is the identity of the processed record this row feeds: the
// root raw row of its correction chain.
func (r *RawMeasurement) LogicalID() int64 {
	if r.CorrectsRawID != nil {
		return *r.CorrectsRawID
	}
	return r.ID
}

// ProcessedMeasurement is the typed, quality-scored derivative of a logical
// raw measurement. RawMeasurementID is the logical (root) id; SourceRawID is
// the revision currently reflected.
type ProcessedMeasurement struct {
	EventTimestamp    time.Time   `json:"event_timestamp" db:"event_ts"`
	ProcessedAt       time.Time   `json:"processed_at" db:"processed_at"`
	StandardizedValue *float64    `json:"standardized_value" db:"standardized_value"`
	ProcessingNotes   StringSlice `json:"processing_notes" db:"processing_notes"`
	JobID             string      `json:"job_id" db:"job_id"`
	StudyID           string      `json:"study_id" db:"study_id"`
	ParticipantID     string      `json:"participant_id" db:"participant_id"`
	MeasurementType   string      `json:"measurement_type" db:"measurement_type"`
	SiteID            string      `json:"site_id" db:"site_id"`
	RawValue          string      `json:"raw_value" db:"raw_value"`
	StandardizedUnit  string      `json:"standardized_unit" db:"standardized_unit"`
	OriginalUnit      string      `json:"original_unit" db:"original_unit"`
	RawMeasurementID  int64       `json:"raw_measurement_id" db:"raw_measurement_id"`
	SourceRawID       int64       `json:"source_raw_id" db:"source_raw_id"`
	QualityScore      float64     `json:"quality_score" db:"quality_score"`
	IsNumeric         bool        `json:"is_numeric" db:"is_numeric"`
	IsOutlier         bool        `json:"is_outlier" db:"is_outlier"`
}

// Value returns the standardized value and whether it exists.
func (p *ProcessedMeasurement) Value() (float64, bool) {
	if p.StandardizedValue == nil {
		return 0, false
	}
	return *p.StandardizedValue, true
}

// Delta is the change one transformation makes to the processed table.
// Prior is nil for a first derivation; Next is the record now stored.
// Downstream maintainers retract Prior and apply Next.
type Delta struct {
	Prior *ProcessedMeasurement
	Next  *ProcessedMeasurement
}

// NormalizeType folds free-form measurement type labels ("Blood Glucose",
// "blood-glucose") onto one spelling.
func NormalizeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '.' {
			return '_'
		}
		return r
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// Distribution holds running statistics of the numeric processed values of
// one (study, measurement type) pair, maintained with Welford's method so a
// value can be removed again when its record is retracted.
type Distribution struct {
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
	StudyID         string    `json:"study_id" db:"study_id"`
	MeasurementType string    `json:"measurement_type" db:"measurement_type"`
	Count           int64     `json:"count" db:"sample_count"`
	Mean            float64   `json:"mean" db:"mean"`
	M2              float64   `json:"m2" db:"m2"`
	Version         int64     `json:"version" db:"version"`
}

func (d *Distribution) Add(x float64) {
	d.Count++
	delta := x - d.Mean
	d.Mean += delta / float64(d.Count)
	d.M2 += delta * (x - d.Mean)
}

// Remove undoes a previous Add of x.
func (d *Distribution) Remove(x float64) {
	if d.Count <= 1 {
		d.Count, d.Mean, d.M2 = 0, 0, 0
		return
	}
	n := float64(d.Count)
	oldMean := (n*d.Mean - x) / (n - 1)
	d.M2 -= (x - d.Mean) * (x - oldMean)
	if d.M2 < 0 {
		d.M2 = 0
	}
	d.Mean = oldMean
	d.Count--
}

// StdDev is the sample standard deviation; zero below two observations.
func (d *Distribution) StdDev() float64 {
	if d.Count < 2 {
		return 0
	}
	return math.Sqrt(d.M2 / float64(d.Count-1))
}
