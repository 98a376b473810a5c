package domain

import (
	"fmt"
	"time"
)

type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

var Granularities = []Granularity{GranularityDaily, GranularityWeekly, GranularityMonthly}

func (g Granularity) Valid() bool {
	switch g {
	case GranularityDaily, GranularityWeekly, GranularityMonthly:
		return true
	}
	return false
}

// Period returns the [start, end) window of granularity g containing t.
// Windows are computed in UTC; weeks start on Monday.
func (g Granularity) Period(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case GranularityWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case GranularityMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		return day, day.AddDate(0, 0, 1)
	}
}

// Scope selects which dimension an aggregation bucket is sliced by.
type Scope string

const (
	ScopeStudy       Scope = "study"
	ScopeParticipant Scope = "participant"
	ScopeSite        Scope = "site"
)

var Scopes = []Scope{ScopeStudy, ScopeParticipant, ScopeSite}

func (s Scope) Valid() bool {
	switch s {
	case ScopeStudy, ScopeParticipant, ScopeSite:
		return true
	}
	return false
}

// BucketKey identifies one aggregation bucket. ParticipantID is set only for
// participant scope and SiteID only for site scope.
type BucketKey struct {
	PeriodStart     time.Time   `json:"period_start" db:"period_start"`
	PeriodEnd       time.Time   `json:"period_end" db:"period_end"`
	StudyID         string      `json:"study_id" db:"study_id"`
	Scope           Scope       `json:"scope" db:"scope"`
	ParticipantID   string      `json:"participant_id,omitempty" db:"participant_id"`
	SiteID          string      `json:"site_id,omitempty" db:"site_id"`
	MeasurementType string      `json:"measurement_type" db:"measurement_type"`
	Granularity     Granularity `json:"granularity" db:"granularity"`
}

func (k BucketKey) String() string {
	return fmt.Sprintf("bucket|%s|%s|%s|%s|%s|%s|%d",
		k.StudyID, k.Scope, k.ParticipantID, k.SiteID, k.MeasurementType, k.Granularity, k.PeriodStart.Unix())
}

// BucketKeysFor lists every bucket a processed measurement contributes to:
// each granularity crossed with each scope.
func BucketKeysFor(p *ProcessedMeasurement) []BucketKey {
	keys := make([]BucketKey, 0, len(Granularities)*len(Scopes))
	for _, g := range Granularities {
		start, end := g.Period(p.EventTimestamp)
		for _, s := range Scopes {
			k := BucketKey{
				StudyID:         p.StudyID,
				Scope:           s,
				MeasurementType: p.MeasurementType,
				Granularity:     g,
				PeriodStart:     start,
				PeriodEnd:       end,
			}
			switch s {
			case ScopeParticipant:
				k.ParticipantID = p.ParticipantID
			case ScopeSite:
				k.SiteID = p.SiteID
			}
			keys = append(keys, k)
		}
	}
	return keys
}

// AggregationBucket is a time-windowed rollup. AvgValue, MinValue and
// MaxValue cover numeric contributions only and are nil until one arrives.
type AggregationBucket struct {
	BucketKey
	LastUpdated          time.Time `json:"last_updated" db:"last_updated"`
	AvgValue             *float64  `json:"avg_value" db:"avg_value"`
	MinValue             *float64  `json:"min_value" db:"min_value"`
	MaxValue             *float64  `json:"max_value" db:"max_value"`
	Participants         CountSet  `json:"-" db:"participant_counts"`
	Count                int64     `json:"count" db:"measurement_count"`
	NumericCount         int64     `json:"numeric_count" db:"numeric_count"`
	AvgQualityScore      float64   `json:"avg_quality_score" db:"avg_quality_score"`
	DistinctParticipants int       `json:"distinct_participants" db:"distinct_participants"`
	Version              int64     `json:"version" db:"version"`
}
