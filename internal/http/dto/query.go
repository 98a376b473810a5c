package dto

import (
	"net/url"
	"strconv"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// Query structs hold raw query-string values; Validate them before
// converting, the conversions assume well-formed input.

// TypeResolver maps a measurement type label onto its stored name.
type TypeResolver func(label string) string

type MeasurementQuery struct {
	ParticipantID   string `json:"participant_id" validate:"max=128"`
	MeasurementType string `json:"type" validate:"max=128"`
	SiteID          string `json:"site_id" validate:"max=128"`
	From            string `json:"from" validate:"omitempty,timestamp"`
	To              string `json:"to" validate:"omitempty,timestamp"`
	MinQuality      string `json:"min_quality" validate:"omitempty,numeric"`
	Outliers        string `json:"outliers" validate:"omitempty,boolean"`
	Limit           string `json:"limit" validate:"omitempty,number"`
}

func NewMeasurementQuery(q url.Values) MeasurementQuery {
	return MeasurementQuery{
		ParticipantID:   q.Get("participant_id"),
		MeasurementType: q.Get("type"),
		SiteID:          q.Get("site_id"),
		From:            q.Get("from"),
		To:              q.Get("to"),
		MinQuality:      q.Get("min_quality"),
		Outliers:        q.Get("outliers"),
		Limit:           q.Get("limit"),
	}
}

// Filter builds the store filter; limit is clamped to [1, maxLimit].
func (q MeasurementQuery) Filter(studyID string, maxLimit int, resolve TypeResolver) store.MeasurementFilter {
	f := store.MeasurementFilter{
		StudyID:         studyID,
		ParticipantID:   q.ParticipantID,
		MeasurementType: resolve(q.MeasurementType),
		SiteID:          q.SiteID,
		From:            parseTime(q.From),
		To:              parseTime(q.To),
		MinQuality:      parseFloat(q.MinQuality),
		Limit:           maxLimit,
	}
	f.OutliersOnly, _ = strconv.ParseBool(q.Outliers)
	if n, err := strconv.Atoi(q.Limit); err == nil && n > 0 && n < maxLimit {
		f.Limit = n
	}
	return f
}

type ParticipantQuery struct {
	MinQuality string `json:"min_quality" validate:"omitempty,numeric"`
}

func (q ParticipantQuery) MinQualityValue() *float64 {
	return parseFloat(q.MinQuality)
}

type AggregationQuery struct {
	Granularity     string `json:"granularity" validate:"omitempty,oneof=daily weekly monthly"`
	Scope           string `json:"scope" validate:"omitempty,oneof=study participant site"`
	MeasurementType string `json:"type" validate:"max=128"`
	SiteID          string `json:"site_id" validate:"max=128"`
	ParticipantID   string `json:"participant_id" validate:"max=128"`
	From            string `json:"from" validate:"omitempty,timestamp"`
	To              string `json:"to" validate:"omitempty,timestamp"`
}

func NewAggregationQuery(q url.Values) AggregationQuery {
	return AggregationQuery{
		Granularity:     q.Get("granularity"),
		Scope:           q.Get("scope"),
		MeasurementType: q.Get("type"),
		SiteID:          q.Get("site_id"),
		ParticipantID:   q.Get("participant_id"),
		From:            q.Get("from"),
		To:              q.Get("to"),
	}
}

func (q AggregationQuery) Filter(studyID string, resolve TypeResolver) store.BucketFilter {
	return store.BucketFilter{
		StudyID:         studyID,
		Scope:           domain.Scope(q.Scope),
		Granularity:     domain.Granularity(q.Granularity),
		MeasurementType: resolve(q.MeasurementType),
		SiteID:          q.SiteID,
		ParticipantID:   q.ParticipantID,
		From:            parseTime(q.From),
		To:              parseTime(q.To),
	}
}

type ReportQuery struct {
	From string `json:"from" validate:"omitempty,timestamp"`
	To   string `json:"to" validate:"omitempty,timestamp"`
}

func (q ReportQuery) Range() (time.Time, time.Time) {
	return parseTime(q.From), parseTime(q.To)
}

// GenerateReportRequest asks for the reports of one day. With neither
// site nor type set every combination of that day is regenerated.
type GenerateReportRequest struct {
	Date            string `json:"date" validate:"required,timestamp"`
	SiteID          string `json:"site_id" validate:"max=128"`
	MeasurementType string `json:"measurement_type" validate:"max=128"`
}

func (r GenerateReportRequest) Key(studyID string, resolve TypeResolver) domain.ReportKey {
	return domain.ReportKey{
		StudyID:         studyID,
		ReportDate:      parseTime(r.Date),
		SiteID:          r.SiteID,
		MeasurementType: resolve(r.MeasurementType),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := ingest.ParseTimestamp(s)
	return t
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
