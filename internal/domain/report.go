package domain

import (
	"fmt"
	"time"
)

// ReportKey identifies a quality report. Empty SiteID or MeasurementType
// means the report rolls up across that dimension.
type ReportKey struct {
	ReportDate      time.Time `json:"report_date" db:"report_date"`
	StudyID         string    `json:"study_id" db:"study_id"`
	SiteID          string    `json:"site_id" db:"site_id"`
	MeasurementType string    `json:"measurement_type" db:"measurement_type"`
}

// Window is the [start, end) event-time range the report covers.
func (k ReportKey) Window() (time.Time, time.Time) {
	return GranularityDaily.Period(k.ReportDate)
}

func (k ReportKey) String() string {
	return fmt.Sprintf("report|%s|%s|%s|%s", k.StudyID, k.SiteID, k.MeasurementType, k.ReportDate.Format("2006-01-02"))
}

// QualityReport is a point-in-time snapshot; regeneration overwrites it.
type QualityReport struct {
	ReportKey
	GeneratedAt          time.Time  `json:"generated_at" db:"generated_at"`
	FirstEventAt         *time.Time `json:"first_event_at,omitempty" db:"first_event_at"`
	LastEventAt          *time.Time `json:"last_event_at,omitempty" db:"last_event_at"`
	AvgQualityScore      *float64   `json:"avg_quality_score" db:"avg_quality_score"`
	MinQualityScore      *float64   `json:"min_quality_score" db:"min_quality_score"`
	MaxQualityScore      *float64   `json:"max_quality_score" db:"max_quality_score"`
	MeasurementCount     int64      `json:"measurement_count" db:"measurement_count"`
	NumericCount         int64      `json:"numeric_count" db:"numeric_count"`
	NonNumericCount      int64      `json:"non_numeric_count" db:"non_numeric_count"`
	OutlierCount         int64      `json:"outlier_count" db:"outlier_count"`
	DistinctParticipants int64      `json:"distinct_participants" db:"distinct_participants"`
}
