package domain

import "time"

// ParticipantSummary rolls up every processed measurement of one participant
// in one study. Types and Sites keep per-label counts so the distinct counts
// can be maintained without rescanning.
type ParticipantSummary struct {
	FirstMeasurementAt time.Time `json:"first_measurement_at" db:"first_measurement_at"`
	LastMeasurementAt  time.Time `json:"last_measurement_at" db:"last_measurement_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
	Types              CountSet  `json:"-" db:"type_counts"`
	Sites              CountSet  `json:"-" db:"site_counts"`
	ParticipantID      string    `json:"participant_id" db:"participant_id"`
	StudyID            string    `json:"study_id" db:"study_id"`
	PrimarySiteID      string    `json:"primary_site_id" db:"primary_site_id"`
	TotalMeasurements  int64     `json:"total_measurements" db:"total_measurements"`
	AvgQualityScore    float64   `json:"avg_quality_score" db:"avg_quality_score"`
	DistinctTypeCount  int       `json:"distinct_type_count" db:"distinct_type_count"`
	DistinctSiteCount  int       `json:"distinct_site_count" db:"distinct_site_count"`
	Version            int64     `json:"version" db:"version"`
}

// StudySummary rolls up a study across its participants.
type StudySummary struct {
	FirstMeasurementAt time.Time `json:"first_measurement_at" db:"first_measurement_at"`
	LastMeasurementAt  time.Time `json:"last_measurement_at" db:"last_measurement_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
	Sites              CountSet  `json:"-" db:"site_counts"`
	StudyID            string    `json:"study_id" db:"study_id"`
	TotalMeasurements  int64     `json:"total_measurements" db:"total_measurements"`
	TotalParticipants  int64     `json:"total_participants" db:"total_participants"`
	TotalSites         int       `json:"total_sites" db:"total_sites"`
	AvgQualityScore    float64   `json:"avg_quality_score" db:"avg_quality_score"`
	Version            int64     `json:"version" db:"version"`
}
