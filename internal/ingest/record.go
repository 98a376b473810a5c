// Package ingest reads submitted measurement records from CSV and XLSX files
// and validates them into raw measurements.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

// Record is one submitted measurement as text, before validation.
type Record struct {
	StudyID         string `json:"study_id"`
	ParticipantID   string `json:"participant_id"`
	MeasurementType string `json:"measurement_type"`
	Value           string `json:"value"`
	Unit            string `json:"unit"`
	Timestamp       string `json:"timestamp"`
	SiteID          string `json:"site_id"`
	QualityScore    string `json:"quality_score"`
	CorrectsRawID   string `json:"corrects_raw_id"`
	// Line is the source line (CSV) or row (XLSX); the position in the
	// batch for inline submissions.
	Line int `json:"-"`
}

// RowError rejects one record without failing its batch.
type RowError struct {
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ErrStudyMismatch marks a record that names a different study than its job.
var ErrStudyMismatch = errors.New("record belongs to another study")

// Raw validates r into a raw measurement. jobStudy, when set, fills a blank
// study id and rejects records for any other study. Problems a processed
// record can carry as a note (odd values, missing unit or site) are not
// rejected here.
func (r Record) Raw(jobStudy string) (*domain.RawMeasurement, error) {
	reject := func(format string, args ...interface{}) error {
		return &RowError{Line: r.Line, Reason: fmt.Sprintf(format, args...)}
	}

	study := strings.TrimSpace(r.StudyID)
	switch {
	case study == "" && jobStudy == "":
		return nil, reject("study_id is required")
	case study == "":
		study = jobStudy
	case jobStudy != "" && study != jobStudy:
		return nil, fmt.Errorf("%w: %w", reject("study_id %q does not match job study %q", study, jobStudy), ErrStudyMismatch)
	}

	participant := strings.TrimSpace(r.ParticipantID)
	if participant == "" {
		return nil, reject("participant_id is required")
	}
	mtype := strings.TrimSpace(r.MeasurementType)
	if domain.NormalizeType(mtype) == "" {
		return nil, reject("measurement_type is required")
	}
	if strings.TrimSpace(r.Timestamp) == "" {
		return nil, reject("timestamp is required")
	}
	ts, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return nil, reject("%v", err)
	}

	raw := &domain.RawMeasurement{
		StudyID:         study,
		ParticipantID:   participant,
		MeasurementType: mtype,
		RawValue:        strings.TrimSpace(r.Value),
		Unit:            strings.TrimSpace(r.Unit),
		EventTimestamp:  ts,
		SiteID:          strings.TrimSpace(r.SiteID),
	}

	if s := strings.TrimSpace(r.QualityScore); s != "" {
		q, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(q) || math.IsInf(q, 0) {
			return nil, reject("quality_score %q is not a number", s)
		}
		raw.QualityScore = &q
	}

	if s := strings.TrimSpace(r.CorrectsRawID); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, reject("corrects_raw_id %q is not a raw measurement id", s)
		}
		raw.CorrectsRawID = &id
	}

	return raw, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
}

// ParseTimestamp accepts ISO 8601 and a few common spreadsheet layouts.
// Timestamps without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not a recognised date/time", s)
}
