package dto

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "filename", Message: "is required"}
	if err.Error() != "filename: is required" {
		t.Errorf("Error() = %q, want %q", err.Error(), "filename: is required")
	}
}

func TestToMap(t *testing.T) {
	errs := []ValidationError{
		{Field: "filename", Message: "is required"},
		{Field: "granularity", Message: "must be one of: daily, weekly, monthly"},
	}
	m := ToMap(errs)
	if len(m) != 2 {
		t.Errorf("ToMap() returned %d items, want 2", len(m))
	}
	if m["filename"] != "is required" {
		t.Errorf("ToMap()[filename] = %q, want %q", m["filename"], "is required")
	}
}

func TestToResponse(t *testing.T) {
	errs := []ValidationError{
		{Field: "from", Message: "invalid"},
		{Field: "to", Message: "invalid"},
	}
	if got := ToResponse(errs); got != "from: invalid; to: invalid" {
		t.Errorf("ToResponse() = %q", got)
	}
}

func TestText_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Text
		wantErr bool
	}{
		{"string", `"5.5"`, "5.5", false},
		{"number", `5.5`, "5.5", false},
		{"integer", `120`, "120", false},
		{"boolean", `true`, "true", false},
		{"null", `null`, "", false},
		{"object", `{"a":1}`, "", true},
		{"array", `[1]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Text
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Unmarshal() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubmitJobRequest_Decode(t *testing.T) {
	body := `{"job_id":"j1","records":[
		{"participant_id":"P1","measurement_type":"glucose","value":5.5,"unit":"mmol/L","timestamp":"2024-01-01","corrects_raw_id":12},
		{"participant_id":"P2","measurement_type":"glucose","value":"high"}
	]}`

	var req SubmitJobRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	recs := req.IngestRecords()
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Value != "5.5" || recs[0].CorrectsRawID != "12" {
		t.Errorf("Expected numeric fields as text, got value %q corrects %q", recs[0].Value, recs[0].CorrectsRawID)
	}
	if recs[1].Line != 2 {
		t.Errorf("Expected line 2, got %d", recs[1].Line)
	}
}

func TestValidator_SubmitJobRequest(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		req        SubmitJobRequest
		wantFields []string
	}{
		{"records only", SubmitJobRequest{Records: []RecordRequest{{}}}, nil},
		{"filename only", SubmitJobRequest{Filename: "batch.csv"}, nil},
		{"neither", SubmitJobRequest{}, []string{"filename", "records"}},
		{"long job id", SubmitJobRequest{JobID: strings.Repeat("x", 129), Filename: "a.csv"}, []string{"job_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.req)
			if len(errs) != len(tt.wantFields) {
				t.Fatalf("Validate() = %v, want fields %v", errs, tt.wantFields)
			}
			m := ToMap(errs)
			for _, f := range tt.wantFields {
				if _, ok := m[f]; !ok {
					t.Errorf("Expected an error for %s, got %v", f, m)
				}
			}
		})
	}
}

func TestValidator_Queries(t *testing.T) {
	v := NewValidator()

	q := NewMeasurementQuery(url.Values{
		"from":        {"yesterday"},
		"min_quality": {"high"},
		"outliers":    {"maybe"},
	})
	m := ToMap(v.Validate(q))
	for _, f := range []string{"from", "min_quality", "outliers"} {
		if _, ok := m[f]; !ok {
			t.Errorf("Expected an error for %s, got %v", f, m)
		}
	}

	agg := NewAggregationQuery(url.Values{"granularity": {"hourly"}, "scope": {"site"}})
	m = ToMap(v.Validate(agg))
	if m["granularity"] != "must be one of: daily, weekly, monthly" {
		t.Errorf("Expected granularity error, got %v", m)
	}
	if _, ok := m["scope"]; ok {
		t.Errorf("Expected site scope to be accepted, got %v", m)
	}

	if errs := v.Validate(GenerateReportRequest{}); len(errs) != 1 || errs[0].Field != "date" {
		t.Errorf("Expected a date error, got %v", errs)
	}
}

func TestMeasurementQuery_Filter(t *testing.T) {
	upper := func(s string) string { return strings.ToUpper(s) }
	q := NewMeasurementQuery(url.Values{
		"participant_id": {"P1"},
		"type":           {"glucose"},
		"from":           {"2024-01-01"},
		"min_quality":    {"0.5"},
		"outliers":       {"true"},
		"limit":          {"20"},
	})

	f := q.Filter("S1", 100, upper)
	if f.StudyID != "S1" || f.ParticipantID != "P1" || f.MeasurementType != "GLUCOSE" {
		t.Errorf("Unexpected filter %+v", f)
	}
	if !f.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected from 2024-01-01, got %s", f.From)
	}
	if f.MinQuality == nil || *f.MinQuality != 0.5 {
		t.Errorf("Expected min quality 0.5, got %v", f.MinQuality)
	}
	if !f.OutliersOnly || f.Limit != 20 {
		t.Errorf("Expected outliers only with limit 20, got %v and %d", f.OutliersOnly, f.Limit)
	}

	if f := NewMeasurementQuery(url.Values{"limit": {"5000"}}).Filter("S1", 100, upper); f.Limit != 100 {
		t.Errorf("Expected limit clamped to 100, got %d", f.Limit)
	}
}

func TestNewJobResponse(t *testing.T) {
	msg := "cancelled"
	done := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	j := &domain.Job{
		ID:          "j1",
		Origin:      domain.JobOriginInline,
		Status:      domain.JobStatusFailed,
		Error:       &msg,
		CreatedAt:   done.Add(-time.Hour),
		UpdatedAt:   done,
		CompletedAt: &done,
		TotalRows:   3,
	}

	resp := NewJobResponse(j)
	if resp.Error != "cancelled" || resp.Status != "failed" || resp.TotalRows != 3 {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.CompletedAt != "2024-01-01T09:00:00Z" {
		t.Errorf("Expected completed_at 2024-01-01T09:00:00Z, got %s", resp.CompletedAt)
	}

	status := NewJobStatusResponse(j)
	if status.Error != "cancelled" || status.ID != "j1" {
		t.Errorf("Unexpected status response %+v", status)
	}
}
