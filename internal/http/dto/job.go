package dto

import (
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

type RecordRequest struct {
	StudyID         Text `json:"study_id"`
	ParticipantID   Text `json:"participant_id"`
	MeasurementType Text `json:"measurement_type"`
	Value           Text `json:"value"`
	Unit            Text `json:"unit"`
	Timestamp       Text `json:"timestamp"`
	SiteID          Text `json:"site_id"`
	QualityScore    Text `json:"quality_score"`
	CorrectsRawID   Text `json:"corrects_raw_id"`
}

// Record converts r; line is its 1-based position in the request.
func (r RecordRequest) Record(line int) ingest.Record {
	return ingest.Record{
		StudyID:         string(r.StudyID),
		ParticipantID:   string(r.ParticipantID),
		MeasurementType: string(r.MeasurementType),
		Value:           string(r.Value),
		Unit:            string(r.Unit),
		Timestamp:       string(r.Timestamp),
		SiteID:          string(r.SiteID),
		QualityScore:    string(r.QualityScore),
		CorrectsRawID:   string(r.CorrectsRawID),
		Line:            line,
	}
}

type SubmitJobRequest struct {
	JobID    string          `json:"job_id" validate:"max=128"`
	StudyID  string          `json:"study_id" validate:"max=128"`
	Filename string          `json:"filename" validate:"required_without=Records,max=512"`
	Records  []RecordRequest `json:"records" validate:"required_without=Filename,max=100000"`
}

func (r SubmitJobRequest) IngestRecords() []ingest.Record {
	if len(r.Records) == 0 {
		return nil
	}
	out := make([]ingest.Record, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.Record(i + 1)
	}
	return out
}

type JobResponse struct {
	ID            string  `json:"id"`
	Filename      string  `json:"filename,omitempty"`
	StudyID       string  `json:"study_id,omitempty"`
	Origin        string  `json:"origin"`
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
	CompletedAt   string  `json:"completed_at,omitempty"`
	Error         string  `json:"error,omitempty"`
	Progress      float64 `json:"progress"`
	TotalRows     int     `json:"total_rows"`
	ProcessedRows int     `json:"processed_rows"`
	RejectedRows  int     `json:"rejected_rows"`
}

func NewJobResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:            j.ID,
		Filename:      j.Filename,
		StudyID:       j.StudyID,
		Origin:        string(j.Origin),
		Status:        string(j.Status),
		Message:       j.Message,
		Progress:      j.Progress,
		TotalRows:     j.TotalRows,
		ProcessedRows: j.ProcessedRows,
		RejectedRows:  j.RejectedRows,
		Error:         j.ErrorMessage(),
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func NewJobResponses(jobs []*domain.Job) []JobResponse {
	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = NewJobResponse(j)
	}
	return out
}

// JobStatusResponse is the polling view of a job.
type JobStatusResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	Error    string  `json:"error,omitempty"`
	Progress float64 `json:"progress"`
}

func NewJobStatusResponse(j *domain.Job) JobStatusResponse {
	return JobStatusResponse{
		ID:       j.ID,
		Status:   string(j.Status),
		Message:  j.Message,
		Error:    j.ErrorMessage(),
		Progress: j.Progress,
	}
}

type JobListResponse struct {
	Jobs  []JobResponse   `json:"jobs"`
	Stats *store.JobStats `json:"stats"`
}
