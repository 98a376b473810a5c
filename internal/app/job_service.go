package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/store"
)

// ErrEmptySubmission is returned for a job with neither records nor a file.
var ErrEmptySubmission = errors.New("submission has no records and no filename")

type JobService struct {
	Repo    *store.DB
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	now     func() time.Time
}

func NewJobService(repo *store.DB, log *logger.Logger, m *metrics.Metrics) *JobService {
	return &JobService{Repo: repo, Logger: log, Metrics: m, now: time.Now}
}

// SubmitRequest describes a new job. Records make an inline job; a Filename
// without records names a file in the data source for the worker to extract.
type SubmitRequest struct {
	JobID    string
	Filename string
	StudyID  string
	Records  []ingest.Record
}

// IngestResult counts what one batch of records contributed to a job.
type IngestResult struct {
	Reasons  []string
	Accepted int
	Rejected int
}

// Message summarises the batch for the job's message field.
func (r IngestResult) Message() string {
	msg := fmt.Sprintf("Ingested %d records", r.Accepted)
	if r.Rejected > 0 {
		msg += fmt.Sprintf(", rejected %d: %s", r.Rejected, strings.Join(r.Reasons, "; "))
	}
	return msg
}

// Submit creates a pending job. Raw rows of an inline job are appended in
// the same transaction, so the worker never sees a half-loaded job.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if len(req.Records) == 0 && req.Filename == "" {
		return nil, ErrEmptySubmission
	}

	id := req.JobID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC()
	job := &domain.Job{
		ID:        id,
		Filename:  req.Filename,
		StudyID:   req.StudyID,
		Origin:    domain.JobOriginInline,
		Status:    domain.JobStatusPending,
		Message:   constants.MessageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(req.Records) == 0 {
		job.Origin = domain.JobOriginFile
	}

	var result IngestResult
	err := s.Repo.RunInTx(ctx, func(tx *store.DB) error {
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if job.Origin == domain.JobOriginFile {
			return nil
		}
		var err error
		result, err = s.ingest(ctx, tx, job, req.Records)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Metrics.RowsRejected(result.Rejected)

	job.TotalRows = result.Accepted
	job.RejectedRows = result.Rejected
	if job.Origin == domain.JobOriginInline {
		job.Message = result.Message()
	}
	s.Logger.Info("Job submitted", "job_id", job.ID, "origin", job.Origin, "study_id", job.StudyID,
		"rows", result.Accepted, "rejected", result.Rejected)
	return job, nil
}

// IngestRecords validates records and appends the accepted ones to the raw
// log under job. Rejected records are counted on the job and never fail it.
func (s *JobService) IngestRecords(ctx context.Context, job *domain.Job, records []ingest.Record) (IngestResult, error) {
	var result IngestResult
	err := s.Repo.RunInTx(ctx, func(tx *store.DB) error {
		var err error
		result, err = s.ingest(ctx, tx, job, records)
		return err
	})
	if err != nil {
		return IngestResult{}, err
	}
	s.Metrics.RowsRejected(result.Rejected)
	return result, nil
}

func (s *JobService) ingest(ctx context.Context, tx *store.DB, job *domain.Job, records []ingest.Record) (IngestResult, error) {
	var result IngestResult
	reject := func(reason string) {
		result.Rejected++
		if len(result.Reasons) < constants.MaxRejectReasons {
			result.Reasons = append(result.Reasons, reason)
		}
	}

	now := s.now().UTC()
	rows := make([]*domain.RawMeasurement, 0, len(records))
	for i, rec := range records {
		if rec.Line == 0 {
			rec.Line = i + 1
		}
		raw, err := rec.Raw(job.StudyID)
		if err != nil {
			var rowErr *ingest.RowError
			if !errors.As(err, &rowErr) {
				return result, err
			}
			reject(rowErr.Error())
			continue
		}

		if raw.CorrectsRawID != nil {
			root, err := s.resolveCorrection(ctx, tx, *raw.CorrectsRawID)
			if errors.Is(err, domain.ErrUnknownCorrection) {
				reject(fmt.Sprintf("line %d: corrects_raw_id %d: %v", rec.Line, *raw.CorrectsRawID, err))
				continue
			}
			if err != nil {
				return result, err
			}
			raw.CorrectsRawID = &root
		}

		raw.JobID = job.ID
		raw.IngestedAt = now
		rows = append(rows, raw)
	}

	if err := tx.AppendRaw(ctx, rows); err != nil {
		return result, err
	}
	result.Accepted = len(rows)
	err := tx.AddJobRows(ctx, job.ID, result.Accepted, result.Rejected, result.Message())
	return result, err
}

// resolveCorrection maps a corrected raw id onto the root of its chain, so
// a correction of a correction still replaces the same processed record.
func (s *JobService) resolveCorrection(ctx context.Context, tx *store.DB, id int64) (int64, error) {
	target, err := tx.GetRaw(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, domain.ErrUnknownCorrection
	}
	if err != nil {
		return 0, err
	}
	return target.LogicalID(), nil
}

func (s *JobService) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	return s.Repo.ListJobs(ctx, constants.MaxListResults)
}

func (s *JobService) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.Repo.GetJob(ctx, id)
}

// CancelJob fails a job that has not finished. Rows already reflected stay
// reflected; the worker stops at its next chunk boundary.
func (s *JobService) CancelJob(ctx context.Context, id string) error {
	if err := s.Repo.FailJob(ctx, id, constants.MessageCancelled); err != nil {
		return err
	}
	s.Logger.Info("Job cancelled", "job_id", id)
	return nil
}

func (s *JobService) GetJobStats(ctx context.Context) (*store.JobStats, error) {
	return s.Repo.GetJobStats(ctx)
}
