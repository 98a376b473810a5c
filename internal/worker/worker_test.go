package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/source"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/transform"
)

func setupTestDB(t *testing.T) (*store.DB, func()) {
	tmpFile := filepath.Join(t.TempDir(), "test_worker.db")
	db, err := store.NewSQLiteDB(tmpFile)
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	cleanup := func() {
		db.Close()
	}
	return db, cleanup
}

type harness struct {
	db     *store.DB
	jobs   *app.JobService
	engine *transform.Engine
	dir    string
}

func newHarness(t *testing.T) (*harness, func()) {
	db, cleanup := setupTestDB(t)
	return &harness{
		db:     db,
		jobs:   app.NewJobService(db, logger.Discard(), nil),
		engine: transform.NewEngine(db, transform.Options{Logger: logger.Discard()}),
		dir:    t.TempDir(),
	}, cleanup
}

func (h *harness) worker(proc RowProcessor, cfg Config) *Worker {
	if proc == nil {
		proc = h.engine
	}
	return NewWorker(h.db, h.jobs, proc, source.NewDir(h.dir), nil, cfg, logger.Discard())
}

func records(n int) []ingest.Record {
	recs := make([]ingest.Record, n)
	for i := range recs {
		recs[i] = ingest.Record{
			StudyID:         "S1",
			ParticipantID:   fmt.Sprintf("P%d", i%5),
			MeasurementType: "glucose",
			Value:           fmt.Sprintf("%d", 90+i%20),
			Unit:            "mg/dL",
			Timestamp:       "2024-01-01T08:00:00Z",
			SiteID:          "SITE-A",
		}
	}
	return recs
}

func (h *harness) submitClaimed(t *testing.T, w *Worker, req app.SubmitRequest) *domain.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	claimed, err := w.claim(context.Background(), job)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !claimed {
		t.Fatalf("Expected job %s to be claimed", job.ID)
	}
	return job
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.db.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return job
}

// faultyProcessor fails on one raw id and delegates everything else.
type faultyProcessor struct {
	next    RowProcessor
	faultID int64
}

func (p *faultyProcessor) Process(ctx context.Context, raw *domain.RawMeasurement) (transform.Result, error) {
	if raw.ID == p.faultID {
		return transform.Result{}, errors.New("injected fault")
	}
	return p.next.Process(ctx, raw)
}

func TestWorker_RunInlineJob(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()
	ctx := context.Background()

	w := h.worker(nil, Config{ChunkSize: 50, RowConcurrency: 4})
	job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "job-1", Records: records(120)})

	w.RunJob(ctx, job)

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("Expected status completed, got %s (%s)", got.Status, got.ErrorMessage())
	}
	if got.Progress != 100 {
		t.Errorf("Expected progress 100, got %v", got.Progress)
	}
	if got.ProcessedRows != 120 {
		t.Errorf("Expected 120 processed rows, got %d", got.ProcessedRows)
	}
	if got.Message != "Completed" {
		t.Errorf("Expected message Completed, got %q", got.Message)
	}

	study, err := h.db.GetStudySummary(ctx, "S1")
	if err != nil {
		t.Fatalf("GetStudySummary failed: %v", err)
	}
	if study.TotalMeasurements != 120 {
		t.Errorf("Expected 120 measurements in study summary, got %d", study.TotalMeasurements)
	}
	if study.TotalParticipants != 5 {
		t.Errorf("Expected 5 participants, got %d", study.TotalParticipants)
	}
}

func TestWorker_FaultStopsJob(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()
	ctx := context.Background()

	w := h.worker(nil, Config{ChunkSize: 50, RowConcurrency: 1})
	job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "job-1", Records: records(150)})

	rows, err := h.db.ListRawByJob(ctx, job.ID, 0, 200)
	if err != nil {
		t.Fatalf("ListRawByJob failed: %v", err)
	}
	w.Processor = &faultyProcessor{next: h.engine, faultID: rows[100].ID}

	w.RunJob(ctx, job)

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("Expected status failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage(), "injected fault") {
		t.Errorf("Expected the fault in the error message, got %q", got.ErrorMessage())
	}
	if got.ProcessedRows != 100 {
		t.Errorf("Expected 100 processed rows, got %d", got.ProcessedRows)
	}

	unreflected, err := h.db.CountUnreflectedRaw(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountUnreflectedRaw failed: %v", err)
	}
	if unreflected != 50 {
		t.Errorf("Expected 50 unreflected rows, got %d", unreflected)
	}

	study, err := h.db.GetStudySummary(ctx, "S1")
	if err != nil {
		t.Fatalf("GetStudySummary failed: %v", err)
	}
	if study.TotalMeasurements != 100 {
		t.Errorf("Expected the first 100 rows to stay reflected, got %d", study.TotalMeasurements)
	}
}

func TestWorker_FaultKeepsPrefixWithParallelRows(t *testing.T) {
	for run := 0; run < 5; run++ {
		h, cleanup := newHarness(t)
		ctx := context.Background()

		w := h.worker(nil, Config{})
		job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "job-1", Records: records(150)})

		rows, err := h.db.ListRawByJob(ctx, job.ID, 0, 200)
		if err != nil {
			t.Fatalf("ListRawByJob failed: %v", err)
		}
		w.Processor = &faultyProcessor{next: h.engine, faultID: rows[100].ID}

		w.RunJob(ctx, job)

		got := h.job(t, job.ID)
		if got.Status != domain.JobStatusFailed {
			t.Fatalf("run %d: Expected status failed, got %s", run, got.Status)
		}

		for _, raw := range rows[:100] {
			p, err := h.db.FindProcessed(ctx, raw.ID)
			if err != nil {
				t.Fatalf("FindProcessed failed: %v", err)
			}
			if p == nil {
				t.Errorf("run %d: Expected raw row %d to be reflected", run, raw.ID)
			}
		}
		p, err := h.db.FindProcessed(ctx, rows[100].ID)
		if err != nil {
			t.Fatalf("FindProcessed failed: %v", err)
		}
		if p != nil {
			t.Errorf("run %d: Expected the failing row to stay unreflected", run)
		}

		study, err := h.db.GetStudySummary(ctx, "S1")
		if err != nil {
			t.Fatalf("GetStudySummary failed: %v", err)
		}
		if study == nil || study.TotalMeasurements < 100 {
			t.Errorf("run %d: Expected at least the first 100 rows in the study summary, got %+v", run, study)
		}
		cleanup()
	}
}

func TestWorker_FileJob(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()
	ctx := context.Background()

	csv := "participant_id,measurement_type,value,unit,timestamp,site_id\n" +
		"P1,glucose,95,mg/dL,2024-01-01T08:00:00Z,SITE-A\n" +
		"P2,glucose,5.5,mmol/L,2024-01-01T09:00:00Z,SITE-B\n" +
		",glucose,100,mg/dL,2024-01-01T10:00:00Z,SITE-A\n"
	if err := os.WriteFile(filepath.Join(h.dir, "batch.csv"), []byte(csv), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w := h.worker(nil, Config{})
	job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "file-1", Filename: "batch.csv", StudyID: "S1"})

	w.RunJob(ctx, job)

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("Expected status completed, got %s (%s)", got.Status, got.ErrorMessage())
	}
	if got.TotalRows != 2 || got.RejectedRows != 1 {
		t.Errorf("Expected 2 rows and 1 rejected, got %d and %d", got.TotalRows, got.RejectedRows)
	}
	if got.ProcessedRows != 2 {
		t.Errorf("Expected 2 processed rows, got %d", got.ProcessedRows)
	}
}

func TestWorker_MissingFile(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()

	w := h.worker(nil, Config{})
	job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "file-1", Filename: "absent.csv", StudyID: "S1"})

	w.RunJob(context.Background(), job)

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("Expected status failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage(), "extraction failed") {
		t.Errorf("Expected extraction failure, got %q", got.ErrorMessage())
	}
}

func TestWorker_CancelledJob(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()
	ctx := context.Background()

	w := h.worker(nil, Config{})
	job := h.submitClaimed(t, w, app.SubmitRequest{JobID: "job-1", Records: records(10)})

	if err := h.jobs.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	w.RunJob(ctx, job)

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("Expected status failed, got %s", got.Status)
	}
	if got.ErrorMessage() != "cancelled" {
		t.Errorf("Expected cancellation to be kept, got %q", got.ErrorMessage())
	}
	if got.ProcessedRows != 0 {
		t.Errorf("Expected no processed rows, got %d", got.ProcessedRows)
	}
}

func TestWorker_StartPollsAndRecovers(t *testing.T) {
	h, cleanup := newHarness(t)
	defer cleanup()
	ctx := context.Background()

	stuck, err := h.jobs.Submit(ctx, app.SubmitRequest{JobID: "stuck", Records: records(3)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.db.TransitionJob(ctx, stuck.ID, domain.JobStatusPending, domain.JobStatusRunning, "Transforming data"); err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	if _, err := h.jobs.Submit(ctx, app.SubmitRequest{JobID: "fresh", Records: records(20)}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	w := h.worker(nil, Config{PollInterval: 10 * time.Millisecond})
	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got := h.job(t, "fresh")
		if got.Status == domain.JobStatusCompleted {
			break
		}
		if got.Status == domain.JobStatusFailed {
			t.Fatalf("Expected fresh job to complete, failed with %q", got.ErrorMessage())
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for job, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := h.job(t, "stuck")
	if got.Status != domain.JobStatusFailed || got.ErrorMessage() != "interrupted" {
		t.Errorf("Expected stuck job to fail as interrupted, got %s (%q)", got.Status, got.ErrorMessage())
	}
}

func TestDispatcher_UnknownOrigin(t *testing.T) {
	d := NewDispatcher()
	err := d.Dispatch(context.Background(), &domain.Job{Origin: "ftp"}, logger.Discard())
	if !errors.Is(err, ErrUnknownOrigin) {
		t.Errorf("Expected ErrUnknownOrigin, got %v", err)
	}
}
