// Package worker runs submitted jobs: it extracts their raw rows, feeds them
// through the transformation engine chunk by chunk, and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/source"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/transform"
)

var (
	ErrJobCancelled = errors.New("job was cancelled")
	ErrUnreflected  = errors.New("raw rows left unreflected")
)

// RowProcessor transforms one raw row. *transform.Engine satisfies it.
type RowProcessor interface {
	Process(ctx context.Context, raw *domain.RawMeasurement) (transform.Result, error)
}

type Config struct {
	Concurrency    int
	RowConcurrency int
	ChunkSize      int
	PollInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    constants.DefaultWorkerConcurrency,
		RowConcurrency: constants.DefaultRowConcurrency,
		ChunkSize:      constants.DefaultChunkSize,
		PollInterval:   constants.DefaultPollInterval,
	}
}

type Worker struct {
	ctx        context.Context
	Repo       *store.DB
	Jobs       *app.JobService
	Processor  RowProcessor
	Source     source.Opener
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	cfg        Config
	wg         sync.WaitGroup
}

func NewWorker(repo *store.DB, jobs *app.JobService, proc RowProcessor, src source.Opener, m *metrics.Metrics, cfg Config, log *logger.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	if log == nil {
		log = logger.Default()
	}
	def := DefaultConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RowConcurrency < 1 {
		cfg.RowConcurrency = def.RowConcurrency
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	w := &Worker{
		Repo:      repo,
		Jobs:      jobs,
		Processor: proc,
		Source:    src,
		Metrics:   m,
		Logger:    log.WithComponent("worker"),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}

	w.dispatcher = NewDispatcher()
	w.dispatcher.Register(domain.JobOriginInline, ExtractorFunc(func(context.Context, *domain.Job, *logger.Logger) error {
		return nil
	}))
	w.dispatcher.Register(domain.JobOriginFile, ExtractorFunc(w.extractFile))

	return w
}

// Start fails jobs a previous process left running, then polls for
// pending jobs until Stop.
func (w *Worker) Start() {
	w.Logger.Info("Starting worker", "concurrency", w.cfg.Concurrency, "row_concurrency", w.cfg.RowConcurrency,
		"chunk_size", w.cfg.ChunkSize)

	n, err := w.Repo.FailStuckJobs(w.ctx, constants.MessageInterrupted)
	if err != nil {
		w.Logger.Error("Failed to fail stuck jobs", "error", err)
	} else if n > 0 {
		w.Logger.Warn("Failed jobs interrupted by a previous run", "count", n)
	}

	w.wg.Add(1)
	go w.processJobs()
}

func (w *Worker) Stop() {
	w.Logger.Info("Stopping worker")
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) processJobs() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			free := w.cfg.Concurrency - len(sem)
			if free <= 0 {
				continue
			}

			jobs, err := w.Repo.ListJobsByStatus(w.ctx, domain.JobStatusPending, free)
			if err != nil {
				w.Logger.Error("Failed to list jobs", "error", err)
				continue
			}

			for _, job := range jobs {
				claimed, err := w.claim(w.ctx, job)
				if err != nil {
					w.Logger.Error("Failed to claim job", "job_id", job.ID, "error", err)
					continue
				}
				if !claimed {
					continue
				}

				sem <- struct{}{}
				w.wg.Add(1)
				go func(j *domain.Job) {
					defer w.wg.Done()
					defer func() { <-sem }()
					w.RunJob(w.ctx, j)
				}(job)
			}
		}
	}
}

// claim moves a pending job to running. It reports false when another
// worker got there first or the job was cancelled meanwhile.
func (w *Worker) claim(ctx context.Context, job *domain.Job) (bool, error) {
	err := w.Repo.TransitionJob(ctx, job.ID, domain.JobStatusPending, domain.JobStatusRunning, constants.MessageExtracting)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job.Status = domain.JobStatusRunning
	return true, nil
}

// RunJob drives a claimed job to a terminal state. Rows committed before a
// failure stay reflected; the job is not retried.
func (w *Worker) RunJob(ctx context.Context, job *domain.Job) {
	log := w.Logger.WithJob(job.ID, job.Filename)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic in job", "panic", r)
			w.fail(job, log, fmt.Sprintf("Panic: %v", r))
		}
	}()

	log.Info("Running job", "origin", job.Origin)
	start := time.Now()

	err := w.execute(ctx, job, log)
	switch {
	case err == nil:
		log.Info("Job completed", "duration", time.Since(start).Round(time.Millisecond))
		w.Metrics.JobFinished(string(domain.JobStatusCompleted))
	case errors.Is(err, ErrJobCancelled):
		log.Info("Job cancelled")
		w.Metrics.JobFinished(constants.MessageCancelled)
	case ctx.Err() != nil:
		// Shutdown; the next start fails the job as interrupted.
		log.Warn("Job interrupted by shutdown", "error", err)
	default:
		log.Error("Job failed", "error", err)
		w.fail(job, log, err.Error())
	}
}

func (w *Worker) fail(job *domain.Job, log *logger.Logger, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Repo.FailJob(ctx, job.ID, msg); err != nil {
		log.Error("Failed to mark job failed", "error", err)
		return
	}
	w.Metrics.JobFinished(string(domain.JobStatusFailed))
}

func (w *Worker) execute(ctx context.Context, job *domain.Job, log *logger.Logger) error {
	if err := w.dispatcher.Dispatch(ctx, job, log); err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	if err := w.Repo.UpdateJobProgress(ctx, job.ID, constants.ProgressExtracted, constants.MessageTransforming, 0); err != nil {
		return err
	}

	total, err := w.Repo.CountRawByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	var afterID int64
	processed := 0
	for {
		if err := w.checkCancelled(ctx, job.ID); err != nil {
			return err
		}

		rows, err := w.Repo.ListRawByJob(ctx, job.ID, afterID, w.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		if err := w.processChunk(ctx, rows); err != nil {
			return fmt.Errorf("transformation failed after %d rows: %w", processed, err)
		}

		processed += len(rows)
		afterID = rows[len(rows)-1].ID
		progress := constants.ProgressExtracted + float64(constants.ProgressDone-constants.ProgressExtracted)*float64(processed)/float64(max(total, 1))
		if err := w.Repo.UpdateJobProgress(ctx, job.ID, min(progress, constants.ProgressDone-1), constants.MessageTransforming, processed); err != nil {
			return err
		}
		log.Debug("Chunk transformed", "rows", len(rows), "processed", processed, "total", total)
	}

	unreflected, err := w.Repo.CountUnreflectedRaw(ctx, job.ID)
	if err != nil {
		return err
	}
	if unreflected > 0 {
		return fmt.Errorf("%w: %d", ErrUnreflected, unreflected)
	}

	err = w.Repo.TransitionJob(ctx, job.ID, domain.JobStatusRunning, domain.JobStatusCompleted, constants.MessageCompleted)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return ErrJobCancelled
	}
	return err
}

// processChunk transforms rows concurrently. Once a row fails, rows after it
// that have not started are skipped; rows before it still run to completion
// so the chunk's committed prefix stays contiguous.
func (w *Worker) processChunk(ctx context.Context, rows []*domain.RawMeasurement) error {
	var g errgroup.Group
	g.SetLimit(w.cfg.RowConcurrency)

	var failedAt atomic.Int64
	failedAt.Store(math.MaxInt64)

	for i, raw := range rows {
		pos := int64(i)
		if pos > failedAt.Load() {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pos > failedAt.Load() {
				return nil
			}
			if _, err := w.Processor.Process(ctx, raw); err != nil {
				lowerTo(&failedAt, pos)
				return fmt.Errorf("raw measurement %d: %w", raw.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func lowerTo(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n >= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (w *Worker) checkCancelled(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := w.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusRunning {
		return ErrJobCancelled
	}
	return nil
}

// extractFile reads a file-origin job's source file into the raw log.
func (w *Worker) extractFile(ctx context.Context, job *domain.Job, log *logger.Logger) error {
	if w.Source == nil {
		return errors.New("no data source configured")
	}

	rc, err := w.Source.Open(ctx, job.Filename)
	if err != nil {
		return err
	}
	defer rc.Close()

	records, err := ingest.Read(job.Filename, rc)
	if err != nil {
		return err
	}

	res, err := w.Jobs.IngestRecords(ctx, job, records)
	if err != nil {
		return err
	}
	log.Info("Extracted records", "accepted", res.Accepted, "rejected", res.Rejected)
	return nil
}
