package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cesargomez89/clinicaletl/internal/domain"
)

const jobColumns = `id, filename, study_id, origin, status, message, progress, total_rows, processed_rows,
	rejected_rows, error, created_at, updated_at, completed_at`

// CreateJob inserts a new job; a duplicate id yields domain.ErrJobExists.
func (db *DB) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `INSERT INTO jobs (id, filename, study_id, origin, status, message, progress, total_rows,
			processed_rows, rejected_rows, created_at, updated_at)
		VALUES (:id, :filename, :study_id, :origin, :status, :message, :progress, :total_rows,
			:processed_rows, :rejected_rows, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`

	res, err := db.NamedExecContext(ctx, query, job)
	if err != nil {
		return wrap("create job", err)
	}
	ok, err := rowsChanged(res)
	if err != nil {
		return wrap("create job", err)
	}
	if !ok {
		return domain.ErrJobExists
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	job := &domain.Job{}
	err := db.GetContext(ctx, job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return job, nil
}

func (db *DB) ListJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := db.Rebind(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT ?`)

	var jobs []*domain.Job
	if err := db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, wrap("list jobs", err)
	}
	return jobs, nil
}

// ListJobsByStatus returns jobs in submission order.
func (db *DB) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	query := db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`)

	var jobs []*domain.Job
	if err := db.SelectContext(ctx, &jobs, query, status, limit); err != nil {
		return nil, wrap("list jobs by status", err)
	}
	return jobs, nil
}

// TransitionJob moves a job from one state to another. The update is
// conditional on the current state, so two callers racing on the same job
// cannot both succeed.
func (db *DB) TransitionJob(ctx context.Context, id string, from, to domain.JobStatus, message string) error {
	if !domain.CanTransition(from, to) {
		return domain.ErrInvalidTransition
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	progress := "progress"
	if to.IsTerminal() {
		completedAt = &now
	}
	if to == domain.JobStatusCompleted {
		progress = "100"
	}

	query := db.Rebind(`UPDATE jobs SET status = ?, message = ?, progress = ` + progress + `,
		updated_at = ?, completed_at = ? WHERE id = ? AND status = ?`)
	res, err := db.ExecContext(ctx, query, to, message, now, completedAt, id, from)
	if err != nil {
		return wrap("transition job", err)
	}
	return db.checkJobChanged(ctx, res, id)
}

// FailJob moves a pending or running job to failed with the given detail.
func (db *DB) FailJob(ctx context.Context, id, errorMsg string) error {
	now := time.Now().UTC()
	query := db.Rebind(`UPDATE jobs SET status = ?, error = ?, message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`)
	res, err := db.ExecContext(ctx, query, domain.JobStatusFailed, errorMsg, errorMsg, now, now,
		id, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return wrap("fail job", err)
	}
	return db.checkJobChanged(ctx, res, id)
}

func (db *DB) checkJobChanged(ctx context.Context, res sql.Result, id string) error {
	ok, err := rowsChanged(res)
	if err != nil {
		return wrap("job rows affected", err)
	}
	if ok {
		return nil
	}
	if _, err := db.GetJob(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

// UpdateJobProgress records progress of a running job.
func (db *DB) UpdateJobProgress(ctx context.Context, id string, progress float64, message string, processed int) error {
	query := db.Rebind(`UPDATE jobs SET progress = ?, message = ?, processed_rows = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	_, err := db.ExecContext(ctx, query, progress, message, processed, time.Now().UTC(), id, domain.JobStatusRunning)
	return wrap("update job progress", err)
}

// AddJobRows adds to the row counters after an extraction batch.
func (db *DB) AddJobRows(ctx context.Context, id string, total, rejected int, message string) error {
	query := db.Rebind(`UPDATE jobs SET total_rows = total_rows + ?, rejected_rows = rejected_rows + ?,
		message = ?, updated_at = ? WHERE id = ?`)
	_, err := db.ExecContext(ctx, query, total, rejected, message, time.Now().UTC(), id)
	return wrap("add job rows", err)
}

// FailStuckJobs fails every job left running by a previous process.
func (db *DB) FailStuckJobs(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	query := db.Rebind(`UPDATE jobs SET status = ?, error = ?, message = ?, updated_at = ?, completed_at = ?
		WHERE status = ?`)
	res, err := db.ExecContext(ctx, query, domain.JobStatusFailed, reason, reason, now, now, domain.JobStatusRunning)
	if err != nil {
		return 0, wrap("fail stuck jobs", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("fail stuck jobs", err)
}

type JobStats struct {
	Total     int `db:"total" json:"total"`
	Pending   int `db:"pending" json:"pending"`
	Running   int `db:"running" json:"running"`
	Completed int `db:"completed" json:"completed"`
	Failed    int `db:"failed" json:"failed"`
}

func (db *DB) GetJobStats(ctx context.Context) (*JobStats, error) {
	query := `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
		COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running,
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed,
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed
	FROM jobs`

	stats := &JobStats{}
	if err := db.GetContext(ctx, stats, query); err != nil {
		return nil, wrap("job stats", err)
	}
	return stats, nil
}
