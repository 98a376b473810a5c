package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrUnknownCorrection = errors.New("corrected raw measurement does not exist")
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition encodes pending -> running -> {completed, failed}.
// A pending job may also fail directly (cancelled before it was claimed).
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// JobOrigin tells the worker where a job's raw rows come from.
type JobOrigin string

const (
	// JobOriginInline jobs carry their records in the submission; raw rows
	// are appended before the job becomes visible to the worker.
	JobOriginInline JobOrigin = "inline"
	// JobOriginFile jobs name a file in the data source; the worker extracts
	// it when the job starts running.
	JobOriginFile JobOrigin = "file"
)

// Job is one submitted batch of raw measurements.
type Job struct {
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Error         *string    `json:"error,omitempty" db:"error"`
	ID            string     `json:"id" db:"id"`
	Filename      string     `json:"filename" db:"filename"`
	StudyID       string     `json:"study_id,omitempty" db:"study_id"`
	Origin        JobOrigin  `json:"origin" db:"origin"`
	Status        JobStatus  `json:"status" db:"status"`
	Message       string     `json:"message" db:"message"`
	Progress      float64    `json:"progress" db:"progress"`
	TotalRows     int        `json:"total_rows" db:"total_rows"`
	ProcessedRows int        `json:"processed_rows" db:"processed_rows"`
	RejectedRows  int        `json:"rejected_rows" db:"rejected_rows"`
}

// ErrorMessage returns the failure detail or an empty string.
func (j *Job) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
