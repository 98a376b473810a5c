package worker

import (
	"context"
	"errors"

	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/logger"
)

var ErrUnknownOrigin = errors.New("unknown job origin")

// Extractor loads a job's raw rows before transformation starts.
type Extractor interface {
	Extract(ctx context.Context, job *domain.Job, log *logger.Logger) error
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, job *domain.Job, log *logger.Logger) error

func (f ExtractorFunc) Extract(ctx context.Context, job *domain.Job, log *logger.Logger) error {
	return f(ctx, job, log)
}

type Dispatcher struct {
	extractors map[domain.JobOrigin]Extractor
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		extractors: make(map[domain.JobOrigin]Extractor),
	}
}

func (d *Dispatcher) Register(origin domain.JobOrigin, e Extractor) {
	d.extractors[origin] = e
}

func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job, log *logger.Logger) error {
	e, ok := d.extractors[job.Origin]
	if !ok {
		return ErrUnknownOrigin
	}
	return e.Extract(ctx, job, log)
}
