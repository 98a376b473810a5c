package httpapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cesargomez89/clinicaletl/internal/analytics"
	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/cesargomez89/clinicaletl/internal/http/dto"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/report"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/transform"
	"github.com/cesargomez89/clinicaletl/internal/units"
)

// Options tunes the ingest endpoints.
type Options struct {
	IngestRateLimit float64
	IngestBurst     int
	MaxUploadBytes  int64
}

type Handler struct {
	JobService *app.JobService
	Engine     *transform.Engine
	Repo       *store.DB
	Reports    *report.Generator
	Exporter   *analytics.Exporter
	Catalog    *units.Catalog
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	validator  *dto.Validator
	limiter    *RateLimiter
	opts       Options
}

func NewHandler(js *app.JobService, engine *transform.Engine, repo *store.DB, reports *report.Generator,
	exporter *analytics.Exporter, catalog *units.Catalog, m *metrics.Metrics, opts Options, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	if catalog == nil {
		catalog = units.Default()
	}
	if opts.IngestRateLimit <= 0 {
		opts.IngestRateLimit = constants.DefaultIngestRateLimit
	}
	if opts.IngestBurst < 1 {
		opts.IngestBurst = constants.DefaultIngestBurst
	}
	if opts.MaxUploadBytes < 1 {
		opts.MaxUploadBytes = constants.DefaultMaxUploadBytes
	}

	log = log.WithComponent("http")
	return &Handler{
		JobService: js,
		Engine:     engine,
		Repo:       repo,
		Reports:    reports,
		Exporter:   exporter,
		Catalog:    catalog,
		Metrics:    m,
		Logger:     log,
		validator:  dto.NewValidator(),
		limiter:    NewRateLimiter(opts.IngestRateLimit, opts.IngestBurst, log),
		opts:       opts,
	}
}

// NewRouter mounts the API with the standard middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Handle("/metrics", h.Metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.With(h.limiter.Handler).Post("/", h.SubmitJob)
		r.With(h.limiter.Handler).Post("/upload", h.UploadJob)
		r.Get("/{id}", h.GetJob)
		r.Get("/{id}/status", h.GetJobStatus)
		r.Post("/{id}/cancel", h.CancelJob)
	})

	r.Post("/measurements/{rawID}/reprocess", h.Reprocess)

	r.Route("/studies/{studyID}", func(r chi.Router) {
		r.Get("/summary", h.StudySummary)
		r.Get("/participants", h.ListParticipants)
		r.Get("/participants/{participantID}", h.GetParticipant)
		r.Get("/measurements", h.ListMeasurements)
		r.Get("/aggregations", h.ListAggregations)
		r.Get("/reports", h.ListReports)
		r.Post("/reports", h.GenerateReports)
	})

	r.Post("/exports/duckdb", h.ExportDuckDB)
}
