package httpapp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/cesargomez89/clinicaletl/internal/constants"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/http/dto"
)

func (h *Handler) StudySummary(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "studyID")
	s, err := h.Repo.GetStudySummary(r.Context(), studyID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if s == nil {
		respondNotFound(w, r, "study "+studyID)
		return
	}
	render.JSON(w, r, s)
}

func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	q := dto.ParticipantQuery{MinQuality: r.URL.Query().Get("min_quality")}
	if errs := h.validator.Validate(q); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	list, err := h.Repo.ListParticipantSummaries(r.Context(), chi.URLParam(r, "studyID"), q.MinQualityValue())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.ParticipantSummary{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "participantID")
	s, err := h.Repo.GetParticipantSummary(r.Context(), chi.URLParam(r, "studyID"), pid)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if s == nil {
		respondNotFound(w, r, "participant "+pid)
		return
	}
	render.JSON(w, r, s)
}

func (h *Handler) ListMeasurements(w http.ResponseWriter, r *http.Request) {
	q := dto.NewMeasurementQuery(r.URL.Query())
	if errs := h.validator.Validate(q); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	f := q.Filter(chi.URLParam(r, "studyID"), constants.MaxListResults, h.Catalog.ResolveType)
	list, err := h.Repo.ListProcessed(r.Context(), f)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.ProcessedMeasurement{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) ListAggregations(w http.ResponseWriter, r *http.Request) {
	q := dto.NewAggregationQuery(r.URL.Query())
	if errs := h.validator.Validate(q); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	list, err := h.Repo.ListBuckets(r.Context(), q.Filter(chi.URLParam(r, "studyID"), h.Catalog.ResolveType))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.AggregationBucket{}
	}
	render.JSON(w, r, list)
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	q := dto.ReportQuery{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to")}
	if errs := h.validator.Validate(q); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	from, to := q.Range()
	list, err := h.Repo.ListQualityReports(r.Context(), chi.URLParam(r, "studyID"), from, to)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.QualityReport{}
	}
	render.JSON(w, r, list)
}

// GenerateReports recomputes reports for one day. Naming a site or a type
// regenerates that single report; otherwise the whole day is rebuilt.
func (h *Handler) GenerateReports(w http.ResponseWriter, r *http.Request) {
	var req dto.GenerateReportRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if errs := h.validator.Validate(req); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	key := req.Key(chi.URLParam(r, "studyID"), h.Catalog.ResolveType)
	if key.SiteID == "" && key.MeasurementType == "" {
		reports, err := h.Reports.GenerateForStudyDate(r.Context(), key.StudyID, key.ReportDate)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if reports == nil {
			reports = []*domain.QualityReport{}
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, reports)
		return
	}

	rep, err := h.Reports.Generate(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, []*domain.QualityReport{rep})
}

func (h *Handler) ExportDuckDB(w http.ResponseWriter, r *http.Request) {
	res, err := h.Exporter.Export(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"path":         res.Path,
		"timestamp":    res.Timestamp,
		"duration_ms":  res.Duration.Milliseconds(),
		"studies":      res.Studies,
		"measurements": res.Measurements,
		"participants": res.Participants,
		"buckets":      res.Buckets,
		"reports":      res.Reports,
	})
}
