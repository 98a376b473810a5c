package httpapp

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/http/dto"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
	"github.com/cesargomez89/clinicaletl/internal/transform"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Repo.Ping(r.Context()); err != nil {
		h.Logger.Error("Health check failed", "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.JobService.ListJobs(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	stats, err := h.JobService.GetJobStats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, dto.JobListResponse{Jobs: dto.NewJobResponses(jobs), Stats: stats})
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitJobRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		respondBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if errs := h.validator.Validate(req); len(errs) > 0 {
		respondValidation(w, r, errs)
		return
	}

	job, err := h.JobService.Submit(r.Context(), app.SubmitRequest{
		JobID:    req.JobID,
		Filename: req.Filename,
		StudyID:  req.StudyID,
		Records:  req.IngestRecords(),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, dto.NewJobResponse(job))
}

// UploadJob accepts a CSV or XLSX file as multipart field "file" and queues
// its rows as an inline job.
func (h *Handler) UploadJob(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.opts.MaxUploadBytes {
		h.respondTooLarge(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondTooLarge(w, r)
			return
		}
		respondBadRequest(w, r, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondBadRequest(w, r, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	records, err := ingest.Read(header.Filename, file)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	if len(records) == 0 {
		respondBadRequest(w, r, "file contains no records")
		return
	}

	job, err := h.JobService.Submit(r.Context(), app.SubmitRequest{
		JobID:    r.FormValue("job_id"),
		Filename: header.Filename,
		StudyID:  r.FormValue("study_id"),
		Records:  records,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, dto.NewJobResponse(job))
}

func (h *Handler) respondTooLarge(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusRequestEntityTooLarge)
	render.JSON(w, r, errorResponse{Error: "upload exceeds " + strconv.FormatInt(h.opts.MaxUploadBytes, 10) + " bytes"})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.JobService.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, dto.NewJobResponse(job))
}

func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.JobService.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, dto.NewJobStatusResponse(job))
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.JobService.CancelJob(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	job, err := h.JobService.GetJob(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, dto.NewJobResponse(job))
}

type reprocessResponse struct {
	Record  any               `json:"record"`
	Outcome transform.Outcome `json:"outcome"`
}

// Reprocess re-derives the logical measurement that raw row rawID belongs
// to. Any revision of the chain may be named.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "rawID"), 10, 64)
	if err != nil || id < 1 {
		respondBadRequest(w, r, "invalid raw measurement id")
		return
	}

	raw, err := h.Repo.GetRaw(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.Engine.Reprocess(r.Context(), raw.LogicalID())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	render.JSON(w, r, reprocessResponse{Record: res.Record, Outcome: res.Outcome})
}
