package httpapp

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesargomez89/clinicaletl/internal/analytics"
	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/report"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/transform"
	"github.com/cesargomez89/clinicaletl/internal/units"
)

type testServer struct {
	db      *store.DB
	engine  *transform.Engine
	handler http.Handler
}

func newTestServer(t *testing.T, opts Options, exportPath string) *testServer {
	t.Helper()

	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.Discard()
	engine := transform.NewEngine(db, transform.Options{Logger: log})
	h := NewHandler(
		app.NewJobService(db, log, nil),
		engine,
		db,
		report.NewGenerator(db, nil, log),
		analytics.NewExporter(db, exportPath, log),
		units.Default(),
		nil,
		opts,
		log,
	)
	return &testServer{db: db, engine: engine, handler: NewRouter(h)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// drain processes every raw row of a job the way the worker would.
func (s *testServer) drain(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	rows, err := s.db.ListRawByJob(ctx, jobID, 0, 1000)
	require.NoError(t, err)
	for _, raw := range rows {
		_, err := s.engine.Process(ctx, raw)
		require.NoError(t, err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func record(pid, value, ts string) map[string]any {
	return map[string]any{
		"study_id":         "S1",
		"participant_id":   pid,
		"measurement_type": "glucose",
		"value":            value,
		"unit":             "mg/dL",
		"timestamp":        ts,
		"site_id":          "SITE-A",
	}
}

func submitInline(t *testing.T, s *testServer) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/jobs", map[string]any{
		"job_id":   "job-1",
		"study_id": "S1",
		"records": []map[string]any{
			record("P1", "95", "2024-05-20T08:30:00Z"),
			record("P2", "102", "2024-05-20T09:30:00Z"),
			record("P3", "trace", "2024-05-20T10:30:00Z"),
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	s.drain(t, "job-1")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitJob(t *testing.T) {
	s := newTestServer(t, Options{}, "")

	rec := s.do(t, http.MethodPost, "/jobs", map[string]any{
		"job_id":   "job-1",
		"study_id": "S1",
		"records": []map[string]any{
			record("P1", "95", "2024-05-20T08:30:00Z"),
			record("P2", "102", "not a time"),
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job := decode[map[string]any](t, rec)
	assert.Equal(t, "job-1", job["id"])
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, "inline", job["origin"])
	assert.EqualValues(t, 1, job["total_rows"])
	assert.EqualValues(t, 1, job["rejected_rows"])

	dup := s.do(t, http.MethodPost, "/jobs", map[string]any{
		"job_id":  "job-1",
		"records": []map[string]any{record("P1", "95", "2024-05-20T08:30:00Z")},
	})
	assert.Equal(t, http.StatusConflict, dup.Code)

	status := s.do(t, http.MethodGet, "/jobs/job-1/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
	assert.Equal(t, "pending", decode[map[string]any](t, status)["status"])

	list := s.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, list.Code)
	body := decode[struct {
		Jobs  []map[string]any `json:"jobs"`
		Stats store.JobStats   `json:"stats"`
	}](t, list)
	assert.Len(t, body.Jobs, 1)
	assert.Equal(t, 1, body.Stats.Pending)
}

func TestSubmitJobValidation(t *testing.T) {
	s := newTestServer(t, Options{}, "")

	rec := s.do(t, http.MethodPost, "/jobs", map[string]any{"study_id": "S1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Contains(t, body.Fields, "filename")
	assert.Contains(t, body.Fields, "records")

	rec = s.do(t, http.MethodPost, "/jobs", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"records": {"a": 1}}`))
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestJobNotFoundAndCancel(t *testing.T) {
	s := newTestServer(t, Options{}, "")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/jobs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/jobs/missing/cancel", nil).Code)

	rec := s.do(t, http.MethodPost, "/jobs", map[string]any{"job_id": "file-1", "filename": "batch.csv"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "file", decode[map[string]any](t, rec)["origin"])

	rec = s.do(t, http.MethodPost, "/jobs/file-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[map[string]any](t, rec)
	assert.Equal(t, "failed", job["status"])
	assert.Equal(t, "cancelled", job["error"])

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/jobs/file-1/cancel", nil).Code)
}

func TestStudyEndpoints(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	submitInline(t, s)

	rec := s.do(t, http.MethodGet, "/studies/S1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	study := decode[domain.StudySummary](t, rec)
	assert.EqualValues(t, 3, study.TotalMeasurements)
	assert.EqualValues(t, 3, study.TotalParticipants)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/studies/S9/summary", nil).Code)

	rec = s.do(t, http.MethodGet, "/studies/S1/participants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.ParticipantSummary](t, rec), 3)

	rec = s.do(t, http.MethodGet, "/studies/S1/participants/P1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[domain.ParticipantSummary](t, rec).TotalMeasurements)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/studies/S1/participants/P9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/studies/S1/participants?min_quality=high", nil).Code)

	rec = s.do(t, http.MethodGet, "/studies/S1/measurements?type=GLUCOSE&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.ProcessedMeasurement](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/studies/S1/measurements?participant_id=P2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]domain.ProcessedMeasurement](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "P2", rows[0].ParticipantID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/studies/S1/measurements?from=yesterday", nil).Code)

	rec = s.do(t, http.MethodGet, "/studies/S1/aggregations?granularity=daily&type=glucose", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	buckets := decode[[]domain.AggregationBucket](t, rec)
	require.Len(t, buckets, 1)
	assert.EqualValues(t, 3, buckets[0].Count)
	assert.EqualValues(t, 2, buckets[0].NumericCount)
	require.NotNil(t, buckets[0].AvgValue)
	assert.InDelta(t, 98.5, *buckets[0].AvgValue, 1e-9)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/studies/S1/aggregations?granularity=hourly", nil).Code)

	rec = s.do(t, http.MethodGet, "/studies/S9/measurements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestReports(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	submitInline(t, s)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/studies/S1/reports", map[string]any{}).Code)

	rec := s.do(t, http.MethodPost, "/studies/S1/reports", map[string]any{"date": "2024-05-20"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	generated := decode[[]domain.QualityReport](t, rec)
	assert.NotEmpty(t, generated)

	rec = s.do(t, http.MethodPost, "/studies/S1/reports", map[string]any{
		"date":             "2024-05-20",
		"site_id":          "SITE-A",
		"measurement_type": "Glucose",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	single := decode[[]domain.QualityReport](t, rec)
	require.Len(t, single, 1)
	assert.Equal(t, "glucose", single[0].MeasurementType)

	rec = s.do(t, http.MethodGet, "/studies/S1/reports?from=2024-05-20&to=2024-05-21", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.QualityReport](t, rec), len(generated))

	rec = s.do(t, http.MethodGet, "/studies/S1/reports?from=2024-06-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestReprocess(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	submitInline(t, s)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/measurements/abc/reprocess", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/measurements/999/reprocess", nil).Code)

	rec := s.do(t, http.MethodPost, "/measurements/1/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Record  domain.ProcessedMeasurement `json:"record"`
		Outcome string                      `json:"outcome"`
	}](t, rec)
	assert.Equal(t, "applied", body.Outcome)
	assert.EqualValues(t, 1, body.Record.RawMeasurementID)

	rec = s.do(t, http.MethodGet, "/studies/S1/summary", nil)
	assert.EqualValues(t, 3, decode[domain.StudySummary](t, rec).TotalMeasurements)
}

func upload(t *testing.T, s *testServer, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("study_id", "S1"))
	require.NoError(t, mw.WriteField("job_id", "upload-1"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestUploadJob(t *testing.T) {
	s := newTestServer(t, Options{}, "")

	csv := "participant_id,measurement_type,value,unit,timestamp\n" +
		"P1,glucose,95,mg/dL,2024-05-20T08:30:00Z\n" +
		"P2,glucose,5.5,mmol/L,2024-05-20T09:30:00Z\n"
	rec := upload(t, s, "batch.csv", csv)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[map[string]any](t, rec)
	assert.Equal(t, "upload-1", job["id"])
	assert.Equal(t, "inline", job["origin"])
	assert.Equal(t, "batch.csv", job["filename"])
	assert.EqualValues(t, 2, job["total_rows"])

	rec = upload(t, s, "batch.pdf", csv)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, s, "empty.csv", "participant_id,measurement_type,value,unit,timestamp\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, Options{MaxUploadBytes: 64}, "")
	rec := upload(t, s, "batch.csv", strings.Repeat("x", 512))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestRateLimit(t *testing.T) {
	s := newTestServer(t, Options{IngestRateLimit: 0.001, IngestBurst: 1}, "")

	first := s.do(t, http.MethodPost, "/jobs", map[string]any{"filename": "a.csv"})
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := s.do(t, http.MethodPost, "/jobs", map[string]any{"filename": "b.csv"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/jobs", nil).Code)
}

func TestExport(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/exports/duckdb", nil).Code)

	path := filepath.Join(t.TempDir(), "analytics.duckdb")
	s = newTestServer(t, Options{}, path)
	submitInline(t, s)

	rec := s.do(t, http.MethodPost, "/exports/duckdb", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, path, body["path"])
	assert.EqualValues(t, 3, body["measurements"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{}, "")
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
