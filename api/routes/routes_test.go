package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/report-pipeline/api/handlers"
	"github.com/feichai0017/report-pipeline/internal/agent/render/rendertest"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/models"
	"github.com/feichai0017/report-pipeline/internal/pipeline"
	"github.com/feichai0017/report-pipeline/internal/service/report"
	"github.com/feichai0017/report-pipeline/internal/utils/validator"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReports struct {
	last models.Query
	err  error
}

func (f *fakeReports) Query(_ context.Context, q models.Query) (*models.QueryResult, error) {
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return &models.QueryResult{Count: 1, Results: []models.ResultItem{{Tenant: q.Tenant, Page: 1}}}, nil
}

func (f *fakeReports) Summary(context.Context) (*models.Summary, error) {
	return &models.Summary{TotalTenants: 1}, nil
}

func (f *fakeReports) Metadata(context.Context) (*models.Metadata, error) {
	return &models.Metadata{Tenants: []models.TenantMetadata{{Tenant: "acme"}}}, nil
}

type fakeStatus struct{}

func (fakeStatus) Status() pipeline.Status {
	return pipeline.Status{Analyzer: "stub", Aggregation: "queue"}
}

type fakeQueue struct {
	statuses  map[string]*queue.TaskStatus
	cancelled []string
}

func (q *fakeQueue) Enqueue(context.Context, *queue.Task) error { return nil }

func (q *fakeQueue) GetTaskStatus(_ context.Context, id string) (*queue.TaskStatus, error) {
	if s, ok := q.statuses[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", queue.ErrTaskNotFound, id)
}

func (q *fakeQueue) CancelTask(_ context.Context, id string) error {
	q.cancelled = append(q.cancelled, id)
	return nil
}

func (q *fakeQueue) SaveStatus(context.Context, *queue.TaskStatus) error { return nil }

type fakeEnqueuer struct {
	keys []models.DocumentKey
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, key models.DocumentKey, _ int) (string, error) {
	e.keys = append(e.keys, key)
	return "task-1", nil
}

type env struct {
	router   *gin.Engine
	layout   *layout.Layout
	reports  *fakeReports
	queue    *fakeQueue
	enqueuer *fakeEnqueuer
}

func newEnv(t *testing.T, withQueue bool) *env {
	t.Helper()
	e := &env{
		layout:   layout.New(t.TempDir()),
		reports:  &fakeReports{},
		queue:    &fakeQueue{statuses: map[string]*queue.TaskStatus{"t1": {TaskID: "t1", Status: "completed"}}},
		enqueuer: &fakeEnqueuer{},
	}
	require.NoError(t, e.layout.EnsureRoots())

	log := logger.NewNop()
	agg := handlers.NewAggregationHandler(nil, nil, log)
	if withQueue {
		agg = handlers.NewAggregationHandler(e.queue, e.enqueuer, log)
	}
	h := &handlers.Handlers{
		Report:      handlers.NewReportHandler(e.reports, e.layout, validator.NewDocumentValidator(log, nil), log),
		Pipeline:    handlers.NewPipelineHandler(fakeStatus{}, log),
		Aggregation: agg,
	}
	e.router = gin.New()
	SetupRoutes(e.router, h, Options{AllowedOrigins: []string{"*"}, Layout: e.layout, Logger: log})
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		part, err := mw.CreateFormFile("pdf_files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type uploadBody struct {
	Files []handlers.UploadResponse `json:"files"`
}

func TestUploadSavesValidPDFs(t *testing.T) {
	e := newEnv(t, false)
	req := uploadRequest(t,
		map[string]string{"tenant": "acme", "report_type": "annual", "year": "2024"},
		map[string][]byte{"report.pdf": rendertest.MinimalPDF(2), "notes.txt": []byte("hello")})

	w := e.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body uploadBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Files, 2)
	byName := map[string]handlers.UploadResponse{}
	for _, f := range body.Files {
		byName[f.Filename] = f
	}
	assert.Equal(t, "accepted", byName["report.pdf"].Status)
	assert.Equal(t, 2, byName["report.pdf"].Pages)
	assert.Equal(t, "uploads/acme/annual/2024/report.pdf", byName["report.pdf"].Path)
	assert.Equal(t, "rejected", byName["notes.txt"].Status)

	key := models.DocumentKey{Tenant: "acme", ReportType: "annual", Period: "2024", Name: "report"}
	data, err := os.ReadFile(e.layout.UploadPath(key))
	require.NoError(t, err)
	assert.Equal(t, rendertest.MinimalPDF(2), data)
}

func TestUploadRejectsBadTarget(t *testing.T) {
	e := newEnv(t, false)
	req := uploadRequest(t,
		map[string]string{"tenant": "acme", "report_type": "annual", "year": "FY24"},
		map[string][]byte{"report.pdf": rendertest.MinimalPDF(1)})

	w := e.do(req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_TARGET")

	entries, err := os.ReadDir(e.layout.UploadRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadWithoutFiles(t *testing.T) {
	e := newEnv(t, false)
	w := e.do(uploadRequest(t, map[string]string{"tenant": "acme"}, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No files provided")
}

func TestQueryGetAndPost(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(httptest.NewRequest(http.MethodGet,
		"/api/v1/reports/query?tenant=acme&report_type=annual&year=2023,2024&category=Cash%20Flow&category=Notes", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"2023", "2024"}, e.reports.last.Years)
	assert.Equal(t, []string{"Cash Flow", "Notes"}, e.reports.last.Categories)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/query",
		strings.NewReader(`{"tenant":"acme","report_type":"annual","years":["2022"],"categories":["notes"]}`))
	req.Header.Set("Content-Type", "application/json")
	w = e.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"2022"}, e.reports.last.Years)

	var result models.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Count)
}

func TestQueryInvalid(t *testing.T) {
	e := newEnv(t, false)
	e.reports.err = fmt.Errorf("%w: at least one year must be specified", report.ErrInvalidQuery)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/reports/query?tenant=acme", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "at least one year")
}

func TestSummaryMetadataAndStatus(t *testing.T) {
	e := newEnv(t, false)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_tenants":1`)

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/reports/metadata", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acme")

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"analyzer":"stub"`)

	w = e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAggregationEndpoints(t *testing.T) {
	e := newEnv(t, true)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/aggregations/t1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "completed")

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/aggregations/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(httptest.NewRequest(http.MethodDelete, "/api/v1/aggregations/t1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"t1"}, e.queue.cancelled)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/aggregations",
		strings.NewReader(`{"tenant":"acme","report_type":"annual","year":"2024","document":"report"}`))
	req.Header.Set("Content-Type", "application/json")
	w = e.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "task-1")
	require.Len(t, e.enqueuer.keys, 1)
	assert.Equal(t, "report", e.enqueuer.keys[0].Name)
}

func TestAggregationDisabled(t *testing.T) {
	e := newEnv(t, false)
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/aggregations/t1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStaticTrees(t *testing.T) {
	e := newEnv(t, false)
	path := filepath.Join(e.layout.JSONRoot, "acme", "page.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"ok":true}`), 0644))

	w := e.do(httptest.NewRequest(http.MethodGet, "/jsons/acme/page.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}
