package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/datamorph/internal/blob"
	"github.com/JonMunkholm/datamorph/internal/config"
	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/memstore"
	"github.com/JonMunkholm/datamorph/internal/queue"
	"github.com/JonMunkholm/datamorph/internal/trainer"
)

type apiHarness struct {
	t       *testing.T
	svc     *core.Service
	queue   *queue.Memory
	handler http.Handler
	tenant  uuid.UUID
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second, CORSOrigins: []string{"http://localhost:3000"}},
		Upload: config.UploadConfig{MaxFileSize: 1 << 20},
		Security: config.SecurityConfig{
			EnableCSP: true,
		},
	}
}

func newAPI(t *testing.T, cfg *config.Config) *apiHarness {
	t.Helper()
	q := queue.NewMemory(10 * time.Millisecond)
	svc := core.NewService(memstore.New(), blob.NewMemory("test"), q, trainer.Baseline{}, core.Options{})
	tenant, err := svc.CreateTenant(context.Background(), "acme", core.TierStarter)
	require.NoError(t, err)

	srv := NewServer(svc, cfg, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &apiHarness{t: t, svc: svc, queue: q, handler: srv.Router(), tenant: tenant.ID}
}

func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-Tenant-ID", h.tenant.String())
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) upload(filename, content string) core.UploadResult {
	h.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(h.t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(h.t, err)
	require.NoError(h.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", h.tenant.String())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(h.t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res core.UploadResult
	decode(h.t, rec, &res)
	return res
}

func (h *apiHarness) drain() {
	h.t.Helper()
	for {
		msg, ok := h.queue.TryDequeue()
		if !ok {
			return
		}
		require.NoError(h.t, h.svc.HandleMessage(context.Background(), msg))
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	decode(t, rec, &e)
	return e.Code
}

func TestHealth(t *testing.T) {
	h := newAPI(t, testConfig())

	rec := h.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestHealth_DegradedWhenCheckFails(t *testing.T) {
	q := queue.NewMemory(10 * time.Millisecond)
	svc := core.NewService(memstore.New(), blob.NewMemory("test"), q, nil, core.Options{})
	srv := NewServer(svc, testConfig(), map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestIdentity_Required(t *testing.T) {
	h := newAPI(t, testConfig())

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RequireAPIKey = true
	cfg.Security.APIKeys = []string{"k1", "k2"}
	h := newAPI(t, cfg)

	tests := []struct {
		key  string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusForbidden},
		{"k2", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
		req.Header.Set("X-Tenant-ID", h.tenant.String())
		if tt.key != "" {
			req.Header.Set("X-API-Key", tt.key)
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, "key %q", tt.key)
	}

	// Health stays outside authentication.
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadCleanRevertFlow(t *testing.T) {
	h := newAPI(t, testConfig())

	res := h.upload("people.csv", "name,age\nann,30\nbob,\nann,30\n")
	assert.Equal(t, core.FileUploaded, res.Status)
	assert.Equal(t, core.FormatCSV, res.DetectedFormat)
	assert.Equal(t, "/api/v1/uploads/"+res.FileID.String()+"/progress", res.ProgressURL)

	h.drain()

	rec := h.do(http.MethodGet, res.ProgressURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress core.FileProgress
	decode(t, rec, &progress)
	assert.Equal(t, core.FileReady, progress.Status)
	assert.Equal(t, 100, progress.Progress)

	rec = h.do(http.MethodGet, "/api/v1/datasets/project/"+res.ProjectID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse[core.Dataset]
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))
	root := list.Items[0]
	assert.Equal(t, 3, root.RowCount)

	ops := `{"operations": [
		{"type": "remove_duplicates", "params": {}},
		{"type": "fill_missing", "column_name": "age", "params": {"strategy": "mean"}}
	]}`
	cleanURL := "/api/v1/datasets/" + root.ID.String() + "/clean"

	rec = h.do(http.MethodPost, cleanURL, ops)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview core.CleanResult
	decode(t, rec, &preview)
	assert.Equal(t, core.CleanStatusPreview, preview.Status)
	assert.Len(t, preview.Previews, 2)
	assert.Nil(t, preview.DatasetID)

	rec = h.do(http.MethodPost, cleanURL+"?auto_apply=true", ops)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var applied core.CleanResult
	decode(t, rec, &applied)
	assert.Equal(t, core.CleanStatusApplied, applied.Status)
	assert.Equal(t, 2, applied.Version)
	require.NotNil(t, applied.DatasetID)
	require.Len(t, applied.Operations, 2)

	// Version 1 is no longer the tip.
	rec = h.do(http.MethodPost, cleanURL+"?auto_apply=true", ops)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CON001", errorCode(t, rec))

	rec = h.do(http.MethodGet, "/api/v1/datasets/"+applied.DatasetID.String()+"/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var chain []core.Dataset
	decode(t, rec, &chain)
	require.Len(t, chain, 2)
	assert.Equal(t, root.ID, chain[1].ID)

	rec = h.do(http.MethodGet, "/api/v1/datasets/"+applied.DatasetID.String()+"/preview?page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows core.DatasetPreview
	decode(t, rec, &rows)
	assert.Equal(t, 2, rows.TotalRows)
	assert.Len(t, rows.Rows, 1)

	first, tip := applied.Operations[0].ID, applied.Operations[1].ID

	rec = h.do(http.MethodPost, "/api/v1/operations/"+first.String()+"/revert", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CON001", errorCode(t, rec))

	rec = h.do(http.MethodPost, "/api/v1/operations/"+tip.String()+"/revert", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/api/v1/operations/"+tip.String()+"/revert", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CON002", errorCode(t, rec))
}

func TestClean_RejectsBadRequests(t *testing.T) {
	h := newAPI(t, testConfig())
	res := h.upload("a.csv", "x\n1\n")
	h.drain()
	rec := h.do(http.MethodGet, "/api/v1/datasets/project/"+res.ProjectID.String(), nil)
	var list listResponse[core.Dataset]
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)
	cleanURL := "/api/v1/datasets/" + list.Items[0].ID.String() + "/clean"

	rec = h.do(http.MethodPost, cleanURL+"?auto_apply=maybe", `{"operations": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, cleanURL, `{"operations": [], "extra": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, cleanURL, `{"operations": [{"type": "explode", "params": {}}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VAL007", errorCode(t, rec))

	rec = h.do(http.MethodPost, cleanURL, `{"operations": [{"type": "fill_missing", "column_name": "nope", "params": {"strategy": "mean"}}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VAL005", errorCode(t, rec))
}

func TestTenantIsolation(t *testing.T) {
	h := newAPI(t, testConfig())
	res := h.upload("a.csv", "x\n1\n")

	other, err := h.svc.CreateTenant(context.Background(), "other", core.TierStarter)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+res.FileID.String(), nil)
	req.Header.Set("X-Tenant-ID", other.ID.String())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NF001", errorCode(t, rec))

	rec = h.do(http.MethodGet, "/api/v1/uploads/"+res.FileID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidPathID(t *testing.T) {
	h := newAPI(t, testConfig())
	rec := h.do(http.MethodGet, "/api/v1/datasets/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VAL000", errorCode(t, rec))
}

func TestUpload_TooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxFileSize = 16
	h := newAPI(t, cfg)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(strings.Repeat("a,b\n", 2<<20)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Tenant-ID", h.tenant.String())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestExportAndDownload(t *testing.T) {
	h := newAPI(t, testConfig())
	res := h.upload("a.csv", "x,y\n1,2\n3,4\n")
	h.drain()

	rec := h.do(http.MethodGet, "/api/v1/datasets/project/"+res.ProjectID.String(), nil)
	var list listResponse[core.Dataset]
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)
	exportURL := "/api/v1/exports/dataset/" + list.Items[0].ID.String() + "?format=json"

	rec = h.do(http.MethodGet, exportURL, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VAL008", errorCode(t, rec))

	rec = h.do(http.MethodPost, exportURL, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job core.Job
	decode(t, rec, &job)
	assert.Equal(t, core.JobExport, job.Kind)

	h.drain()

	rec = h.do(http.MethodGet, "/api/v1/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &job)
	assert.Equal(t, core.JobSucceeded, job.Status)

	rec = h.do(http.MethodGet, exportURL, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dl core.Download
	decode(t, rec, &dl)
	assert.True(t, strings.HasPrefix(dl.URL, "memory://test/"), dl.URL)
	assert.Equal(t, core.ExportFormat("json"), dl.Format)
}

func TestPredictionFlow(t *testing.T) {
	h := newAPI(t, testConfig())
	res := h.upload("sales.csv", "x,y\n1,2\n2,4\n3,6\n4,8\n5,10\n")
	h.drain()

	rec := h.do(http.MethodGet, "/api/v1/datasets/project/"+res.ProjectID.String(), nil)
	var list listResponse[core.Dataset]
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)

	rec = h.do(http.MethodPost, "/api/v1/predictions/dataset/"+list.Items[0].ID.String(), core.PredictionRequest{
		Name:           "y from x",
		Type:           core.PredictionRegression,
		TargetColumn:   "y",
		FeatureColumns: []string{"x"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var p core.Prediction
	decode(t, rec, &p)

	h.drain()

	rec = h.do(http.MethodGet, "/api/v1/predictions/"+p.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &p)
	assert.Equal(t, core.PredictionCompleted, p.Status)

	rec = h.do(http.MethodGet, "/api/v1/predictions/project/"+res.ProjectID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var preds listResponse[core.Prediction]
	decode(t, rec, &preds)
	assert.Equal(t, 1, preds.Total)
}

func TestProjectsAndUsage(t *testing.T) {
	h := newAPI(t, testConfig())

	rec := h.do(http.MethodPost, "/api/v1/projects", createProjectRequest{Name: "Q3"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p core.Project
	decode(t, rec, &p)

	h.upload("a.csv", "x\n1\n")

	rec = h.do(http.MethodGet, "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage core.Usage
	decode(t, rec, &usage)
	assert.Equal(t, int64(len("x\n1\n")), usage.UsedBytes)
	assert.Equal(t, core.TierStarter.Limit(), usage.LimitBytes)

	rec = h.do(http.MethodGet, "/api/v1/projects?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse[core.Project]
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 1)

	rec = h.do(http.MethodDelete, "/api/v1/projects/"+p.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodGet, "/api/v1/projects/"+p.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Server{}
	rl := s.newRateLimiter(2, time.Minute)
	defer rl.stop()
	rl.now = func() time.Time { return now }

	ok, _ := rl.allow("1.2.3.4")
	assert.True(t, ok)
	ok, _ = rl.allow("1.2.3.4")
	assert.True(t, ok)
	ok, retry := rl.allow("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, 61, retry)

	ok, _ = rl.allow("5.6.7.8")
	assert.True(t, ok, "budgets are per address")

	now = now.Add(time.Minute)
	ok, _ = rl.allow("1.2.3.4")
	assert.True(t, ok, "a new window restores the budget")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.NotFound("file", 1), http.StatusNotFound},
		{core.Conflict("busy"), http.StatusConflict},
		{core.ErrAlreadyReverted, http.StatusConflict},
		{&core.QuotaError{}, http.StatusRequestEntityTooLarge},
		{core.Validation("bad"), http.StatusUnprocessableEntity},
		{core.ErrTooManyUploads, http.StatusTooManyRequests},
		{core.Transient(errors.New("blip")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
