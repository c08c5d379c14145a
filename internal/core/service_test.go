package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/datamorph/internal/blob"
	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/memstore"
	"github.com/JonMunkholm/datamorph/internal/queue"
	"github.com/JonMunkholm/datamorph/internal/tabular"
	"github.com/JonMunkholm/datamorph/internal/trainer"
)

const peopleCSV = "name,age,city\nann,30,Oslo\nbob,,Bergen\nann,30,Oslo\ncid,40,\n"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// switchQueue fails Enqueue while down is set.
type switchQueue struct {
	*queue.Memory
	mu   sync.Mutex
	down bool
}

func (q *switchQueue) setDown(down bool) {
	q.mu.Lock()
	q.down = down
	q.mu.Unlock()
}

func (q *switchQueue) Enqueue(ctx context.Context, msg core.Message) error {
	q.mu.Lock()
	down := q.down
	q.mu.Unlock()
	if down {
		return errors.New("queue unavailable")
	}
	return q.Memory.Enqueue(ctx, msg)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	svc    *core.Service
	store  *memstore.Store
	blobs  *blob.Memory
	queue  *switchQueue
	clock  *clock
	tenant *core.Tenant
}

func newHarness(t *testing.T, configure ...func(*core.Options)) *harness {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: memstore.New().WithClock(c.Now),
		blobs: blob.NewMemory("datamorph-test"),
		queue: &switchQueue{Memory: queue.NewMemory(10 * time.Millisecond).WithClock(c.Now)},
		clock: c,
	}
	opts := core.Options{Now: c.Now}
	for _, fn := range configure {
		fn(&opts)
	}
	h.svc = core.NewService(h.store, h.blobs, h.queue, trainer.Baseline{}, opts)

	tenant, err := h.svc.CreateTenant(h.ctx, "acme", core.TierStarter)
	require.NoError(t, err)
	h.tenant = tenant
	return h
}

// drain handles every ready message until the queue is empty.
func (h *harness) drain() int {
	h.t.Helper()
	n := 0
	for {
		msg, ok := h.queue.TryDequeue()
		if !ok {
			return n
		}
		require.NoError(h.t, h.svc.HandleMessage(h.ctx, msg))
		n++
	}
}

func (h *harness) upload(name, data string) *core.UploadResult {
	h.t.Helper()
	res, err := h.svc.Upload(h.ctx, core.UploadRequest{
		TenantID: h.tenant.ID,
		UserID:   "user-1",
		Filename: name,
		Data:     []byte(data),
	})
	require.NoError(h.t, err)
	return res
}

// rootDataset uploads data and runs extraction to version 1.
func (h *harness) rootDataset(data string) *core.Dataset {
	h.t.Helper()
	res := h.upload("people.csv", data)
	h.drain()
	datasets, err := h.store.ListDatasetsByFile(h.ctx, res.FileID)
	require.NoError(h.t, err)
	require.Len(h.t, datasets, 1)
	return &datasets[0]
}

func ops(t *testing.T, raw string) []core.Operation {
	t.Helper()
	var out []core.Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

const dedupeAndFill = `[
	{"type": "remove_duplicates", "params": {}},
	{"type": "fill_missing", "column_name": "age", "params": {"strategy": "mean"}}
]`

// ============================================================================
// Quota and upload
// ============================================================================

func TestUpload_DeniedOverQuota(t *testing.T) {
	h := newHarness(t)
	const mib = int64(1 << 20)
	require.NoError(t, h.store.SetTenantUsage(h.ctx, h.tenant.ID, 495*mib))

	_, err := h.svc.Upload(h.ctx, core.UploadRequest{
		TenantID: h.tenant.ID,
		Filename: "big.csv",
		Data:     make([]byte, 10*mib),
	})
	require.ErrorIs(t, err, core.ErrStorageLimitExceeded)

	var qe *core.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 495*mib, qe.Used)
	assert.Equal(t, 10*mib, qe.Incoming)
	assert.Equal(t, 500*mib, qe.Limit)

	usage, err := h.svc.Usage(h.ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 495*mib, usage.UsedBytes, "a denied upload must not change usage")
	assert.Empty(t, h.blobs.Keys())
	projects, total, err := h.svc.ListProjects(h.ctx, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, projects)
}

func TestUpload_ExactlyAtLimitIsAdmitted(t *testing.T) {
	h := newHarness(t)
	limit := core.TierStarter.Limit()
	require.NoError(t, h.store.SetTenantUsage(h.ctx, h.tenant.ID, limit-int64(len(peopleCSV))))

	h.upload("people.csv", peopleCSV)

	usage, err := h.svc.Usage(h.ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, usage.UsedBytes)
	assert.ErrorIs(t, h.svc.CheckQuota(h.ctx, h.tenant.ID, 1), core.ErrStorageLimitExceeded)
}

func TestUpload_ExtractsVersionOne(t *testing.T) {
	h := newHarness(t)

	res := h.upload("people.csv", peopleCSV)
	assert.Equal(t, core.FileUploaded, res.Status)
	assert.Equal(t, core.FormatCSV, res.DetectedFormat)
	assert.True(t, res.Queued)
	assert.Equal(t, "/api/v1/uploads/"+res.FileID.String()+"/progress", res.ProgressURL)

	assert.Equal(t, 1, h.drain())

	progress, err := h.svc.GetProgress(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, progress.Status)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, 4, progress.ExtractionMetadata["row_count"])

	datasets, err := h.store.ListDatasetsByFile(h.ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	v1 := datasets[0]
	assert.Equal(t, 1, v1.Version)
	assert.Nil(t, v1.ParentDatasetID)
	assert.Equal(t, v1.ID, v1.RootDatasetID)
	assert.Equal(t, []string{"name", "age", "city"}, v1.Columns)
	assert.Equal(t, tabular.TypeInteger, v1.ColumnSchema["age"])
	assert.Equal(t, 4, v1.RowCount)

	job, err := h.store.GetLatestJob(h.ctx, core.JobExtraction, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)

	usage, err := h.svc.Usage(h.ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(peopleCSV)), usage.UsedBytes)
}

func TestUpload_Validation(t *testing.T) {
	h := newHarness(t, func(o *core.Options) { o.MaxFileSize = 8 })

	_, err := h.svc.Upload(h.ctx, core.UploadRequest{TenantID: h.tenant.ID, Filename: "a.csv"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = h.svc.Upload(h.ctx, core.UploadRequest{TenantID: h.tenant.ID, Filename: "a.csv", Data: []byte(peopleCSV)})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, "FILE001", core.MapError(err).Code)

	_, err = h.svc.Upload(h.ctx, core.UploadRequest{TenantID: uuid.New(), Filename: "a.csv", Data: []byte("a\n1\n")})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpload_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)

	other, err := h.svc.CreateTenant(h.ctx, "other", core.TierTeam)
	require.NoError(t, err)

	_, err = h.svc.GetFile(h.ctx, res.FileID, other.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = h.svc.GetProject(h.ctx, res.ProjectID, other.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, h.svc.DeleteFile(h.ctx, res.FileID, other.ID, "mallory"), core.ErrNotFound)
}

func TestUpload_UnsupportedFormatFailsOnce(t *testing.T) {
	h := newHarness(t)
	res := h.upload("scan.pdf", "%PDF-1.7 binary")
	assert.Equal(t, core.FormatPDF, res.DetectedFormat)

	h.drain()

	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileError, f.Status)
	assert.Equal(t, 1, f.RetryCount)
	assert.Contains(t, f.ErrorMessage, "no extractor")
	assert.Empty(t, h.queue.Delays(), "capability failures are not retried")
}

// ============================================================================
// Extraction jobs
// ============================================================================

func TestExtraction_RetryExhaustion(t *testing.T) {
	var calls int
	flaky := core.ExtractorFunc(func(context.Context, io.Reader, int64, func(int)) (*tabular.Table, error) {
		calls++
		return nil, core.Transient(errors.New("disk unavailable"))
	})
	h := newHarness(t, func(o *core.Options) {
		o.Extractors = map[core.Format]core.Extractor{core.FormatCSV: flaky}
	})
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, h.svc.HandleMessage(h.ctx, msg))
		f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, f.RetryCount)
		if attempt < 3 {
			assert.Equal(t, core.FileProcessing, f.Status, "attempt %d", attempt)
		}
	}

	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileError, f.Status)
	assert.Equal(t, 3, f.RetryCount)
	assert.Contains(t, f.ErrorMessage, "disk unavailable")

	job, err := h.store.GetLatestJob(h.ctx, core.JobExtraction, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	// Redelivery after the terminal failure changes nothing.
	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))
	assert.Equal(t, 3, calls)
	again, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, f.UpdatedAt, again.UpdatedAt)

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, h.queue.Delays())
}

func TestExtraction_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))
	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))

	datasets, err := h.store.ListDatasetsByFile(h.ctx, res.FileID)
	require.NoError(t, err)
	assert.Len(t, datasets, 1)
}

func TestHandleMessage_UnknownJobIgnored(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleMessage(h.ctx, core.Message{Kind: core.JobExtraction, JobID: uuid.New(), TargetID: uuid.New()})
	assert.NoError(t, err)
	err = h.svc.HandleMessage(h.ctx, core.Message{Kind: "reindex", JobID: uuid.New()})
	assert.NoError(t, err)
}

func TestExtraction_FileDeletedBeforeRun(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	require.NoError(t, h.svc.DeleteFile(h.ctx, res.FileID, h.tenant.ID, "user-1"))
	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))

	_, err := h.store.GetJob(h.ctx, msg.JobID)
	assert.ErrorIs(t, err, core.ErrNotFound, "deleting the file removes its jobs")
	assert.Empty(t, h.blobs.Keys())
}

// ============================================================================
// Cleaning and versions
// ============================================================================

func TestClean_PreviewHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	keysBefore := h.blobs.Keys()

	out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: ops(t, dedupeAndFill)})
	require.NoError(t, err)
	assert.Equal(t, core.CleanStatusPreview, out.Status)
	require.Len(t, out.Previews, 2)

	dedupe := out.Previews[0]
	assert.Equal(t, 4, dedupe.Preview.RowsBefore)
	assert.Equal(t, 3, dedupe.Preview.RowsAfter)
	assert.Equal(t, 1, dedupe.AffectedRows)

	fill := out.Previews[1]
	assert.Equal(t, 3, fill.Preview.RowsBefore)
	assert.Equal(t, 1, fill.AffectedRows)
	assert.Equal(t, "35", fill.Preview.SampleRows[1]["age"])
	assert.GreaterOrEqual(t, fill.Preview.QualityAfter, fill.Preview.QualityBefore)

	datasets, total, err := h.svc.ListDatasets(h.ctx, v1.ProjectID, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, v1.ID, datasets[0].ID)
	history, err := h.store.ListOperationsByRoot(h.ctx, v1.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, keysBefore, h.blobs.Keys())
}

func TestClean_ApplyCreatesVersion(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)

	out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{
		Operations: ops(t, dedupeAndFill),
		Apply:      true,
		UserID:     "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.CleanStatusApplied, out.Status)
	assert.Equal(t, 2, out.Version)
	require.Len(t, out.Operations, 2)
	assert.Equal(t, 1, out.Operations[0].Sequence)
	assert.Equal(t, 2, out.Operations[1].Sequence)
	assert.True(t, out.Operations[0].AppliedAt.Before(out.Operations[1].AppliedAt))

	v2, err := h.svc.GetDataset(h.ctx, *out.DatasetID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, *v2.ParentDatasetID)
	assert.Equal(t, v1.ID, v2.RootDatasetID)
	assert.Equal(t, 3, v2.RowCount)

	chain, err := h.svc.Lineage(h.ctx, v2.ID, h.tenant.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, v2.ID, chain[0].ID)
	assert.Equal(t, v1.ID, chain[1].ID)

	// Version 1 is untouched.
	preview, err := h.svc.PreviewDataset(h.ctx, v1.ID, h.tenant.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, preview.TotalRows)
	assert.Equal(t, "", preview.Rows[1]["age"])

	applied, err := h.svc.Operations(h.ctx, v2.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	fromRoot, err := h.svc.Operations(h.ctx, v1.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, fromRoot)
}

func TestClean_ChainsVersions(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)

	first, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: ops(t, dedupeAndFill), Apply: true})
	require.NoError(t, err)
	second, err := h.svc.Clean(h.ctx, *first.DatasetID, h.tenant.ID, core.CleanRequest{
		Operations: ops(t, `[{"type": "rename_column", "column_name": "city", "params": {"new_name": "town"}}]`),
		Apply:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, second.Version)
	assert.Equal(t, 3, second.Operations[0].Sequence)

	v3, err := h.svc.GetDataset(h.ctx, *second.DatasetID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age", "town"}, v3.Columns)

	chain, err := h.svc.Lineage(h.ctx, v3.ID, h.tenant.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, ds := range chain {
		assert.Equal(t, 3-i, ds.Version)
	}

	applied, err := h.svc.Operations(h.ctx, v3.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Len(t, applied, 3)
}

func TestClean_Deterministic(t *testing.T) {
	batch := ops(t, `[
		{"type": "fill_missing", "column_name": "age", "params": {"strategy": "median"}},
		{"type": "normalize", "column_name": "age", "params": {"method": "zscore"}},
		{"type": "filter_rows", "column_name": "city", "params": {"operator": "not_null"}}
	]`)

	var previews [2]*core.DatasetPreview
	for i := range previews {
		h := newHarness(t)
		v1 := h.rootDataset(peopleCSV)
		out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: batch, Apply: true})
		require.NoError(t, err)
		previews[i], err = h.svc.PreviewDataset(h.ctx, *out.DatasetID, h.tenant.ID, 1, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, previews[0].Rows, previews[1].Rows)
	assert.Equal(t, 3, previews[0].TotalRows)
}

func TestClean_ApplyRequiresTip(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	req := core.CleanRequest{Operations: ops(t, dedupeAndFill), Apply: true}

	first, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, req)
	require.NoError(t, err)

	_, err = h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, req)
	require.ErrorIs(t, err, core.ErrConflict)
	assert.Contains(t, err.Error(), first.DatasetID.String())
	assert.Equal(t, "CON001", core.MapError(err).Code)

	// Previews of older versions stay allowed.
	preview, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: req.Operations})
	require.NoError(t, err)
	assert.Equal(t, core.CleanStatusPreview, preview.Status)

	next, err := h.svc.Clean(h.ctx, *first.DatasetID, h.tenant.ID, core.CleanRequest{
		Operations: ops(t, `[{"type": "rename_column", "column_name": "city", "params": {"new_name": "town"}}]`),
		Apply:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, next.Version)

	_, total, err := h.svc.ListDatasets(h.ctx, v1.ProjectID, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestClean_ConcurrentAppliesOnOneVersion(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	blobsBefore := len(h.blobs.Keys())
	batch := ops(t, dedupeAndFill)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: batch, Apply: true})
		}(i)
	}
	wg.Wait()

	var conflicts int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, core.ErrConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts, "exactly one apply may extend version 1")

	datasets, err := h.store.ListDatasetsByFile(h.ctx, v1.FileID)
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.Equal(t, 2, datasets[1].Version)
	assert.Len(t, h.blobs.Keys(), blobsBefore+1, "the losing apply leaves no blob behind")
}

func TestClean_SingleColumnCoerceKeepsRows(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset("n\n1\nabc\n3\n")
	require.Equal(t, 3, v1.RowCount)

	out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{
		Operations: ops(t, `[{"type": "convert_type", "column_name": "n", "params": {"to": "integer", "on_error": "coerce"}}]`),
		Apply:      true,
	})
	require.NoError(t, err)

	v2, err := h.svc.GetDataset(h.ctx, *out.DatasetID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v2.RowCount)

	preview, err := h.svc.PreviewDataset(h.ctx, v2.ID, h.tenant.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, v2.RowCount, preview.TotalRows)
	require.Len(t, preview.Rows, 3)
	assert.Equal(t, "", preview.Rows[1]["n"])
}

func TestClean_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	req := core.CleanRequest{Operations: ops(t, dedupeAndFill), Apply: true, IdempotencyKey: "req-1"}

	first, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, req)
	require.NoError(t, err)
	second, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, req)
	require.NoError(t, err)

	assert.Equal(t, *first.DatasetID, *second.DatasetID)
	assert.Len(t, second.Operations, 2)
	_, total, err := h.svc.ListDatasets(h.ctx, v1.ProjectID, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestClean_InvalidBatchCreatesNothing(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)

	_, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{
		Operations: ops(t, `[
			{"type": "remove_duplicates"},
			{"type": "fill_missing", "column_name": "salary", "params": {"strategy": "mean"}}
		]`),
		Apply: true,
	})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "operation 2")
	assert.Equal(t, "VAL005", core.MapError(err).Code)

	_, total, err := h.svc.ListDatasets(h.ctx, v1.ProjectID, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, err = h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestRevert_OnlyNewestActive(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: ops(t, dedupeAndFill), Apply: true})
	require.NoError(t, err)
	first, last := out.Operations[0], out.Operations[1]

	_, err = h.svc.Revert(h.ctx, first.ID, h.tenant.ID, "user-1")
	require.ErrorIs(t, err, core.ErrConflict)
	assert.Contains(t, err.Error(), last.ID.String())

	h.clock.Advance(time.Minute)
	reverted, err := h.svc.Revert(h.ctx, last.ID, h.tenant.ID, "user-2")
	require.NoError(t, err)
	require.NotNil(t, reverted.RevertedAt)
	assert.Equal(t, h.clock.Now(), *reverted.RevertedAt)
	assert.Equal(t, "user-2", reverted.RevertedBy)

	_, err = h.svc.Revert(h.ctx, last.ID, h.tenant.ID, "user-2")
	assert.ErrorIs(t, err, core.ErrAlreadyReverted)
	assert.Equal(t, "CON002", core.MapError(err).Code)

	// The earlier operation is now the tip.
	_, err = h.svc.Revert(h.ctx, first.ID, h.tenant.ID, "user-2")
	require.NoError(t, err)

	// Reverting only flags the log; versions stay.
	_, err = h.svc.GetDataset(h.ctx, *out.DatasetID, h.tenant.ID)
	assert.NoError(t, err)

	_, err = h.svc.Revert(h.ctx, uuid.New(), h.tenant.ID, "user-2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// ============================================================================
// Export
// ============================================================================

func TestExport_PresignsLatest(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)

	_, err := h.svc.DownloadURL(h.ctx, v1.ID, h.tenant.ID, "json")
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, "VAL008", core.MapError(err).Code)

	job, err := h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "json", "user-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)
	h.drain()

	done, err := h.svc.GetJob(h.ctx, job.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, done.Status)

	ds, err := h.svc.GetDataset(h.ctx, v1.ID, h.tenant.ID)
	require.NoError(t, err)
	key := ds.StorageKeys["json"]
	require.NotEmpty(t, key)
	assert.Equal(t, "application/json", h.blobs.ContentType(key))

	data, err := h.blobs.Get(h.ctx, key)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Len(t, rows, 4)

	dl, err := h.svc.DownloadURL(h.ctx, v1.ID, h.tenant.ID, "json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dl.URL, "memory://datamorph-test/"+key))
	assert.Equal(t, h.clock.Now().Add(core.DefaultPresignTTL), dl.ExpiresAt)

	// A second export replaces the first blob.
	_, err = h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "json", "user-1")
	require.NoError(t, err)
	h.drain()
	_, err = h.blobs.Get(h.ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// failingBlobs rejects writes under prefix.
type failingBlobs struct {
	*blob.Memory
	prefix string
}

func (b *failingBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if strings.HasPrefix(key, b.prefix) {
		return errors.New("bucket unavailable")
	}
	return b.Memory.Put(ctx, key, data, contentType)
}

func TestExport_RetryExhaustionKeepsDataset(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	h.svc = core.NewService(h.store, &failingBlobs{Memory: h.blobs, prefix: "exports/"}, h.queue, trainer.Baseline{}, core.Options{Now: h.clock.Now})

	job, err := h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "csv", "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, h.drain())

	retrying, err := h.svc.GetJob(h.ctx, job.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, retrying.Status)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.queue.Delays())

	h.clock.Advance(time.Minute)
	require.Equal(t, 1, h.drain())

	failed, err := h.svc.GetJob(h.ctx, job.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, failed.LastError, "bucket unavailable")
	assert.Empty(t, h.queue.Delays())

	ds, err := h.svc.GetDataset(h.ctx, v1.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.NotContains(t, ds.StorageKeys, "csv")
	for _, key := range h.blobs.Keys() {
		assert.False(t, strings.HasPrefix(key, "exports/"), key)
	}
}

func TestExport_DatasetDeletedBeforeRun(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	job, err := h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "csv", "user-1")
	require.NoError(t, err)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	require.NoError(t, h.store.DeleteDataset(h.ctx, v1.ID))
	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))

	done, err := h.store.GetJob(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Empty(t, h.queue.Delays(), "a missing target is never retried")
	for _, key := range h.blobs.Keys() {
		assert.False(t, strings.HasPrefix(key, "exports/"), key)
	}
}

func TestExport_UnsupportedFormat(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)

	_, err := h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "feather", "user-1")
	assert.ErrorIs(t, err, core.ErrValidation)

	job, err := h.svc.Export(h.ctx, v1.ID, h.tenant.ID, "parquet", "user-1")
	require.NoError(t, err)
	h.drain()

	failed, err := h.svc.GetJob(h.ctx, job.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Contains(t, failed.LastError, "no encoder")
}

// ============================================================================
// Training
// ============================================================================

func TestTraining_Regression(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset("x,y\n1,2\n2,4\n3,6\n4,8\n5,10\n")

	p, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type:         core.PredictionRegression,
		TargetColumn: "y",
	})
	require.NoError(t, err)
	assert.Equal(t, core.PredictionQueued, p.Status)
	assert.Equal(t, []string{"x"}, p.FeatureColumns)
	assert.Equal(t, "people.csv regression", p.Name)

	h.drain()

	done, err := h.svc.GetPrediction(h.ctx, p.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PredictionCompleted, done.Status)
	assert.Contains(t, done.Metrics, "rmse")
	require.NotNil(t, done.CompletedAt)
	require.NotEmpty(t, done.ArtifactKey)
	_, err = h.blobs.Get(h.ctx, done.ArtifactKey)
	assert.NoError(t, err)

	list, total, err := h.svc.ListPredictions(h.ctx, v1.ProjectID, h.tenant.ID, core.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, p.ID, list[0].ID)
}

func TestTraining_RequestValidation(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset("x,y\n1,2\n2,4\n")

	cases := []core.PredictionRequest{
		{Type: "forecasting", TargetColumn: "y"},
		{Type: core.PredictionRegression},
		{Type: core.PredictionRegression, TargetColumn: "z"},
		{Type: core.PredictionRegression, TargetColumn: "y", FeatureColumns: []string{"y"}},
		{Type: core.PredictionRegression, TargetColumn: "y", Hyperparameters: core.Hyperparameters{TestSplit: 1}},
	}
	for _, req := range cases {
		_, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", req)
		assert.ErrorIs(t, err, core.ErrValidation, "%+v", req)
	}

	ts, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type: core.PredictionTimeSeries, TargetColumn: "y",
	})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultForecastHorizon, ts.ForecastHorizon)
}

func TestTraining_NoTrainerFailsOnce(t *testing.T) {
	h := newHarness(t)
	h.svc = core.NewService(h.store, h.blobs, h.queue, nil, core.Options{Now: h.clock.Now})
	v1 := h.rootDataset("x,y\n1,2\n2,4\n")

	p, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type: core.PredictionRegression, TargetColumn: "y",
	})
	require.NoError(t, err)
	h.drain()

	failed, err := h.svc.GetPrediction(h.ctx, p.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PredictionFailed, failed.Status)
	assert.Contains(t, failed.Results["error"], "no trainer configured")
}

// trainerFunc adapts a function to core.Trainer.
type trainerFunc func(context.Context, core.TrainInput) (*core.TrainOutput, error)

func (f trainerFunc) Fit(ctx context.Context, in core.TrainInput) (*core.TrainOutput, error) {
	return f(ctx, in)
}

func TestTraining_FailureKeepsEarlierMetrics(t *testing.T) {
	h := newHarness(t)
	flaky := trainerFunc(func(context.Context, core.TrainInput) (*core.TrainOutput, error) {
		return nil, core.Transient(errors.New("trainer host unreachable"))
	})
	h.svc = core.NewService(h.store, h.blobs, h.queue, flaky, core.Options{Now: h.clock.Now})
	v1 := h.rootDataset("x,y\n1,2\n2,4\n3,6\n")

	p, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type: core.PredictionRegression, TargetColumn: "y",
	})
	require.NoError(t, err)

	// Results of an earlier run.
	stored, err := h.store.GetPrediction(h.ctx, p.ID)
	require.NoError(t, err)
	stored.Metrics = map[string]float64{"rmse": 0.5}
	stored.Results = map[string]any{"n_train": 3}
	require.NoError(t, h.store.UpdatePrediction(h.ctx, stored))

	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, 1, h.drain(), "attempt %d", attempt)
		h.clock.Advance(5 * time.Minute)
	}

	failed, err := h.svc.GetPrediction(h.ctx, p.ID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PredictionFailed, failed.Status)
	assert.Equal(t, map[string]float64{"rmse": 0.5}, failed.Metrics)
	assert.Equal(t, 3, failed.Results["n_train"])
	assert.Contains(t, failed.Results["error"], "trainer host unreachable")

	job, err := h.store.GetLatestJob(h.ctx, core.JobTraining, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestTraining_PredictionDeletedBeforeRun(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset("x,y\n1,2\n2,4\n")
	p, err := h.svc.CreatePrediction(h.ctx, v1.ID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type: core.PredictionRegression, TargetColumn: "y",
	})
	require.NoError(t, err)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	require.NoError(t, h.svc.DeleteFile(h.ctx, v1.FileID, h.tenant.ID, "user-1"))
	require.NoError(t, h.svc.HandleMessage(h.ctx, msg))

	_, err = h.store.GetPrediction(h.ctx, p.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.queue.Delays())
	assert.Empty(t, h.blobs.Keys())
}

// ============================================================================
// Sweeper
// ============================================================================

func TestSweep_RequeuesUnqueuedJobs(t *testing.T) {
	h := newHarness(t)
	h.queue.setDown(true)
	res := h.upload("people.csv", peopleCSV)
	assert.False(t, res.Queued)
	h.queue.setDown(false)

	swept, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, swept.Requeued, "fresh jobs are left alone")

	h.clock.Advance(16 * time.Minute)
	swept, err = h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Requeued)

	h.drain()
	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, f.Status)
}

func TestSweep_ReclaimsStaleRunningJob(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	// A worker claims the job and dies.
	_, claimed, err := h.store.ClaimJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	require.True(t, claimed)

	h.clock.Advance(16 * time.Minute)
	swept, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Reclaimed)

	job, err := h.store.GetJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Contains(t, job.LastError, "stopped reporting progress")

	h.clock.Advance(time.Minute)
	h.drain()
	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, f.Status)
}

// gatedExtractor blocks its first call until release is closed, then fails
// it transiently. Later calls parse CSV normally.
type gatedExtractor struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedExtractor) Extract(ctx context.Context, r io.Reader, size int64, progress func(int)) (*tabular.Table, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-g.release
		return nil, core.Transient(errors.New("worker lost its disk"))
	}
	return core.DefaultExtractors()[core.FormatCSV].Extract(ctx, r, size, progress)
}

func TestSweep_ReclaimedWorkerCannotOverwriteSuccess(t *testing.T) {
	gate := newGatedExtractor()
	h := newHarness(t, func(o *core.Options) {
		o.Extractors = map[core.Format]core.Extractor{core.FormatCSV: gate}
	})
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	zombie := make(chan error, 1)
	go func() { zombie <- h.svc.HandleMessage(h.ctx, msg) }()
	<-gate.started

	h.clock.Advance(16 * time.Minute)
	swept, err := h.svc.Sweep(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept.Reclaimed)

	h.clock.Advance(time.Minute)
	require.Equal(t, 1, h.drain())

	job, err := h.store.GetJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	require.Equal(t, core.JobSucceeded, job.Status)
	require.Equal(t, 2, job.Attempts)

	close(gate.release)
	require.NoError(t, <-zombie)

	job, err = h.store.GetJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, job.Status, "a reclaimed attempt must not requeue a finished job")
	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, f.Status)

	ready, delayed := h.queue.Len()
	assert.Zero(t, ready)
	assert.Zero(t, delayed, "no retry is scheduled for a superseded attempt")
	datasets, err := h.store.ListDatasetsByFile(h.ctx, res.FileID)
	require.NoError(t, err)
	assert.Len(t, datasets, 1)
}

func TestSweep_ReclaimedWorkerSuccessIsDropped(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)

	// Attempt 1 is claimed and reclaimed before it reports anything.
	stale, claimed, err := h.store.ClaimJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	require.True(t, claimed)
	h.clock.Advance(16 * time.Minute)
	_, err = h.svc.Sweep(h.ctx)
	require.NoError(t, err)

	// Attempt 1 finishing late loses to the requeue.
	err = h.store.FinishJob(h.ctx, stale.ID, stale.Attempts, core.JobSucceeded, "")
	require.ErrorIs(t, err, core.ErrJobSuperseded)

	h.clock.Advance(time.Minute)
	h.drain()
	job, err := h.store.GetJob(h.ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
	f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, f.Status)
}

// ============================================================================
// Deletion
// ============================================================================

func TestDeleteFile_CascadesAndReleases(t *testing.T) {
	h := newHarness(t)
	v1 := h.rootDataset(peopleCSV)
	out, err := h.svc.Clean(h.ctx, v1.ID, h.tenant.ID, core.CleanRequest{Operations: ops(t, dedupeAndFill), Apply: true})
	require.NoError(t, err)
	_, err = h.svc.Export(h.ctx, *out.DatasetID, h.tenant.ID, "csv", "user-1")
	require.NoError(t, err)
	_, err = h.svc.CreatePrediction(h.ctx, *out.DatasetID, h.tenant.ID, "user-1", core.PredictionRequest{
		Type: core.PredictionClassification, TargetColumn: "city",
	})
	require.NoError(t, err)
	h.drain()
	require.NotEmpty(t, h.blobs.Keys())

	require.NoError(t, h.svc.DeleteFile(h.ctx, v1.FileID, h.tenant.ID, "user-1"))

	_, err = h.svc.GetDataset(h.ctx, *out.DatasetID, h.tenant.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = h.svc.GetDataset(h.ctx, v1.ID, h.tenant.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.blobs.Keys())

	usage, err := h.svc.Usage(h.ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestDeleteProject_ReleasesAllFiles(t *testing.T) {
	h := newHarness(t)
	first := h.upload("a.csv", "a\n1\n")
	_, err := h.svc.Upload(h.ctx, core.UploadRequest{
		TenantID: h.tenant.ID, ProjectID: first.ProjectID, Filename: "b.csv", Data: []byte("b\n2\n"),
	})
	require.NoError(t, err)
	h.drain()

	project, err := h.svc.GetProject(h.ctx, first.ProjectID, h.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, project.FileCount)
	assert.Equal(t, 2, project.DatasetCount)

	require.NoError(t, h.svc.DeleteProject(h.ctx, first.ProjectID, h.tenant.ID))
	_, err = h.svc.GetProject(h.ctx, first.ProjectID, h.tenant.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	usage, err := h.svc.Usage(h.ctx, h.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

// ============================================================================
// Dispatcher
// ============================================================================

func TestDispatcher_ProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	res := h.upload("people.csv", peopleCSV)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- core.NewDispatcher(h.svc, h.queue, 2).Run(ctx) }()

	require.Eventually(t, func() bool {
		f, err := h.svc.GetFile(h.ctx, res.FileID, h.tenant.ID)
		return err == nil && f.Status == core.FileReady
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
