//go:build integration

package database

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JonMunkholm/datamorph/internal/blob"
	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/queue"
)

var testPool *pgxpool.Pool

// TestMain starts one PostgreSQL container for the package and migrates it.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("datamorph"),
		postgres.WithUsername("datamorph"),
		postgres.WithPassword("datamorph"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}
	testPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	if err := Migrate(ctx, testPool); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	code := m.Run()

	testPool.Close()
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func newService(t *testing.T) (*core.Service, *Store, *queue.Memory) {
	t.Helper()
	store := NewStore(testPool)
	q := queue.NewMemory(10 * time.Millisecond)
	svc := core.NewService(store, blob.NewMemory("test"), q, nil, core.Options{})
	return svc, store, q
}

func drain(t *testing.T, svc *core.Service, q *queue.Memory) {
	t.Helper()
	ctx := context.Background()
	for {
		msg, ok := q.TryDequeue()
		if !ok {
			return
		}
		require.NoError(t, svc.HandleMessage(ctx, msg))
	}
}

func TestMigrationVersion(t *testing.T) {
	v, err := MigrationVersion(context.Background(), testPool)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestPipeline_UploadCleanRevert(t *testing.T) {
	svc, store, q := newService(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "acme", core.TierStarter)
	require.NoError(t, err)

	res, err := svc.Upload(ctx, core.UploadRequest{
		TenantID: tenant.ID,
		Filename: "people.csv",
		Data:     []byte("name,age\nann,30\nbob,\nann,30\n"),
	})
	require.NoError(t, err)
	drain(t, svc, q)

	file, err := store.GetFile(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, core.FileReady, file.Status)
	assert.Equal(t, 100, file.Progress)

	datasets, err := store.ListDatasetsByFile(ctx, res.FileID)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	v1 := datasets[0]
	assert.Equal(t, 3, v1.RowCount)

	var ops []core.Operation
	require.NoError(t, json.Unmarshal([]byte(`[
		{"type": "remove_duplicates", "params": {}},
		{"type": "fill_missing", "column_name": "age", "params": {"strategy": "mean"}}
	]`), &ops))
	out, err := svc.Clean(ctx, v1.ID, tenant.ID, core.CleanRequest{Operations: ops, Apply: true, UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, out.DatasetID)
	assert.Equal(t, 2, out.Version)

	v2, err := store.GetDataset(ctx, *out.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, *v2.ParentDatasetID)
	assert.Equal(t, v1.ID, v2.RootDatasetID)
	assert.Equal(t, 2, v2.RowCount)

	log, err := store.ListOperationsByRoot(ctx, v1.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, core.OpRemoveDuplicates, log[0].Op.Type)

	_, err = svc.Revert(ctx, log[0].ID, tenant.ID, "u1")
	assert.ErrorIs(t, err, core.ErrConflict, "only the newest active operation can be reverted")

	reverted, err := svc.Revert(ctx, log[1].ID, tenant.ID, "u1")
	require.NoError(t, err)
	assert.NotNil(t, reverted.RevertedAt)

	_, err = svc.Revert(ctx, log[1].ID, tenant.ID, "u1")
	assert.ErrorIs(t, err, core.ErrAlreadyReverted)

	require.NoError(t, svc.DeleteFile(ctx, res.FileID, tenant.ID, "u1"))
	usage, err := svc.Usage(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, usage.UsedBytes)
}

func TestClaimJob_Conditional(t *testing.T) {
	store := NewStore(testPool)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &core.Job{
		ID: uuid.New(), Kind: core.JobExport, TargetID: uuid.New(), TenantID: uuid.New(),
		Status: core.JobQueued, MaxAttempts: 2, RunAfter: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	claimed, ok, err := store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, claimed.Attempts)

	_, ok, err = store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = store.ClaimJob(ctx, uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, store.RequeueJob(ctx, job.ID, 1, now, "heartbeat lost"))
	reclaimed, ok, err := store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, reclaimed.Attempts)

	assert.ErrorIs(t, store.RequeueJob(ctx, job.ID, 1, now, "late"), core.ErrJobSuperseded)
	assert.ErrorIs(t, store.FinishJob(ctx, job.ID, 1, core.JobFailed, "late"), core.ErrJobSuperseded)
	require.NoError(t, store.FinishJob(ctx, job.ID, 2, core.JobSucceeded, ""))

	done, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobSucceeded, done.Status)
	assert.Equal(t, "heartbeat lost", done.LastError)
	assert.ErrorIs(t, store.FinishJob(ctx, uuid.New(), 1, core.JobFailed, ""), core.ErrNotFound)
}

func TestQuota_ConcurrentAdmission(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	tenant, err := svc.CreateTenant(ctx, "race", core.TierStarter)
	require.NoError(t, err)
	_, err = testPool.Exec(ctx, `UPDATE tenants SET storage_used_bytes = $2 WHERE id = $1`,
		tenant.ID, core.TierStarter.Limit()-10)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Upload(ctx, core.UploadRequest{
				TenantID: tenant.ID, Filename: "a.csv", Data: []byte("a\n1234\n"),
			})
			errs <- err
		}()
	}
	var denied int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			assert.ErrorIs(t, err, core.ErrStorageLimitExceeded)
			denied++
		}
	}
	assert.Equal(t, 1, denied, "the tenant lock admits exactly one of two 7-byte uploads into 10 bytes of headroom")
}
