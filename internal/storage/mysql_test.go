package storage_test

import (
	"context"
	"testing"
	"time"

	"docmem-go/internal/config"
	"docmem-go/internal/storage"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupMySQL(t *testing.T) *storage.MySQL {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "secret",
				"MYSQL_DATABASE":      "docmem",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("port: 3306  MySQL Community Server"),
				wait.ForListeningPort("3306/tcp"),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	m, err := storage.NewMySQL(&config.MySQLConfig{
		Host:                  host,
		Port:                  port.Int(),
		Username:              "root",
		Password:              "secret",
		Database:              "docmem",
		MaxIdleConns:          2,
		MaxOpenConns:          4,
		ConnectTimeoutSeconds: 10,
		ReadTimeoutSeconds:    10,
		WriteTimeoutSeconds:   10,
		LogLevel:              1,
	}, storage.WithJobEventsExchange("docmem.job.events"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func statusPtr(s types.JobStatus) *types.JobStatus { return &s }

func TestMySQL_JobLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	m := setupMySQL(t)
	ctx := context.Background()

	require.NoError(t, m.CreateJob(ctx, &models.JobRecord{ID: "job-1", UserID: "u1", Filename: "cv.pdf"}))

	rec, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(types.JobStatusPending), rec.Status)

	missing, err := m.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, m.UpdateJob(ctx, "job-1", types.JobUpdate{
		Status:        statusPtr(types.JobStatusProcessing),
		TotalSections: utils.IntPtr(3),
	}))
	require.NoError(t, m.UpdateJob(ctx, "job-1", types.JobUpdate{ProcessedSections: utils.IntPtr(2)}))
	// 进度只增不减
	require.NoError(t, m.UpdateJob(ctx, "job-1", types.JobUpdate{ProcessedSections: utils.IntPtr(1)}))
	require.NoError(t, m.UpdateJob(ctx, "job-1", types.JobUpdate{
		Status:   statusPtr(types.JobStatusCompleted),
		Metadata: map[string]any{"memories_created": 3},
	}))

	rec, err = m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.JobStatusCompleted), rec.Status)
	assert.Equal(t, 2, rec.ProcessedSections)
	assert.Equal(t, float64(3), utils.JSONToMap(rec.Metadata)["memories_created"])

	err = m.UpdateJob(ctx, "job-1", types.JobUpdate{Status: statusPtr(types.JobStatusProcessing)})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	err = m.UpdateJob(ctx, "nope", types.JobUpdate{ProcessedSections: utils.IntPtr(1)})
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	var outbox []models.OutboxMessage
	require.NoError(t, m.DB().Where("aggregate_id = ?", "job-1").Find(&outbox).Error)
	require.Len(t, outbox, 1)
	assert.Equal(t, storage.EventJobCompleted, outbox[0].EventType)
	assert.Equal(t, models.OutboxStatusPending, outbox[0].Status)

	jobs, err := m.ListJobs(ctx, "u1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMySQL_MemoriesAndClusters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	m := setupMySQL(t)
	ctx := context.Background()

	vec := "vec_a"
	require.NoError(t, m.CreateMemory(ctx, &models.Memory{ID: "mem_a", UserID: "u1", Type: "ltm", Content: "a", EmbeddingID: &vec}))
	require.NoError(t, m.CreateMemory(ctx, &models.Memory{ID: "mem_b", UserID: "u1", Type: "ltm", Content: "b"}))
	require.NoError(t, m.CreateMemory(ctx, &models.Memory{ID: "mem_s", UserID: "u1", Type: "stm", Content: "s"}))

	ltm, err := m.ListMemories(ctx, "u1", types.MemoryTypeLTM, 10)
	require.NoError(t, err)
	assert.Len(t, ltm, 2)

	got, err := m.GetMemoriesByIDs(ctx, []string{"mem_b", "missing", "mem_a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_b", got[0].ID)
	assert.Equal(t, "mem_a", got[1].ID)

	cluster := &models.ClusterSummary{UserID: "u1", ClusterID: "cluster_0a1b2c3d", Summary: "兴趣"}
	require.NoError(t, m.CreateClusterWithMembers(ctx, cluster, []string{"mem_a", "mem_b"}))

	var links []models.ClusterMembership
	require.NoError(t, m.DB().Where("cluster_id = ?", "cluster_0a1b2c3d").Find(&links).Error)
	assert.Len(t, links, 2)
}
