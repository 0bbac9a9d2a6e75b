package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"testing"
	"time"

	"docmem-go/internal/api/handler"
	"docmem-go/internal/api/router"
	"docmem-go/internal/clustering"
	"docmem-go/internal/memory"
	"docmem-go/internal/storage/models"
	"docmem-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createCall struct {
	userID   string
	filename string
	content  []byte
	metadata map[string]any
}

type fakeJobs struct {
	created  []createCall
	createEr error
	views    map[string]*types.JobStatusView
	records  []models.JobRecord
	status   *types.JobStatus
	limit    int
}

func (f *fakeJobs) CreateJob(_ context.Context, userID, filename string, content []byte, metadata map[string]any) (string, error) {
	if f.createEr != nil {
		return "", f.createEr
	}
	f.created = append(f.created, createCall{userID, filename, content, metadata})
	return "job_0001", nil
}

func (f *fakeJobs) GetJobView(_ context.Context, jobID string) (*types.JobStatusView, error) {
	return f.views[jobID], nil
}

func (f *fakeJobs) ListJobs(_ context.Context, _ string, status *types.JobStatus, limit int) ([]models.JobRecord, error) {
	f.status, f.limit = status, limit
	return f.records, nil
}

type fakeMemories struct {
	stmMeta   map[string]any
	histType  types.MemoryType
	histLimit int
	searchErr error
	topK      int
}

func (f *fakeMemories) AddShortTermMemory(_ context.Context, userID, content string, metadata map[string]any) (*types.MemoryView, error) {
	f.stmMeta = metadata
	return &types.MemoryView{ID: "mem_1", UserID: userID, Content: content, Type: types.MemoryTypeSTM, Metadata: metadata}, nil
}

func (f *fakeMemories) History(_ context.Context, userID string, memType types.MemoryType, limit int) ([]types.MemoryView, error) {
	f.histType, f.histLimit = memType, limit
	return []types.MemoryView{{ID: "mem_1", UserID: userID, Type: memType}}, nil
}

func (f *fakeMemories) Search(_ context.Context, _, _ string, topK int) ([]types.VectorMatch, error) {
	f.topK = topK
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []types.VectorMatch{{ID: "vec_1", Score: 0.9}}, nil
}

type fakeClusters struct {
	users []string
}

func (f *fakeClusters) Run(_ context.Context, userID string) (*clustering.RunReport, error) {
	f.users = append(f.users, userID)
	return &clustering.RunReport{UserID: userID, ClustersCreated: 2, ClusterIDs: []string{"cluster_a", "cluster_b"}}, nil
}

type testEnv struct {
	h        *server.Hertz
	jobs     *fakeJobs
	memories *fakeMemories
	clusters *fakeClusters
}

func newEnv(apiKeys ...string) *testEnv {
	env := &testEnv{
		h:        server.New(),
		jobs:     &fakeJobs{views: map[string]*types.JobStatusView{}},
		memories: &fakeMemories{},
		clusters: &fakeClusters{},
	}
	mh := handler.NewMemoryHandler(env.jobs, env.memories, env.clusters, zerolog.Nop())
	router.RegisterRoutes(env.h, mh, apiKeys)
	return env
}

func uploadBody(t *testing.T, userID, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if userID != "" {
		require.NoError(t, w.WriteField("user_id", userID))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func form(values url.Values) (*ut.Body, ut.Header) {
	enc := values.Encode()
	return &ut.Body{Body: bytes.NewBufferString(enc), Len: len(enc)},
		ut.Header{Key: "Content-Type", Value: "application/x-www-form-urlencoded"}
}

func TestProcessPDF_Queued(t *testing.T) {
	env := newEnv()
	body, ct := uploadBody(t, "u1", "cv.pdf", "application/pdf", []byte("%PDF-1.4"))

	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/process-pdf",
		&ut.Body{Body: body, Len: body.Len()}, ut.Header{Key: "Content-Type", Value: ct})
	resp := w.Result()
	require.Equal(t, 200, resp.StatusCode(), string(resp.Body()))

	out := decode(t, resp.Body())
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "job_0001", out["job_id"])
	assert.Equal(t, "cv.pdf", out["filename"])
	assert.Contains(t, out["message"], "/memories/job-status/{job_id}")

	require.Len(t, env.jobs.created, 1)
	assert.Equal(t, "u1", env.jobs.created[0].userID)
	assert.Equal(t, []byte("%PDF-1.4"), env.jobs.created[0].content)
	assert.Equal(t, true, env.jobs.created[0].metadata["smart_chunking"])
}

func TestProcessPDF_Rejects(t *testing.T) {
	env := newEnv()

	body, ct := uploadBody(t, "u1", "notes.txt", "text/plain", []byte("hello"))
	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/process-pdf",
		&ut.Body{Body: body, Len: body.Len()}, ut.Header{Key: "Content-Type", Value: ct})
	assert.Equal(t, 400, w.Result().StatusCode())
	assert.Equal(t, "File must be a PDF", decode(t, w.Result().Body())["detail"])

	body, ct = uploadBody(t, "", "cv.pdf", "application/pdf", []byte("%PDF"))
	w = ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/process-pdf",
		&ut.Body{Body: body, Len: body.Len()}, ut.Header{Key: "Content-Type", Value: ct})
	assert.Equal(t, 400, w.Result().StatusCode())

	assert.Empty(t, env.jobs.created)
}

func TestProcessPDF_AcceptsPDFExtension(t *testing.T) {
	env := newEnv()
	body, ct := uploadBody(t, "u1", "scan.PDF", "application/octet-stream", []byte("%PDF"))
	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/process-pdf",
		&ut.Body{Body: body, Len: body.Len()}, ut.Header{Key: "Content-Type", Value: ct})
	assert.Equal(t, 200, w.Result().StatusCode())
}

func TestProcessPDF_CreateFailure(t *testing.T) {
	env := newEnv()
	env.jobs.createEr = errors.New("db down")
	body, ct := uploadBody(t, "u1", "cv.pdf", "application/pdf", []byte("%PDF"))
	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/process-pdf",
		&ut.Body{Body: body, Len: body.Len()}, ut.Header{Key: "Content-Type", Value: ct})
	assert.Equal(t, 500, w.Result().StatusCode())
	assert.Equal(t, "Failed to create processing job: db down", decode(t, w.Result().Body())["detail"])
}

func TestJobStatus(t *testing.T) {
	env := newEnv()
	env.jobs.views["job_1"] = &types.JobStatusView{JobID: "job_1", Status: types.JobStatusProcessing}

	w := ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/job-status/job_1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	out := decode(t, w.Result().Body())
	assert.Equal(t, "job_1", out["job_id"])
	assert.Equal(t, "processing", out["status"])

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/job-status/missing", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
	assert.Equal(t, "Job not found", decode(t, w.Result().Body())["detail"])
}

func TestListJobs(t *testing.T) {
	env := newEnv()
	env.jobs.records = []models.JobRecord{
		{ID: "job_1", UserID: "u1", Status: string(types.JobStatusCompleted), CreatedAt: time.Now()},
	}

	w := ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/jobs?user_id=u1&status=completed", nil)
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	out := decode(t, w.Result().Body())
	assert.EqualValues(t, 1, out["count"])
	require.NotNil(t, env.jobs.status)
	assert.Equal(t, types.JobStatusCompleted, *env.jobs.status)
	assert.Equal(t, 10, env.jobs.limit)

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/jobs?user_id=u1&status=bogus", nil)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/jobs?user_id=u1&limit=3", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Nil(t, env.jobs.status)
	assert.Equal(t, 3, env.jobs.limit)
}

func TestAddSTM_InvalidMetadataBecomesEmpty(t *testing.T) {
	env := newEnv()

	body, hdr := form(url.Values{"user_id": {"u1"}, "content": {"buy milk"}, "metadata": {"{not json"}})
	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/stm", body, hdr)
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	assert.Empty(t, env.memories.stmMeta)
	assert.Equal(t, "mem_1", decode(t, w.Result().Body())["id"])

	body, hdr = form(url.Values{"user_id": {"u1"}, "content": {"buy milk"}, "metadata": {`{"tag":"errand"}`}})
	w = ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/stm", body, hdr)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "errand", env.memories.stmMeta["tag"])

	body, hdr = form(url.Values{"user_id": {"u1"}})
	w = ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/stm", body, hdr)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestHistoryAndSearch(t *testing.T) {
	env := newEnv()

	w := ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/ltm?user_id=u1&limit=4", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, types.MemoryTypeLTM, env.memories.histType)
	assert.Equal(t, 4, env.memories.histLimit)

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/stm?user_id=u1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, types.MemoryTypeSTM, env.memories.histType)

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/search?user_id=u1&q=football", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, 5, env.memories.topK)
	assert.EqualValues(t, 1, decode(t, w.Result().Body())["count"])

	env.memories.searchErr = memory.ErrNoEmbedder
	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/search?user_id=u1&q=football", nil)
	assert.Equal(t, 503, w.Result().StatusCode())

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/search?user_id=u1", nil)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestCluster(t *testing.T) {
	env := newEnv()
	body, hdr := form(url.Values{"user_id": {"u1"}})
	w := ut.PerformRequest(env.h.Engine, "POST", "/api/v1/memories/cluster", body, hdr)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, []string{"u1"}, env.clusters.users)
	assert.EqualValues(t, 2, decode(t, w.Result().Body())["clusters_created"])

	h := server.New()
	router.RegisterRoutes(h, handler.NewMemoryHandler(env.jobs, env.memories, nil, zerolog.Nop()), nil)
	body, hdr = form(url.Values{"user_id": {"u1"}})
	w = ut.PerformRequest(h.Engine, "POST", "/api/v1/memories/cluster", body, hdr)
	assert.Equal(t, 503, w.Result().StatusCode())
}

func TestAPIKeyAuth(t *testing.T) {
	env := newEnv("secret")

	w := ut.PerformRequest(env.h.Engine, "GET", "/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode(), "健康检查不需要鉴权")

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/ltm?user_id=u1", nil)
	assert.Equal(t, 401, w.Result().StatusCode())

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/ltm?user_id=u1", nil,
		ut.Header{Key: "X-API-Key", Value: "wrong"})
	assert.Equal(t, 401, w.Result().StatusCode())

	w = ut.PerformRequest(env.h.Engine, "GET", "/api/v1/memories/ltm?user_id=u1", nil,
		ut.Header{Key: "X-API-Key", Value: "secret"})
	assert.Equal(t, 200, w.Result().StatusCode())
}
