package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"docmem-go/internal/clustering"
	"docmem-go/internal/parser"
	"docmem-go/internal/ratelimit"
	"docmem-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	pages []string
	err   error
}

func (f fakeExtractor) ExtractPages(context.Context, []byte, string) ([]string, error) {
	return f.pages, f.err
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	times []time.Time
}

func (f *fakeSummarizer) TrySummarize(_ context.Context, sec types.DocumentSection) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sec.Title)
	f.times = append(f.times, time.Now())
	if f.fail[sec.Title] {
		return "", errors.New("rate limited")
	}
	return "summary of " + sec.Title, nil
}

type mapCache struct {
	m map[string]string
}

func (c *mapCache) Get(_ context.Context, sec types.DocumentSection) (string, bool) {
	v, ok := c.m[sec.Title]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, sec types.DocumentSection, s string) {
	c.m[sec.Title] = s
}

type writtenMemory struct {
	content  string
	metadata map[string]any
}

type fakeWriter struct {
	written []writtenMemory
	failAt  int
}

func (f *fakeWriter) AddLongTermMemory(_ context.Context, _ string, content string, metadata map[string]any, _ string) (*types.MemoryView, error) {
	if f.failAt > 0 && len(f.written)+1 == f.failAt {
		return nil, errors.New("vector index down")
	}
	f.written = append(f.written, writtenMemory{content: content, metadata: metadata})
	return &types.MemoryView{ID: fmt.Sprintf("mem_%08d", len(f.written))}, nil
}

type fakeClusterer struct {
	calls int
	err   error
}

func (f *fakeClusterer) Run(context.Context, string) (*clustering.RunReport, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &clustering.RunReport{ClustersCreated: 1}, nil
}

type progressLog struct {
	points [][2]int
}

func (p *progressLog) ReportProgress(_ context.Context, _ string, processed, total int) {
	p.points = append(p.points, [2]int{processed, total})
}

var resumePages = []string{
	"EDUCATION\nBS CompSci 2020, State University",
	"EXPERIENCE\nEngineer at Acme 2021-2023, built pipelines",
}

func newJob() *types.ProcessingJob {
	return &types.ProcessingJob{JobID: "job-1", UserID: "u1", Filename: "cv.pdf", Content: []byte("%PDF")}
}

func TestProcess_Success(t *testing.T) {
	sum := &fakeSummarizer{}
	writer := &fakeWriter{}
	cl := &fakeClusterer{}
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, sum, ratelimit.NewExecutor(0), writer,
		[]ComponentOpt{WithClusterer(cl)})
	require.NoError(t, err)

	prog := &progressLog{}
	res := p.Process(context.Background(), newJob(), prog)
	require.True(t, res.OK(), "%v", res.Err)

	assert.Equal(t, []string{"EDUCATION", "EXPERIENCE"}, sum.calls)
	require.Len(t, writer.written, 2)
	assert.Equal(t, "summary of EDUCATION", writer.written[0].content)

	meta := writer.written[1].metadata
	assert.Equal(t, "pdf", meta["source"])
	assert.Equal(t, "cv.pdf", meta["filename"])
	assert.Equal(t, "EXPERIENCE", meta["section_title"])
	assert.Equal(t, "experience", meta["section_type"])
	assert.Contains(t, meta, "page_start")
	assert.Contains(t, meta, "original_content_preview")

	assert.Equal(t, [][2]int{{0, 2}, {1, 2}, {2, 2}}, prog.points)
	assert.Equal(t, 1, cl.calls)

	assert.Equal(t, 2, res.Summary["sections_detected"])
	assert.Equal(t, 2, res.Summary["memories_created"])
	assert.Len(t, res.Summary["memory_ids"], 2)
	sections := res.Summary["sections"].([]any)
	first := sections[0].(map[string]any)
	assert.Equal(t, "EDUCATION", first["title"])
	assert.Equal(t, "education", first["type"])
	assert.Regexp(t, `^\d+-\d+$`, first["pages"])
}

func TestProcess_SummaryFailureUsesFallback(t *testing.T) {
	sum := &fakeSummarizer{fail: map[string]bool{"EDUCATION": true}}
	writer := &fakeWriter{}
	cache := &mapCache{m: map[string]string{}}
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, sum, ratelimit.NewExecutor(0), writer,
		[]ComponentOpt{WithSummaryCache(cache)})
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	require.True(t, res.OK())
	assert.Contains(t, writer.written[0].content, "[EDUCATION] ")
	assert.NotContains(t, cache.m, "EDUCATION", "兜底文本不写缓存")
	assert.Equal(t, "summary of EXPERIENCE", cache.m["EXPERIENCE"])
}

func TestProcess_CacheHitSkipsModel(t *testing.T) {
	sum := &fakeSummarizer{}
	cache := &mapCache{m: map[string]string{"EDUCATION": "cached edu", "EXPERIENCE": "cached exp"}}
	writer := &fakeWriter{}
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, sum, ratelimit.NewExecutor(time.Hour), writer,
		[]ComponentOpt{WithSummaryCache(cache)})
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	require.True(t, res.OK())
	assert.Empty(t, sum.calls)
	assert.Equal(t, "cached exp", writer.written[1].content)
}

func TestProcess_RateLimitsSummaries(t *testing.T) {
	sum := &fakeSummarizer{}
	delay := 30 * time.Millisecond
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, sum, ratelimit.NewExecutor(delay), &fakeWriter{}, nil)
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	require.True(t, res.OK())
	require.Len(t, sum.times, 2)
	assert.GreaterOrEqual(t, sum.times[1].Sub(sum.times[0]), delay)
}

func TestProcess_UnreadableDocumentIsPermanent(t *testing.T) {
	p, err := NewDocumentProcessor(fakeExtractor{err: fmt.Errorf("%w: no text", parser.ErrUnreadableDocument)},
		&fakeSummarizer{}, ratelimit.NewExecutor(0), &fakeWriter{}, nil)
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	require.False(t, res.OK())
	assert.True(t, res.Permanent)
	assert.ErrorIs(t, res.Err, ErrExtractFailed)

	var perr *ProcessError
	require.True(t, errors.As(res.Err, &perr))
	assert.Equal(t, "extract", perr.Op)
	assert.Equal(t, "job-1", perr.JobID)
}

func TestProcess_TransientExtractErrorIsRetryable(t *testing.T) {
	p, err := NewDocumentProcessor(fakeExtractor{err: context.DeadlineExceeded},
		&fakeSummarizer{}, ratelimit.NewExecutor(0), &fakeWriter{}, nil)
	require.NoError(t, err)
	res := p.Process(context.Background(), newJob(), &progressLog{})
	assert.False(t, res.OK())
	assert.False(t, res.Permanent)
}

func TestProcess_StoreFailureIsRetryable(t *testing.T) {
	cl := &fakeClusterer{}
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, &fakeSummarizer{}, ratelimit.NewExecutor(0),
		&fakeWriter{failAt: 2}, []ComponentOpt{WithClusterer(cl)})
	require.NoError(t, err)

	prog := &progressLog{}
	res := p.Process(context.Background(), newJob(), prog)
	require.False(t, res.OK())
	assert.False(t, res.Permanent)
	assert.ErrorIs(t, res.Err, ErrStoreFailed)
	assert.Equal(t, [][2]int{{0, 2}, {1, 2}}, prog.points)
	assert.Zero(t, cl.calls, "失败的任务不触发聚类")
}

func TestProcess_ClusteringFailureIsSwallowed(t *testing.T) {
	cl := &fakeClusterer{err: errors.New("lock service down")}
	p, err := NewDocumentProcessor(fakeExtractor{pages: resumePages}, &fakeSummarizer{}, ratelimit.NewExecutor(0),
		&fakeWriter{}, []ComponentOpt{WithClusterer(cl)})
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	assert.True(t, res.OK())
	assert.Equal(t, 1, cl.calls)

	p.SkipClustering = true
	p.Process(context.Background(), newJob(), &progressLog{})
	assert.Equal(t, 1, cl.calls)
}

func TestProcess_NoHeadersFallsBackToSingleSection(t *testing.T) {
	writer := &fakeWriter{}
	p, err := NewDocumentProcessor(fakeExtractor{pages: []string{"just some lowercase prose about things", "more prose"}},
		&fakeSummarizer{}, ratelimit.NewExecutor(0), writer, nil)
	require.NoError(t, err)

	res := p.Process(context.Background(), newJob(), &progressLog{})
	require.True(t, res.OK())
	require.Len(t, writer.written, 1)
	assert.Equal(t, types.FallbackSectionTitle, writer.written[0].metadata["section_title"])
	assert.Equal(t, "general", writer.written[0].metadata["section_type"])
	assert.Equal(t, 1, writer.written[0].metadata["page_start"])
	assert.Equal(t, 2, writer.written[0].metadata["page_end"])
}

func TestNewDocumentProcessor_RequiresComponents(t *testing.T) {
	_, err := NewDocumentProcessor(nil, &fakeSummarizer{}, ratelimit.NewExecutor(0), &fakeWriter{}, nil)
	assert.Error(t, err)
}
