package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/normalize"
	"github.com/spherical/pdf-ocr/internal/request"
)

type fakeRasterizer struct {
	pages int
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, data []byte) ([]domain.PageImage, error) {
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]domain.PageImage, f.pages)
	for i := range pages {
		pages[i] = domain.PageImage{Index: i, Image: image.NewRGBA(image.Rect(0, 0, 64, 64))}
	}
	return pages, nil
}

type fakeBuilder struct {
	err error
}

func (f *fakeBuilder) BuildBatch(ctx context.Context, pages []domain.PageImage) ([]domain.InferenceRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.InferenceRequest, len(pages))
	for i, p := range pages {
		out[i] = domain.InferenceRequest{PageIndex: p.Index, Prompt: fmt.Sprintf("page-%d", p.Index)}
	}
	return out, nil
}

// scriptedEngine answers every request with grounded model output for its page.
type scriptedEngine struct {
	mu      sync.Mutex
	batches []int
	failAt  int // 1-based call that fails, 0 for never
	short   bool
	empty   map[int]bool
}

func (e *scriptedEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	e.mu.Lock()
	e.batches = append(e.batches, len(requests))
	call := len(e.batches)
	e.mu.Unlock()

	if call == e.failAt {
		return nil, errors.New("connection reset")
	}

	out := make([]domain.RawGeneration, len(requests))
	for i, r := range requests {
		text := fmt.Sprintf("<|ref|>title<|/ref|><|det|>[[1,2,3,4]]<|/det|># %s\n\n\n\nbody\\coloneqq x%s", r.Prompt, normalize.EndOfSentence)
		if e.empty[r.PageIndex] {
			text = normalize.EndOfSentence
		}
		out[i] = domain.RawGeneration{PageIndex: r.PageIndex, Text: text}
	}
	if e.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func expectedPage(i int) string {
	return fmt.Sprintf("# page-%d\n\nbody:= x", i)
}

func newTestService(t *testing.T, pages int, engine domain.InferenceEngine, chunkSize int, options ...ServiceOption) *Service {
	t.Helper()
	svc, err := NewService(&fakeRasterizer{pages: pages}, &fakeBuilder{}, engine, normalize.New(), Options{ChunkSize: chunkSize}, nil, options...)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, &fakeBuilder{}, &scriptedEngine{}, normalize.New(), Options{ChunkSize: 1}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))

	_, err = NewService(&fakeRasterizer{}, &fakeBuilder{}, &scriptedEngine{}, normalize.New(), Options{ChunkSize: 0}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
}

func TestProcess_ChunksAndOrder(t *testing.T) {
	engine := &scriptedEngine{}
	svc := newTestService(t, 120, engine, 50)

	doc, err := svc.Process(context.Background(), "report.pdf", []byte("%PDF-1.4"), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 50, 20}, engine.batches)
	assert.Equal(t, 120, doc.Pages)
	assert.Equal(t, 3, doc.Chunks)
	assert.Equal(t, "report.pdf", doc.Name)
	assert.Len(t, doc.SHA256, 64)

	parts := strings.Split(doc.Markdown, PageSeparator+"#")
	require.Len(t, parts, 120)
	for i := 0; i < 120; i++ {
		assert.Contains(t, doc.Markdown, expectedPage(i))
	}
	assert.True(t, strings.HasPrefix(doc.Markdown, expectedPage(0)+PageSeparator+expectedPage(1)))
	assert.True(t, strings.HasSuffix(doc.Markdown, expectedPage(118)+PageSeparator+expectedPage(119)))
}

// widthRasterizer gives page i a width of 100+i so encodings can be traced back.
type widthRasterizer struct {
	pages int
}

func (r *widthRasterizer) Rasterize(ctx context.Context, data []byte) ([]domain.PageImage, error) {
	pages := make([]domain.PageImage, r.pages)
	for i := range pages {
		pages[i] = domain.PageImage{Index: i, Image: image.NewRGBA(image.Rect(0, 0, 100+i, 10))}
	}
	return pages, nil
}

// jitterEncoder finishes pages out of order.
type jitterEncoder struct{}

func (jitterEncoder) Encode(img image.Image) (domain.VisualEncoding, error) {
	w := img.Bounds().Dx()
	time.Sleep(time.Duration((w*7)%5) * time.Millisecond)
	return domain.VisualEncoding{MIMEType: "image/png", Width: w, Height: img.Bounds().Dy()}, nil
}

// widthEngine transcribes each request from its encoding alone.
type widthEngine struct {
	batches []int
}

func (e *widthEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	e.batches = append(e.batches, len(requests))
	out := make([]domain.RawGeneration, len(requests))
	for i, r := range requests {
		out[i] = domain.RawGeneration{PageIndex: r.PageIndex, Text: fmt.Sprintf("<|ref|>x<|/ref|><|det|>[[0,0,1,1]]<|/det|>w%d", r.Visual.Width)}
	}
	return out, nil
}

func TestProcess_ParallelBuilderKeepsPageOrder(t *testing.T) {
	engine := &widthEngine{}
	builder := request.NewBuilder("<image>\nConvert.", jitterEncoder{}, 8, nil)
	svc, err := NewService(&widthRasterizer{pages: 73}, builder, engine, normalize.New(), Options{ChunkSize: 10}, nil)
	require.NoError(t, err)

	doc, err := svc.Process(context.Background(), "long.pdf", []byte("%PDF-1.7"), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 10, 10, 10, 10, 10, 3}, engine.batches)
	assert.Equal(t, 73, doc.Pages)
	assert.Equal(t, 8, doc.Chunks)

	want := make([]string, 73)
	for i := range want {
		want[i] = fmt.Sprintf("w%d", 100+i)
	}
	assert.Equal(t, strings.Join(want, PageSeparator), doc.Markdown)
}

func TestProcess_ChunkSizeDoesNotChangeOutput(t *testing.T) {
	var outputs []string
	for _, size := range []int{1, 3, 7, 50} {
		svc := newTestService(t, 7, &scriptedEngine{}, size)
		doc, err := svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
		require.NoError(t, err)
		outputs = append(outputs, doc.Markdown)
	}
	for _, out := range outputs[1:] {
		assert.Equal(t, outputs[0], out)
	}
}

func TestProcess_SinglePageHasNoSeparator(t *testing.T) {
	svc := newTestService(t, 1, &scriptedEngine{}, 50)

	doc, err := svc.Process(context.Background(), "one.pdf", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, expectedPage(0), doc.Markdown)
}

func TestProcess_ZeroPages(t *testing.T) {
	engine := &scriptedEngine{}
	svc := newTestService(t, 0, engine, 50)

	doc, err := svc.Process(context.Background(), "empty.pdf", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "", doc.Markdown)
	assert.Equal(t, 0, doc.Chunks)
	assert.Empty(t, engine.batches)
}

func TestProcess_EmptyPageKeepsSeparator(t *testing.T) {
	svc := newTestService(t, 3, &scriptedEngine{empty: map[int]bool{1: true}}, 50)

	doc, err := svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, expectedPage(0)+PageSeparator+PageSeparator+expectedPage(2), doc.Markdown)
}

func TestProcess_EngineFailureIsFatal(t *testing.T) {
	engine := &scriptedEngine{failAt: 2}
	svc := newTestService(t, 120, engine, 50)

	doc, err := svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
	assert.Contains(t, err.Error(), "chunk 2 (pages 51-100)")
	assert.Equal(t, []int{50, 50}, engine.batches, "later chunks are not attempted")
}

// typedErrEngine fails with an error already carrying a domain type.
type typedErrEngine struct {
	err error
}

func (e *typedErrEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	return nil, e.err
}

func TestProcess_EngineErrorsSurfaceAsInference(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", domain.ValidationError("bad prompt", nil)},
		{"config", domain.ConfigError("missing model", nil)},
		{"plain", errors.New("connection refused")},
		{"inference", domain.InferenceError("server overloaded", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, 3, &typedErrEngine{err: tt.err}, 50)

			_, err := svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
			require.Error(t, err)
			assert.Equal(t, domain.ErrorTypeInference, domain.TypeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestProcess_ShortBatchIsInferenceError(t *testing.T) {
	svc := newTestService(t, 4, &scriptedEngine{short: true}, 50)

	_, err := svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInference))
	assert.Contains(t, err.Error(), "3 outputs for 4 requests")
}

func TestProcess_StageErrorsPropagate(t *testing.T) {
	decodeErr := domain.DecodeError("not a PDF", nil)
	svc, err := NewService(&fakeRasterizer{err: decodeErr}, &fakeBuilder{}, &scriptedEngine{}, normalize.New(), Options{ChunkSize: 50}, nil)
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	assert.ErrorIs(t, err, decodeErr)

	preErr := domain.PreprocessError("page 3: too small", nil)
	engine := &scriptedEngine{}
	svc, err = NewService(&fakeRasterizer{pages: 5}, &fakeBuilder{err: preErr}, engine, normalize.New(), Options{ChunkSize: 50}, nil)
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypePreprocess))
	assert.Empty(t, engine.batches)
}

type slowEngine struct{}

func (slowEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcess_RunTimeout(t *testing.T) {
	svc, err := NewService(&fakeRasterizer{pages: 2}, &fakeBuilder{}, slowEngine{}, normalize.New(),
		Options{ChunkSize: 50, RunTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), "a.pdf", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "run exceeded")
}

func TestProcess_Events(t *testing.T) {
	svc := newTestService(t, 3, &scriptedEngine{}, 2)
	events := make(chan domain.StreamEvent, 100)

	_, err := svc.Process(context.Background(), "a.pdf", []byte("x"), events)
	require.NoError(t, err)
	close(events)

	var types []domain.EventType
	var states []domain.RunState
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == domain.EventState {
			states = append(states, ev.State)
		}
	}

	assert.Equal(t, domain.EventStart, types[0])
	assert.Equal(t, domain.EventComplete, types[len(types)-1])
	assert.Equal(t, []domain.RunState{
		domain.StateRasterizing, domain.StateChunking,
		domain.StatePreprocessing, domain.StateInferring, domain.StateNormalizing,
		domain.StatePreprocessing, domain.StateInferring, domain.StateNormalizing,
		domain.StateAggregated, domain.StateDone,
	}, states)
}

func TestProcess_FailureEvents(t *testing.T) {
	svc := newTestService(t, 3, &scriptedEngine{failAt: 1}, 50)
	events := make(chan domain.StreamEvent, 100)

	_, err := svc.Process(context.Background(), "a.pdf", []byte("x"), events)
	require.Error(t, err)
	close(events)

	var last []domain.StreamEvent
	for ev := range events {
		last = append(last, ev)
	}
	require.GreaterOrEqual(t, len(last), 2)
	assert.Equal(t, domain.StateFailed, last[len(last)-2].State)
	assert.Equal(t, domain.EventError, last[len(last)-1].Type)
}

func TestProcess_FullChannelDoesNotBlock(t *testing.T) {
	svc := newTestService(t, 3, &scriptedEngine{}, 1)
	events := make(chan domain.StreamEvent)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := svc.Process(context.Background(), "a.pdf", []byte("x"), events)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process blocked on an unread event channel")
	}
}

type mapCache struct {
	mu   sync.Mutex
	docs map[string]domain.Document
}

func (c *mapCache) Lookup(ctx context.Context, key string) (*domain.Document, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[key]
	if !ok {
		return nil, false, nil
	}
	return &doc, true, nil
}

func (c *mapCache) Store(ctx context.Context, key string, doc *domain.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[key] = *doc
	return nil
}

func TestProcess_CacheHit(t *testing.T) {
	cache := &mapCache{docs: map[string]domain.Document{}}
	engine := &scriptedEngine{}
	svc := newTestService(t, 3, engine, 50, WithCache(cache))

	first, err := svc.Process(context.Background(), "a.pdf", []byte("same bytes"), nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Process(context.Background(), "b.pdf", []byte("same bytes"), nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "b.pdf", second.Name)
	assert.Equal(t, first.Markdown, second.Markdown)
	assert.Len(t, engine.batches, 1)

	_, err = svc.Process(context.Background(), "c.pdf", []byte("other bytes"), nil)
	require.NoError(t, err)
	assert.Len(t, engine.batches, 2)
}

type recordedRun struct {
	name, sha string
	doc       *domain.Document
	err       error
}

type memRecorder struct {
	mu   sync.Mutex
	runs map[string]*recordedRun
}

func (r *memRecorder) RunStarted(ctx context.Context, id, name, sha string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = &recordedRun{name: name, sha: sha}
	return nil
}

func (r *memRecorder) RunFinished(ctx context.Context, id string, doc *domain.Document, stats domain.ProcessingStats, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return errors.New("unknown run")
	}
	run.doc = doc
	run.err = runErr
	return nil
}

func TestProcess_RecordsRuns(t *testing.T) {
	recorder := &memRecorder{runs: map[string]*recordedRun{}}
	svc := newTestService(t, 2, &scriptedEngine{failAt: 2}, 50, WithRunRecorder(recorder))

	_, err := svc.Process(context.Background(), "ok.pdf", []byte("x"), nil)
	require.NoError(t, err)
	_, err = svc.Process(context.Background(), "bad.pdf", []byte("y"), nil)
	require.Error(t, err)

	require.Len(t, recorder.runs, 2)
	for _, run := range recorder.runs {
		assert.Len(t, run.sha, 64)
		switch run.name {
		case "ok.pdf":
			require.NotNil(t, run.doc)
			assert.NoError(t, run.err)
		case "bad.pdf":
			assert.Nil(t, run.doc)
			assert.Error(t, run.err)
		}
	}
}

func TestAggregator(t *testing.T) {
	agg := NewAggregator()
	require.NoError(t, agg.Append(
		domain.NormalizedPage{Index: 0, Markdown: "a"},
		domain.NormalizedPage{Index: 1, Markdown: ""},
	))
	require.NoError(t, agg.Append(domain.NormalizedPage{Index: 2, Markdown: "c"}))

	doc := agg.Document("x.pdf")
	assert.Equal(t, "a\n\n\n\nc", doc.Markdown)
	assert.Equal(t, 3, doc.Pages)
	assert.Equal(t, doc, agg.Document("x.pdf"))

	err := agg.Append(domain.NormalizedPage{Index: 5, Markdown: "late"})
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
	assert.Equal(t, 3, agg.Len())
}

func TestAggregator_TwoPages(t *testing.T) {
	agg := NewAggregator()
	require.NoError(t, agg.Append(
		domain.NormalizedPage{Index: 0, Markdown: "Page1"},
		domain.NormalizedPage{Index: 1, Markdown: "Page2"},
	))
	assert.Equal(t, "Page1\n\nPage2", agg.Document("two.pdf").Markdown)
}

func TestAggregator_RejectedBatchLeavesNoTrace(t *testing.T) {
	agg := NewAggregator()
	require.NoError(t, agg.Append(domain.NormalizedPage{Index: 0, Markdown: "a"}))

	err := agg.Append(
		domain.NormalizedPage{Index: 1, Markdown: "b"},
		domain.NormalizedPage{Index: 2, Markdown: "c"},
		domain.NormalizedPage{Index: 4, Markdown: "e"},
	)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "page 5 arrived out of order, expected page 4")
	assert.Equal(t, 1, agg.Len())
	assert.Equal(t, "a", agg.Document("x.pdf").Markdown)

	require.NoError(t, agg.Append(domain.NormalizedPage{Index: 1, Markdown: "b"}))
	assert.Equal(t, "a\n\nb", agg.Document("x.pdf").Markdown)
}
