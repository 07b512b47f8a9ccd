package request

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// stubEncoder records its width as the encoded payload and sleeps longer for
// earlier pages so completion order is the reverse of input order.
type stubEncoder struct {
	mu       sync.Mutex
	active   int32
	peak     int32
	failOn   int // page width that triggers a failure, 0 never fails
	failWith error
	delay    func(width int) time.Duration
}

func (s *stubEncoder) Encode(img image.Image) (domain.VisualEncoding, error) {
	cur := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)

	s.mu.Lock()
	if cur > s.peak {
		s.peak = cur
	}
	s.mu.Unlock()

	w := img.Bounds().Dx()
	if s.delay != nil {
		time.Sleep(s.delay(w))
	}
	if s.failOn != 0 && w == s.failOn {
		return domain.VisualEncoding{}, s.failWith
	}
	return domain.VisualEncoding{MIMEType: "test/width", Width: w}, nil
}

func pagesOfWidth(n int) []domain.PageImage {
	pages := make([]domain.PageImage, n)
	for i := range pages {
		pages[i] = domain.PageImage{Index: i, Image: image.NewGray(image.Rect(0, 0, i+1, 1))}
	}
	return pages
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder("<image>\nConvert.", &stubEncoder{}, 1, nil)

	req, err := b.Build(domain.PageImage{Index: 4, Image: image.NewGray(image.Rect(0, 0, 9, 9))})
	require.NoError(t, err)
	assert.Equal(t, 4, req.PageIndex)
	assert.Equal(t, "<image>\nConvert.", req.Prompt)
	assert.Equal(t, 9, req.Visual.Width)
}

func TestBuilder_BuildBatchPreservesOrder(t *testing.T) {
	const n = 24
	enc := &stubEncoder{
		delay: func(w int) time.Duration { return time.Duration(n-w) * time.Millisecond },
	}
	b := NewBuilder("p", enc, 8, nil)

	reqs, err := b.BuildBatch(context.Background(), pagesOfWidth(n))
	require.NoError(t, err)
	require.Len(t, reqs, n)

	for i, r := range reqs {
		assert.Equal(t, i, r.PageIndex)
		assert.Equal(t, i+1, r.Visual.Width, "request %d carries another page's encoding", i)
	}
	assert.LessOrEqual(t, enc.peak, int32(8))
}

func TestBuilder_BuildBatchRespectsWorkerLimit(t *testing.T) {
	enc := &stubEncoder{delay: func(int) time.Duration { return 5 * time.Millisecond }}
	b := NewBuilder("p", enc, 2, nil)

	_, err := b.BuildBatch(context.Background(), pagesOfWidth(10))
	require.NoError(t, err)
	assert.LessOrEqual(t, enc.peak, int32(2))
}

func TestBuilder_BuildBatchFailsWholeBatch(t *testing.T) {
	cause := errors.New("unsupported dimensions")
	enc := &stubEncoder{failOn: 6, failWith: cause}
	b := NewBuilder("p", enc, 4, nil)

	reqs, err := b.BuildBatch(context.Background(), pagesOfWidth(10))
	require.Error(t, err)
	assert.Nil(t, reqs, "no partial batch on failure")
	assert.True(t, domain.IsType(err, domain.ErrorTypePreprocess))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "page 6")
}

func TestBuilder_BuildBatchEmpty(t *testing.T) {
	b := NewBuilder("p", &stubEncoder{}, 4, nil)
	reqs, err := b.BuildBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestBuilder_BuildBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewBuilder("p", &stubEncoder{}, 2, nil)
	_, err := b.BuildBatch(ctx, pagesOfWidth(5))
	assert.ErrorIs(t, err, context.Canceled)
}
