// Package request turns rasterized pages into inference requests.
package request

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// Builder pairs every page with the fixed prompt and its visual encoding
type Builder struct {
	prompt  string
	encoder domain.Preprocessor
	workers int
	logger  *observability.Logger
}

// NewBuilder creates a builder that preprocesses up to workers pages at once
func NewBuilder(prompt string, encoder domain.Preprocessor, workers int, logger *observability.Logger) *Builder {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Builder{
		prompt:  prompt,
		encoder: encoder,
		workers: workers,
		logger:  logger.WithComponent("request-builder"),
	}
}

// Build creates the request for one page
func (b *Builder) Build(page domain.PageImage) (domain.InferenceRequest, error) {
	visual, err := b.encoder.Encode(page.Image)
	if err != nil {
		if domain.IsType(err, domain.ErrorTypePreprocess) {
			return domain.InferenceRequest{}, fmt.Errorf("page %d: %w", page.Index+1, err)
		}
		return domain.InferenceRequest{}, domain.PreprocessError(fmt.Sprintf("encoder rejected page %d", page.Index+1), err)
	}

	return domain.InferenceRequest{
		PageIndex: page.Index,
		Prompt:    b.prompt,
		Visual:    visual,
	}, nil
}

// BuildBatch builds requests for pages concurrently. The result has the same
// length and order as pages regardless of completion order. The first
// failure cancels outstanding work and is returned.
func (b *Builder) BuildBatch(ctx context.Context, pages []domain.PageImage) ([]domain.InferenceRequest, error) {
	requests := make([]domain.InferenceRequest, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, page := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			req, err := b.Build(page)
			if err != nil {
				return err
			}

			requests[i] = req
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Debug().Err(err).Int("pages", len(pages)).Msg("Batch preprocessing failed")
		return nil, err
	}

	return requests, nil
}
