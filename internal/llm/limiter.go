package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/spherical/pdf-ocr/internal/domain"
)

type limitedEngine struct {
	limiter *rate.Limiter
	engine  domain.InferenceEngine
}

// NewLimitedEngine waits for one limiter token per page before each batch.
func NewLimitedEngine(l *rate.Limiter, e domain.InferenceEngine) domain.InferenceEngine {
	return &limitedEngine{
		limiter: l,
		engine:  e,
	}
}

func (e *limitedEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	if e.limiter != nil && len(requests) > 0 {
		n := max(1, min(len(requests), e.limiter.Burst()))
		for remaining := len(requests); remaining > 0; remaining -= n {
			if err := e.limiter.WaitN(ctx, min(n, remaining)); err != nil {
				return nil, err
			}
		}
	}

	return e.engine.Generate(ctx, requests)
}
