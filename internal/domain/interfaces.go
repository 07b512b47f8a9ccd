package domain

import (
	"context"
	"image"
)

// Rasterizer turns document bytes into ordered page images
type Rasterizer interface {
	// Rasterize renders every page in source order. Any page failure aborts the whole call.
	Rasterize(ctx context.Context, data []byte) ([]PageImage, error)
}

// Preprocessor turns a page image into the engine's visual representation
type Preprocessor interface {
	Encode(img image.Image) (VisualEncoding, error)
}

// InferenceEngine runs one blocking batch generation.
// The returned slice has the same length and order as requests.
type InferenceEngine interface {
	Generate(ctx context.Context, requests []InferenceRequest) ([]RawGeneration, error)
}

// Normalizer cleans raw model output into markdown
type Normalizer interface {
	Normalize(raw string) string
}

// Pipeline converts a whole document into markdown
type Pipeline interface {
	Process(ctx context.Context, name string, data []byte, eventCh chan<- StreamEvent) (*Document, error)
}
