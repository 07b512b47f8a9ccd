package domain

import (
	"image"
	"time"
)

// PageImage represents a single rasterized page
type PageImage struct {
	Index int // 0-based position in the source document
	Image image.Image
}

// Width returns the rendered page width in pixels
func (p PageImage) Width() int {
	if p.Image == nil {
		return 0
	}
	return p.Image.Bounds().Dx()
}

// Height returns the rendered page height in pixels
func (p PageImage) Height() int {
	if p.Image == nil {
		return 0
	}
	return p.Image.Bounds().Dy()
}

// VisualEncoding is the preprocessed form of a page image. Only engines read it.
type VisualEncoding struct {
	MIMEType  string
	Data      []byte
	Width     int
	Height    int
	BaseSize  int
	ImageSize int
	CropMode  bool
	MinCrops  int
	MaxCrops  int
}

// InferenceRequest pairs the prompt with one page's visual encoding
type InferenceRequest struct {
	PageIndex int
	Prompt    string
	Visual    VisualEncoding
}

// Chunk is a contiguous, half-open range of page indices [Start, End)
type Chunk struct {
	Index int
	Start int
	End   int
}

// Len returns the number of pages in the chunk
func (c Chunk) Len() int {
	return c.End - c.Start
}

// RawGeneration is the unprocessed text an engine produced for one page
type RawGeneration struct {
	PageIndex    int
	Text         string
	FinishReason string
}

// NormalizedPage is the cleaned markdown for one page
type NormalizedPage struct {
	Index    int
	Markdown string
}

// Document is the final ordered transcript of a source file
type Document struct {
	Name     string `json:"name"`
	Markdown string `json:"markdown"`
	Pages    int    `json:"pages"`
	Chunks   int    `json:"chunks"`
	SHA256   string `json:"sha256,omitempty"`
	Cached   bool   `json:"cached,omitempty"`
}

// RunState is a step of the per-document pipeline
type RunState string

const (
	StateRasterizing   RunState = "rasterizing"
	StateChunking      RunState = "chunking"
	StatePreprocessing RunState = "preprocessing"
	StateInferring     RunState = "inferring"
	StateNormalizing   RunState = "normalizing"
	StateAggregated    RunState = "aggregated"
	StateDone          RunState = "done"
	StateFailed        RunState = "failed"
)

// Terminal reports whether no further transitions happen from s
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// EventType represents the type of stream event
type EventType string

const (
	EventStart         EventType = "start"
	EventState         EventType = "state"
	EventChunkStart    EventType = "chunk_start"
	EventChunkComplete EventType = "chunk_complete"
	EventError         EventType = "error"
	EventComplete      EventType = "complete"
)

// StreamEvent represents an event emitted during processing
type StreamEvent struct {
	Type      EventType   `json:"type"`
	State     RunState    `json:"state,omitempty"`
	Chunk     int         `json:"chunk,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Progress is the payload of progress-carrying events
type Progress struct {
	Message string `json:"message"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// ProcessingStats contains metadata about one run
type ProcessingStats struct {
	TotalTime     time.Duration
	Pages         int
	Chunks        int
	EmptyPages    int
	OutputChars   int
	InferenceTime time.Duration
}
