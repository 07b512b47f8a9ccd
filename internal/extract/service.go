// Package extract orchestrates the rasterize, batch, infer, normalize and
// aggregate pipeline for one document at a time.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/spherical/pdf-ocr/internal/chunk"
	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// RequestBuilder turns a chunk of pages into index-aligned requests
type RequestBuilder interface {
	BuildBatch(ctx context.Context, pages []domain.PageImage) ([]domain.InferenceRequest, error)
}

// ResultCache stores finished documents by content key
type ResultCache interface {
	Lookup(ctx context.Context, key string) (*domain.Document, bool, error)
	Store(ctx context.Context, key string, doc *domain.Document) error
}

// RunRecorder persists the outcome of every run
type RunRecorder interface {
	RunStarted(ctx context.Context, id, name, sha string) error
	RunFinished(ctx context.Context, id string, doc *domain.Document, stats domain.ProcessingStats, runErr error) error
}

// Options holds pipeline tuning
type Options struct {
	ChunkSize   int
	RunTimeout  time.Duration
	Fingerprint string // identifies output-affecting settings for cache keys
}

// Service orchestrates the PDF transcription process
type Service struct {
	rasterizer domain.Rasterizer
	builder    RequestBuilder
	engine     domain.InferenceEngine
	normalizer domain.Normalizer
	opts       Options

	cache ResultCache
	runs  RunRecorder

	// engineMu keeps a single inference call in flight across concurrent runs.
	engineMu sync.Mutex

	logger *observability.Logger
}

var _ domain.Pipeline = (*Service)(nil)

// ServiceOption configures optional collaborators
type ServiceOption func(*Service)

// WithCache enables whole-document result caching
func WithCache(c ResultCache) ServiceOption {
	return func(s *Service) {
		s.cache = c
	}
}

// WithRunRecorder records every run
func WithRunRecorder(r RunRecorder) ServiceOption {
	return func(s *Service) {
		s.runs = r
	}
}

// NewService creates a new transcription service
func NewService(
	rasterizer domain.Rasterizer,
	builder RequestBuilder,
	engine domain.InferenceEngine,
	normalizer domain.Normalizer,
	opts Options,
	logger *observability.Logger,
	options ...ServiceOption,
) (*Service, error) {
	if rasterizer == nil || builder == nil || engine == nil || normalizer == nil {
		return nil, domain.ConfigError("rasterizer, builder, engine and normalizer are required", nil)
	}
	if opts.ChunkSize < 1 {
		return nil, domain.ConfigError(fmt.Sprintf("chunk size must be at least 1, got %d", opts.ChunkSize), nil)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Service{
		rasterizer: rasterizer,
		builder:    builder,
		engine:     engine,
		normalizer: normalizer,
		opts:       opts,
		logger:     logger.WithComponent("pipeline"),
	}

	for _, option := range options {
		option(s)
	}

	return s, nil
}

// Process converts one document into markdown. The run is all-or-nothing:
// on failure no partial document is returned. Events go to eventCh when it is
// non-nil; a full channel drops events rather than stalling the run.
func (s *Service) Process(ctx context.Context, name string, data []byte, eventCh chan<- domain.StreamEvent) (*domain.Document, error) {
	startTime := time.Now()

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	runID := uuid.NewString()
	ctx = observability.ContextWithRunID(ctx, runID)

	ctx, span := observability.Tracer().Start(ctx, "process "+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("pdf_ocr.run_id", runID),
		attribute.String("pdf_ocr.document.sha256", digest),
	)

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	logger := s.logger.WithContext(ctx)

	s.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventStart,
		Payload:   domain.Progress{Message: fmt.Sprintf("Starting transcription of %s", name)},
		Timestamp: time.Now(),
	})

	if s.runs != nil {
		if err := s.runs.RunStarted(ctx, runID, name, digest); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	cacheKey := resultKey(digest, s.opts.Fingerprint)

	if doc, ok := s.lookup(ctx, logger, cacheKey); ok {
		doc.Name = name
		stats := domain.ProcessingStats{TotalTime: time.Since(startTime), Pages: doc.Pages, Chunks: doc.Chunks, OutputChars: len(doc.Markdown)}
		s.finish(ctx, logger, runID, doc, stats, nil)
		s.emitComplete(eventCh, doc, stats)
		return doc, nil
	}

	doc, stats, err := s.run(ctx, logger, name, data, eventCh)
	stats.TotalTime = time.Since(startTime)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && s.opts.RunTimeout > 0 {
			err = fmt.Errorf("run exceeded %s: %w", s.opts.RunTimeout, err)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		logger.Error().Err(err).Str("error_type", string(domain.TypeOf(err))).Dur("elapsed", stats.TotalTime).Msg("Transcription failed")

		s.setState(eventCh, domain.StateFailed)
		s.emitError(eventCh, err)
		s.finish(ctx, logger, runID, nil, stats, err)
		return nil, err
	}

	doc.SHA256 = digest

	if s.cache != nil {
		if err := s.cache.Store(ctx, cacheKey, doc); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache document")
		}
	}

	logger.Info().
		Str("document", name).
		Int("pages", stats.Pages).
		Int("chunks", stats.Chunks).
		Int("empty_pages", stats.EmptyPages).
		Int("chars", stats.OutputChars).
		Dur("inference", stats.InferenceTime).
		Dur("elapsed", stats.TotalTime).
		Msg("Transcription complete")

	s.finish(ctx, logger, runID, doc, stats, nil)
	s.emitComplete(eventCh, doc, stats)

	return doc, nil
}

// run executes the state machine for one document.
func (s *Service) run(ctx context.Context, logger *observability.Logger, name string, data []byte, eventCh chan<- domain.StreamEvent) (*domain.Document, domain.ProcessingStats, error) {
	var stats domain.ProcessingStats

	s.setState(eventCh, domain.StateRasterizing)
	pages, err := s.rasterizer.Rasterize(ctx, data)
	if err != nil {
		return nil, stats, err
	}
	stats.Pages = len(pages)

	s.setState(eventCh, domain.StateChunking)
	chunks, err := chunk.Plan(len(pages), s.opts.ChunkSize)
	if err != nil {
		return nil, stats, err
	}
	stats.Chunks = len(chunks)

	logger.Info().Int("pages", len(pages)).Int("chunks", len(chunks)).Int("chunk_size", s.opts.ChunkSize).Msg("Document rasterized")

	agg := NewAggregator()

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		s.emitEvent(eventCh, domain.StreamEvent{
			Type:  domain.EventChunkStart,
			Chunk: c.Index,
			Payload: domain.Progress{
				Message: fmt.Sprintf("Processing pages %d-%d", c.Start+1, c.End),
				Current: c.Start,
				Total:   len(pages),
			},
			Timestamp: time.Now(),
		})

		normalized, inferTime, err := s.processChunk(ctx, eventCh, c, pages[c.Start:c.End])
		if err != nil {
			return nil, stats, fmt.Errorf("chunk %d (pages %d-%d): %w", c.Index+1, c.Start+1, c.End, err)
		}
		stats.InferenceTime += inferTime

		for _, p := range normalized {
			if strings.TrimSpace(p.Markdown) == "" {
				stats.EmptyPages++
				logger.Warn().Int("page", p.Index+1).Msg("Model returned no text for page")
			}
		}

		if err := agg.Append(normalized...); err != nil {
			return nil, stats, err
		}

		// rendered pages are no longer needed once their chunk is transcribed
		for i := c.Start; i < c.End; i++ {
			pages[i].Image = nil
		}

		s.emitEvent(eventCh, domain.StreamEvent{
			Type:  domain.EventChunkComplete,
			Chunk: c.Index,
			Payload: domain.Progress{
				Message: fmt.Sprintf("Completed pages %d-%d", c.Start+1, c.End),
				Current: c.End,
				Total:   len(pages),
			},
			Timestamp: time.Now(),
		})
	}

	s.setState(eventCh, domain.StateAggregated)
	doc := agg.Document(name)
	doc.Chunks = len(chunks)
	stats.OutputChars = len(doc.Markdown)

	s.setState(eventCh, domain.StateDone)
	return doc, stats, nil
}

// processChunk builds, infers and normalizes one chunk of pages.
func (s *Service) processChunk(ctx context.Context, eventCh chan<- domain.StreamEvent, c domain.Chunk, pages []domain.PageImage) ([]domain.NormalizedPage, time.Duration, error) {
	s.setState(eventCh, domain.StatePreprocessing)
	requests, err := s.builder.BuildBatch(ctx, pages)
	if err != nil {
		return nil, 0, err
	}

	s.setState(eventCh, domain.StateInferring)
	start := time.Now()
	generations, err := s.generate(ctx, requests)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, err
	}

	if len(generations) != len(requests) {
		return nil, elapsed, domain.InferenceError(
			fmt.Sprintf("engine returned %d outputs for %d requests", len(generations), len(requests)), nil)
	}

	s.setState(eventCh, domain.StateNormalizing)
	normalized := make([]domain.NormalizedPage, len(generations))
	for i, g := range generations {
		normalized[i] = domain.NormalizedPage{
			Index:    c.Start + i,
			Markdown: s.normalizer.Normalize(g.Text),
		}
	}

	return normalized, elapsed, nil
}

// generate makes the single blocking engine call for a chunk.
func (s *Service) generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	generations, err := s.engine.Generate(ctx, requests)
	if err != nil {
		if ctx.Err() != nil || domain.IsType(err, domain.ErrorTypeInference) {
			return nil, err
		}
		return nil, domain.InferenceError("engine call failed", err)
	}
	return generations, nil
}

// resultKey scopes a document digest to the settings that shape its output.
func resultKey(digest, fingerprint string) string {
	if fingerprint == "" {
		return digest
	}
	sum := sha256.Sum256([]byte(fingerprint))
	return digest + ":" + hex.EncodeToString(sum[:8])
}

func (s *Service) lookup(ctx context.Context, logger *observability.Logger, key string) (*domain.Document, bool) {
	if s.cache == nil {
		return nil, false
	}

	doc, ok, err := s.cache.Lookup(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Cache lookup failed, transcribing")
		return nil, false
	}
	if ok {
		logger.Info().Int("pages", doc.Pages).Msg("Serving cached transcription")
		doc.Cached = true
	}
	return doc, ok
}

func (s *Service) finish(ctx context.Context, logger *observability.Logger, runID string, doc *domain.Document, stats domain.ProcessingStats, runErr error) {
	if s.runs == nil {
		return
	}
	// the run context may already be expired; the ledger write must still land
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.runs.RunFinished(recordCtx, runID, doc, stats, runErr); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run result")
	}
}

func (s *Service) setState(eventCh chan<- domain.StreamEvent, state domain.RunState) {
	s.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventState,
		State:     state,
		Timestamp: time.Now(),
	})
}

func (s *Service) emitComplete(eventCh chan<- domain.StreamEvent, doc *domain.Document, stats domain.ProcessingStats) {
	s.emitEvent(eventCh, domain.StreamEvent{
		Type: domain.EventComplete,
		Payload: domain.Progress{
			Message: fmt.Sprintf("Transcribed %d pages in %v", doc.Pages, stats.TotalTime.Round(time.Millisecond)),
			Current: doc.Pages,
			Total:   doc.Pages,
		},
		Timestamp: time.Now(),
	})
}

// emitEvent safely emits an event to the channel
func (s *Service) emitEvent(eventCh chan<- domain.StreamEvent, event domain.StreamEvent) {
	if eventCh != nil {
		select {
		case eventCh <- event:
		default:
			s.logger.Warn().Str("event", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}
}

// emitError emits an error event
func (s *Service) emitError(eventCh chan<- domain.StreamEvent, err error) {
	s.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventError,
		Payload:   err.Error(),
		Timestamp: time.Now(),
	})
}
