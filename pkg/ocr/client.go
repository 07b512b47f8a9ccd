// Package ocr is the public entry point for converting PDF documents to
// markdown with a vision-language OCR model.
package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/spherical/pdf-ocr/internal/cache"
	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/extract"
	"github.com/spherical/pdf-ocr/internal/llm"
	"github.com/spherical/pdf-ocr/internal/normalize"
	"github.com/spherical/pdf-ocr/internal/observability"
	"github.com/spherical/pdf-ocr/internal/pdf"
	"github.com/spherical/pdf-ocr/internal/request"
	"github.com/spherical/pdf-ocr/internal/storage"
)

// Re-export types for the public API
type (
	Config      = config.Config
	Document    = domain.Document
	StreamEvent = domain.StreamEvent
	EventType   = domain.EventType
	RunState    = domain.RunState
	Progress    = domain.Progress
	Run         = storage.Run
)

// Event type constants
const (
	EventStart         = domain.EventStart
	EventState         = domain.EventState
	EventChunkStart    = domain.EventChunkStart
	EventChunkComplete = domain.EventChunkComplete
	EventError         = domain.EventError
	EventComplete      = domain.EventComplete
)

// Run ledger errors
var (
	ErrLedgerDisabled = storage.ErrDisabled
	ErrRunNotFound    = storage.ErrNotFound
)

// Client is the main entry point for the library
type Client struct {
	cfg       *config.Config
	service   *extract.Service
	validator *pdf.Validator
	cache     *cache.DocumentCache
	store     *storage.Store
	logger    *observability.Logger
}

type clientOptions struct {
	logger *observability.Logger
	engine domain.InferenceEngine
}

// Option customizes a Client
type Option func(*clientOptions)

// WithLogger sets the logger used by every component
func WithLogger(l *observability.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithEngine replaces the engine built from configuration
func WithEngine(e domain.InferenceEngine) Option {
	return func(o *clientOptions) {
		o.engine = e
	}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads configuration from a YAML file and the environment
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewClient wires a client from configuration. A nil cfg uses the defaults.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	engine := o.engine
	if engine == nil {
		var err error
		engine, err = llm.NewEngine(cfg.Engine, logger)
		if err != nil {
			return nil, err
		}
	}

	converter := pdf.NewConverter(cfg.Render.Zoom, logger)
	encoder := request.NewImageEncoder(request.EncoderOptions{
		BaseSize:  cfg.Encoder.BaseSize,
		ImageSize: cfg.Encoder.ImageSize,
		CropMode:  cfg.Encoder.CropMode,
		MinCrops:  cfg.Encoder.MinCrops,
		MaxCrops:  cfg.Encoder.MaxCrops,
		Format:    cfg.Encoder.Format,
		Quality:   cfg.Encoder.Quality,
		MaxEdge:   cfg.Encoder.MaxEdge,
	})
	builder := request.NewBuilder(cfg.Engine.Prompt, encoder, cfg.Pipeline.Workers, logger)

	ctx := context.Background()

	c := &Client{
		cfg:       cfg,
		validator: pdf.NewValidator(logger),
		logger:    logger,
	}

	var serviceOpts []extract.ServiceOption

	docs, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	if docs != nil {
		c.cache = docs
		serviceOpts = append(serviceOpts, extract.WithCache(docs))
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if store != nil {
		c.store = store
		serviceOpts = append(serviceOpts, extract.WithRunRecorder(store.Runs))
	}

	c.service, err = extract.NewService(converter, builder, engine, normalize.New(), extract.Options{
		ChunkSize:   cfg.Pipeline.ChunkSize,
		RunTimeout:  cfg.Pipeline.RunTimeout,
		Fingerprint: cfg.Fingerprint(),
	}, logger, serviceOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Config returns the configuration the client was built with
func (c *Client) Config() *Config {
	return c.cfg
}

// Convert transcribes an in-memory PDF. Events are sent to eventCh when it
// is non-nil; the channel is not closed.
func (c *Client) Convert(ctx context.Context, name string, data []byte, eventCh chan<- StreamEvent) (*Document, error) {
	return c.service.Process(ctx, name, data, eventCh)
}

// ConvertFile transcribes the PDF at path.
func (c *Client) ConvertFile(ctx context.Context, path string, eventCh chan<- StreamEvent) (*Document, error) {
	if err := c.validator.ValidatePDFPath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.IOError("failed to read PDF file", err)
	}

	return c.Convert(ctx, filepath.Base(path), data, eventCh)
}

// Stream runs Convert in the background and returns its event channel,
// closed once the run ends. The final event is either complete or error.
func (c *Client) Stream(ctx context.Context, name string, data []byte) <-chan StreamEvent {
	eventCh := make(chan StreamEvent, 100)

	go func() {
		defer close(eventCh)
		_, _ = c.Convert(ctx, name, data, eventCh)
	}()

	return eventCh
}

// Run fetches one recorded run
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	if c.store == nil {
		return nil, ErrLedgerDisabled
	}
	runID, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ValidationError("invalid run id", err)
	}
	return c.store.Runs.GetByID(ctx, runID)
}

// Runs lists the most recent runs, newest first
func (c *Client) Runs(ctx context.Context, limit int) ([]*Run, error) {
	if c.store == nil {
		return nil, ErrLedgerDisabled
	}
	return c.store.Runs.List(ctx, limit)
}

// Close cleans up resources
func (c *Client) Close() error {
	var errs []error
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}
