package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// imagePlaceholder marks the image position in raw prompts. Chat templates
// insert it themselves, so it is dropped from chat messages.
const imagePlaceholder = "<image>"

var _ domain.InferenceEngine = (*OpenAIEngine)(nil)

// Config holds connection settings shared by the HTTP engines
type Config struct {
	url   string
	model string
	token string

	client      *http.Client
	concurrency int
	maxRetries  int
	timeout     time.Duration
	sampling    SamplingParams
	logger      *observability.Logger
}

// Option customizes an engine
type Option func(*Config)

func WithClient(client *http.Client) Option {
	return func(c *Config) {
		c.client = client
	}
}

func WithToken(token string) Option {
	return func(c *Config) {
		c.token = token
	}
}

// WithConcurrency bounds in-flight requests per batch, matching the server's max_num_seqs.
func WithConcurrency(n int) Option {
	return func(c *Config) {
		c.concurrency = n
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.maxRetries = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.timeout = d
	}
}

func WithSampling(p SamplingParams) Option {
	return func(c *Config) {
		c.sampling = p
	}
}

func WithLogger(l *observability.Logger) Option {
	return func(c *Config) {
		c.logger = l
	}
}

func newConfig(url, model string, options []Option) *Config {
	cfg := &Config{
		url:         url,
		model:       model,
		concurrency: 4,
		maxRetries:  2,
		sampling:    DefaultSamplingParams(),
	}

	for _, option := range options {
		option(cfg)
	}

	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = 1
	}
	if cfg.logger == nil {
		cfg.logger = observability.NopLogger()
	}

	return cfg
}

func (c *Config) requestOptions() []option.RequestOption {
	options := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(c.url, "/") + "/"),
		option.WithHTTPClient(c.client),
		option.WithMaxRetries(c.maxRetries),
	}

	// vLLM accepts any key unless started with --api-key
	token := c.token
	if token == "" {
		token = "EMPTY"
	}
	options = append(options, option.WithAPIKey(token))

	if c.timeout > 0 {
		options = append(options, option.WithRequestTimeout(c.timeout))
	}

	return options
}

// OpenAIEngine sends each page as one chat completion to an OpenAI-compatible
// server such as vLLM. A batch fans out over a bounded pool and resolves when
// every page has completed.
type OpenAIEngine struct {
	*Config
	completions openai.ChatCompletionService
}

// NewOpenAIEngine creates an engine for the model served at url
func NewOpenAIEngine(url, model string, options ...Option) (*OpenAIEngine, error) {
	if url == "" {
		return nil, domain.ConfigError("engine url is required", nil)
	}
	if model == "" {
		return nil, domain.ConfigError("engine model is required", nil)
	}

	cfg := newConfig(url, model, options)

	return &OpenAIEngine{
		Config:      cfg,
		completions: openai.NewChatCompletionService(cfg.requestOptions()...),
	}, nil
}

// Generate implements domain.InferenceEngine
func (e *OpenAIEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	results := make([]domain.RawGeneration, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, req := range requests {
		g.Go(func() error {
			gen, err := e.complete(gctx, req)
			if err != nil {
				return err
			}
			results[i] = gen
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (e *OpenAIEngine) complete(ctx context.Context, req domain.InferenceRequest) (domain.RawGeneration, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL(req.Visual),
				}),
				openai.TextContentPart(chatPrompt(req.Prompt)),
			}),
		},
		MaxTokens:   openai.Int(int64(e.sampling.MaxTokens)),
		Temperature: openai.Float(e.sampling.Temperature),
	}

	extra := []option.RequestOption{
		option.WithJSONSet("skip_special_tokens", e.sampling.SkipSpecialTokens),
	}
	if args := e.sampling.logitsArgs(); args != nil {
		extra = append(extra, option.WithJSONSet("vllm_xargs", args))
	}

	start := time.Now()
	completion, err := e.completions.New(ctx, params, extra...)
	if err != nil {
		return domain.RawGeneration{}, convertError(req.PageIndex, err)
	}

	if len(completion.Choices) == 0 {
		return domain.RawGeneration{}, domain.InferenceError(fmt.Sprintf("page %d: completion has no choices", req.PageIndex+1), nil)
	}

	choice := completion.Choices[0]

	e.logger.Debug().
		Int("page", req.PageIndex+1).
		Str("finish_reason", choice.FinishReason).
		Int64("completion_tokens", completion.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("Page generated")

	return domain.RawGeneration{
		PageIndex:    req.PageIndex,
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}, nil
}

func convertError(page int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return domain.InferenceError(fmt.Sprintf("page %d: engine returned status %d", page+1, apierr.StatusCode), err)
	}

	return domain.InferenceError(fmt.Sprintf("page %d: completion request failed", page+1), err)
}

// dataURL inlines an encoded page as a base64 data URL
func dataURL(v domain.VisualEncoding) string {
	mime := v.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(v.Data)
}

// chatPrompt removes the raw image placeholder from a prompt.
func chatPrompt(prompt string) string {
	return strings.TrimLeft(strings.Replace(prompt, imagePlaceholder, "", 1), "\n")
}
