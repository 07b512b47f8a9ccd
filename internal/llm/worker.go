package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spherical/pdf-ocr/internal/domain"
)

var _ domain.InferenceEngine = (*WorkerEngine)(nil)

// WorkerEngine submits a whole batch in one HTTP call to a GPU worker that
// holds the model in-process and runs the batch through its own scheduler.
type WorkerEngine struct {
	*Config
	retry *RetryConfig
}

// BatchRequest is the JSON body posted to the worker's /generate endpoint
type BatchRequest struct {
	Model    string         `json:"model"`
	Items    []BatchItem    `json:"items"`
	Sampling SamplingFields `json:"sampling"`
}

// BatchItem is one page of a batch
type BatchItem struct {
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
	MIMEType    string `json:"mime_type"`
	BaseSize    int    `json:"base_size"`
	ImageSize   int    `json:"image_size"`
	CropMode    bool   `json:"crop_mode"`
	MinCrops    int    `json:"min_crops,omitempty"`
	MaxCrops    int    `json:"max_crops,omitempty"`
}

// SamplingFields mirrors SamplingParams on the wire
type SamplingFields struct {
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`
	NGramSize         int     `json:"ngram_size,omitempty"`
	WindowSize        int     `json:"window_size,omitempty"`
	WhitelistTokenIDs []int   `json:"whitelist_token_ids,omitempty"`
}

// BatchResponse is the worker's reply, one output per item in request order
type BatchResponse struct {
	Outputs []BatchOutput `json:"outputs"`
	Error   string        `json:"error,omitempty"`
}

// BatchOutput is one generated page
type BatchOutput struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// NewWorkerEngine creates an engine for the worker listening at url
func NewWorkerEngine(url, model string, options ...Option) (*WorkerEngine, error) {
	if url == "" {
		return nil, domain.ConfigError("worker url is required", nil)
	}

	cfg := newConfig(url, model, options)

	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.maxRetries

	return &WorkerEngine{
		Config: cfg,
		retry:  retry,
	}, nil
}

// Generate implements domain.InferenceEngine
func (e *WorkerEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	if len(requests) == 0 {
		return []domain.RawGeneration{}, nil
	}

	body, err := json.Marshal(e.buildRequest(requests))
	if err != nil {
		return nil, domain.InferenceError("failed to marshal batch", err)
	}

	endpoint := strings.TrimRight(e.url, "/") + "/generate"

	resp, err := e.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}

		return e.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, domain.InferenceError(fmt.Sprintf("worker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.InferenceError("failed to decode worker response", err)
	}

	if out.Error != "" {
		return nil, domain.InferenceError("worker reported failure: "+out.Error, nil)
	}

	results := make([]domain.RawGeneration, len(out.Outputs))
	for i, o := range out.Outputs {
		page := i
		if i < len(requests) {
			page = requests[i].PageIndex
		}
		results[i] = domain.RawGeneration{
			PageIndex:    page,
			Text:         o.Text,
			FinishReason: o.FinishReason,
		}
	}

	e.logger.Debug().Int("items", len(requests)).Int("outputs", len(results)).Msg("Worker batch complete")

	return results, nil
}

func (e *WorkerEngine) buildRequest(requests []domain.InferenceRequest) *BatchRequest {
	items := make([]BatchItem, len(requests))
	for i, r := range requests {
		items[i] = BatchItem{
			Prompt:      r.Prompt,
			ImageBase64: base64.StdEncoding.EncodeToString(r.Visual.Data),
			MIMEType:    r.Visual.MIMEType,
			BaseSize:    r.Visual.BaseSize,
			ImageSize:   r.Visual.ImageSize,
			CropMode:    r.Visual.CropMode,
			MinCrops:    r.Visual.MinCrops,
			MaxCrops:    r.Visual.MaxCrops,
		}
	}

	return &BatchRequest{
		Model: e.model,
		Items: items,
		Sampling: SamplingFields{
			MaxTokens:         e.sampling.MaxTokens,
			Temperature:       e.sampling.Temperature,
			SkipSpecialTokens: e.sampling.SkipSpecialTokens,
			NGramSize:         e.sampling.NGramSize,
			WindowSize:        e.sampling.WindowSize,
			WhitelistTokenIDs: e.sampling.WhitelistTokenIDs,
		},
	}
}
