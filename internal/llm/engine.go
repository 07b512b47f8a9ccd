package llm

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// NewEngine builds the configured engine wrapped with rate limiting (when
// enabled) and tracing.
func NewEngine(cfg config.EngineConfig, logger *observability.Logger) (domain.InferenceEngine, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	options := []Option{
		WithToken(cfg.APIKey),
		WithConcurrency(cfg.MaxNumSeqs),
		WithMaxRetries(cfg.MaxRetries),
		WithTimeout(cfg.RequestTimeout),
		WithLogger(logger.WithComponent("engine").With().Str("driver", cfg.Driver).Logger()),
		WithClient(&http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    cfg.MaxNumSeqs * 2,
				MaxConnsPerHost: cfg.MaxNumSeqs,
			},
		}),
		WithSampling(SamplingParams{
			MaxTokens:         cfg.MaxTokens,
			Temperature:       cfg.Temperature,
			NGramSize:         cfg.NGramSize,
			WindowSize:        cfg.WindowSize,
			WhitelistTokenIDs: cfg.WhitelistTokenIDs,
		}),
	}

	var engine domain.InferenceEngine
	var err error

	switch cfg.Driver {
	case "openai", "":
		engine, err = NewOpenAIEngine(cfg.URL, cfg.Model, options...)
	case "worker":
		engine, err = NewWorkerEngine(cfg.URL, cfg.Model, options...)
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown engine driver: %s", cfg.Driver), nil)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		burst := max(1, cfg.MaxNumSeqs)
		engine = NewLimitedEngine(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst), engine)
	}

	return NewObservableEngine(cfg.Driver, cfg.Model, engine), nil
}
