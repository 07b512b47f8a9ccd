// Package config loads pdf-ocr configuration from YAML, .env files and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// DefaultPrompt asks the model for grounded markdown of a single page image.
const DefaultPrompt = "<image>\n<|grounding|>Convert the document to markdown."

// Config holds all configuration for pdf-ocr.
type Config struct {
	Render        RenderConfig        `yaml:"render"`
	Encoder       EncoderConfig       `yaml:"encoder"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Engine        EngineConfig        `yaml:"engine"`
	Cache         CacheConfig         `yaml:"cache"`
	Storage       StorageConfig       `yaml:"storage"`
	Server        ServerConfig        `yaml:"server"`
	Output        OutputConfig        `yaml:"output"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RenderConfig controls rasterization.
type RenderConfig struct {
	Zoom float64 `yaml:"zoom"` // DPI = 72 * zoom
}

// DPI returns the render resolution implied by the zoom factor.
func (r RenderConfig) DPI() float64 {
	return 72 * r.Zoom
}

// EncoderConfig controls page image preprocessing.
type EncoderConfig struct {
	BaseSize  int    `yaml:"base_size"`
	ImageSize int    `yaml:"image_size"`
	CropMode  bool   `yaml:"crop_mode"`
	MinCrops  int    `yaml:"min_crops"`
	MaxCrops  int    `yaml:"max_crops"`
	Format    string `yaml:"format"` // jpeg or png
	Quality   int    `yaml:"quality"`
	MaxEdge   int    `yaml:"max_edge"` // 0 keeps the rendered size
}

// PipelineConfig controls batching.
type PipelineConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	Workers    int           `yaml:"workers"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// EngineConfig selects and tunes the inference engine.
type EngineConfig struct {
	Driver            string        `yaml:"driver"` // openai or worker
	URL               string        `yaml:"url"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Prompt            string        `yaml:"prompt"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	MaxNumSeqs        int           `yaml:"max_num_seqs"`
	NGramSize         int           `yaml:"ngram_size"`
	WindowSize        int           `yaml:"window_size"`
	WhitelistTokenIDs []int         `yaml:"whitelist_token_ids"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RateLimit         float64       `yaml:"rate_limit"` // requests per second, 0 disables
	MaxRetries        int           `yaml:"max_retries"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // none, memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// StorageConfig holds run ledger settings.
type StorageConfig struct {
	Driver string `yaml:"driver"` // none, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadMB      int64         `yaml:"max_upload_mb"`
}

// OutputConfig holds where converted markdown is saved.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// ObservabilityConfig holds logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	OTEL      OTELConfig `yaml:"otel"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("OCR_CONFIG")
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ConfigError("read config file", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.ConfigError("parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration DeepSeek-OCR is tuned for.
func DefaultConfig() *Config {
	return &Config{
		Render: RenderConfig{
			Zoom: 2.0,
		},
		Encoder: EncoderConfig{
			BaseSize:  1024,
			ImageSize: 768,
			CropMode:  true,
			MinCrops:  2,
			MaxCrops:  6,
			Format:    "jpeg",
			Quality:   95,
		},
		Pipeline: PipelineConfig{
			ChunkSize:  50,
			Workers:    8,
			RunTimeout: 24 * time.Hour,
		},
		Engine: EngineConfig{
			Driver:            "openai",
			URL:               "http://localhost:8000/v1",
			Model:             "deepseek-ai/DeepSeek-OCR-2",
			Prompt:            DefaultPrompt,
			MaxTokens:         8192,
			Temperature:       0,
			MaxNumSeqs:        4,
			NGramSize:         20,
			WindowSize:        50,
			WhitelistTokenIDs: []int{128821, 128822},
			RequestTimeout:    10 * time.Minute,
			MaxRetries:        2,
		},
		Cache: CacheConfig{
			Driver:     "none",
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 256,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "pdf-ocr:",
			},
		},
		Storage: StorageConfig{
			Driver: "none",
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     24 * time.Hour,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxUploadMB:      256,
		},
		Output: OutputConfig{
			Dir: ".assets/markdown",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
			OTEL: OTELConfig{
				ServiceName: "pdf-ocr",
			},
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Render.Zoom <= 0 {
		return domain.ConfigError(fmt.Sprintf("render zoom must be positive, got %v", c.Render.Zoom), nil)
	}

	if c.Pipeline.ChunkSize < 1 {
		return domain.ConfigError(fmt.Sprintf("chunk_size must be at least 1, got %d", c.Pipeline.ChunkSize), nil)
	}

	if c.Pipeline.Workers < 1 {
		return domain.ConfigError(fmt.Sprintf("workers must be at least 1, got %d", c.Pipeline.Workers), nil)
	}

	if c.Encoder.Format != "jpeg" && c.Encoder.Format != "png" {
		return domain.ConfigError(fmt.Sprintf("invalid encoder format: %s", c.Encoder.Format), nil)
	}

	if c.Encoder.Format == "jpeg" && (c.Encoder.Quality < 1 || c.Encoder.Quality > 100) {
		return domain.ConfigError(fmt.Sprintf("quality must be between 1 and 100, got %d", c.Encoder.Quality), nil)
	}

	if c.Engine.Driver != "openai" && c.Engine.Driver != "worker" {
		return domain.ConfigError(fmt.Sprintf("invalid engine driver: %s", c.Engine.Driver), nil)
	}

	if c.Engine.URL == "" {
		return domain.ConfigError("engine url is required", nil)
	}

	if c.Engine.MaxTokens < 1 {
		return domain.ConfigError(fmt.Sprintf("max_tokens must be at least 1, got %d", c.Engine.MaxTokens), nil)
	}

	if c.Engine.MaxNumSeqs < 1 {
		return domain.ConfigError(fmt.Sprintf("max_num_seqs must be at least 1, got %d", c.Engine.MaxNumSeqs), nil)
	}

	switch c.Cache.Driver {
	case "none", "memory", "redis":
	default:
		return domain.ConfigError(fmt.Sprintf("invalid cache driver: %s", c.Cache.Driver), nil)
	}

	switch c.Storage.Driver {
	case "none":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return domain.ConfigError(fmt.Sprintf("storage driver %s requires a dsn", c.Storage.Driver), nil)
		}
	default:
		return domain.ConfigError(fmt.Sprintf("invalid storage driver: %s", c.Storage.Driver), nil)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return domain.ConfigError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OCR_ENGINE_URL"); v != "" {
		cfg.Engine.URL = v
	}

	if v := os.Getenv("OCR_ENGINE_DRIVER"); v != "" {
		cfg.Engine.Driver = v
	}

	if v := os.Getenv("OCR_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}

	if v := os.Getenv("OCR_MODEL"); v != "" {
		cfg.Engine.Model = v
	}

	if v, ok := envInt("OCR_MAX_TOKENS"); ok {
		cfg.Engine.MaxTokens = v
	}

	if v, ok := envInt("OCR_CHUNK_SIZE"); ok {
		cfg.Pipeline.ChunkSize = v
	}

	if v, ok := envInt("OCR_WORKERS"); ok {
		cfg.Pipeline.Workers = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		if opts, err := redis.ParseURL(v); err == nil {
			cfg.Cache.Redis.Addr = opts.Addr
			cfg.Cache.Redis.Password = opts.Password
			cfg.Cache.Redis.DB = opts.DB
		} else {
			// plain host:port
			cfg.Cache.Redis.Addr = v
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.DSN = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DSN = v
		}
	}

	if v, ok := envInt("SERVER_PORT"); ok {
		cfg.Server.Port = v
	}

	if v := os.Getenv("MARKDOWN_DIR"); v != "" {
		cfg.Output.Dir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTEL.Endpoint = v
		cfg.Observability.OTEL.Enabled = true
	}

	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Observability.OTEL.ServiceName = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Fingerprint identifies the settings that change the produced markdown.
// Two runs over the same bytes with equal fingerprints yield the same document.
func (c *Config) Fingerprint() string {
	return fmt.Sprintf("z%g|b%d|i%d|c%t|%d-%d|%s%d|e%d|m%s|p%q|t%d|T%g|n%d/%d/%v",
		c.Render.Zoom,
		c.Encoder.BaseSize, c.Encoder.ImageSize, c.Encoder.CropMode,
		c.Encoder.MinCrops, c.Encoder.MaxCrops,
		c.Encoder.Format, c.Encoder.Quality, c.Encoder.MaxEdge,
		c.Engine.Model, c.Engine.Prompt, c.Engine.MaxTokens, c.Engine.Temperature,
		c.Engine.NGramSize, c.Engine.WindowSize, c.Engine.WhitelistTokenIDs,
	)
}
