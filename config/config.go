package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the pipeline settings. Secrets stay in the per-integration getters.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Watch      WatchConfig      `yaml:"watch"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Completion CompletionConfig `yaml:"completion"`
	Cache      CacheConfig      `yaml:"cache"`
	Render     RenderConfig     `yaml:"render"`
	Upload     UploadConfig     `yaml:"upload"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"output_paths"`
}

// WatchConfig controls both directory watchers and their debounce schedulers.
type WatchConfig struct {
	ImageQuiet  time.Duration `yaml:"image_quiet"`
	UploadQuiet time.Duration `yaml:"upload_quiet"`
	MaxEvents   int           `yaml:"max_events"`
	Window      time.Duration `yaml:"window"`
	Pause       time.Duration `yaml:"pause"`
	InitialScan bool          `yaml:"initial_scan"`
}

type DispatchConfig struct {
	Concurrency int           `yaml:"concurrency"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type CompletionConfig struct {
	RecheckDelay time.Duration `yaml:"recheck_delay"`
	// MaxAttempts bounds rechecks of an incomplete document; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
	// Aggregation is "queue" (asynq), "inline" or "none".
	Aggregation string `yaml:"aggregation"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type RenderConfig struct {
	DPI         float64 `yaml:"dpi"`
	JPEGQuality int     `yaml:"jpeg_quality"`
	Grayscale   bool    `yaml:"grayscale"`
	MaxWidth    int     `yaml:"max_width"`
}

type UploadConfig struct {
	MaxSize  int64 `yaml:"max_size"`
	MaxPages int   `yaml:"max_pages"`
}

type StorageConfig struct {
	// Type is "none", "s3" or "minio".
	Type string `yaml:"type"`
}

type QueueConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout", "logs/pipeline.log"},
		},
		Watch: WatchConfig{
			ImageQuiet:  5 * time.Second,
			UploadQuiet: 5 * time.Second,
			MaxEvents:   10,
			Window:      time.Second,
			Pause:       100 * time.Millisecond,
			InitialScan: true,
		},
		Dispatch: DispatchConfig{
			Concurrency: 3,
			CallTimeout: 120 * time.Second,
		},
		Completion: CompletionConfig{
			RecheckDelay: 30 * time.Second,
			MaxAttempts:  120,
			Aggregation:  "queue",
		},
		Cache: CacheConfig{TTL: 300 * time.Second},
		Render: RenderConfig{
			DPI:         96,
			JPEGQuality: 60,
			Grayscale:   true,
		},
		Upload: UploadConfig{
			MaxSize:  50 << 20,
			MaxPages: 1000,
		},
		Storage: StorageConfig{Type: "none"},
		Queue: QueueConfig{
			Concurrency:    5,
			MaxRetries:     3,
			RetryDelay:     time.Minute,
			ProcessTimeout: 30 * time.Minute,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An empty or
// missing path yields the defaults.
func Load(path string) (*Config, error) {
	loadEnv()
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be positive, got %d", c.Dispatch.Concurrency)
	}
	if c.Watch.ImageQuiet <= 0 || c.Watch.UploadQuiet <= 0 {
		return errors.New("watch quiet periods must be positive")
	}
	if c.Completion.RecheckDelay <= 0 {
		return errors.New("completion.recheck_delay must be positive")
	}
	if c.Completion.MaxAttempts < 0 {
		return errors.New("completion.max_attempts must not be negative")
	}
	switch c.Completion.Aggregation {
	case "queue", "inline", "none":
	default:
		return fmt.Errorf("invalid completion.aggregation: %s", c.Completion.Aggregation)
	}
	switch c.Storage.Type {
	case "none", "s3", "minio":
	default:
		return fmt.Errorf("invalid storage.type: %s", c.Storage.Type)
	}
	if c.Render.JPEGQuality < 1 || c.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be within 1..100, got %d", c.Render.JPEGQuality)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DataDir = envOr("REPORT_DATA_DIR", cfg.DataDir)
	cfg.Server.Addr = envOr("REPORT_ADDR", cfg.Server.Addr)
	cfg.Logging.Level = envOr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Encoding = envOr("LOG_FORMAT", cfg.Logging.Encoding)
	cfg.Storage.Type = envOr("STORAGE_TYPE", cfg.Storage.Type)
	cfg.Completion.Aggregation = envOr("AGGREGATION_MODE", cfg.Completion.Aggregation)
	cfg.Dispatch.Concurrency = envInt("DISPATCH_CONCURRENCY", cfg.Dispatch.Concurrency)
}
