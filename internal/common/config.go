package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Breakers    BreakersConfig  `toml:"breakers"`
	LLM         LLMConfig       `toml:"llm"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Sweeper     SweeperConfig   `toml:"sweeper"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// FilesystemConfig locates the per-document artifact directories.
type FilesystemConfig struct {
	DocumentsDir string `toml:"documents_dir" validate:"required"` // Root of per-document artifact directories
}

// QueueConfig bounds per-queue worker concurrency and retry behavior.
type QueueConfig struct {
	PollInterval       string `toml:"poll_interval"`                          // e.g. "500ms" - dispatcher poll cadence
	ExtractConcurrency int    `toml:"extract_concurrency" validate:"min=1"`   // Page-image extraction slots (CPU-bound)
	LLMConcurrency     int    `toml:"llm_concurrency" validate:"min=1"`       // Concurrent LLM calls
	MaxAttempts        int    `toml:"max_attempts" validate:"min=1"`          // Default attempt ceiling per job
	RetryBase          string `toml:"retry_base"`                             // Base backoff delay, e.g. "5s"
	RetryMax           string `toml:"retry_max"`                              // Backoff ceiling, e.g. "5m"
	RetentionHours     int    `toml:"retention_hours" validate:"min=1"`       // Prune completed/discarded jobs after this window
}

func (c *QueueConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, 500*time.Millisecond)
}

func (c *QueueConfig) RetryBaseDuration() time.Duration {
	return parseDurationOr(c.RetryBase, 5*time.Second)
}

func (c *QueueConfig) RetryMaxDuration() time.Duration {
	return parseDurationOr(c.RetryMax, 5*time.Minute)
}

// BreakerConfig configures one named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `toml:"failure_threshold" validate:"min=1"` // Consecutive failures before opening
	ResetAfter       string `toml:"reset_after"`                        // Cooldown before a half-open probe, e.g. "60s"
}

func (c *BreakerConfig) ResetAfterDuration() time.Duration {
	return parseDurationOr(c.ResetAfter, 60*time.Second)
}

// BreakersConfig holds per-dependency circuit breaker settings.
type BreakersConfig struct {
	Vision      BreakerConfig `toml:"vision"`
	Translation BreakerConfig `toml:"translation"`
	Embedding   BreakerConfig `toml:"embedding"`
	RefreshTick string        `toml:"refresh_tick"` // Background re-evaluation cadence for open breakers
}

func (c *BreakersConfig) RefreshTickDuration() time.Duration {
	return parseDurationOr(c.RefreshTick, 5*time.Second)
}

// LLMConfig configures the external AI service clients.
type LLMConfig struct {
	Mode              string  `toml:"mode"`                // "cloud" or "offline" (deterministic fake)
	GoogleAPIKey      string  `toml:"google_api_key"`      // Gemini key for vision + embeddings
	AnthropicAPIKey   string  `toml:"anthropic_api_key"`   // Claude key for translation
	VisionModel       string  `toml:"vision_model"`        // e.g. "gemini-2.0-flash"
	TranslateModel    string  `toml:"translate_model"`     // e.g. "claude-sonnet-4-20250514"
	EmbedModel        string  `toml:"embed_model"`         // e.g. "gemini-embedding-001"
	EmbedDimension    int     `toml:"embed_dimension" validate:"min=1"`
	GenerativeTimeout string  `toml:"generative_timeout"` // Per-call timeout for vision/translation
	EmbedTimeout      string  `toml:"embed_timeout"`      // Per-call timeout for embeddings
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

func (c *LLMConfig) GenerativeTimeoutDuration() time.Duration {
	return parseDurationOr(c.GenerativeTimeout, 300*time.Second)
}

func (c *LLMConfig) EmbedTimeoutDuration() time.Duration {
	return parseDurationOr(c.EmbedTimeout, 60*time.Second)
}

// EmbeddingConfig bounds the supervisor-driven embedding work.
type EmbeddingConfig struct {
	MaxConcurrent int    `toml:"max_concurrent" validate:"min=1"` // Concurrent embedding tasks
	MaxAttempts   int    `toml:"max_attempts" validate:"min=1"`   // Bounded retry ceiling inside one task
	RetryBase     string `toml:"retry_base"`
	RetryMax      string `toml:"retry_max"`
}

func (c *EmbeddingConfig) RetryBaseDuration() time.Duration {
	return parseDurationOr(c.RetryBase, 2*time.Second)
}

func (c *EmbeddingConfig) RetryMaxDuration() time.Duration {
	return parseDurationOr(c.RetryMax, 30*time.Second)
}

// SweeperConfig controls orphan directory reconciliation.
type SweeperConfig struct {
	GracePeriodHours int    `toml:"grace_period_hours"` // 0 means immediately eligible
	Interval         string `toml:"interval"`           // e.g. "6h"
}

func (c *SweeperConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodHours) * time.Hour
}

func (c *SweeperConfig) IntervalDuration() time.Duration {
	return parseDurationOr(c.Interval, 6*time.Hour)
}

// SchedulerConfig holds cron schedules for background activities.
type SchedulerConfig struct {
	HealthSchedule string `toml:"health_schedule"` // Health check job cadence
	PruneSchedule  string `toml:"prune_schedule"`  // Job record pruning cadence
	SweepSchedule  string `toml:"sweep_schedule"`  // Orphan sweep cadence
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DefaultConfig returns the configuration defaults applied before any file
// or environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Filesystem: FilesystemConfig{
				DocumentsDir: "./data/documents",
			},
		},
		Queue: QueueConfig{
			PollInterval:       "500ms",
			ExtractConcurrency: 50,
			LLMConcurrency:     10,
			MaxAttempts:        3,
			RetryBase:          "5s",
			RetryMax:           "5m",
			RetentionHours:     72,
		},
		Breakers: BreakersConfig{
			Vision:      BreakerConfig{FailureThreshold: 5, ResetAfter: "60s"},
			Translation: BreakerConfig{FailureThreshold: 5, ResetAfter: "60s"},
			Embedding:   BreakerConfig{FailureThreshold: 3, ResetAfter: "30s"},
			RefreshTick: "5s",
		},
		LLM: LLMConfig{
			Mode:              "cloud",
			VisionModel:       "gemini-2.0-flash",
			TranslateModel:    "claude-sonnet-4-20250514",
			EmbedModel:        "gemini-embedding-001",
			EmbedDimension:    1024,
			GenerativeTimeout: "300s",
			EmbedTimeout:      "60s",
			RequestsPerSecond: 2,
		},
		Embedding: EmbeddingConfig{
			MaxConcurrent: 20,
			MaxAttempts:   3,
			RetryBase:     "2s",
			RetryMax:      "30s",
		},
		Sweeper: SweeperConfig{
			GracePeriodHours: 24,
			Interval:         "6h",
		},
		Scheduler: SchedulerConfig{
			HealthSchedule: "* * * * *",
			PruneSchedule:  "0 * * * *",
			SweepSchedule:  "0 */6 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadConfig loads configuration in priority order:
// defaults -> TOML file (if path is non-empty) -> environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies DOCTRANS_* environment variables on top of the
// loaded configuration. Secrets are the usual case here.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DOCTRANS_GOOGLE_API_KEY"); v != "" {
		config.LLM.GoogleAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && config.LLM.GoogleAPIKey == "" {
		config.LLM.GoogleAPIKey = v
	}
	if v := os.Getenv("DOCTRANS_ANTHROPIC_API_KEY"); v != "" {
		config.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.LLM.AnthropicAPIKey == "" {
		config.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("DOCTRANS_LLM_MODE"); v != "" {
		config.LLM.Mode = v
	}
	if v := os.Getenv("DOCTRANS_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("DOCTRANS_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("DOCTRANS_DOCUMENTS_DIR"); v != "" {
		config.Storage.Filesystem.DocumentsDir = v
	}
	if v := os.Getenv("DOCTRANS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
