// Package config loads process-wide configuration once at startup from a
// YAML file plus environment overrides, the way pkg/config/loader.go loads
// tarsy.yaml: defaults, merged with user overrides via dario.cat/mergo,
// validated with go-playground/validator, and handed down the call graph by
// constructor injection. Hot-reload is not supported (spec.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DBConfig holds database connection settings (spec.md §6: db.dsn, db.pool_size).
type DBConfig struct {
	DSN      string `yaml:"dsn" validate:"required"`
	PoolSize int    `yaml:"pool_size" validate:"min=1"`
}

// BusConfig holds message-bus connection settings (spec.md §6: bus.brokers,
// bus.consumer_group, bus.topic_env_prefix).
type BusConfig struct {
	Brokers        []string `yaml:"brokers" validate:"required,min=1"`
	ConsumerGroup  string   `yaml:"consumer_group" validate:"required"`
	TopicEnvPrefix string   `yaml:"topic_env_prefix" validate:"required"`
}

// IdempotencyConfig holds ledger retention settings (spec.md §6: idempotency.retention_days).
type IdempotencyConfig struct {
	RetentionDays int `yaml:"retention_days" validate:"min=1"`
}

// PublisherConfig holds Event Publisher settings (spec.md §6: publisher.buffer_high_water_mark,
// publisher.retry_cap_ms).
type PublisherConfig struct {
	BufferHighWaterMark int `yaml:"buffer_high_water_mark" validate:"min=1"`
	RetryBaseMS         int `yaml:"retry_base_ms" validate:"min=1"`
	RetryCapMS          int `yaml:"retry_cap_ms" validate:"min=1"`
}

// FeedbackConfig holds rolling-window settings (spec.md §6: feedback.window_size,
// feedback.violation_decrement).
type FeedbackConfig struct {
	WindowSize         int     `yaml:"window_size" validate:"min=1"`
	WindowDays         int     `yaml:"window_days" validate:"min=1"`
	ViolationDecrement float64 `yaml:"violation_decrement" validate:"min=0"`
	SuccessIncrement   float64 `yaml:"success_increment" validate:"min=0"`
}

// LifecycleConfig holds promotion/demotion gating settings (spec.md §6:
// lifecycle.promotion_threshold, lifecycle.demotion_threshold, lifecycle.min_demotion_samples).
type LifecycleConfig struct {
	PromotionThreshold float64 `yaml:"promotion_threshold" validate:"min=0,max=1"`
	DemotionThreshold  float64 `yaml:"demotion_threshold" validate:"min=0,max=1"`
	MinDemotionSamples int     `yaml:"min_demotion_samples" validate:"min=1"`
	// Evidence tier thresholds, derived from rolling-window sample size
	// (spec.md §4.4: <10 insufficient, <30 weak, <100 moderate, >=100 strong).
	WeakSampleFloor     int `yaml:"weak_sample_floor" validate:"min=0"`
	ModerateSampleFloor int `yaml:"moderate_sample_floor" validate:"min=0"`
	StrongSampleFloor   int `yaml:"strong_sample_floor" validate:"min=0"`
}

// ShutdownConfig holds drain settings (spec.md §6: shutdown.drain_timeout_ms).
type ShutdownConfig struct {
	DrainTimeoutMS int `yaml:"drain_timeout_ms" validate:"min=1"`
}

// Config is the umbrella configuration object, mirroring the teacher's
// *config.Config umbrella that wraps per-concern registries.
type Config struct {
	configPath  string
	DB          DBConfig          `yaml:"db" validate:"required"`
	Bus         BusConfig         `yaml:"bus" validate:"required"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	ContractDir string            `yaml:"contract_dir" validate:"required"`
}

// Defaults returns a Config populated with spec.md §6's documented defaults,
// analogous to the teacher's DefaultQueueConfig().
func Defaults() *Config {
	return &Config{
		DB: DBConfig{
			PoolSize: 20,
		},
		Idempotency: IdempotencyConfig{
			RetentionDays: 30,
		},
		Publisher: PublisherConfig{
			BufferHighWaterMark: 10000,
			RetryBaseMS:         100,
			RetryCapMS:          30000,
		},
		Feedback: FeedbackConfig{
			WindowSize:         100,
			WindowDays:         30,
			ViolationDecrement: 0.01,
			SuccessIncrement:   0.002,
		},
		Lifecycle: LifecycleConfig{
			PromotionThreshold:  0.75,
			DemotionThreshold:   0.40,
			MinDemotionSamples:  5,
			WeakSampleFloor:     10,
			ModerateSampleFloor: 30,
			StrongSampleFloor:   100,
		},
		Shutdown: ShutdownConfig{
			DrainTimeoutMS: 30000,
		},
		ContractDir: "./configs/contracts",
	}
}

// ShutdownDrainTimeout returns Shutdown.DrainTimeoutMS as a time.Duration.
func (c *Config) ShutdownDrainTimeout() time.Duration {
	return time.Duration(c.Shutdown.DrainTimeoutMS) * time.Millisecond
}

// RetryCap returns Publisher.RetryCapMS as a time.Duration.
func (c *Config) RetryCap() time.Duration {
	return time.Duration(c.Publisher.RetryCapMS) * time.Millisecond
}

// RetryBase returns Publisher.RetryBaseMS as a time.Duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Publisher.RetryBaseMS) * time.Millisecond
}

// Initialize loads, merges, and validates configuration: YAML file at
// path, then environment-variable overrides, then validation. Mirrors
// config.Initialize in the teacher (load -> validate -> return ready Config).
func Initialize(path, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			// Absence of a local .env file is not fatal — mirrors the
			// teacher's "Continuing with existing environment variables" path.
			_ = err
		}
	}

	cfg := Defaults()
	if path != "" {
		fileCfg, err := loadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}
	cfg.configPath = path

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment-variable overrides for the handful
// of settings operators most commonly need to override without editing the
// YAML file (DSN and broker list, which carry secrets/per-environment
// values and should not live in a checked-in contract directory).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OMNI_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("OMNI_DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.PoolSize = n
		}
	}
	if v := os.Getenv("OMNI_BUS_BROKERS"); v != "" {
		cfg.Bus.Brokers = splitCSV(v)
	}
	if v := os.Getenv("OMNI_BUS_CONSUMER_GROUP"); v != "" {
		cfg.Bus.ConsumerGroup = v
	}
	if v := os.Getenv("OMNI_BUS_TOPIC_ENV_PREFIX"); v != "" {
		cfg.Bus.TopicEnvPrefix = v
	}
	if v := os.Getenv("OMNI_CONTRACT_DIR"); v != "" {
		cfg.ContractDir = v
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}
	if cfg.Lifecycle.DemotionThreshold >= cfg.Lifecycle.PromotionThreshold {
		return fmt.Errorf("lifecycle.demotion_threshold must be less than lifecycle.promotion_threshold")
	}
	if cfg.Lifecycle.WeakSampleFloor >= cfg.Lifecycle.ModerateSampleFloor ||
		cfg.Lifecycle.ModerateSampleFloor >= cfg.Lifecycle.StrongSampleFloor {
		return fmt.Errorf("lifecycle sample floors must be strictly increasing")
	}
	return nil
}
