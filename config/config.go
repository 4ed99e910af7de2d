// Package config loads the RuntimeConfig shared by the scheduler and
// engine: scheduler tuning and sampling defaults a host process reads once
// at startup. A defaulted struct is built by LoadConfig, optionally
// overlaid with a YAML file, then adjusted by functional Option values.
// Model metadata itself is an external loader's concern (model.Config in
// weft/model), not this package's.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariannamethod/weft/werr"
)

// RuntimeConfig bundles the scheduler's batching knobs and the engine's
// default sampling parameters. Every field has a conservative default;
// LoadConfig and the With* options only need to override what differs.
type RuntimeConfig struct {
	// Scheduler tuning (C6).
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	LingerMs          time.Duration `yaml:"-"`
	LingerMsRaw       int           `yaml:"linger_ms"`
	MaxBufferedTokens int           `yaml:"max_buffered_tokens"`

	// KV cache bounds: total bytes across sessions plus an optional
	// session-count cap (0 = unbounded).
	KVCacheCapacityBytes int64 `yaml:"kv_cache_capacity_bytes"`
	KVCacheMaxEntries    int   `yaml:"kv_cache_max_entries"`

	// Engine defaults (C7) — a request may override any of these.
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	Temperature       float32       `yaml:"temperature"`
	TopK              int           `yaml:"top_k"`
	TopP              float32       `yaml:"top_p"`
	MinP              float32       `yaml:"min_p"`
	RepetitionPenalty float32       `yaml:"repetition_penalty"`
	Timeout           time.Duration `yaml:"-"`
	TimeoutMsRaw      int           `yaml:"timeout_ms"`

	LogLevel string `yaml:"log_level"`
}

// Option mutates a RuntimeConfig after defaults and any file are applied.
type Option func(*RuntimeConfig)

func defaults() *RuntimeConfig {
	return &RuntimeConfig{
		MaxQueueDepth:        256,
		MaxBatchSize:         8,
		LingerMs:             4 * time.Millisecond,
		MaxBufferedTokens:    64,
		KVCacheCapacityBytes: 512 << 20,
		MaxOutputTokens:      256,
		Temperature:          0.8,
		TopK:                 40,
		TopP:                 0.95,
		MinP:                 0.05,
		RepetitionPenalty:    1.0,
		Timeout:              60 * time.Second,
		LogLevel:             "info",
	}
}

// LoadConfig reads a YAML RuntimeConfig from path, applying defaults first
// and opts last, so opts always win over both the file and the defaults.
// An empty path skips the file read and returns defaults-plus-opts.
func LoadConfig(path string, opts ...Option) (*RuntimeConfig, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, werr.Wrap(werr.ShapeMismatch, err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, werr.Wrap(werr.ShapeMismatch, err, "config: parse %s", path)
		}
		if cfg.LingerMsRaw > 0 {
			cfg.LingerMs = time.Duration(cfg.LingerMsRaw) * time.Millisecond
		}
		if cfg.TimeoutMsRaw > 0 {
			cfg.Timeout = time.Duration(cfg.TimeoutMsRaw) * time.Millisecond
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.MaxQueueDepth <= 0 || cfg.MaxBatchSize <= 0 {
		return nil, werr.New(werr.ShapeMismatch, "config: max_queue_depth and max_batch_size must be positive")
	}
	return cfg, nil
}

// WithMaxQueueDepth overrides the scheduler's max_queue_depth.
func WithMaxQueueDepth(v int) Option { return func(c *RuntimeConfig) { c.MaxQueueDepth = v } }

// WithMaxBatchSize overrides the scheduler's max_batch_size.
func WithMaxBatchSize(v int) Option { return func(c *RuntimeConfig) { c.MaxBatchSize = v } }

// WithLinger overrides the scheduler's batch-coalescing linger window.
func WithLinger(d time.Duration) Option { return func(c *RuntimeConfig) { c.LingerMs = d } }

// WithKVCacheCapacityBytes overrides the KV store's total byte bound.
func WithKVCacheCapacityBytes(v int64) Option {
	return func(c *RuntimeConfig) { c.KVCacheCapacityBytes = v }
}

// WithKVCacheMaxEntries overrides the KV store's session-count cap.
func WithKVCacheMaxEntries(v int) Option {
	return func(c *RuntimeConfig) { c.KVCacheMaxEntries = v }
}

// WithTimeout overrides the engine's default per-request wall-clock budget.
func WithTimeout(d time.Duration) Option { return func(c *RuntimeConfig) { c.Timeout = d } }

// WithLogLevel overrides the logrus level name applied at startup.
func WithLogLevel(level string) Option { return func(c *RuntimeConfig) { c.LogLevel = level } }
