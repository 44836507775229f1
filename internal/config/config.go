// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Snapshotter SnapshotterConfig `mapstructure:"snapshotter"`
	Status      StatusConfig      `mapstructure:"status"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Dataset     DatasetConfig     `mapstructure:"dataset"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig tunes the autoscaled pool's concurrency envelope.
type PoolConfig struct {
	MinConcurrency     int     `mapstructure:"min_concurrency"`
	MaxConcurrency     int     `mapstructure:"max_concurrency"`
	DesiredRatio       float64 `mapstructure:"desired_ratio"`
	ScaleUpStepRatio   float64 `mapstructure:"scale_up_step_ratio"`
	ScaleDownStepRatio float64 `mapstructure:"scale_down_step_ratio"`
	MaybeRunIntervalMs int     `mapstructure:"maybe_run_interval_ms"`
	AutoscaleSeconds   int     `mapstructure:"autoscale_seconds"`
	LoggingSeconds     int     `mapstructure:"logging_seconds"`
}

// SnapshotterConfig governs resource sampling cadence and thresholds.
type SnapshotterConfig struct {
	CPUIntervalMs      int     `mapstructure:"cpu_interval_ms"`
	MemoryIntervalMs   int     `mapstructure:"memory_interval_ms"`
	WakeupIntervalMs   int     `mapstructure:"wakeup_interval_ms"`
	ClientIntervalMs   int     `mapstructure:"client_interval_ms"`
	RetentionSeconds   int     `mapstructure:"retention_seconds"`
	MaxUsedCPURatio    float64 `mapstructure:"max_used_cpu_ratio"`
	MaxUsedMemoryRatio float64 `mapstructure:"max_used_memory_ratio"`
	MaxWakeupDelayMs   int     `mapstructure:"max_wakeup_delay_ms"`
	MaxClientErrors    int     `mapstructure:"max_client_errors"`
}

// StatusConfig sets the overload evaluation windows and ratios.
type StatusConfig struct {
	CurrentWindowSeconds int     `mapstructure:"current_window_seconds"`
	HistoryWindowSeconds int     `mapstructure:"history_window_seconds"`
	CPUOverloadRatio     float64 `mapstructure:"cpu_overload_ratio"`
	MemoryOverloadRatio  float64 `mapstructure:"memory_overload_ratio"`
	WakeupOverloadRatio  float64 `mapstructure:"wakeup_overload_ratio"`
	ClientOverloadRatio  float64 `mapstructure:"client_overload_ratio"`
}

// CrawlerConfig governs per-item retry and crawl-scope policy.
type CrawlerConfig struct {
	Seeds                 []string `mapstructure:"seeds"`
	MaxRetries            int      `mapstructure:"max_retries"`
	HandlerTimeoutSeconds int      `mapstructure:"handler_timeout_seconds"`
	MaxRequests           int      `mapstructure:"max_requests"`
	MaxDepth              int      `mapstructure:"max_depth"`
	SameHostOnly          bool     `mapstructure:"same_host_only"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	// Kind is one of "http", "headless" or "none".
	Kind           string  `mapstructure:"kind"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	MaxRPS         float64 `mapstructure:"max_rps"`
	Burst          int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering fetcher. When Enabled
// is set alongside the http fetcher, requests labeled "browser" are
// promoted to headless rendering.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// QueueConfig selects the dynamic request queue backend.
type QueueConfig struct {
	// Kind is "memory" or "postgres".
	Kind     string `mapstructure:"kind"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DatasetConfig selects where extracted records are stored.
type DatasetConfig struct {
	// Kind is "memory", "fs" or "gcs".
	Kind      string `mapstructure:"kind"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects the crawl event sink.
type EventsConfig struct {
	// Kind is "none", "memory" or "pubsub".
	Kind      string `mapstructure:"kind"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("pool.min_concurrency", 1)
	v.SetDefault("pool.max_concurrency", 200)
	v.SetDefault("pool.desired_ratio", 0.95)
	v.SetDefault("pool.scale_up_step_ratio", 0.05)
	v.SetDefault("pool.scale_down_step_ratio", 0.05)
	v.SetDefault("pool.maybe_run_interval_ms", 500)
	v.SetDefault("pool.autoscale_seconds", 10)
	v.SetDefault("pool.logging_seconds", 60)

	v.SetDefault("snapshotter.cpu_interval_ms", 1000)
	v.SetDefault("snapshotter.memory_interval_ms", 1000)
	v.SetDefault("snapshotter.wakeup_interval_ms", 500)
	v.SetDefault("snapshotter.client_interval_ms", 1000)
	v.SetDefault("snapshotter.retention_seconds", 60)
	v.SetDefault("snapshotter.max_used_cpu_ratio", 0.95)
	v.SetDefault("snapshotter.max_used_memory_ratio", 0.9)
	v.SetDefault("snapshotter.max_wakeup_delay_ms", 50)
	v.SetDefault("snapshotter.max_client_errors", 3)

	v.SetDefault("status.current_window_seconds", 5)
	v.SetDefault("status.history_window_seconds", 30)
	v.SetDefault("status.cpu_overload_ratio", 0.4)
	v.SetDefault("status.memory_overload_ratio", 0.2)
	v.SetDefault("status.wakeup_overload_ratio", 0.5)
	v.SetDefault("status.client_overload_ratio", 0.3)

	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.handler_timeout_seconds", 60)
	v.SetDefault("crawler.max_requests", 0)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.same_host_only", true)

	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.user_agent", "crawlpool-bot/0.1")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_rps", 2)
	v.SetDefault("fetcher.burst", 1)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)

	v.SetDefault("queue.kind", "memory")
	v.SetDefault("queue.table", "crawl_requests")
	v.SetDefault("queue.max_conns", 8)

	v.SetDefault("dataset.kind", "memory")
	v.SetDefault("dataset.dir", "./crawl-data")

	v.SetDefault("events.kind", "none")
}

// Validate rejects configurations that cannot be wired into a working
// service.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Pool.MinConcurrency < 1 {
		return fmt.Errorf("pool.min_concurrency must be >= 1")
	}
	if c.Pool.MaxConcurrency < c.Pool.MinConcurrency {
		return fmt.Errorf("pool.max_concurrency must be >= pool.min_concurrency")
	}
	if c.Pool.DesiredRatio <= 0 || c.Pool.DesiredRatio > 1 {
		return fmt.Errorf("pool.desired_ratio must be in (0, 1]")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}

	switch c.Fetcher.Kind {
	case "http", "headless", "none":
	default:
		return fmt.Errorf("fetcher.kind must be http, headless or none, got %q", c.Fetcher.Kind)
	}

	switch c.Queue.Kind {
	case "memory":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn is required for the postgres queue")
		}
	default:
		return fmt.Errorf("queue.kind must be memory or postgres, got %q", c.Queue.Kind)
	}

	switch c.Dataset.Kind {
	case "memory":
	case "fs":
		if c.Dataset.Dir == "" {
			return fmt.Errorf("dataset.dir is required for the fs dataset")
		}
	case "gcs":
		if c.Dataset.GCSBucket == "" {
			return fmt.Errorf("dataset.gcs_bucket is required for the gcs dataset")
		}
	default:
		return fmt.Errorf("dataset.kind must be memory, fs or gcs, got %q", c.Dataset.Kind)
	}

	switch c.Events.Kind {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.TopicName == "" {
			return fmt.Errorf("events.project_id and events.topic_name are required for pubsub")
		}
	default:
		return fmt.Errorf("events.kind must be none, memory or pubsub, got %q", c.Events.Kind)
	}
	return nil
}
