package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Queue      QueueConfig      `koanf:"queue"`
	DB         DBConfig         `koanf:"db"`
	Matcher    MatcherConfig    `koanf:"matcher"`
	Processing ProcessingConfig `koanf:"processing"`
	API        APIConfig        `koanf:"api"`
	Retention  RetentionConfig  `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type QueueConfig struct {
	URL         string `koanf:"url"`
	PopTimeoutS int    `koanf:"pop_timeout_s"`
}

type DBConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type MatcherConfig struct {
	BaseURL    string `koanf:"base_url"`
	TimeoutMs  int    `koanf:"timeout_ms"`
	CacheSize  int    `koanf:"cache_size"`
}

type ProcessingConfig struct {
	BatchSizeMax         int `koanf:"batch_size_max"`
	WindowMinutesMax     int `koanf:"window_minutes_max"`
	MinMovementM         int `koanf:"min_movement_m"`
	ConnectGapMinutesMax int `koanf:"connect_gap_minutes_max"`
	MaxRetries           int `koanf:"max_retries"`
	StatsIntervalMs      int `koanf:"stats_interval_ms"`
}

type APIConfig struct {
	Port         string `koanf:"port"`
	CORSOrigin   string `koanf:"cors_origin"`
	DefaultHours int    `koanf:"default_hours"`
	MaxHours     int    `koanf:"max_hours"`
}

type RetentionConfig struct {
	ProcessingLogDays int    `koanf:"processing_log_days"`
	Timezone          string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: PLOWPATH_QUEUE__POP_TIMEOUT_S → queue.pop_timeout_s
	if err := k.Load(env.Provider("PLOWPATH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "PLOWPATH_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "plowpath-pipeline-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			PopTimeoutS: 5,
		},
		DB: DBConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		Matcher: MatcherConfig{
			TimeoutMs: 10000,
			CacheSize: 1000,
		},
		Processing: ProcessingConfig{
			BatchSizeMax:         5,
			WindowMinutesMax:     2,
			MinMovementM:         50,
			ConnectGapMinutesMax: 5,
			MaxRetries:           3,
			StatsIntervalMs:      300000,
		},
		API: APIConfig{
			DefaultHours: 168,
			MaxHours:     720,
		},
		Retention: RetentionConfig{
			ProcessingLogDays: 30,
			Timezone:          "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Queue.URL == "" {
		return fmt.Errorf("config: queue.url is required")
	}
	if c.Queue.PopTimeoutS <= 0 {
		return fmt.Errorf("config: queue.pop_timeout_s must be > 0 (got %d)", c.Queue.PopTimeoutS)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("config: db.dsn is required")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("config: db.max_conns must be > 0 (got %d)", c.DB.MaxConns)
	}
	if c.DB.MinConns < 0 {
		return fmt.Errorf("config: db.min_conns must be >= 0 (got %d)", c.DB.MinConns)
	}
	if c.Matcher.BaseURL == "" {
		return fmt.Errorf("config: matcher.base_url is required")
	}
	if c.Matcher.TimeoutMs <= 0 {
		return fmt.Errorf("config: matcher.timeout_ms must be > 0 (got %d)", c.Matcher.TimeoutMs)
	}
	if c.Matcher.CacheSize <= 0 {
		return fmt.Errorf("config: matcher.cache_size must be > 0 (got %d)", c.Matcher.CacheSize)
	}
	if c.Processing.BatchSizeMax < 2 {
		return fmt.Errorf("config: processing.batch_size_max must be >= 2 (got %d)", c.Processing.BatchSizeMax)
	}
	if c.Processing.WindowMinutesMax <= 0 {
		return fmt.Errorf("config: processing.window_minutes_max must be > 0 (got %d)", c.Processing.WindowMinutesMax)
	}
	if c.Processing.MinMovementM < 0 {
		return fmt.Errorf("config: processing.min_movement_m must be >= 0 (got %d)", c.Processing.MinMovementM)
	}
	if c.Processing.ConnectGapMinutesMax <= 0 {
		return fmt.Errorf("config: processing.connect_gap_minutes_max must be > 0 (got %d)", c.Processing.ConnectGapMinutesMax)
	}
	if c.Processing.MaxRetries < 1 {
		return fmt.Errorf("config: processing.max_retries must be >= 1 (got %d)", c.Processing.MaxRetries)
	}
	if c.Processing.StatsIntervalMs <= 0 {
		return fmt.Errorf("config: processing.stats_interval_ms must be > 0 (got %d)", c.Processing.StatsIntervalMs)
	}
	if c.API.Port == "" {
		return fmt.Errorf("config: api.port is required")
	}
	if c.API.DefaultHours <= 0 {
		return fmt.Errorf("config: api.default_hours must be > 0 (got %d)", c.API.DefaultHours)
	}
	if c.API.MaxHours < c.API.DefaultHours {
		return fmt.Errorf("config: api.max_hours (%d) must be >= api.default_hours (%d)", c.API.MaxHours, c.API.DefaultHours)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Retention.ProcessingLogDays <= 0 {
		return fmt.Errorf("config: retention.processing_log_days must be > 0 (got %d)", c.Retention.ProcessingLogDays)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}
