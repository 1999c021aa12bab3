// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Store   StoreConfig   `yaml:"store"`
	Worker  WorkerConfig  `yaml:"worker"`
	Retry   RetryConfig   `yaml:"retry"`
	Graph   GraphConfig   `yaml:"graph"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"` // postgres, sqlite or memory
	DBURL      string `yaml:"db_url"`
	SQLitePath string `yaml:"sqlite_path"`
}

type WorkerConfig struct {
	ID            string        `yaml:"id"`
	TenantID      string        `yaml:"tenant_id"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Concurrency   int           `yaml:"concurrency"`
	ReclaimEvery  int           `yaml:"reclaim_every"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RenewEvery    time.Duration `yaml:"renew_every"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// WriteTimeout bounds the fenced status write that ends each attempt.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// StaleAfter is how long without a successful cycle before /health
	// reports the worker degraded.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type RetryConfig struct {
	Limit     int           `yaml:"limit"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type GraphConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Timeout          time.Duration `yaml:"timeout"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenFor          time.Duration `yaml:"open_for"`
	// DryRun logs operations instead of sending them.
	DryRun bool `yaml:"dry_run"`
}

type RedisConfig struct {
	URL        string        `yaml:"url"`
	AppliedTTL time.Duration `yaml:"applied_ttl"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{Driver: "postgres", SQLitePath: "events.db"},
		Worker: WorkerConfig{
			PollInterval:  time.Second,
			BatchSize:     10,
			Concurrency:   4,
			ReclaimEvery:  10,
			LeaseDuration: 30 * time.Second,
			RenewEvery:    10 * time.Second,
			ShutdownGrace: 10 * time.Second,
			WriteTimeout:  5 * time.Second,
			StaleAfter:    time.Minute,
		},
		Retry: RetryConfig{Limit: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		Graph: GraphConfig{
			Timeout:          10 * time.Second,
			Burst:            1,
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			OpenFor:          30 * time.Second,
		},
		Redis:   RedisConfig{AppliedTTL: 24 * time.Hour},
		Log:     LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{Insecure: true, SampleRate: 1},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HTTP_ADDR":      &c.HTTP.Addr,
		"WEBHOOK_SECRET": &c.HTTP.WebhookSecret,
		"STORE_DRIVER":   &c.Store.Driver,
		"DB_URL":         &c.Store.DBURL,
		"SQLITE_PATH":    &c.Store.SQLitePath,
		"WORKER_ID":      &c.Worker.ID,
		"WORKER_TENANT":  &c.Worker.TenantID,
		"GRAPH_BASE_URL": &c.Graph.BaseURL,
		"GRAPH_API_KEY":  &c.Graph.APIKey,
		"REDIS_URL":      &c.Redis.URL,
		"NATS_URL":       &c.NATS.URL,
		"LOG_LEVEL":      &c.Log.Level,
		"LOG_FORMAT":     &c.Log.Format,
		"OTLP_ENDPOINT":  &c.Tracing.Endpoint,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	var errs []error
	if v, ok := lookup("GRAPH_DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GRAPH_DRY_RUN: %w", err))
		}
		c.Graph.DryRun = b
	}
	if v, ok := lookup("RETRY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETRY_LIMIT: %w", err))
		}
		c.Retry.Limit = n
	}
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DBURL == "" {
			fail("DB_URL is required for the postgres store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			fail("store.sqlite_path is required for the sqlite store")
		}
	case "memory":
	default:
		fail("store.driver %q: want postgres, sqlite or memory", c.Store.Driver)
	}

	if c.Worker.BatchSize <= 0 {
		fail("worker.batch_size must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		fail("worker.concurrency must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		fail("worker.poll_interval must be positive")
	}
	if c.Worker.LeaseDuration <= 0 {
		fail("worker.lease_duration must be positive")
	}
	if c.Worker.RenewEvery <= 0 || c.Worker.RenewEvery >= c.Worker.LeaseDuration {
		fail("worker.renew_every must be positive and shorter than worker.lease_duration")
	}
	if c.Worker.WriteTimeout <= 0 {
		fail("worker.write_timeout must be positive")
	}

	if c.Retry.Limit < 1 {
		fail("retry.limit must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		fail("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		fail("retry.max_delay must not be below retry.base_delay")
	}

	if c.Graph.BaseURL == "" && !c.Graph.DryRun {
		fail("GRAPH_BASE_URL is required unless graph.dry_run is set")
	}
	if c.Graph.RatePerSecond < 0 {
		fail("graph.rate_per_second must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		fail("log.format %q: want json or text", c.Log.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		fail("tracing.sample_rate must be within [0, 1]")
	}
	return errors.Join(errs...)
}
