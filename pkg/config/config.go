// Package config loads orchestrator settings from SELFHEAL_* environment
// variables and the optional governance policy file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/selfheal/pkg/archive"
	"github.com/Mindburn-Labs/selfheal/pkg/observability"
	"github.com/Mindburn-Labs/selfheal/pkg/runner"
	"github.com/Mindburn-Labs/selfheal/pkg/scheduler"
)

const envPrefix = "SELFHEAL_"

// Config holds process configuration.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	Version     string `env:"VERSION" envDefault:"1.0.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// ShadowMode replaces every action with a dry run.
	ShadowMode bool `env:"SHADOW_MODE"`

	DBDialect   string `env:"DB_DIALECT" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:selfheal.db?_pragma=busy_timeout(5000)"`

	CatalogPath string `env:"CATALOG_PATH" envDefault:"playbooks.yaml"`
	PolicyPath  string `env:"POLICY_PATH"`
	WasmDir     string `env:"WASM_DIR"`
	WasmMemMB   uint32 `env:"WASM_MEMORY_MB" envDefault:"64"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	JWTSecret   string `env:"JWT_SECRET"`
	LedgerSeed  string `env:"LEDGER_SEED"`
	LedgerKeyID string `env:"LEDGER_KEY_ID" envDefault:"ledger-1"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"100"`
	SuppressionWindow time.Duration `env:"SUPPRESSION_WINDOW" envDefault:"10m"`
	ExecutionTimeout  time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"10m"`
	BackoffThreshold  int           `env:"BACKOFF_THRESHOLD" envDefault:"3"`
	BackoffLookback   time.Duration `env:"BACKOFF_LOOKBACK" envDefault:"1h"`
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL" envDefault:"5m"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"4h"`
	RateLimitPerHour  int           `env:"RATE_LIMIT_PER_HOUR" envDefault:"6"`
	ApprovalTTL       time.Duration `env:"APPROVAL_TTL" envDefault:"1h"`
	ExpiryInterval    time.Duration `env:"EXPIRY_INTERVAL" envDefault:"1m"`
	DispatchInterval  time.Duration `env:"DISPATCH_INTERVAL" envDefault:"2s"`
	VerifyAttempts    int           `env:"VERIFY_ATTEMPTS" envDefault:"3"`
	VerifyInterval    time.Duration `env:"VERIFY_INTERVAL" envDefault:"10s"`

	OTLPEndpoint string  `env:"OTLP_ENDPOINT"`
	OTLPInsecure bool    `env:"OTLP_INSECURE"`
	SampleRate   float64 `env:"TRACE_SAMPLE_RATE" envDefault:"1"`

	Archive archive.Config `envPrefix:"ARCHIVE_"`
}

// Load reads the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the loops cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"POLL_INTERVAL":      c.PollInterval,
		"SUPPRESSION_WINDOW": c.SuppressionWindow,
		"EXECUTION_TIMEOUT":  c.ExecutionTimeout,
		"BACKOFF_LOOKBACK":   c.BackoffLookback,
		"BACKOFF_INITIAL":    c.BackoffInitial,
		"APPROVAL_TTL":       c.ApprovalTTL,
		"EXPIRY_INTERVAL":    c.ExpiryInterval,
		"DISPATCH_INTERVAL":  c.DispatchInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive", envPrefix, name))
		}
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("%sBACKOFF_MAX must not be below %sBACKOFF_INITIAL", envPrefix, envPrefix))
	}
	if c.BackoffThreshold < 1 {
		errs = append(errs, fmt.Errorf("%sBACKOFF_THRESHOLD must be at least 1", envPrefix))
	}
	if c.RateLimitPerHour < 1 {
		errs = append(errs, fmt.Errorf("%sRATE_LIMIT_PER_HOUR must be at least 1", envPrefix))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("%sBATCH_SIZE must be at least 1", envPrefix))
	}
	if c.VerifyAttempts < 1 {
		errs = append(errs, fmt.Errorf("%sVERIFY_ATTEMPTS must be at least 1", envPrefix))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL: %w", envPrefix, err)
	}
	return l, nil
}

func (c *Config) Scheduler() scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.PollInterval = c.PollInterval
	sc.BatchSize = c.BatchSize
	sc.Backoff = scheduler.BackoffPolicy{
		Threshold: c.BackoffThreshold,
		Lookback:  c.BackoffLookback,
		Initial:   c.BackoffInitial,
		Max:       c.BackoffMax,
	}
	sc.Rate = scheduler.RatePolicy{PerHour: c.RateLimitPerHour}
	return sc
}

func (c *Config) Runner() runner.Config {
	return runner.Config{
		DispatchInterval: c.DispatchInterval,
		ExecutionTimeout: c.ExecutionTimeout,
		VerifyAttempts:   c.VerifyAttempts,
		VerifyInterval:   c.VerifyInterval,
	}
}

func (c *Config) Observability() observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = c.Version
	oc.Environment = c.Environment
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Insecure = c.OTLPInsecure
	oc.SampleRate = c.SampleRate
	return oc
}
