package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string `env:"API_ADDR" envDefault:":8787"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"WIKI_MIGRATIONS_DIR" envDefault:"./db/migrations"`
	JWTSecret     string `env:"WIKI_JWT_SECRET" envDefault:"wiki-dev-secret"`
	CORSOrigin    string `env:"WIKI_CORS_ORIGIN" envDefault:"*"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Edit lease
	RedisURL           string        `env:"REDIS_URL"`
	LeaseBackend       string        `env:"WIKI_LEASE_BACKEND" envDefault:"memory"`
	LeaseTTL           time.Duration `env:"WIKI_LEASE_TTL" envDefault:"10m"`
	LeaseSweepInterval time.Duration `env:"WIKI_LEASE_SWEEP_INTERVAL" envDefault:"0s"`

	ProtectionPolicyPath string `env:"WIKI_PROTECTION_POLICY"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	// Git mirror of revision history; disabled when empty.
	ArchiveDir string `env:"WIKI_ARCHIVE_DIR"`

	// SMTP - empty by default, notifications disabled if not configured
	SMTPHost     string   `env:"SMTP_HOST"`
	SMTPPort     string   `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string   `env:"SMTP_USERNAME"`
	SMTPPassword string   `env:"SMTP_PASSWORD"`
	SMTPFrom     string   `env:"SMTP_FROM"`
	SMTPFromName string   `env:"SMTP_FROM_NAME" envDefault:"Rangu Wiki"`
	NotifyTo     []string `env:"WIKI_NOTIFY_TO" envSeparator:","`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

const (
	LeaseBackendMemory   = "memory"
	LeaseBackendRedis    = "redis"
	LeaseBackendPostgres = "postgres"
)

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.LeaseBackend = strings.ToLower(strings.TrimSpace(cfg.LeaseBackend))
	if cfg.LeaseBackend == LeaseBackendMemory && strings.TrimSpace(cfg.RedisURL) != "" {
		cfg.LeaseBackend = LeaseBackendRedis
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LeaseBackend {
	case LeaseBackendMemory:
	case LeaseBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("lease backend %q requires REDIS_URL", c.LeaseBackend)
		}
	case LeaseBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("lease backend %q requires DATABASE_URL", c.LeaseBackend)
		}
	default:
		return fmt.Errorf("unknown lease backend %q", c.LeaseBackend)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("WIKI_LEASE_TTL must be positive")
	}
	if c.LeaseSweepInterval < 0 {
		return fmt.Errorf("WIKI_LEASE_SWEEP_INTERVAL must not be negative")
	}
	return nil
}
