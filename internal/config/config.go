package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/punchamoorthee/ledgercore/internal/domain"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	StoreDriver     string `env:"STORE_DRIVER"      envDefault:"postgres"`
	DBSource        string `env:"DB_SOURCE"`
	DBReplicaSource string `env:"DB_REPLICA_SOURCE"`
	SQLitePath      string `env:"SQLITE_PATH"`

	Port     string `env:"SERVER_PORT" envDefault:"8080"`
	Env      string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"`

	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT"   envDefault:"5s"`
	ReconcileTimeout time.Duration `env:"RECONCILE_TIMEOUT" envDefault:"2s"`
	DefaultCurrency  string        `env:"DEFAULT_CURRENCY"  envDefault:"USD"`

	RedisAddr           string        `env:"REDIS_ADDR"`
	IdempotencyCacheTTL time.Duration `env:"IDEMPOTENCY_CACHE_TTL" envDefault:"24h"`

	AMQPURL      string `env:"AMQP_URL"`
	OutcomeQueue string `env:"OUTCOME_QUEUE" envDefault:"ledger.outcomes"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	DirectoryBreakerFailures uint32        `env:"DIRECTORY_BREAKER_FAILURES" envDefault:"5"`
	DirectoryBreakerTimeout  time.Duration `env:"DIRECTORY_BREAKER_TIMEOUT"  envDefault:"30s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	cur, err := domain.ParseCurrency(cfg.DefaultCurrency)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_CURRENCY: %w", err)
	}
	cfg.DefaultCurrency = cur

	if cfg.RequestTimeout <= 0 || cfg.ReconcileTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT and RECONCILE_TIMEOUT must be positive")
	}
	if cfg.DirectoryBreakerFailures == 0 {
		return nil, fmt.Errorf("DIRECTORY_BREAKER_FAILURES must be positive")
	}

	return &cfg, nil
}
