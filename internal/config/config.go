package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	DBSource string `env:"DB_SOURCE"`
	Port     string `env:"SERVER_PORT" envDefault:"8080"`
	Env      string `env:"ENVIRONMENT" envDefault:"development"`
	Storage  string `env:"STORAGE" envDefault:"postgres"`

	RedisAddr              string   `env:"REDIS_ADDR"`
	KafkaBrokers           []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAnalyticsTopic    string   `env:"KAFKA_ANALYTICS_TOPIC" envDefault:"points.analytics"`
	KafkaNotificationTopic string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"points.notifications"`

	RulesFile          string        `env:"RULES_FILE"`
	LevelThresholds    string        `env:"LEVEL_THRESHOLDS"`
	BalanceLocking     string        `env:"BALANCE_LOCKING" envDefault:"pessimistic"`
	BalanceMaxAttempts uint          `env:"BALANCE_MAX_ATTEMPTS" envDefault:"5"`
	DedupTTL           time.Duration `env:"DEDUP_TTL" envDefault:"168h"`

	AuditSalt      string        `env:"AUDIT_SALT"`
	AnalyticsSalt  string        `env:"ANALYTICS_SALT"`
	AuditRetention time.Duration `env:"AUDIT_RETENTION" envDefault:"61320h"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"pointsledger"`
}

// Load reads a local .env outside production, then the process environment.
func Load() (*Config, error) {
	if os.Getenv("ENVIRONMENT") != "production" {
		// a missing .env is normal
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DBSource == "" {
			return errors.New("DB_SOURCE environment variable is required")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	if c.BalanceLocking != "pessimistic" && c.BalanceLocking != "optimistic" {
		return fmt.Errorf("BALANCE_LOCKING must be pessimistic or optimistic, got %q", c.BalanceLocking)
	}
	if c.BalanceMaxAttempts == 0 {
		return errors.New("BALANCE_MAX_ATTEMPTS must be at least 1")
	}
	if c.IsProduction() && (c.AuditSalt == "" || c.AnalyticsSalt == "") {
		return errors.New("AUDIT_SALT and ANALYTICS_SALT are required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }
