package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the process configuration, resolved from the environment (and an optional .env file).
type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	StoreDriver string
	DB          DBConfig
	Redis       RedisConfig

	NatsURL           string
	NatsSubjectPrefix string
	// NatsStream switches the sink to JetStream when set.
	NatsStream string

	LedgerURL     string
	LedgerTimeout time.Duration

	BidMaxAttempts          int
	SweepInterval           time.Duration
	SweepConcurrency        int
	SettlementRetryInterval time.Duration
	SettlementGrace         time.Duration
	EventBuffer             int
}

type DBConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

// DSN builds the postgres connection url.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":9000")
	v.SetDefault("store_driver", StoreMemory)

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "postgres")
	v.SetDefault("db_name", "bidding")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("migrations_path", "file://internal/shared/db/migrations/sql")

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject_prefix", "bidding")
	v.SetDefault("nats_stream", "")

	v.SetDefault("ledger_url", "")
	v.SetDefault("ledger_timeout", 3*time.Second)

	v.SetDefault("bid_max_attempts", 5)
	v.SetDefault("sweep_interval", 2*time.Second)
	v.SetDefault("sweep_concurrency", 8)
	v.SetDefault("settlement_retry_interval", 30*time.Second)
	v.SetDefault("settlement_grace", time.Minute)
	v.SetDefault("event_buffer", 256)
}

// Load reads .env (if present) and the environment into a Config.
func Load() (*Config, error) {
	return fromViper(envViper())
}

// Logging resolves APP_ENV and LOG_LEVEL the way Load does, without validating
// the rest. The logger is built before the full config is loaded.
func Logging() (appEnv, logLevel string) {
	v := envViper()
	return v.GetString("app_env"), v.GetString("log_level")
}

func envViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppEnv:      v.GetString("app_env"),
		LogLevel:    v.GetString("log_level"),
		HTTPAddr:    v.GetString("http_addr"),
		StoreDriver: strings.ToLower(v.GetString("store_driver")),
		DB: DBConfig{
			Host:           v.GetString("db_host"),
			Port:           v.GetString("db_port"),
			User:           v.GetString("db_user"),
			Password:       v.GetString("db_password"),
			Name:           v.GetString("db_name"),
			SSLMode:        v.GetString("db_sslmode"),
			MaxConns:       v.GetInt32("db_max_conns"),
			MigrationsPath: v.GetString("migrations_path"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		NatsURL:                 v.GetString("nats_url"),
		NatsSubjectPrefix:       v.GetString("nats_subject_prefix"),
		NatsStream:              v.GetString("nats_stream"),
		LedgerURL:               v.GetString("ledger_url"),
		LedgerTimeout:           v.GetDuration("ledger_timeout"),
		BidMaxAttempts:          v.GetInt("bid_max_attempts"),
		SweepInterval:           v.GetDuration("sweep_interval"),
		SweepConcurrency:        v.GetInt("sweep_concurrency"),
		SettlementRetryInterval: v.GetDuration("settlement_retry_interval"),
		SettlementGrace:         v.GetDuration("settlement_grace"),
		EventBuffer:             v.GetInt("event_buffer"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.BidMaxAttempts < 1 {
		return fmt.Errorf("config: BID_MAX_ATTEMPTS must be >= 1, got %d", c.BidMaxAttempts)
	}
	if c.SweepInterval <= 0 || c.SettlementRetryInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL and SETTLEMENT_RETRY_INTERVAL must be positive")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("config: LEDGER_TIMEOUT must be positive")
	}
	if c.SweepConcurrency < 1 {
		c.SweepConcurrency = 1
	}
	if c.EventBuffer < 1 {
		c.EventBuffer = 1
	}
	return nil
}
