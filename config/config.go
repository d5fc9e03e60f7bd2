// Package config loads runtime settings for the ghillie binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"ghillie/listing"
	"ghillie/money"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Store       string        `yaml:"store"`
	DatabaseURL string        `yaml:"database_url"`
	DBMaxConns  int32         `yaml:"db_max_conns"`
	SQLitePath  string        `yaml:"sqlite_path"`
	HTTPAddr    string        `yaml:"http_addr"`
	JWTSecret   string        `yaml:"jwt_secret"`
	LogLevel    string        `yaml:"log_level"`
	Kafka       KafkaConfig   `yaml:"kafka"`
	Fees        FeeConfig     `yaml:"fees"`
	Relay       RelayConfig   `yaml:"relay"`
	Shutdown    time.Duration `yaml:"shutdown_timeout"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	// Topics maps outbox topics onto Kafka topics; unmapped topics pass through.
	Topics map[string]string `yaml:"topics"`
}

type FeeConfig struct {
	SellerRate string `yaml:"seller_rate"`
	BuyerFee   string `yaml:"buyer_fee"`
}

type RelayConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func Default() Config {
	return Config{
		Store:      StorePostgres,
		DBMaxConns: 10,
		SQLitePath: "ghillie.db",
		HTTPAddr:   ":8080",
		LogLevel:   "info",
		Fees:       FeeConfig{SellerRate: "0.05", BuyerFee: "1.00"},
		Relay:      RelayConfig{Interval: 500 * time.Millisecond, BatchSize: 50, MaxAttempts: 5},
		Shutdown:   10 * time.Second,
	}
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then a .env file in the working directory, then the
// process environment. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("GHILLIE_STORE", &c.Store)
	str("DATABASE_URL", &c.DatabaseURL)
	str("GHILLIE_SQLITE_PATH", &c.SQLitePath)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("LOG_LEVEL", &c.LogLevel)
	str("SELLER_FEE_RATE", &c.Fees.SellerRate)
	str("BUYER_FEE", &c.Fees.BuyerFee)

	if v, ok := lookup("KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup("RELAY_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_INTERVAL: %v", ErrInvalid, err)
		}
		c.Relay.Interval = d
	}
	if v, ok := lookup("RELAY_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RELAY_MAX_ATTEMPTS: %v", ErrInvalid, err)
		}
		c.Relay.MaxAttempts = n
	}
	return nil
}

// Validate checks settings every command needs. Serving additionally
// requires a signing secret, see ValidateServe.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalid)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite path is empty", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalid, c.Store)
	}
	if _, err := c.FeeSchedule(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	return nil
}

// FeeSchedule parses the configured rates.
func (c Config) FeeSchedule() (listing.FeeSchedule, error) {
	rate, err := decimal.NewFromString(c.Fees.SellerRate)
	if err != nil {
		return listing.FeeSchedule{}, fmt.Errorf("%w: seller fee rate: %v", ErrInvalid, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return listing.FeeSchedule{}, fmt.Errorf("%w: seller fee rate %s out of range", ErrInvalid, rate)
	}
	fee, err := money.Parse(c.Fees.BuyerFee)
	if err != nil {
		return listing.FeeSchedule{}, fmt.Errorf("%w: buyer fee: %v", ErrInvalid, err)
	}
	return listing.FeeSchedule{SellerRate: rate, BuyerFee: fee}, nil
}

// NewLogger builds a production JSON logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}
