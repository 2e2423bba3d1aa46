package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Metering providers.
const (
	ProviderMarketplace = "marketplace"
	ProviderStripe      = "stripe"
)

// Config holds all configuration for the metering agent
type Config struct {
	Server     ServerConfig
	Metering   MeteringConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	SQLite     SQLiteConfig
	DynamoDB   DynamoDBConfig
	AWS        AWSConfig
	Stripe     StripeConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// MeteringConfig holds the metering engine configuration
type MeteringConfig struct {
	Provider            string
	ProductCode         string
	Dimensions          []string
	PurgeOnStart        bool
	Interval            time.Duration
	MaxIntervalsWarning int
	MaxIntervalsStop    int
	Version             string
	Timezone            string
}

// StoreConfig selects the dimension counter backend
type StoreConfig struct {
	Backend string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// SQLiteConfig holds the SQLite file location
type SQLiteConfig struct {
	Path string
}

// DynamoDBConfig holds the DynamoDB table name
type DynamoDBConfig struct {
	Table string
}

// AWSConfig holds AWS SDK overrides
type AWSConfig struct {
	Region   string
	Endpoint string
}

// StripeConfig holds Stripe metering configuration
type StripeConfig struct {
	SecretKey string
	APIURL    string
	// SubscriptionItems maps a dimension name to a subscription item id.
	SubscriptionItems map[string]string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	items, err := parseMapping(getEnv("STRIPE_SUBSCRIPTION_ITEMS", ""))
	if err != nil {
		return nil, fmt.Errorf("STRIPE_SUBSCRIPTION_ITEMS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
		},
		Metering: MeteringConfig{
			Provider:            getEnv("METERING_PROVIDER", ProviderMarketplace),
			ProductCode:         getEnv("METERING_PRODUCT_CODE", ""),
			Dimensions:          getEnvAsList("METERING_DIMENSIONS", "Requests"),
			PurgeOnStart:        getEnvAsBool("METERING_PURGE_ON_START", false),
			Interval:            getEnvAsDuration("METERING_INTERVAL", "1h"),
			MaxIntervalsWarning: getEnvAsInt("METERING_MAX_INTERVALS_WARNING", 1),
			MaxIntervalsStop:    getEnvAsInt("METERING_MAX_INTERVALS_STOP", 2),
			Version:             getEnv("METERING_PRODUCT_VERSION", "1.0.0"),
			Timezone:            getEnv("METERING_TIMEZONE", "Local"),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", StoreMemory),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "metering"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "metering"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvAsInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			PoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 10),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "metering:dimension"),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "metering.db"),
		},
		DynamoDB: DynamoDBConfig{
			Table: getEnv("DYNAMODB_TABLE", "metering-dimensions"),
		},
		AWS: AWSConfig{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: getEnv("AWS_ENDPOINT_URL", ""),
		},
		Stripe: StripeConfig{
			SecretKey:         getEnv("STRIPE_SECRET_KEY", ""),
			APIURL:            getEnv("STRIPE_API_URL", ""),
			SubscriptionItems: items,
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if len(c.Metering.Dimensions) == 0 {
		return fmt.Errorf("METERING_DIMENSIONS is required")
	}
	seen := make(map[string]struct{}, len(c.Metering.Dimensions))
	for _, d := range c.Metering.Dimensions {
		if _, ok := seen[d]; ok {
			return fmt.Errorf("duplicate dimension %q in METERING_DIMENSIONS", d)
		}
		seen[d] = struct{}{}
	}

	if c.Metering.Interval <= 0 {
		return fmt.Errorf("METERING_INTERVAL must be positive")
	}
	if c.Metering.MaxIntervalsWarning < 1 {
		return fmt.Errorf("METERING_MAX_INTERVALS_WARNING must be at least 1")
	}
	if c.Metering.MaxIntervalsStop < c.Metering.MaxIntervalsWarning {
		return fmt.Errorf("METERING_MAX_INTERVALS_STOP must not be below METERING_MAX_INTERVALS_WARNING")
	}
	if _, err := c.Metering.Location(); err != nil {
		return fmt.Errorf("METERING_TIMEZONE: %w", err)
	}

	switch c.Metering.Provider {
	case ProviderMarketplace:
		if c.Metering.ProductCode == "" {
			return fmt.Errorf("METERING_PRODUCT_CODE is required for the marketplace provider")
		}
	case ProviderStripe:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe provider")
		}
		for _, d := range c.Metering.Dimensions {
			if _, ok := c.Stripe.SubscriptionItems[d]; !ok {
				return fmt.Errorf("STRIPE_SUBSCRIPTION_ITEMS has no entry for dimension %q", d)
			}
		}
	default:
		return fmt.Errorf("unknown METERING_PROVIDER %q", c.Metering.Provider)
	}

	switch c.Store.Backend {
	case StoreMemory, StoreRedis, StoreSQLite, StoreDynamoDB:
	case StorePostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	return nil
}

// Location resolves the timezone used to render status datetimes
func (m MeteringConfig) Location() (*time.Location, error) {
	if m.Timezone == "" || m.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(m.Timezone)
}

// parseMapping parses "Name=value,Other=value".
func parseMapping(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid entry %q, expected Name=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key string, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
