package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port     string
	GRPCPort string
	Env      string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	AMQPURL      string
	AMQPExchange string
	// AuditRoutingKey is the routing key audit envelopes are published with.
	AuditRoutingKey string

	IdentityGRPCAddr string

	ServiceName  string
	OTLPEndpoint string

	// SendMinInterval spaces the accepted sends of one session and of one
	// identity at the storage boundary.
	SendMinInterval     time.Duration
	ScopedNotifications bool
	DebugRoutes         bool
}

// Load reads configuration from environment variables, loading .env first
// if present. Production requires a database.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8083"),
		GRPCPort:         getEnv("GRPC_PORT", "9083"),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DatabaseURL:      os.Getenv("DB_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		AMQPURL:          os.Getenv("AMQP_URL"),
		AMQPExchange:     getEnv("AMQP_EXCHANGE", "dm.events"),
		AuditRoutingKey:  getEnv("AUDIT_ROUTING_KEY", "audit.dm"),
		IdentityGRPCAddr: getEnv("IDENTITY_GRPC_ADDR", "localhost:8084"),
		ServiceName:      getEnv("OTEL_SERVICE_NAME", "dm-service"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.SendMinInterval, err = getDuration("SEND_MIN_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ScopedNotifications, err = getBool("SCOPED_NOTIFICATIONS", false); err != nil {
		return nil, err
	}
	if cfg.DebugRoutes, err = getBool("DEBUG_ROUTES", false); err != nil {
		return nil, err
	}

	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DB_DSN is required in production")
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
