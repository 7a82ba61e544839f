// Package config provides configuration management for the nanogate gateway.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for the gateway
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Inbound HTTP surface (client applications)
	ListenAddr string
	ListenPort int

	// Inbound websocket surface (downstream event subscribers)
	FanoutAddr string
	FanoutPort int

	// Nano node connection
	NodeRPCHost string
	NodeRPCPort int
	NodeWSURL   string

	// dPoW (distributed proof-of-work) service
	DpowEnabled bool
	DpowWSURL   string
	DpowUser    string
	DpowAPIKey  string

	// Faucet flow (request_nano)
	FaucetWallet     string
	FaucetSource     string
	FaucetRawAmount  string
	FaucetRateLimit  int64
	FaucetRateWindow time.Duration

	// Optional storage / messaging backends
	RedisURL     string
	PostgresURL  string
	KafkaBrokers []string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Timeouts
	RPCTimeout    time.Duration
	WorkTimeout   time.Duration
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	WorkCacheTTL  time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "nanogate"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Inbound surfaces
		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort: getEnvInt("LISTEN_PORT", 9080),
		FanoutAddr: getEnv("FANOUT_ADDR", "0.0.0.0"),
		FanoutPort: getEnvInt("FANOUT_PORT", 9081),

		// Node defaults
		NodeRPCHost: getEnv("NODE_RPC_HOST", "localhost"),
		NodeRPCPort: getEnvInt("NODE_RPC_PORT", 7076),
		NodeWSURL:   getEnv("NODE_WS_URL", "ws://localhost:7078"),

		// dPoW defaults
		DpowEnabled: getEnvBool("DPOW_ENABLED", false),
		DpowWSURL:   getEnv("DPOW_WS_URL", ""),
		DpowUser:    getEnv("DPOW_USER", ""),
		DpowAPIKey:  getEnv("DPOW_API_KEY", ""),

		// Faucet defaults (rate limit 0 disables limiting)
		FaucetWallet:     getEnv("FAUCET_WALLET", ""),
		FaucetSource:     getEnv("FAUCET_SOURCE", ""),
		FaucetRawAmount:  getEnv("FAUCET_RAW_AMOUNT", "1000000000000000000000000"),
		FaucetRateLimit:  int64(getEnvInt("FAUCET_RATE_LIMIT", 0)),
		FaucetRateWindow: getEnvDuration("FAUCET_RATE_WINDOW", time.Hour),

		// Optional backends (empty means disabled)
		RedisURL:     getEnv("REDIS_URL", ""),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "nanogate"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "gateway"),

		// Timeout defaults
		RPCTimeout:   getEnvDuration("RPC_TIMEOUT", 30*time.Second),
		WorkTimeout:  getEnvDuration("WORK_TIMEOUT", 30*time.Second),
		DialTimeout:  getEnvDuration("DIAL_TIMEOUT", time.Second),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		WorkCacheTTL: getEnvDuration("WORK_CACHE_TTL", time.Hour),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// NodeRPCURL returns the HTTP URL of the node's RPC endpoint
func (c *Config) NodeRPCURL() string {
	return fmt.Sprintf("http://%s:%d/", c.NodeRPCHost, c.NodeRPCPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.FanoutPort <= 0 || c.FanoutPort > 65535 {
		return fmt.Errorf("FANOUT_PORT must be between 1 and 65535")
	}

	if c.ListenPort == c.FanoutPort {
		return fmt.Errorf("LISTEN_PORT and FANOUT_PORT must differ")
	}

	if c.NodeRPCPort <= 0 || c.NodeRPCPort > 65535 {
		return fmt.Errorf("NODE_RPC_PORT must be between 1 and 65535")
	}

	if c.DpowEnabled && c.DpowWSURL == "" {
		return fmt.Errorf("DPOW_WS_URL is required when DPOW_ENABLED is set")
	}

	if c.WorkTimeout <= 0 {
		return fmt.Errorf("WORK_TIMEOUT must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
