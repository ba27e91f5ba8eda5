package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration
// strings like "30m" or "168h".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for the event substrate
type Config struct {
	// Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Retention configuration
	Retention RetentionConfig `yaml:"retention"`
}

// RedisConfig holds durable store configuration
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
	MaxRetries   int    `yaml:"max_retries"`
}

// BusConfig holds bus and log adapter configuration
type BusConfig struct {
	StreamPrefix string   `yaml:"stream_prefix"`
	MaxStreamLen int64    `yaml:"max_stream_len"`
	BlockTimeout Duration `yaml:"block_timeout"`
	ConsumeBatch int64    `yaml:"consume_batch"`
	ErrorBackoff Duration `yaml:"error_backoff"`
}

// RetentionConfig holds retention manager configuration
type RetentionConfig struct {
	MaxAge   Duration `yaml:"max_age"`
	Interval Duration `yaml:"interval"`
	Kinds    []string `yaml:"kinds"`
}

// Default returns the configuration built from environment variables
// with built-in fallbacks.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:         getEnv("ALICE_REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("ALICE_REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("ALICE_REDIS_DB", 0),
			PoolSize:     getEnvAsInt("ALICE_REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("ALICE_REDIS_MIN_IDLE_CONNS", 2),
			MaxRetries:   getEnvAsInt("ALICE_REDIS_MAX_RETRIES", 3),
		},
		Bus: BusConfig{
			StreamPrefix: getEnv("ALICE_EVENT_STREAM_PREFIX", "alice:events:"),
			MaxStreamLen: int64(getEnvAsInt("ALICE_EVENT_MAX_STREAM_LEN", 10000)),
			BlockTimeout: Duration(getEnvAsDuration("ALICE_EVENT_BLOCK_TIMEOUT", 5*time.Second)),
			ConsumeBatch: int64(getEnvAsInt("ALICE_EVENT_CONSUME_BATCH", 10)),
			ErrorBackoff: Duration(getEnvAsDuration("ALICE_EVENT_ERROR_BACKOFF", time.Second)),
		},
		Retention: RetentionConfig{
			MaxAge:   Duration(getEnvAsDuration("ALICE_EVENT_RETENTION_MAX_AGE", 30*24*time.Hour)),
			Interval: Duration(getEnvAsDuration("ALICE_EVENT_RETENTION_INTERVAL", time.Hour)),
		},
	}
}

// Load reads configuration from a YAML file layered over the defaults,
// so the precedence is file > environment > built-in.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}
