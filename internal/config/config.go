// Package config provides configuration management for the rewrite pipeline.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Provider ProviderConfig
	Pipeline PipelineConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the pipeline event sink
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// ProviderConfig holds the external AI batch provider configuration
type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Name           string
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// PipelineConfig holds worker/pipeline tuning
type PipelineConfig struct {
	SubmitInterval      time.Duration
	CollectInterval     time.Duration
	WatchdogInterval    time.Duration
	TerminalizeInterval time.Duration
	SubmitBatchSize     int
	CollectBatchSize    int
	TriggerBatchSize    int
	TriggerMaxAttempts  int
	JobMaxAttempts      int
	StaleAfter          time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "kinly"),
				User:           getEnv("POSTGRES_USER", "kinly"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "kinly"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			},
		},
		Provider: ProviderConfig{
			BaseURL:        getEnv("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         getEnv("PROVIDER_API_KEY", ""),
			Model:          getEnv("PROVIDER_MODEL", "gpt-4o-mini"),
			Name:           getEnv("PROVIDER_NAME", "openai"),
			RequestTimeout: getEnvAsDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			RequestsPerSec: getEnvAsFloat("PROVIDER_REQUESTS_PER_SEC", 2.0),
		},
		Pipeline: PipelineConfig{
			SubmitInterval:      getEnvAsDuration("PIPELINE_SUBMIT_INTERVAL", 30*time.Second),
			CollectInterval:     getEnvAsDuration("PIPELINE_COLLECT_INTERVAL", 60*time.Second),
			WatchdogInterval:    getEnvAsDuration("PIPELINE_WATCHDOG_INTERVAL", 2*time.Minute),
			TerminalizeInterval: getEnvAsDuration("PIPELINE_TERMINALIZE_INTERVAL", 5*time.Minute),
			SubmitBatchSize:     getEnvAsInt("PIPELINE_SUBMIT_BATCH_SIZE", 20),
			CollectBatchSize:    getEnvAsInt("PIPELINE_COLLECT_BATCH_SIZE", 20),
			TriggerBatchSize:    getEnvAsInt("PIPELINE_TRIGGER_BATCH_SIZE", 20),
			TriggerMaxAttempts:  getEnvAsInt("PIPELINE_TRIGGER_MAX_ATTEMPTS", 10),
			JobMaxAttempts:      getEnvAsInt("PIPELINE_JOB_MAX_ATTEMPTS", 5),
			StaleAfter:          getEnvAsDuration("PIPELINE_STALE_AFTER", 10*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
