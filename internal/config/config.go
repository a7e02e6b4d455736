// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/quantfold/rebalancer/internal/domain"
)

// Config holds application configuration
type Config struct {
	DataDir           string // Base directory for the database (always absolute)
	Port              int
	DevMode           bool
	LogLevel          string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	ExchangeBaseURL   string // Override for tests; empty uses the default
	PriceAPIBaseURL   string // Public price aggregator base URL override
	SimulateTrades    bool   // Executor bypasses broker submission
	UseMockData       bool   // Executor bypasses live balance reads
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("REBALANCER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("PORT", 8080),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),
		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", ""),
		PriceAPIBaseURL:   getEnv("PRICE_API_BASE_URL", ""),
		SimulateTrades:    getEnvAsBool("SIMULATE_TRADES", false),
		UseMockData:       getEnvAsBool("USE_MOCK_DATA", false),
	}

	return cfg, nil
}

// RunMode maps the simulate flag to the executor's runtime mode.
// Tests override by construction rather than by environment mutation.
func (c *Config) RunMode() domain.RunMode {
	if c.SimulateTrades {
		return domain.ModeSimulated
	}
	return domain.ModeLive
}

// ValidateBrokerCredentials checks that broker credentials are present.
// Called by the scheduler before starting a live bot.
func (c *Config) ValidateBrokerCredentials() error {
	if c.SimulateTrades {
		return nil
	}
	if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
		return fmt.Errorf("%w: exchange API credentials", domain.ErrConfigMissing)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
