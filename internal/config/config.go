package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the bot process.
type Config struct {
	// Telegram
	BotToken    string
	PollTimeout int // long poll timeout, seconds

	// Store
	StorePath string

	// Docker
	RuntimePoolSize int // max concurrent blocking docker calls

	// Admins are Telegram user IDs with administrator privileges.
	Admins []string

	// Tokens
	InitialTokens int
	BillingPeriod int // seconds between billing ticks

	// Queue
	QueueIdleSeconds int // worker eviction after this long without a command

	// Metrics
	MetricsAddr string // empty disables the /metrics endpoint

	// Profiles
	CatalogPath string // optional YAML override of the resource profile catalog

	LogLevel string
	Debug    bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BotToken:         getEnv("TELEGRAM_BOT_TOKEN", ""),
		PollTimeout:      getEnvInt("TELEGRAM_POLL_TIMEOUT", 30),
		StorePath:        getEnv("TERMBOT_STORE_PATH", "termbot.db"),
		RuntimePoolSize:  getEnvInt("TERMBOT_RUNTIME_POOL_SIZE", 10),
		Admins:           splitList(getEnv("TERMBOT_ADMINS", "")),
		InitialTokens:    getEnvInt("TERMBOT_INITIAL_TOKENS", 480),
		BillingPeriod:    getEnvInt("TERMBOT_BILLING_PERIOD", 60),
		QueueIdleSeconds: getEnvInt("TERMBOT_QUEUE_IDLE", 300),
		MetricsAddr:      getEnv("TERMBOT_METRICS_ADDR", ""),
		CatalogPath:      getEnv("TERMBOT_CATALOG_PATH", ""),
		LogLevel:         getEnv("TERMBOT_LOG_LEVEL", "info"),
		Debug:            getEnvBool("TERMBOT_DEBUG", false),
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN must be set")
	}
	if cfg.RuntimePoolSize <= 0 {
		return nil, fmt.Errorf("TERMBOT_RUNTIME_POOL_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
