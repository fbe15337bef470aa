package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config is the process-level configuration read from the environment.
// Auction tuning lives in the YAML file named by AUCTION_CONFIG.
type Config struct {
	Port         string
	InstanceID   string
	StoreDriver  string // "postgres", or "memory" for a single node loaded with demo data
	NATSURL      string // empty runs with the in-process bus
	SettingsPath string
	LogLevel     zerolog.Level
}

func loadConfig() Config {
	hostname, _ := os.Hostname()
	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return Config{
		Port:         getEnv("PORT", "8080"),
		InstanceID:   getEnv("INSTANCE_ID", hostname),
		StoreDriver:  getEnv("STORE_DRIVER", "postgres"),
		NATSURL:      getEnv("NATS_URL", ""),
		SettingsPath: getEnv("AUCTION_CONFIG", ""),
		LogLevel:     level,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
