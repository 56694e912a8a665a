package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all tunables for the realtime engine and the demo CLI.
type Config struct {
	// EndpointURL is the websocket endpoint clients connect to.
	EndpointURL string `validate:"required,url"`

	// ListenAddr is where the loopback broker binds when serving.
	ListenAddr string `validate:"required"`

	HeartbeatInterval  time.Duration `validate:"gt=0"`
	StaleCheckInterval time.Duration `validate:"gt=0"`
	TypingTimeout      time.Duration `validate:"gt=0"`
	CacheGrace         time.Duration `validate:"gt=0"`

	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	MaxReconnectAttempts int           `validate:"gte=0"`
}

// New loads configuration from environment variables, falling back to
// engine defaults for anything unset.
func New() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		EndpointURL:          getEnv("REALTIME_ENDPOINT", "ws://localhost:8080/ws"),
		ListenAddr:           getEnv("REALTIME_LISTEN_ADDR", ":8080"),
		HeartbeatInterval:    getDuration("REALTIME_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleCheckInterval:   getDuration("REALTIME_STALE_CHECK_INTERVAL", 30*time.Second),
		TypingTimeout:        getDuration("REALTIME_TYPING_TIMEOUT", 3*time.Second),
		CacheGrace:           getDuration("REALTIME_CACHE_GRACE", 60*time.Second),
		ReconnectBaseDelay:   getDuration("REALTIME_RECONNECT_BASE_DELAY", 1*time.Second),
		ReconnectMaxDelay:    getDuration("REALTIME_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: 5,
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid realtime configuration: %v", err)
	}
	return cfg
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Ignoring invalid duration for %s: %q", key, v)
		return fallback
	}
	return d
}
