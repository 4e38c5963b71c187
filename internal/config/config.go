// Package config loads runtime configuration from the environment. A
// .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates the settings for the realtime core.
type Config struct {
	// APIBaseURL is the pull-channel root, including any path prefix.
	APIBaseURL string

	// SocketURL is the push-channel websocket endpoint.
	SocketURL string

	// AuthToken is the bearer credential used when no external provider
	// is injected.
	AuthToken string

	RequestTimeout   time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	NotificationTTL  time.Duration
	CacheSweep       time.Duration
	FallbackInterval time.Duration
}

// Load reads configuration from the environment, applying defaults for
// everything optional.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:       getEnv("REALTIME_API_URL", "http://localhost:3003/api/realtime"),
		SocketURL:        getEnv("REALTIME_SOCKET_URL", "ws://localhost:3003/realtime/socket"),
		AuthToken:        os.Getenv("REALTIME_TOKEN"),
		RequestTimeout:   30 * time.Second,
		ReconnectBase:    time.Second,
		ReconnectMax:     30 * time.Second,
		NotificationTTL:  10 * time.Second,
		CacheSweep:       time.Minute,
		FallbackInterval: 15 * time.Second,
	}

	var err error
	if cfg.RequestTimeout, err = getDuration("REALTIME_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconnectBase, err = getDuration("REALTIME_RECONNECT_BASE", cfg.ReconnectBase); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = getDuration("REALTIME_RECONNECT_MAX", cfg.ReconnectMax); err != nil {
		return nil, err
	}
	if cfg.NotificationTTL, err = getDuration("REALTIME_NOTIFICATION_TTL", cfg.NotificationTTL); err != nil {
		return nil, err
	}
	if cfg.CacheSweep, err = getDuration("REALTIME_CACHE_SWEEP", cfg.CacheSweep); err != nil {
		return nil, err
	}
	if cfg.FallbackInterval, err = getDuration("REALTIME_FALLBACK_INTERVAL", cfg.FallbackInterval); err != nil {
		return nil, err
	}

	if cfg.ReconnectBase > cfg.ReconnectMax {
		return nil, fmt.Errorf("REALTIME_RECONNECT_BASE (%v) exceeds REALTIME_RECONNECT_MAX (%v)",
			cfg.ReconnectBase, cfg.ReconnectMax)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}
