// Package config centralizes the relay's enumerated environment surface.
// It generalizes the teacher's single getenv(key, fallback) helper into a
// typed loader so every component reads one already-validated Config
// instead of scattering os.Getenv calls.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"vesselrelay/src/relayerr"
)

// Config is the fully-resolved configuration surface from spec §6.
type Config struct {
	// DirectEndpoint
	DirectHost     string
	DirectPort     string
	MaxPayloadBytes int64

	// HubConnector
	HubURL               string
	ReconnectIntervalMS  time.Duration
	MaxReconnectAttempts int
	PingIntervalMS       time.Duration
	ConnectionTimeoutMS  time.Duration

	// SyncOrchestrator
	DefaultThrottleMS time.Duration
	SignalKRefreshMS  time.Duration

	// Identity
	BoatID               string
	KeyDir               string
	InsecureLegacyIdentity bool

	// Producers
	WeatherIntervalMS time.Duration
	TidalIntervalMS   time.Duration

	// Ambient
	AppEnv      string
	LogLevel    string
	BehindProxy bool
}

// Load reads and validates the process environment. Callers should call
// godotenv.Load() first (non-fatal if no .env file is present) so Load
// observes any values it defines.
func Load() (*Config, error) {
	cfg := &Config{
		DirectHost:             getenv("DIRECT_HOST", "0.0.0.0"),
		DirectPort:             getenv("DIRECT_PORT", "8080"),
		BoatID:                 getenv("BOAT_ID", ""),
		KeyDir:                 getenv("KEY_DIR", "./data/keys"),
		AppEnv:                 getenv("APP_ENV", ""),
		LogLevel:               getenv("LOG_LEVEL", ""),
	}

	hubURL, err := resolveHubURL()
	if err != nil {
		return nil, err
	}
	cfg.HubURL = hubURL

	intFields := []struct {
		name string
		dflt int
		dst  *int
	}{
		{"MAX_RECONNECT_ATTEMPTS", 10, &cfg.MaxReconnectAttempts},
	}
	for _, f := range intFields {
		v, err := getenvInt(f.name, f.dflt)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	durFields := []struct {
		name string
		dflt time.Duration
		dst  *time.Duration
	}{
		{"RECONNECT_INTERVAL_MS", 5 * time.Second, &cfg.ReconnectIntervalMS},
		{"PING_INTERVAL_MS", 25 * time.Second, &cfg.PingIntervalMS},
		{"CONNECTION_TIMEOUT_MS", 30 * time.Second, &cfg.ConnectionTimeoutMS},
		{"DEFAULT_THROTTLE_MS", time.Second, &cfg.DefaultThrottleMS},
		{"SIGNALK_REFRESH_MS", 2 * time.Second, &cfg.SignalKRefreshMS},
		{"WEATHER_INTERVAL_MS", 15 * time.Minute, &cfg.WeatherIntervalMS},
		{"TIDAL_INTERVAL_MS", 2 * time.Hour, &cfg.TidalIntervalMS},
	}
	for _, f := range durFields {
		v, err := getenvMillis(f.name, f.dflt)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	maxPayload, err := getenvInt64("MAX_PAYLOAD_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxPayloadBytes = maxPayload

	cfg.BehindProxy, err = getenvBool("BEHIND_PROXY", false)
	if err != nil {
		return nil, err
	}
	cfg.InsecureLegacyIdentity, err = getenvBool("INSECURE_LEGACY_IDENTITY", false)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolveHubURL() (string, error) {
	if v := os.Getenv("HUB_URL"); v != "" {
		return v, nil
	}
	host := getenv("HUB_HOST", "")
	if host == "" {
		return "", nil
	}
	port := getenv("HUB_PORT", "443")
	path := getenv("HUB_PATH", "/boat")
	scheme := "wss"
	if strings.ToLower(getenv("APP_ENV", "")) == "development" {
		scheme = "ws"
	}
	return scheme + "://" + host + ":" + port + path, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &relayerr.ConfigError{Key: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func getenvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &relayerr.ConfigError{Key: key, Reason: "not an integer: " + v}
	}
	return n, nil
}

func getenvMillis(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &relayerr.ConfigError{Key: key, Reason: "not an integer (ms): " + v}
	}
	return time.Duration(n) * time.Millisecond, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &relayerr.ConfigError{Key: key, Reason: "not a boolean: " + v}
	}
	return b, nil
}
