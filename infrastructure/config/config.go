// Package config loads engine configuration from the environment with an
// optional YAML overlay, and watches the feature-flag file for runtime
// changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FeatureFlags are the runtime-switchable toggles consumed by clients.
type FeatureFlags struct {
	// DocumentFirst selects the bridge mode: true routes all consumer
	// writes through the document; false keeps the legacy dual-write
	// path for backward compatibility.
	DocumentFirst bool `yaml:"documentFirst" json:"documentFirst"`
	// RelayEnabled connects sessions to the relay; false falls back to
	// local-only persistence.
	RelayEnabled bool `yaml:"relayEnabled" json:"relayEnabled"`
}

// Config holds all engine configuration.
type Config struct {
	// Server configuration
	ListenAddr  string `yaml:"listenAddr" validate:"required"`
	Environment string `yaml:"environment"`

	// Relay
	RelayURL         string        `yaml:"relayURL"`
	AllowedOrigins   []string      `yaml:"allowedOrigins"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" validate:"min=0"`

	// Snapshot persistence
	SnapshotPath     string        `yaml:"snapshotPath" validate:"required"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval" validate:"min=0"`
	RoomGracePeriod  time.Duration `yaml:"roomGracePeriod" validate:"min=0"`

	// Client-side persistence
	LocalStorePath   string        `yaml:"localStorePath"`
	DebounceInterval time.Duration `yaml:"debounceInterval" validate:"min=0"`

	// Feature flags
	Flags FeatureFlags `yaml:"flags"`
}

// LoadConfig loads configuration from environment variables, then applies
// the YAML overlay named by CONFIG_FILE (if set).
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8085"),
		Environment: getEnv("ENVIRONMENT", "development"),

		RelayURL:         getEnv("RELAY_URL", "ws://localhost:8085"),
		AllowedOrigins:   splitCSV(getEnv("ALLOWED_ORIGINS", "")),
		HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),

		SnapshotPath:     getEnv("SNAPSHOT_PATH", "canvas-snapshots.db"),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", 30*time.Second),
		RoomGracePeriod:  getEnvDuration("ROOM_GRACE_PERIOD", 60*time.Second),

		LocalStorePath:   getEnv("LOCAL_STORE_PATH", ""),
		DebounceInterval: getEnvDuration("DEBOUNCE_INTERVAL", 500*time.Millisecond),

		Flags: FeatureFlags{
			DocumentFirst: getEnvBool("DOCUMENT_FIRST", true),
			RelayEnabled:  getEnvBool("RELAY_ENABLED", true),
		},
	}

	if file := getEnv("CONFIG_FILE", ""); file != "" {
		if err := cfg.applyFile(file); err != nil {
			return nil, err
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
