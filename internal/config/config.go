// Package config loads the agent's configuration from the
// environment. An optional .env file next to the working directory is
// merged in first, matching how the container entrypoint provisions
// settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Push provider selection values.
const (
	ProviderDev  = "dev"
	ProviderAPNs = "apns"
)

const (
	defaultSamplingInterval = 30
	minSamplingInterval     = 5

	defaultRetentionDays = 30
	minRetentionDays     = 1
	maxRetentionDays     = 30

	defaultMaxConcurrentActions = 5

	defaultControlFilePath = "./control/control.json"
	defaultDataDir         = "./data"
)

// Config is the agent's full runtime configuration.
type Config struct {
	AgentUUID   string
	AgentSecret string
	PanelURL    string
	PanelAPIKey string

	SamplingIntervalSec int
	RetentionDays       int
	LogLevel            string

	// MaxConcurrentActions is read and validated but the executor
	// currently runs one automation at a time; parallel execution is
	// a possible future change.
	MaxConcurrentActions int

	ControlFilePath string
	DataDir         string

	PushProvider string
	APNsKeyB64   string
	APNsKeyID    string
	APNsTeamID   string
	APNsBundleID string
}

// Load reads configuration from the environment, applying defaults
// and clamps. It returns an error for missing required variables, a
// short agent secret, or incomplete APNs credentials.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := &Config{
		AgentUUID:   os.Getenv("AGENT_UUID"),
		AgentSecret: os.Getenv("AGENT_SECRET"),
		PanelURL:    os.Getenv("PANEL_URL"),
		PanelAPIKey: os.Getenv("PANEL_API_KEY"),

		SamplingIntervalSec:  envInt("SAMPLING_INTERVAL", defaultSamplingInterval),
		RetentionDays:        envInt("RETENTION_DAYS", defaultRetentionDays),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		MaxConcurrentActions: envInt("MAX_CONCURRENT_ACTIONS", defaultMaxConcurrentActions),

		ControlFilePath: envOr("CONTROL_FILE_PATH", defaultControlFilePath),
		DataDir:         envOr("DATA_DIR", defaultDataDir),

		PushProvider: strings.ToLower(envOr("PUSH_PROVIDER", ProviderDev)),
		APNsKeyB64:   os.Getenv("APNS_KEY_BASE64"),
		APNsKeyID:    os.Getenv("APNS_KEY_ID"),
		APNsTeamID:   os.Getenv("APNS_TEAM_ID"),
		APNsBundleID: os.Getenv("APNS_BUNDLE_ID"),
	}

	for name, value := range map[string]string{
		"AGENT_UUID":    cfg.AgentUUID,
		"AGENT_SECRET":  cfg.AgentSecret,
		"PANEL_URL":     cfg.PanelURL,
		"PANEL_API_KEY": cfg.PanelAPIKey,
	} {
		if value == "" {
			return nil, fmt.Errorf("required environment variable %s is not set", name)
		}
	}

	if len(cfg.AgentSecret) < 16 {
		return nil, fmt.Errorf("AGENT_SECRET must be at least 16 characters")
	}

	if cfg.SamplingIntervalSec < minSamplingInterval {
		log.Warn().
			Int("requested", cfg.SamplingIntervalSec).
			Int("floor", minSamplingInterval).
			Msg("SAMPLING_INTERVAL below floor, clamping")
		cfg.SamplingIntervalSec = minSamplingInterval
	}

	if cfg.RetentionDays < minRetentionDays {
		cfg.RetentionDays = minRetentionDays
	} else if cfg.RetentionDays > maxRetentionDays {
		cfg.RetentionDays = maxRetentionDays
	}

	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = defaultMaxConcurrentActions
	}

	switch cfg.PushProvider {
	case ProviderDev:
	case ProviderAPNs:
		for name, value := range map[string]string{
			"APNS_KEY_BASE64": cfg.APNsKeyB64,
			"APNS_KEY_ID":     cfg.APNsKeyID,
			"APNS_TEAM_ID":    cfg.APNsTeamID,
			"APNS_BUNDLE_ID":  cfg.APNsBundleID,
		} {
			if value == "" {
				return nil, fmt.Errorf("%s is required when PUSH_PROVIDER=apns", name)
			}
		}
	default:
		return nil, fmt.Errorf("invalid PUSH_PROVIDER %q (expected %q or %q)", cfg.PushProvider, ProviderAPNs, ProviderDev)
	}

	return cfg, nil
}

// StatusPath is the location of the exported status file.
func (c *Config) StatusPath() string {
	return filepath.Join(c.DataDir, "status.json")
}

// MetricsPath is the location of the exported metrics file.
func (c *Config) MetricsPath() string {
	return filepath.Join(c.DataDir, "metrics.json")
}

// LogPath is the location of the rotating agent log.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "agent.log")
}

// DBPath is the location of the embedded database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agent.db")
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("var", name).Str("value", raw).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return value
}
