// Package serverconfig loads the Server Broker's configuration, in the
// same layered config.yaml-plus-env-override shape as internal/hostconfig
// and the teacher's internal/config.
package serverconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the Server Broker's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string   `yaml:"bind_addr"`
	EventStorePath      string   `yaml:"event_store_path"`
	JWTSecret           string   `yaml:"jwt_secret"`
	RedactionExtraRegex []string `yaml:"redaction_extra_regex"`

	ServerLogPath string `yaml:"server_log_path"`

	EventRetentionDays  int `yaml:"event_retention_days"`
	PruneIntervalMinute int `yaml:"prune_interval_minutes"`

	ObsEnabled  bool   `yaml:"obs_enabled"`
	ObsExporter string `yaml:"obs_exporter"`
	ObsEndpoint string `yaml:"obs_endpoint"`
}

func HomeDir() string {
	if override := os.Getenv("RELAY_SERVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relay-server")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir() (if present), applies
// environment overrides, and fills unset fields with defaults. A missing
// JWT secret after loading and defaulting is an error: unlike a dev host
// token, signing every app session with a guessable default secret is
// not a safe fallback.
func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDir()}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay server home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("missing JWT_SECRET (set a random long string via env or config.yaml)")
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8787"
	}
	if cfg.EventStorePath == "" {
		cfg.EventStorePath = filepath.Join(cfg.HomeDir, "server.db")
	}
	if cfg.EventRetentionDays <= 0 {
		cfg.EventRetentionDays = 30
	}
	if cfg.PruneIntervalMinute <= 0 {
		cfg.PruneIntervalMinute = 60
	}
	if cfg.ObsExporter == "" {
		cfg.ObsExporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.EventStorePath = strings.TrimPrefix(v, "sqlite:")
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SERVER_LOG_PATH")); v != "" {
		cfg.ServerLogPath = v
	}
	if v := os.Getenv("REDACTION_EXTRA_REGEX"); v != "" {
		cfg.RedactionExtraRegex = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("EVENT_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventRetentionDays = n
		}
	}
	if v := os.Getenv("RELAY_OBS_ENABLED"); v != "" {
		cfg.ObsEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_OBS_EXPORTER")); v != "" {
		cfg.ObsExporter = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_OBS_ENDPOINT")); v != "" {
		cfg.ObsEndpoint = v
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
