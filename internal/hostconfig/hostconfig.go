// Package hostconfig loads the Host Daemon's configuration: a
// config.yaml under its home directory, layered with environment
// variable overrides and sane defaults, in the same load-then-normalize
// shape as the rest of this codebase's configuration.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aipper/relay/internal/toolbridge/mcp"
)

// Config is the Host Daemon's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	ServerBaseURL       string   `yaml:"server_base_url"`
	HostID              string   `yaml:"host_id"`
	HostToken           string   `yaml:"host_token"`
	LocalUnixSocket     string   `yaml:"local_unix_socket"`
	SpoolDBPath         string   `yaml:"spool_db_path"`
	LogPath             string   `yaml:"log_path"`
	PolicyPath          string   `yaml:"policy_path"`
	RedactionExtraRegex []string `yaml:"redaction_extra_regex"`

	SpoolPruneIntervalSeconds int `yaml:"spool_prune_interval_seconds"`
	SpoolRetentionDays        int `yaml:"spool_retention_days"`

	ObsEnabled  bool   `yaml:"obs_enabled"`
	ObsExporter string `yaml:"obs_exporter"`
	ObsEndpoint string `yaml:"obs_endpoint"`

	MCPServers []mcp.ServerConfig `yaml:"mcp_servers"`
}

// HomeDir returns the Host Daemon's home directory, honoring
// RELAY_HOST_HOME the way the teacher's config honors GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("RELAY_HOST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir() (if present), applies
// environment overrides, and fills unset fields with defaults.
func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDir()}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay host home: %w", err)
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ServerBaseURL == "" {
		cfg.ServerBaseURL = "ws://127.0.0.1:8787"
	}
	if cfg.HostID == "" {
		cfg.HostID = "host-" + uuid.NewString()
	}
	if cfg.HostToken == "" {
		cfg.HostToken = "dev-token"
	}
	if cfg.LocalUnixSocket == "" {
		home := os.Getenv("HOME")
		if strings.TrimSpace(home) == "" {
			cfg.LocalUnixSocket = "/tmp/relay-hostd.sock"
		} else {
			cfg.LocalUnixSocket = filepath.Join(home, ".relay", "relay-hostd.sock")
		}
	}
	if cfg.SpoolDBPath == "" {
		cfg.SpoolDBPath = filepath.Join(cfg.HomeDir, "hostd-spool.db")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(cfg.HomeDir, "policy.yaml")
	}
	if cfg.SpoolPruneIntervalSeconds <= 0 {
		cfg.SpoolPruneIntervalSeconds = 3600
	}
	if cfg.SpoolRetentionDays <= 0 {
		cfg.SpoolRetentionDays = 3
	}
	if cfg.ObsExporter == "" {
		cfg.ObsExporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		cfg.ServerBaseURL = v
	}
	if v := os.Getenv("HOST_ID"); v != "" {
		cfg.HostID = v
	}
	if v := os.Getenv("HOST_TOKEN"); v != "" {
		cfg.HostToken = v
	}
	if v := os.Getenv("LOCAL_UNIX_SOCKET"); v != "" {
		cfg.LocalUnixSocket = v
	}
	if v := os.Getenv("SPOOL_DB_PATH"); v != "" {
		cfg.SpoolDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("HOSTD_LOG_PATH")); v != "" {
		cfg.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_POLICY_PATH")); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("REDACTION_EXTRA_REGEX"); v != "" {
		cfg.RedactionExtraRegex = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("SPOOL_PRUNE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SpoolPruneIntervalSeconds = n
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
