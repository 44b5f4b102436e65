package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. GOTALK_LISTEN_ADDR.
const EnvPrefix = "GOTALK_"

// LoadConfig returns DefaultConfig overlaid with the file at path (if any)
// and then with GOTALK_* environment variables. The file format follows
// the extension: .yaml/.yml or .toml.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	return applyEnvOverrides(cfg, os.Getenv)
}

func decodeConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported format %q (use .yaml, .yml or .toml)", path, ext)
	}
	return nil
}

// applyEnvOverrides overlays GOTALK_* variables read through getenv.
func applyEnvOverrides(cfg Config, getenv func(string) string) (Config, error) {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, v))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q", EnvPrefix, name, v))
				return
			}
			*dst = b
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	boolean("WEBSOCKET", &cfg.WebSocket)
	str("JOURNAL_PATH", &cfg.JournalPath)
	dur("WRITE_TIMEOUT", &cfg.WriteTimeout)
	dur("KEEPALIVE_IDLE", &cfg.KeepAliveIdle)
	dur("KEEPALIVE_INTERVAL", &cfg.KeepAliveInterval)
	integer("KEEPALIVE_COUNT", &cfg.KeepAliveCount)
	dur("METRICS_LOG_INTERVAL", &cfg.MetricsLogInterval)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid environment: %s", strings.Join(errs, ", "))
	}
	return cfg, nil
}
