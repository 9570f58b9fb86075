// Package config loads the service configuration from a YAML file with
// environment-variable fallbacks. Flags applied by the CLI win over both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the service.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string `yaml:"listenAddr"`

	// ScriptsRoot is the local helper-script tree.
	ScriptsRoot string `yaml:"scriptsRoot"`

	// StagingDir is the remote directory the tree is mirrored into.
	StagingDir string `yaml:"stagingDir"`

	// ProfilesPath is the server-profile YAML file.
	ProfilesPath string `yaml:"profilesPath"`

	// HistoryDir is where execution records and transcripts are kept.
	HistoryDir string `yaml:"historyDir"`

	// MaxExecMinutes caps a single execution; 0 means the built-in default.
	MaxExecMinutes int `yaml:"maxExecMinutes"`
}

// DefaultDir is the service's home directory.
func DefaultDir() string {
	if v := os.Getenv("SCRIPTDECK_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scriptdeck"
	}
	return filepath.Join(home, ".scriptdeck")
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	dir := DefaultDir()
	return Config{
		ListenAddr:   ":3000",
		ScriptsRoot:  filepath.Join(dir, "scripts"),
		ProfilesPath: filepath.Join(dir, "servers.yaml"),
		HistoryDir:   filepath.Join(dir, "history"),
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(trimmed)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays SCRIPTDECK_* environment variables.
func (c *Config) ApplyEnv() {
	applyString(&c.ListenAddr, "SCRIPTDECK_LISTEN")
	applyString(&c.ScriptsRoot, "SCRIPTDECK_SCRIPTS_ROOT")
	applyString(&c.StagingDir, "SCRIPTDECK_STAGING_DIR")
	applyString(&c.ProfilesPath, "SCRIPTDECK_PROFILES")
	applyString(&c.HistoryDir, "SCRIPTDECK_HISTORY_DIR")
	if v := os.Getenv("SCRIPTDECK_MAX_EXEC_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxExecMinutes = n
		}
	}
}

// MaxDuration converts MaxExecMinutes; zero when unset so callers can fall
// back to their own default.
func (c *Config) MaxDuration() time.Duration {
	if c.MaxExecMinutes <= 0 {
		return 0
	}
	return time.Duration(c.MaxExecMinutes) * time.Minute
}

func applyString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
