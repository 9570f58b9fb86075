package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pvetools/scriptdeck/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.ListenAddr != ":3000" {
		t.Errorf("listen = %q, want :3000", cfg.ListenAddr)
	}
	if cfg.ScriptsRoot == "" || cfg.ProfilesPath == "" || cfg.HistoryDir == "" {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
	if cfg.MaxDuration() != 0 {
		t.Errorf("MaxDuration = %v, want 0 (unset)", cfg.MaxDuration())
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":3000" {
		t.Errorf("listen = %q, want default", cfg.ListenAddr)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listenAddr: \"127.0.0.1:9090\"\nmaxExecMinutes: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("listen = %q", cfg.ListenAddr)
	}
	if cfg.MaxDuration() != 5*time.Minute {
		t.Errorf("MaxDuration = %v, want 5m", cfg.MaxDuration())
	}
	// Untouched fields keep their defaults.
	if cfg.HistoryDir == "" {
		t.Error("historyDir lost its default")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listenAddr: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCRIPTDECK_LISTEN", ":8080")
	t.Setenv("SCRIPTDECK_MAX_EXEC_MINUTES", "7")
	cfg := config.Default()
	cfg.ApplyEnv()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.MaxDuration() != 7*time.Minute {
		t.Errorf("MaxDuration = %v, want 7m", cfg.MaxDuration())
	}
}
