package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Fleet.HeartbeatTimeout.Duration != 90*time.Second {
		t.Errorf("HeartbeatTimeout = %s, want 90s", cfg.Fleet.HeartbeatTimeout)
	}
	if cfg.Dispatch.JobTimeout.Duration != time.Hour {
		t.Errorf("JobTimeout = %s, want 1h", cfg.Dispatch.JobTimeout)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admission.MaxExecutions != 10 {
		t.Errorf("MaxExecutions = %d, want 10", cfg.Admission.MaxExecutions)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[server]
port = 9000

[fleet]
heartbeat_timeout = "45s"

[auth]
admin_secret = "s3cret"
robot_keys = { "r1" = "k1", "*" = "fleet" }

[resources.limits]
gpu = 2

[storage]
driver = "postgres"
dsn = "postgres://localhost/orch?sslmode=disable"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Fleet.HeartbeatTimeout.Duration != 45*time.Second {
		t.Errorf("HeartbeatTimeout = %s, want 45s", cfg.Fleet.HeartbeatTimeout)
	}
	if cfg.Auth.RobotKeys["*"] != "fleet" {
		t.Errorf("RobotKeys[*] = %q, want fleet", cfg.Auth.RobotKeys["*"])
	}
	if cfg.Resources.Limits["gpu"] != 2 {
		t.Errorf("Limits[gpu] = %d, want 2", cfg.Resources.Limits["gpu"])
	}
	if cfg.Storage.DSN != "postgres://localhost/orch?sslmode=disable" {
		t.Errorf("DSN = %q", cfg.Storage.DSN)
	}
	// untouched sections keep defaults
	if cfg.Dispatch.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Dispatch.MaxRetries)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ROBOT_ORCH_ADMIN_SECRET", "from-env")
	t.Setenv("ROBOT_ORCH_PORT", "7070")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.AdminSecret != "from-env" {
		t.Errorf("AdminSecret = %q, want from-env", cfg.Auth.AdminSecret)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[fleet]\nheartbeat_timeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "mongo"
	cfg.Admission.MaxConcurrent = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "mongo") {
		t.Errorf("error %q should mention the driver", err)
	}
	if !strings.Contains(err.Error(), "max_concurrent") {
		t.Errorf("error %q should mention max_concurrent", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
