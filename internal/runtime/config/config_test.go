package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.EventQueueLimit != 0 {
		t.Errorf("expected unbounded event queue by default, got %d", cfg.EventQueueLimit)
	}
}

func TestConfigString(t *testing.T) {
	cfg := Default()
	str := cfg.String()
	if !strings.Contains(str, DefaultDiscoveryAddress) {
		t.Errorf("Config.String() should contain the discovery address, got %q", str)
	}
	if !strings.Contains(str, "ShutdownTimeout:5s") {
		t.Errorf("Config.String() should contain the shutdown timeout, got %q", str)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing discovery address", func(c *Config) { c.DiscoveryAddress = "" }, "discovery: address is required"},
		{"bad discovery address", func(c *Config) { c.DiscoveryAddress = "not-an-address" }, "discovery: invalid address"},
		{"negative http timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, "http: timeout"},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown: timeout must be positive"},
		{"negative max tasks", func(c *Config) { c.MaxTasks = -1 }, "max tasks cannot be negative"},
		{"too few tasks", func(c *Config) { c.MaxTasks = MinTasksPerService - 1 }, "at least"},
		{"negative queue limit", func(c *Config) { c.EventQueueLimit = -5 }, "queue limit"},
		{"metrics port too high", func(c *Config) { c.MetricsPort = 70000 }, "metrics: invalid port 70000"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "unsupported level"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "unsupported format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.MaxTasks = -1
	cfg.MetricsPort = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "max tasks") || !strings.Contains(err.Error(), "metrics") {
		t.Errorf("expected both errors to be reported, got %q", err.Error())
	}
}

func TestValidateConfigNil(t *testing.T) {
	err := ValidateConfig(nil)
	if err == nil {
		t.Fatal("expected error for nil config")
	}
	if !strings.Contains(err.Error(), "nil") {
		t.Errorf("expected error message to mention nil, got %q", err.Error())
	}
}

func TestValidateConfigValid(t *testing.T) {
	if err := ValidateConfig(Default()); err != nil {
		t.Errorf("unexpected error for valid config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DiscoveryAddress != DefaultDiscoveryAddress || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("unexpected defaults: %s", cfg)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("VERDANT_DISCOVERY_ADDRESS", "127.0.0.1:6000")
	t.Setenv("VERDANT_SHUTDOWN_TIMEOUT", "750ms")
	t.Setenv("VERDANT_EVENT_QUEUE_LIMIT", "16")
	t.Setenv("VERDANT_METRICS_ENABLED", "true")
	t.Setenv("VERDANT_LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DiscoveryAddress != "127.0.0.1:6000" {
		t.Errorf("DiscoveryAddress = %q", cfg.DiscoveryAddress)
	}
	if cfg.ShutdownTimeout != 750*time.Millisecond {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.EventQueueLimit != 16 {
		t.Errorf("EventQueueLimit = %d", cfg.EventQueueLimit)
	}
	if !cfg.MetricsEnabled {
		t.Error("expected MetricsEnabled")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verdant.yaml")
	content := "service_name: lobby\nmax_tasks: 8\nhttp_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("VERDANT_MAX_TASKS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "lobby" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.HTTPTimeout != 2*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.MaxTasks != 12 {
		t.Errorf("environment should override the file, MaxTasks = %d", cfg.MaxTasks)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("VERDANT_LOG_LEVEL", "loud")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
