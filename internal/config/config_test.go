package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 || cfg.Server.ProxyPort != 8081 {
		t.Errorf("ports = %d/%d", cfg.Server.HTTPPort, cfg.Server.ProxyPort)
	}
	if cfg.Forwarder.Timeout != 10*time.Second {
		t.Errorf("Forwarder.Timeout = %s", cfg.Forwarder.Timeout)
	}
	if cfg.Sandbox.Budget != 5*time.Second {
		t.Errorf("Sandbox.Budget = %s", cfg.Sandbox.Budget)
	}
	if cfg.Sandbox.JSHeapLimit != 256<<20 {
		t.Errorf("Sandbox.JSHeapLimit = %d", cfg.Sandbox.JSHeapLimit)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %s", cfg.Storage.Driver)
	}
	if cfg.Retention.MaxAge != 7*24*time.Hour {
		t.Errorf("Retention.MaxAge = %s", cfg.Retention.MaxAge)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  http_port: 9000
storage:
  driver: postgres
  postgres:
    password: from-file
sandbox:
  budget: 2s
  max_concurrency: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("INTERCEPTOR_POSTGRES_PASSWORD", "from-env")
	t.Setenv("INTERCEPTOR_AUTH_JWT_SECRET_FILE", secretPath)
	t.Setenv("INTERCEPTOR_AUTH_API_KEYS", "k1, k2,,")
	t.Setenv("INTERCEPTOR_PROXY_TARGET_PORT", "3000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Postgres.Password != "from-env" {
		t.Errorf("Postgres.Password = %q", cfg.Storage.Postgres.Password)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1] != "k2" {
		t.Errorf("APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Proxy.TargetPort != 3000 {
		t.Errorf("Proxy.TargetPort = %d", cfg.Proxy.TargetPort)
	}
	if cfg.Sandbox.Budget != 2*time.Second || cfg.Sandbox.MaxConcurrency != 4 {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "interceptor.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "text", File: logFile, MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %s", logger.GetLevel())
	}
	logger.Info("hello")
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 4)
	logger := logrus.New()
	w, err := Watch(path, logger, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Logging.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
