package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.WorkDir != "/project" {
		t.Errorf("Sandbox.WorkDir = %q, want /project", cfg.Sandbox.WorkDir)
	}
	if cfg.Sandbox.CommandTimeout != 60*time.Second {
		t.Errorf("Sandbox.CommandTimeout = %s, want 60s", cfg.Sandbox.CommandTimeout)
	}
	if cfg.Sandbox.InstallTimeout != 120*time.Second {
		t.Errorf("Sandbox.InstallTimeout = %s, want 120s", cfg.Sandbox.InstallTimeout)
	}
	if cfg.Sandbox.PreviewPort != 8000 {
		t.Errorf("Sandbox.PreviewPort = %d, want 8000", cfg.Sandbox.PreviewPort)
	}
	if cfg.FixLoop.DefaultIterations != 5 {
		t.Errorf("FixLoop.DefaultIterations = %d, want 5", cfg.FixLoop.DefaultIterations)
	}
	if cfg.Oracle.MaxTokens != 8192 {
		t.Errorf("Oracle.MaxTokens = %d, want 8192", cfg.Oracle.MaxTokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown platform", func(c *Config) { c.Sandbox.Platform = "firecracker" }, true},
		{"relative work dir", func(c *Config) { c.Sandbox.WorkDir = "project" }, true},
		{"run_timeout > max_timeout", func(c *Config) {
			c.Sandbox.RunTimeout = 10 * time.Minute
		}, true},
		{"zero install timeout", func(c *Config) { c.Sandbox.InstallTimeout = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"remote without base url", func(c *Config) { c.Sandbox.Platform = "remote" }, true},
		{"remote with base url", func(c *Config) {
			c.Sandbox.Platform = "remote"
			c.Sandbox.Remote.BaseURL = "https://sandbox.example.com"
		}, false},
		{"unknown provider", func(c *Config) { c.Oracle.Provider = "gemini" }, true},
		{"openai provider", func(c *Config) { c.Oracle.Provider = "openai" }, false},
		{"default iterations above cap", func(c *Config) {
			c.FixLoop.DefaultIterations = 20
		}, true},
		{"cache without ttl", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.TTL = 0
		}, true},
		{"short jwt secret", func(c *Config) { c.Security.JWTSecret = "short" }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":              "9191",
		"SANDBOX_API_KEY":   "sbx-key",
		"ANTHROPIC_API_KEY": "ant-key",
		"OPENAI_API_KEY":    "oai-key",
		"DATABASE_URL":      "postgres://localhost/aindro",
		"REDIS_ADDR":        "redis:6379",
		"AI_ENABLED":        "false",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Sandbox.Remote.APIKey != "sbx-key" {
		t.Errorf("Remote.APIKey = %q", cfg.Sandbox.Remote.APIKey)
	}
	if cfg.OracleAPIKey() != "ant-key" {
		t.Errorf("OracleAPIKey() = %q, want ant-key", cfg.OracleAPIKey())
	}
	cfg.Oracle.Provider = "openai"
	if cfg.OracleAPIKey() != "oai-key" {
		t.Errorf("OracleAPIKey() = %q, want oai-key", cfg.OracleAPIKey())
	}
	if cfg.Database.DSN != "postgres://localhost/aindro" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "redis:6379" {
		t.Errorf("Cache = %+v, want enabled at redis:6379", cfg.Cache)
	}
	if cfg.Oracle.Enabled {
		t.Error("Oracle.Enabled = true, want false from AI_ENABLED")
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	for _, kv := range [][2]string{{"PORT", "eighty"}, {"AI_ENABLED", "maybe"}} {
		lookup := func(k string) (string, bool) {
			if k == kv[0] {
				return kv[1], true
			}
			return "", false
		}
		if err := DefaultConfig().ApplyEnv(lookup); err == nil {
			t.Errorf("ApplyEnv(%s=%s) should fail", kv[0], kv[1])
		}
	}
}

func TestLoad(t *testing.T) {
	for _, k := range []string{"PORT", "SANDBOX_API_KEY", "SANDBOX_BASE_URL", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "DATABASE_URL", "REDIS_ADDR", "AI_ENABLED"} {
		t.Setenv(k, "")
	}

	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  platform: docker
  max_concurrent: 8
  run_timeout: 15s
  default_limits:
    memory_mb: 1024
  docker:
    image: "sandbox:test"
oracle:
  provider: openai
  model: gpt-4o-mini
fixloop:
  default_iterations: 3
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Platform != "docker" || cfg.Sandbox.Docker.Image != "sandbox:test" {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.RunTimeout != 15*time.Second {
		t.Errorf("Sandbox.RunTimeout = %s, want 15s", cfg.Sandbox.RunTimeout)
	}
	if cfg.Sandbox.InstallTimeout != 120*time.Second {
		t.Errorf("Sandbox.InstallTimeout = %s, want default 120s", cfg.Sandbox.InstallTimeout)
	}
	if cfg.Sandbox.DefaultLimits.MemoryMB != 1024 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 1024", cfg.Sandbox.DefaultLimits.MemoryMB)
	}
	if cfg.Oracle.Provider != "openai" || cfg.Oracle.Model != "gpt-4o-mini" {
		t.Errorf("Oracle = %+v", cfg.Oracle)
	}
	if cfg.FixLoop.DefaultIterations != 3 {
		t.Errorf("FixLoop.DefaultIterations = %d, want 3", cfg.FixLoop.DefaultIterations)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_ADDR", "AI_ENABLED", "SANDBOX_BASE_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server != def.Server || cfg.FixLoop != def.FixLoop || cfg.Sandbox.Docker != def.Sandbox.Docker {
		t.Errorf("shipped config drifted from defaults:\n got %+v\nwant %+v", cfg.Server, def.Server)
	}
}
