package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Oracle   OracleConfig   `yaml:"oracle"`
	FixLoop  FixLoopConfig  `yaml:"fixloop"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Platform           string        `yaml:"platform"` // "auto" (default), "remote", "docker", or "containerd"
	WorkDir            string        `yaml:"work_dir"`
	EnvironmentTimeout time.Duration `yaml:"environment_timeout"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	InstallTimeout     time.Duration `yaml:"install_timeout"`
	MaxTimeout         time.Duration `yaml:"max_timeout"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	PreviewPort        int           `yaml:"preview_port"`     // static server for HTML documents
	AppPreviewPort     int           `yaml:"app_preview_port"` // best-effort port for user servers
	DefaultLimits      DefaultLimits `yaml:"default_limits"`

	Remote     RemoteConfig     `yaml:"remote"`
	Docker     DockerConfig     `yaml:"docker"`
	Containerd ContainerdConfig `yaml:"containerd"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// RemoteConfig points at a hosted disposable-sandbox service.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type DockerConfig struct {
	Image           string        `yaml:"image"`
	Network         string        `yaml:"network"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	Image     string `yaml:"image"`
}

type OracleConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Provider  string         `yaml:"provider"` // "anthropic" or "openai"
	Model     string         `yaml:"model"`
	MaxTokens int            `yaml:"max_tokens"`
	Timeout   time.Duration  `yaml:"timeout"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type FixLoopConfig struct {
	DefaultIterations int `yaml:"default_iterations"`
	MaxIterationsCap  int `yaml:"max_iterations_cap"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	JWTSecret      string   `yaml:"jwt_secret"`
	JWTIssuer      string   `yaml:"jwt_issuer"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute, // a fix loop runs several oracle calls and executions
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  8 << 20,
		},
		Sandbox: SandboxConfig{
			Platform:           "auto",
			WorkDir:            "/project",
			EnvironmentTimeout: 60 * time.Second,
			RunTimeout:         60 * time.Second,
			CommandTimeout:     60 * time.Second,
			InstallTimeout:     120 * time.Second,
			MaxTimeout:         5 * time.Minute,
			MaxConcurrent:      50,
			PreviewPort:        8000,
			AppPreviewPort:     3000,
			DefaultLimits: DefaultLimits{
				CPUShares: 1024,
				MemoryMB:  512,
				PidsLimit: 128,
				DiskMB:    512,
			},
			Remote: RemoteConfig{
				RequestTimeout: 30 * time.Second,
			},
			Docker: DockerConfig{
				Image:           "aindrocode/sandbox:latest",
				Network:         "bridge",
				CleanupInterval: 5 * time.Minute,
			},
			Containerd: ContainerdConfig{
				Socket:    "/run/containerd/containerd.sock",
				Namespace: "aindrocode",
				Image:     "docker.io/aindrocode/sandbox:latest",
			},
		},
		Oracle: OracleConfig{
			Enabled:   true,
			Provider:  "anthropic",
			Model:     "claude-3-7-sonnet-20250219",
			MaxTokens: 8192,
			Timeout:   2 * time.Minute,
			Anthropic: ProviderConfig{BaseURL: "https://api.anthropic.com"},
			OpenAI:    ProviderConfig{BaseURL: "https://api.openai.com/v1"},
		},
		FixLoop: FixLoopConfig{
			DefaultIterations: 5,
			MaxIterationsCap:  10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     10 * time.Minute,
			Prefix:  "aindro:exec:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
	}
}

// ApplyEnv overlays environment variables onto the config. lookup is
// os.LookupEnv in production and a map in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("SANDBOX_API_KEY"); ok && v != "" {
		c.Sandbox.Remote.APIKey = v
	}
	if v, ok := lookup("SANDBOX_BASE_URL"); ok && v != "" {
		c.Sandbox.Remote.BaseURL = v
	}
	if v, ok := lookup("ANTHROPIC_API_KEY"); ok && v != "" {
		c.Oracle.Anthropic.APIKey = v
	}
	if v, ok := lookup("OPENAI_API_KEY"); ok && v != "" {
		c.Oracle.OpenAI.APIKey = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Cache.Addr = v
		c.Cache.Enabled = true
	}
	if v, ok := lookup("AI_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AI_ENABLED: %w", err)
		}
		c.Oracle.Enabled = enabled
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Platform {
	case "auto", "remote", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.platform must be auto, remote, docker, or containerd, got %q", c.Sandbox.Platform)
	}
	if !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("sandbox.work_dir must be an absolute path, got %q", c.Sandbox.WorkDir)
	}
	for name, d := range map[string]time.Duration{
		"run_timeout":     c.Sandbox.RunTimeout,
		"command_timeout": c.Sandbox.CommandTimeout,
		"install_timeout": c.Sandbox.InstallTimeout,
	} {
		if d <= 0 || d > c.Sandbox.MaxTimeout {
			return fmt.Errorf("sandbox.%s (%s) must be > 0 and <= max_timeout (%s)", name, d, c.Sandbox.MaxTimeout)
		}
	}
	if c.Sandbox.EnvironmentTimeout <= 0 {
		return fmt.Errorf("sandbox.environment_timeout must be > 0")
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if c.Sandbox.Platform == "remote" && c.Sandbox.Remote.BaseURL == "" {
		return fmt.Errorf("sandbox.remote.base_url is required for the remote platform")
	}
	switch c.Oracle.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("oracle.provider must be anthropic or openai, got %q", c.Oracle.Provider)
	}
	if c.Oracle.MaxTokens < 1 {
		return fmt.Errorf("oracle.max_tokens must be >= 1")
	}
	if c.FixLoop.DefaultIterations < 1 || c.FixLoop.DefaultIterations > c.FixLoop.MaxIterationsCap {
		return fmt.Errorf("fixloop.default_iterations must be 1-%d, got %d", c.FixLoop.MaxIterationsCap, c.FixLoop.DefaultIterations)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0 when the cache is enabled")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 bytes")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// OracleAPIKey returns the configured key for the selected provider.
func (c *Config) OracleAPIKey() string {
	if c.Oracle.Provider == "openai" {
		return c.Oracle.OpenAI.APIKey
	}
	return c.Oracle.Anthropic.APIKey
}
