package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBindAddress     = "127.0.0.1:8080"
	DefaultCloudBaseURL    = "https://api.browser-use.com/api/v1"
	DefaultCloudTimeout    = 30 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxSessions     = 5
	DefaultFlowgenBaseURL  = "https://api.openai.com/v1"
	DefaultFlowgenModel    = "gpt-4o-mini"
	DefaultFlowCount       = 5
	DefaultDatabaseFile    = "testpilot.db"
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 5 * time.Second

	// MinTokenLength is the minimum recommended length for API auth tokens
	MinTokenLength = 32
)

// Config represents the complete testpilot configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cloud   CloudConfig   `yaml:"cloud"`
	Flowgen FlowgenConfig `yaml:"flowgen"`
	Storage StorageConfig `yaml:"storage"`
	Bus     BusConfig     `yaml:"bus"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP/WebSocket API surface
type ServerConfig struct {
	BindAddress    string   `yaml:"bind_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	RequireToken   bool     `yaml:"require_token"`
	PublicMetrics  bool     `yaml:"public_metrics"`
	ExternalURL    string   `yaml:"external_url"` // External URL for generated links (live view pages)
}

// CloudConfig configures the Browser Use Cloud API client
type CloudConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxSessions  int           `yaml:"max_sessions"` // Concurrent browser sessions per run
}

// FlowgenConfig configures the LLM used to generate test flows
type FlowgenConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	FlowCount   int     `yaml:"flow_count"` // Default flows per generation request
}

// StorageConfig configures the SQLite document store
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BusConfig configures the optional NATS event mirror
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"` // Subject prefix for mirrored storage events
}

// LoggingConfig configures structured JSONL logging
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults before any file or env overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    DefaultBindAddress,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1", "http://localhost:3000"},
		},
		Cloud: CloudConfig{
			BaseURL:      DefaultCloudBaseURL,
			Timeout:      DefaultCloudTimeout,
			PollInterval: DefaultPollInterval,
			MaxSessions:  DefaultMaxSessions,
		},
		Flowgen: FlowgenConfig{
			BaseURL:     DefaultFlowgenBaseURL,
			Model:       DefaultFlowgenModel,
			MaxTokens:   1000,
			Temperature: 0.7,
			FlowCount:   DefaultFlowCount,
		},
		Storage: StorageConfig{
			Path: DefaultDatabaseFile,
		},
		Bus: BusConfig{
			URL:     "nats://localhost:4222",
			Subject: "testpilot.events",
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(".testpilot", "logs"),
			Level: DefaultLogLevel,
		},
	}
}

// Load reads configuration from ~/.testpilot/config.yaml (if present), then
// the project-local .testpilot/config.yaml, then environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".testpilot", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".testpilot", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadAndMerge loads a YAML file and merges non-zero values into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override)
	return nil
}

func mergeConfigs(base, override *Config) {
	if override == nil {
		return
	}

	if override.Server.BindAddress != "" {
		base.Server.BindAddress = override.Server.BindAddress
	}
	if len(override.Server.AllowedOrigins) > 0 {
		base.Server.AllowedOrigins = override.Server.AllowedOrigins
	}
	if override.Server.AuthToken != "" {
		base.Server.AuthToken = override.Server.AuthToken
	}
	if override.Server.RequireToken {
		base.Server.RequireToken = true
	}
	if override.Server.PublicMetrics {
		base.Server.PublicMetrics = true
	}
	if override.Server.ExternalURL != "" {
		base.Server.ExternalURL = override.Server.ExternalURL
	}

	if override.Cloud.APIKey != "" {
		base.Cloud.APIKey = override.Cloud.APIKey
	}
	if override.Cloud.BaseURL != "" {
		base.Cloud.BaseURL = override.Cloud.BaseURL
	}
	if override.Cloud.Timeout != 0 {
		base.Cloud.Timeout = override.Cloud.Timeout
	}
	if override.Cloud.PollInterval != 0 {
		base.Cloud.PollInterval = override.Cloud.PollInterval
	}
	if override.Cloud.MaxSessions != 0 {
		base.Cloud.MaxSessions = override.Cloud.MaxSessions
	}

	if override.Flowgen.APIKey != "" {
		base.Flowgen.APIKey = override.Flowgen.APIKey
	}
	if override.Flowgen.BaseURL != "" {
		base.Flowgen.BaseURL = override.Flowgen.BaseURL
	}
	if override.Flowgen.Model != "" {
		base.Flowgen.Model = override.Flowgen.Model
	}
	if override.Flowgen.MaxTokens != 0 {
		base.Flowgen.MaxTokens = override.Flowgen.MaxTokens
	}
	if override.Flowgen.Temperature != 0 {
		base.Flowgen.Temperature = override.Flowgen.Temperature
	}
	if override.Flowgen.FlowCount != 0 {
		base.Flowgen.FlowCount = override.Flowgen.FlowCount
	}

	if override.Storage.Path != "" {
		base.Storage.Path = override.Storage.Path
	}

	if override.Bus.Enabled {
		base.Bus.Enabled = true
	}
	if override.Bus.URL != "" {
		base.Bus.URL = override.Bus.URL
	}
	if override.Bus.Subject != "" {
		base.Bus.Subject = override.Bus.Subject
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESTPILOT_BIND_ADDRESS"); v != "" {
		cfg.Server.BindAddress = v
	}
	if v := os.Getenv("TESTPILOT_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v, ok := envBool("TESTPILOT_REQUIRE_TOKEN"); ok {
		cfg.Server.RequireToken = v
	}
	if v := os.Getenv("TESTPILOT_CORS_ORIGINS"); v != "" {
		origins := make([]string, 0)
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) > 0 {
			cfg.Server.AllowedOrigins = origins
		}
	}

	if v := os.Getenv("BROWSER_USE_API_KEY"); v != "" {
		cfg.Cloud.APIKey = v
	}
	if v := os.Getenv("BROWSER_USE_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("BROWSER_USE_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Cloud.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("BROWSER_USE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cloud.MaxSessions = n
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Flowgen.APIKey = v
	}
	if v := os.Getenv("TESTPILOT_FLOWGEN_BASE_URL"); v != "" {
		cfg.Flowgen.BaseURL = v
	}
	if v := os.Getenv("TESTPILOT_FLOWGEN_MODEL"); v != "" {
		cfg.Flowgen.Model = v
	}

	if v := os.Getenv("TESTPILOT_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v, ok := envBool("TESTPILOT_BUS_ENABLED"); ok {
		cfg.Bus.Enabled = v
	}
	if v := os.Getenv("TESTPILOT_NATS_URL"); v != "" {
		cfg.Bus.URL = v
		cfg.Bus.Enabled = true
	}

	if v := os.Getenv("TESTPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("TESTPILOT_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
}

func envBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.BindAddress); err != nil {
		return fmt.Errorf("invalid server.bind_address %q: %w", c.Server.BindAddress, err)
	}

	if !isLoopbackBindAddress(c.Server.BindAddress) && !c.Server.RequireToken {
		return fmt.Errorf("refusing to bind to %q without authentication (set server.require_token=true)", c.Server.BindAddress)
	}

	if c.Server.AuthToken != "" && len(c.Server.AuthToken) < MinTokenLength {
		return fmt.Errorf("server.auth_token shorter than %d characters", MinTokenLength)
	}

	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url cannot be empty")
	}
	if !strings.HasPrefix(c.Cloud.BaseURL, "http://") && !strings.HasPrefix(c.Cloud.BaseURL, "https://") {
		return fmt.Errorf("cloud.base_url must be an http(s) URL, got %q", c.Cloud.BaseURL)
	}
	if c.Cloud.MaxSessions <= 0 {
		return fmt.Errorf("cloud.max_sessions must be positive, got %d", c.Cloud.MaxSessions)
	}
	if c.Cloud.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("cloud.poll_interval below 500ms would hammer the upstream API")
	}

	if c.Flowgen.FlowCount <= 0 || c.Flowgen.FlowCount > 20 {
		return fmt.Errorf("flowgen.flow_count must be in 1..20, got %d", c.Flowgen.FlowCount)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}

	return nil
}

// CloudEnabled reports whether Browser Use Cloud calls are possible.
func (c *Config) CloudEnabled() bool {
	return strings.TrimSpace(c.Cloud.APIKey) != ""
}

// FlowgenEnabled reports whether LLM flow generation is possible.
func (c *Config) FlowgenEnabled() bool {
	return strings.TrimSpace(c.Flowgen.APIKey) != ""
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
