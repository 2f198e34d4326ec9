// Package config handles configuration loading for LayerLink.
//
// Configuration is layered: built-in defaults, then the YAML RC file, then
// .env files, then LAYERLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/layerlink/layerlink/internal/protocol"
)

// Environment variables.
const (
	// RCEnv overrides the RC file path.
	RCEnv = "LAYERLINKRC"

	EnvRelayHost      = "LAYERLINK_RELAY_HOST"
	EnvRelayPort      = "LAYERLINK_RELAY_PORT"
	EnvAgentRelayURL  = "LAYERLINK_AGENT_RELAY_URL"
	EnvAgentOrigin    = "LAYERLINK_AGENT_ORIGIN"
	EnvCDPURL         = "LAYERLINK_CDP_URL"
	EnvLogLevel       = "LAYERLINK_LOG_LEVEL"
	EnvMCPMode        = "LAYERLINK_MCP_MODE"
	EnvMCPPort        = "LAYERLINK_MCP_PORT"
	rcFileName        = ".layerlinkrc"
	defaultDotEnvFile = ".env"
)

// DefaultRelayPort is the well-known local port the extension dials.
const DefaultRelayPort = 57321

// MCP transport modes.
const (
	MCPModeStdio = "stdio"
	MCPModeHTTP  = "http"
)

// RelayConfig configures the relay listener.
type RelayConfig struct {
	// Host is the interface to bind (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port is the relay port (default: 57321)
	Port int `yaml:"port"`
	// HealthCheckInterval is how often connection health is evaluated.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// InactivityTimeout marks the connection unhealthy after this long without inbound traffic.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// HandshakeRate is the sustained number of upgrade attempts per second.
	HandshakeRate float64 `yaml:"handshake_rate"`
	// HandshakeBurst is the burst size for upgrade attempts.
	HandshakeBurst int `yaml:"handshake_burst"`
	// AllowedOrigins are extra exact origins accepted besides extension and localhost origins.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Reclaim configures port reclamation at startup.
	Reclaim ReclaimConfig `yaml:"reclaim"`
}

// ReclaimConfig configures port reclamation.
type ReclaimConfig struct {
	// Enabled turns reclamation on (default: true).
	Enabled bool `yaml:"enabled"`
	// Command overrides the listener lookup command. "{port}" is substituted.
	Command string `yaml:"command"`
	// PollInterval is how often the port is probed after the kill signal.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxWait bounds the total wait for the port to become free.
	MaxWait time.Duration `yaml:"max_wait"`
}

// MCPConfig configures the tool-call server.
type MCPConfig struct {
	// Mode is "stdio" or "http".
	Mode string `yaml:"mode"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TimeoutsConfig overrides per-call wait budgets. Zero keeps the built-in budget.
type TimeoutsConfig struct {
	DataLayer        time.Duration `yaml:"datalayer"`
	GA4Hits          time.Duration `yaml:"ga4_hits"`
	MetaPixelHits    time.Duration `yaml:"meta_pixel_hits"`
	GTMPreviewEvents time.Duration `yaml:"gtm_preview_events"`
	StructuredData   time.Duration `yaml:"structured_data"`
	PageMetadata     time.Duration `yaml:"page_metadata"`
	Crawlability     time.Duration `yaml:"crawlability"`
}

// AgentConfig configures the extension-side process.
type AgentConfig struct {
	// RelayURL is the WebSocket URL of the relay.
	RelayURL string `yaml:"relay_url"`
	// Origin is sent on the handshake.
	Origin string `yaml:"origin"`
	// CDPURL is the Chrome DevTools endpoint (http://host:port or ws://...).
	CDPURL string `yaml:"cdp_url"`
	// HeartbeatInterval must stay below the host's idle-suspend threshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	// MaxReconnectAttempts is the retry cap before a terminal error.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// HitBufferSize is the per-tab capacity of each hit buffer.
	HitBufferSize int `yaml:"hit_buffer_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	FileLevel  string   `yaml:"file_level"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Components []string `yaml:"components"`
}

// Config is the complete LayerLink configuration.
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	MCP      MCPConfig      `yaml:"mcp"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Agent    AgentConfig    `yaml:"agent"`
	Log      LogConfig      `yaml:"log"`

	// Path is the RC file the configuration was loaded from, if any.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:                "127.0.0.1",
			Port:                DefaultRelayPort,
			HealthCheckInterval: 30 * time.Second,
			InactivityTimeout:   60 * time.Second,
			WriteTimeout:        10 * time.Second,
			HandshakeRate:       5,
			HandshakeBurst:      10,
			Reclaim: ReclaimConfig{
				Enabled:      true,
				PollInterval: 100 * time.Millisecond,
				MaxWait:      3 * time.Second,
			},
		},
		MCP: MCPConfig{
			Mode: MCPModeStdio,
			Host: "127.0.0.1",
			Port: 5757,
		},
		Agent: AgentConfig{
			RelayURL:             fmt.Sprintf("ws://127.0.0.1:%d/", DefaultRelayPort),
			Origin:               "chrome-extension://layerlink",
			CDPURL:               "http://127.0.0.1:9222",
			HeartbeatInterval:    20 * time.Second,
			ConnectTimeout:       5 * time.Second,
			BackoffBase:          time.Second,
			BackoffCap:           30 * time.Second,
			MaxReconnectAttempts: 10,
			HitBufferSize:        200,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultConfigPath returns the default RC file path for the current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv(RCEnv); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		configDir, _ = os.UserHomeDir()
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			configDir, _ = os.UserHomeDir()
		}
	}

	return filepath.Join(configDir, rcFileName)
}

// Parse overlays YAML data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration.
//
// If path is empty the default RC path is used and a missing file is not an
// error. An explicit path must exist. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{defaultDotEnvFile}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from LAYERLINK_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRelayHost); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv(EnvRelayPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvRelayPort, v, err)
		}
		c.Relay.Port = port
		// Keep the agent pointed at the relay unless it was set explicitly.
		if os.Getenv(EnvAgentRelayURL) == "" {
			c.Agent.RelayURL = fmt.Sprintf("ws://127.0.0.1:%d/", port)
		}
	}
	if v := os.Getenv(EnvAgentRelayURL); v != "" {
		c.Agent.RelayURL = v
	}
	if v := os.Getenv(EnvAgentOrigin); v != "" {
		c.Agent.Origin = v
	}
	if v := os.Getenv(EnvCDPURL); v != "" {
		c.Agent.CDPURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvMCPMode); v != "" {
		c.MCP.Mode = v
	}
	if v := os.Getenv(EnvMCPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMCPPort, v, err)
		}
		c.MCP.Port = port
	}
	return nil
}

// Validate rejects nonsensical values.
func (c *Config) Validate() error {
	var errs []error
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d out of range", c.Relay.Port))
	}
	if c.Relay.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("relay.health_check_interval must be positive"))
	}
	if c.Relay.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("relay.inactivity_timeout must be positive"))
	}
	if c.Relay.WriteTimeout <= 0 {
		errs = append(errs, errors.New("relay.write_timeout must be positive"))
	}
	if c.Relay.HandshakeRate <= 0 || c.Relay.HandshakeBurst < 1 {
		errs = append(errs, errors.New("relay.handshake_rate and relay.handshake_burst must be positive"))
	}
	if c.Relay.Reclaim.Enabled && (c.Relay.Reclaim.PollInterval <= 0 || c.Relay.Reclaim.MaxWait <= 0) {
		errs = append(errs, errors.New("relay.reclaim intervals must be positive"))
	}
	switch c.MCP.Mode {
	case MCPModeStdio:
	case MCPModeHTTP:
		if c.MCP.Port < 1 || c.MCP.Port > 65535 {
			errs = append(errs, fmt.Errorf("mcp.port %d out of range", c.MCP.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("mcp.mode %q must be %q or %q", c.MCP.Mode, MCPModeStdio, MCPModeHTTP))
	}
	for _, call := range protocol.Calls() {
		if c.Timeouts.For(call) <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", call.Name))
		}
	}
	a := c.Agent
	if a.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("agent.heartbeat_interval must be positive"))
	}
	if a.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("agent.connect_timeout must be positive"))
	}
	if a.BackoffBase <= 0 {
		errs = append(errs, errors.New("agent.backoff_base must be positive"))
	}
	if a.BackoffCap < a.BackoffBase {
		errs = append(errs, errors.New("agent.backoff_cap must not be less than agent.backoff_base"))
	}
	if a.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("agent.max_reconnect_attempts must be at least 1"))
	}
	if a.HitBufferSize < 1 {
		errs = append(errs, errors.New("agent.hit_buffer_size must be at least 1"))
	}
	return errors.Join(errs...)
}

// RelayAddr is the host:port the relay binds.
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}

// For returns the wait budget for call, falling back to its built-in budget.
// Negative overrides are returned as-is so Validate can reject them.
func (t TimeoutsConfig) For(call protocol.Call) time.Duration {
	var d time.Duration
	switch call.Request {
	case protocol.KindRequestDataLayer:
		d = t.DataLayer
	case protocol.KindRequestGA4Hits:
		d = t.GA4Hits
	case protocol.KindRequestMetaPixelHits:
		d = t.MetaPixelHits
	case protocol.KindRequestGTMPreviewEvents:
		d = t.GTMPreviewEvents
	case protocol.KindRequestStructuredData:
		d = t.StructuredData
	case protocol.KindRequestPageMetadata:
		d = t.PageMetadata
	case protocol.KindRequestCrawlability:
		d = t.Crawlability
	}
	if d == 0 {
		return call.Timeout
	}
	return d
}

// WithTimeout returns call with its budget replaced by the configured one.
func (t TimeoutsConfig) WithTimeout(call protocol.Call) protocol.Call {
	call.Timeout = t.For(call)
	return call
}
