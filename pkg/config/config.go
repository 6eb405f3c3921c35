package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dev-proxy/pkg/routing"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server ServerConfig         `yaml:"server"`
	Log    LogConfig            `yaml:"log"`
	Proxy  ProxyConfig          `yaml:"proxy"`
	Rules  []routing.RuleConfig `yaml:"rules"` // Empty means the built-in table
}

// ServerConfig local listener configuration
type ServerConfig struct {
	ListenAddress     string `yaml:"listen_address"`      // Proxy listener (e.g. ":8080")
	MetricsAddress    string `yaml:"metrics_address"`     // Metrics listener (e.g. ":9090")
	TelemetryPath     string `yaml:"telemetry_path"`      // Metrics path
	FallbackTarget    string `yaml:"fallback_target"`     // Where unmatched requests go (e.g. "http://localhost:5173"); empty = 404
	FallbackSecure    *bool  `yaml:"fallback_secure"`     // Verify the fallback's TLS certificate (default true)
	ShutdownTimeout   int    `yaml:"shutdown_timeout"`    // Graceful shutdown timeout in seconds
	ReadHeaderTimeout int    `yaml:"read_header_timeout"` // Inbound header read timeout in seconds
}

// LogConfig log configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// ProxyConfig upstream transport configuration
type ProxyConfig struct {
	DialTimeout           int  `yaml:"dial_timeout"`
	TLSHandshakeTimeout   int  `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout int  `yaml:"response_header_timeout"`
	RequestTimeout        int  `yaml:"request_timeout"` // 0 = no per-request deadline
	IdleConnTimeout       int  `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int  `yaml:"max_idle_conns_per_host"`
	XForwarded            bool `yaml:"xfwd"` // Add X-Forwarded-* headers upstream
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}

	config.ApplyEnvOverrides()

	return config, nil
}

// Parse decodes YAML configuration and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.SetDefaults()
	return &config, nil
}

// Default returns a configuration with defaults and environment overrides applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Server.TelemetryPath == "" {
		c.Server.TelemetryPath = "/metrics"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 30
	}
	if c.Proxy.TLSHandshakeTimeout == 0 {
		c.Proxy.TLSHandshakeTimeout = 10
	}
	if c.Proxy.ResponseHeaderTimeout == 0 {
		c.Proxy.ResponseHeaderTimeout = 60
	}
	if c.Proxy.IdleConnTimeout == 0 {
		c.Proxy.IdleConnTimeout = 90
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 10
	}

	if len(c.Rules) == 0 {
		c.Rules = routing.DefaultRules()
	}
}

// IsFallbackSecure reports whether the fallback target's certificate is verified
func (c *Config) IsFallbackSecure() bool {
	return c.Server.FallbackSecure == nil || *c.Server.FallbackSecure
}

// GetShutdownTimeout gets graceful shutdown timeout
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}

// GetReadHeaderTimeout gets inbound header read timeout
func (c *Config) GetReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeout) * time.Second
}

// GetDialTimeout gets dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Proxy.DialTimeout) * time.Second
}

// GetTLSHandshakeTimeout gets upstream TLS handshake timeout
func (c *Config) GetTLSHandshakeTimeout() time.Duration {
	return time.Duration(c.Proxy.TLSHandshakeTimeout) * time.Second
}

// GetResponseHeaderTimeout gets upstream response header timeout
func (c *Config) GetResponseHeaderTimeout() time.Duration {
	return time.Duration(c.Proxy.ResponseHeaderTimeout) * time.Second
}

// GetRequestTimeout gets the per-request deadline (0 = none)
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Proxy.RequestTimeout) * time.Second
}

// GetIdleConnTimeout gets upstream idle connection timeout
func (c *Config) GetIdleConnTimeout() time.Duration {
	return time.Duration(c.Proxy.IdleConnTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Listener config
	if val := os.Getenv("PROXY_LISTEN_ADDRESS"); val != "" {
		c.Server.ListenAddress = val
	}
	if val := os.Getenv("PROXY_METRICS_ADDRESS"); val != "" {
		c.Server.MetricsAddress = val
	}
	if val := os.Getenv("PROXY_TELEMETRY_PATH"); val != "" {
		c.Server.TelemetryPath = val
	}
	if val := os.Getenv("PROXY_FALLBACK_TARGET"); val != "" {
		c.Server.FallbackTarget = val
	}
	if val := os.Getenv("PROXY_FALLBACK_SECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Server.FallbackSecure = &b
		}
	}
	setIntFromEnv("PROXY_SHUTDOWN_TIMEOUT_SECONDS", &c.Server.ShutdownTimeout)

	// Rules: replaces the table; unparsable values keep the current rules
	if val := os.Getenv("PROXY_RULES"); val != "" {
		if rules, err := routing.ParseRulesString(val); err == nil && len(rules) > 0 {
			c.Rules = rules
		}
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}

	// Proxy config
	setIntFromEnv("PROXY_DIAL_TIMEOUT_SECONDS", &c.Proxy.DialTimeout)
	setIntFromEnv("PROXY_REQUEST_TIMEOUT_SECONDS", &c.Proxy.RequestTimeout)
	if val := os.Getenv("PROXY_XFWD"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Proxy.XForwarded = b
		}
	}
}

func setIntFromEnv(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

// Validate checks the parts of the configuration that can't be defaulted.
func (c *Config) Validate() error {
	if _, err := routing.NewTable(c.Rules); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	if c.Server.FallbackTarget != "" {
		if _, err := routing.ParseTarget(c.Server.FallbackTarget); err != nil {
			return fmt.Errorf("invalid fallback_target: %w", err)
		}
	}
	if !strings.HasPrefix(c.Server.TelemetryPath, "/") {
		return fmt.Errorf("telemetry_path %q must start with /", c.Server.TelemetryPath)
	}
	if c.Proxy.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	return nil
}
