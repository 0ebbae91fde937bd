// Package config provides configuration loading for toolbox.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/internal/home"
	"github.com/everydev1618/toolbox/sandbox"
)

// DefaultPath is read when no path is given and TOOLBOX_CONFIG is unset.
const DefaultPath = "toolbox.yaml"

// Config is the main configuration structure.
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tools         []catalog.Entry     `yaml:"tools"`
}

// RuntimeConfig selects the container runtime.
type RuntimeConfig struct {
	// Backend is "cli" (shell out to the binary) or "engine" (Docker API).
	Backend string `yaml:"backend"`
	// Binary is "auto", "docker" or "podman".
	Binary string `yaml:"binary"`
}

// SandboxConfig holds sandbox lifecycle settings.
type SandboxConfig struct {
	Product            string        `yaml:"product"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ServiceSettleDelay time.Duration `yaml:"service_settle_delay"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
	HeadedEnv          string        `yaml:"headed_env"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig holds output store settings.
type StoreConfig struct {
	// Path is the SQLite database file (default ~/.toolbox/outputs.db).
	Path string `yaml:"path"`
	// InlineLimit is the largest result returned inline, in bytes. Larger
	// results are stored and referenced by id.
	InlineLimit int `yaml:"inline_limit"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// MetricsOn returns whether /metrics is served (defaults to true).
func (c ObservabilityConfig) MetricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// envVarPattern matches ${VAR_NAME} patterns for environment variable substitution.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load loads configuration from a YAML file with environment variable
// substitution. An empty path falls back to TOOLBOX_CONFIG, then to
// DefaultPath; a missing DefaultPath yields the defaults.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv("TOOLBOX_CONFIG")
		if path == "" {
			path = DefaultPath
			explicit = false
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applying substitution, defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	substituted, err := substituteEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("substituting env vars: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// Lines that are comments (starting with #) are skipped to allow commented optional sections
// in config files without requiring their environment variables to be set.
func substituteEnvVars(content string) (string, error) {
	var missingVars []string
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			varName := envVarPattern.FindStringSubmatch(match)[1]
			value := os.Getenv(varName)
			if value == "" {
				missingVars = append(missingVars, varName)
				return match
			}

			return value
		})
	}

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing environment variables: %v", missingVars)
	}

	return strings.Join(lines, "\n"), nil
}

// applyDefaults sets default values for configuration fields.
func applyDefaults(cfg *Config) {
	def := sandbox.DefaultConfig()

	if cfg.Runtime.Backend == "" {
		cfg.Runtime.Backend = "cli"
	}

	if cfg.Runtime.Binary == "" {
		cfg.Runtime.Binary = "auto"
	}

	if cfg.Sandbox.Product == "" {
		cfg.Sandbox.Product = def.Product
	}

	if cfg.Sandbox.IdleTimeout == 0 {
		cfg.Sandbox.IdleTimeout = def.IdleTimeout
	}

	if cfg.Sandbox.SweepInterval == 0 {
		cfg.Sandbox.SweepInterval = def.SweepInterval
	}

	if cfg.Sandbox.ServiceSettleDelay == 0 {
		cfg.Sandbox.ServiceSettleDelay = def.ServiceSettleDelay
	}

	if cfg.Sandbox.StopTimeout == 0 {
		cfg.Sandbox.StopTimeout = def.StopTimeout
	}

	if cfg.Sandbox.HeadedEnv == "" {
		cfg.Sandbox.HeadedEnv = def.HeadedEnvVar
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7420
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = home.DBPath()
	}

	if cfg.Store.InlineLimit == 0 {
		cfg.Store.InlineLimit = 64 * 1024
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Runtime.Backend {
	case "cli", "engine":
	default:
		return fmt.Errorf("runtime.backend must be cli or engine, got %q", c.Runtime.Backend)
	}

	switch c.Runtime.Binary {
	case "auto", "docker", "podman":
	default:
		return fmt.Errorf("runtime.binary must be auto, docker or podman, got %q", c.Runtime.Binary)
	}

	if c.Runtime.Backend == "engine" && c.Runtime.Binary == "podman" {
		return errors.New("runtime.backend engine requires the docker binary")
	}

	if c.Sandbox.IdleTimeout < 0 || c.Sandbox.SweepInterval < 0 || c.Sandbox.ServiceSettleDelay < 0 {
		return errors.New("sandbox durations cannot be negative")
	}

	if c.Sandbox.SweepInterval > c.Sandbox.IdleTimeout {
		return fmt.Errorf("sandbox.sweep_interval (%s) cannot exceed sandbox.idle_timeout (%s)",
			c.Sandbox.SweepInterval, c.Sandbox.IdleTimeout)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Store.InlineLimit < 0 {
		return errors.New("store.inline_limit cannot be negative")
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if err := tool.Validate(); err != nil {
			return err
		}
		if seen[tool.Name] {
			return fmt.Errorf("tool %q defined twice", tool.Name)
		}
		seen[tool.Name] = true
	}

	return nil
}

// SandboxSettings converts the sandbox section into a sandbox.Config.
func (c *Config) SandboxSettings(clientVersion string) sandbox.Config {
	return sandbox.Config{
		Product:            c.Sandbox.Product,
		IdleTimeout:        c.Sandbox.IdleTimeout,
		SweepInterval:      c.Sandbox.SweepInterval,
		ServiceSettleDelay: c.Sandbox.ServiceSettleDelay,
		StopTimeout:        c.Sandbox.StopTimeout,
		HeadedEnvVar:       c.Sandbox.HeadedEnv,
		ClientName:         c.Sandbox.Product,
		ClientVersion:      clientVersion,
	}
}
