package sandbox

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/everydev1618/toolbox/mcp"
)

// Role says whether a sandbox is short-lived or a persistent service.
// The zero value is Ephemeral.
type Role struct {
	service bool
	name    string
}

// Ephemeral is the default role: removed on stop, eligible for idle
// reclamation.
func Ephemeral() Role {
	return Role{}
}

// Service marks a persistent sandbox whose network namespace other sandboxes
// may join. An empty name means the service is named after its tool.
func Service(name string) Role {
	return Role{service: true, name: name}
}

// IsService reports whether r is a service role.
func (r Role) IsService() bool {
	return r.service
}

// ServiceName returns the service name, defaulting to toolName. It returns
// "" for ephemeral roles.
func (r Role) ServiceName(toolName string) string {
	if !r.service {
		return ""
	}
	if r.name == "" {
		return toolName
	}
	return r.name
}

func (r Role) String() string {
	if r.service {
		return "service"
	}
	return "ephemeral"
}

// ContainerOptions are per-launch settings. They only apply when a call
// actually starts a sandbox; a running sandbox is reused as-is.
type ContainerOptions struct {
	// Privileged runs the sandbox with --privileged.
	Privileged bool

	// SessionDir, when set, is mounted read-write at /session.
	SessionDir string

	// Role selects ephemeral or service lifetime.
	Role Role

	// UseServiceNetwork names a service whose network namespace to join.
	UseServiceNetwork string

	// Env is injected into the sandbox with -e.
	Env map[string]string
}

// Config holds the fixed lifecycle settings of a Manager.
type Config struct {
	// Product prefixes persistent runtime names.
	Product string

	// IdleTimeout is how long an ephemeral sandbox may sit unused.
	IdleTimeout time.Duration

	// SweepInterval is the idle reaper tick period.
	SweepInterval time.Duration

	// ServiceSettleDelay is waited before resolving a service's runtime id.
	// Zero skips the wait.
	ServiceSettleDelay time.Duration

	// StopTimeout bounds force-removal of a service container.
	StopTimeout time.Duration

	// HeadedEnvVar is the variable that requests headed (host) networking.
	HeadedEnvVar string

	// ClientName and ClientVersion are sent in the protocol handshake.
	ClientName    string
	ClientVersion string
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Product:            "toolbox",
		IdleTimeout:        5 * time.Minute,
		SweepInterval:      time.Minute,
		ServiceSettleDelay: 2 * time.Second,
		StopTimeout:        30 * time.Second,
		HeadedEnvVar:       "TOOLBOX_HEADED",
		ClientName:         "toolbox",
		ClientVersion:      "dev",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Product == "" {
		c.Product = d.Product
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.HeadedEnvVar == "" {
		c.HeadedEnvVar = d.HeadedEnvVar
	}
	if c.ClientName == "" {
		c.ClientName = d.ClientName
	}
	if c.ClientVersion == "" {
		c.ClientVersion = d.ClientVersion
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithSpawner replaces how sandbox processes are started and wrapped in a
// protocol client.
func WithSpawner(spawn SpawnFunc) Option {
	return func(m *Manager) {
		m.spawn = spawn
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// SpawnFunc starts the process described by spec and returns an unconnected
// client bound to its stdio.
type SpawnFunc func(name string, spec mcp.StdioSpec) (ToolClient, error)

func stdioSpawner(name string, spec mcp.StdioSpec) (ToolClient, error) {
	client, err := mcp.NewStdioClient(name, spec)
	if err != nil {
		return nil, err
	}
	return client, nil
}
