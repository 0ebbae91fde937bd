// Package catalog lists well-known tool sandboxes and how to launch them.
package catalog

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/everydev1618/toolbox/sandbox"
)

// Entry describes a tool server image.
type Entry struct {
	// Name is the tool name sandboxes are keyed by (e.g. "nmap").
	Name string `yaml:"name" json:"name"`

	// Description briefly explains what the tool provides.
	Description string `yaml:"description" json:"description,omitempty"`

	// Image is the container image hosting the tool server.
	Image string `yaml:"image" json:"image"`

	// Privileged runs the sandbox with --privileged.
	Privileged bool `yaml:"privileged" json:"privileged,omitempty"`

	// Service starts the tool as a persistent service sandbox.
	Service bool `yaml:"service" json:"service,omitempty"`

	// ServiceName names the service; defaults to Name.
	ServiceName string `yaml:"service_name" json:"service_name,omitempty"`

	// UseServiceNetwork joins the named service's network by default.
	UseServiceNetwork string `yaml:"use_service_network" json:"use_service_network,omitempty"`

	// Env holds fixed variables passed to every launch.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// RequiredEnv lists environment variables that must be set.
	RequiredEnv []string `yaml:"required_env" json:"required_env,omitempty"`

	// OptionalEnv lists environment variables that are useful but not required.
	OptionalEnv []string `yaml:"optional_env" json:"optional_env,omitempty"`
}

// DefaultCatalog contains well-known tool images.
var DefaultCatalog = map[string]Entry{
	"nmap": {
		Name:        "nmap",
		Description: "Network discovery and port scanning",
		Image:       "ghcr.io/everydev1618/toolbox-nmap:latest",
		Privileged:  true,
	},
	"httpx": {
		Name:        "httpx",
		Description: "HTTP probing and fingerprinting",
		Image:       "ghcr.io/everydev1618/toolbox-httpx:latest",
	},
	"nuclei": {
		Name:        "nuclei",
		Description: "Template-based vulnerability scanning",
		Image:       "ghcr.io/everydev1618/toolbox-nuclei:latest",
		OptionalEnv: []string{"NUCLEI_TEMPLATES_URL"},
	},
	"subfinder": {
		Name:        "subfinder",
		Description: "Passive subdomain enumeration",
		Image:       "ghcr.io/everydev1618/toolbox-subfinder:latest",
		OptionalEnv: []string{"SHODAN_API_KEY", "SECURITYTRAILS_API_KEY"},
	},
	"ffuf": {
		Name:        "ffuf",
		Description: "Web content discovery by fuzzing",
		Image:       "ghcr.io/everydev1618/toolbox-ffuf:latest",
	},
	"browser": {
		Name:        "browser",
		Description: "Headless or headed browser automation",
		Image:       "ghcr.io/everydev1618/toolbox-browser:latest",
		OptionalEnv: []string{"TOOLBOX_HEADED"},
	},
	"vpn": {
		Name:        "vpn",
		Description: "WireGuard tunnel other sandboxes can route through",
		Image:       "ghcr.io/everydev1618/toolbox-vpn:latest",
		Privileged:  true,
		Service:     true,
		RequiredEnv: []string{"WIREGUARD_CONFIG"},
	},
	"github": {
		Name:        "github",
		Description: "GitHub API access (repos, issues, PRs, files)",
		Image:       "ghcr.io/github/github-mcp-server:latest",
		RequiredEnv: []string{"GITHUB_PERSONAL_ACCESS_TOKEN"},
	},
}

// Lookup finds an entry in DefaultCatalog.
func Lookup(name string) (Entry, bool) {
	entry, ok := DefaultCatalog[name]
	return entry, ok
}

// Catalog is DefaultCatalog merged with locally configured entries.
type Catalog struct {
	entries map[string]Entry
}

// New builds a catalog from DefaultCatalog plus extra. An extra entry with a
// well-known name replaces the default one.
func New(extra ...Entry) (*Catalog, error) {
	c := &Catalog{entries: maps.Clone(DefaultCatalog)}
	for _, e := range extra {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		c.entries[e.Name] = e
	}
	return c, nil
}

// Lookup finds an entry by tool name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	entry, ok := c.entries[name]
	return entry, ok
}

// Entries returns all entries sorted by name.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, name := range slices.Sorted(maps.Keys(c.entries)) {
		out = append(out, c.entries[name])
	}
	return out
}

// Validate checks that the entry can be launched.
func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("catalog entry: name is required")
	}
	if e.Image == "" {
		return fmt.Errorf("catalog entry %s: image is required", e.Name)
	}
	if e.Service && e.UseServiceNetwork != "" {
		return fmt.Errorf("catalog entry %s: a service cannot join another service's network", e.Name)
	}
	return nil
}

// Role returns the sandbox role for the entry.
func (e Entry) Role() sandbox.Role {
	if e.Service {
		return sandbox.Service(e.ServiceName)
	}
	return sandbox.Ephemeral()
}

// Options converts the entry to launch options, merging any overrides from
// the caller.
func (e Entry) Options(overrideEnv map[string]string) sandbox.ContainerOptions {
	opts := sandbox.ContainerOptions{
		Privileged:        e.Privileged,
		Role:              e.Role(),
		UseServiceNetwork: e.UseServiceNetwork,
		Env:               make(map[string]string),
	}

	maps.Copy(opts.Env, e.Env)

	// Auto-populate required env from os.Getenv when not overridden.
	for _, key := range e.RequiredEnv {
		if val := os.Getenv(key); val != "" {
			opts.Env[key] = val
		}
	}

	// Also pull optional env from environment.
	for _, key := range e.OptionalEnv {
		if val := os.Getenv(key); val != "" {
			opts.Env[key] = val
		}
	}

	// Apply overrides (caller wins).
	maps.Copy(opts.Env, overrideEnv)

	return opts
}

// MissingEnv returns the required variables that are unset in the process
// environment and not supplied in overrideEnv.
func (e Entry) MissingEnv(overrideEnv map[string]string) []string {
	var missing []string
	for _, key := range e.RequiredEnv {
		if overrideEnv[key] != "" || os.Getenv(key) != "" {
			continue
		}
		missing = append(missing, key)
	}
	return missing
}
