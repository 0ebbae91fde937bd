package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/runtime"
)

// ToolClient is the protocol client the manager owns for each sandbox.
// *mcp.Client satisfies it.
type ToolClient interface {
	Connect(ctx context.Context) error
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	Close() error
}

// ManagedContainer is a running sandbox. There is at most one per tool name.
type ManagedContainer struct {
	ID        string
	Image     string
	ToolName  string
	Role      Role
	StartedAt time.Time

	// RuntimeName is the allocated --name, set for services only.
	RuntimeName string

	handle *handle

	mu         sync.Mutex
	lastUsedAt time.Time
	runtimeID  string
	retiring   bool
}

// LastUsedAt is refreshed on every acquisition and tool call.
func (c *ManagedContainer) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// RuntimeContainerID is the runtime's own id for a service sandbox. It is
// empty for ephemeral sandboxes and until resolution succeeds.
func (c *ManagedContainer) RuntimeContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeID
}

// Client returns the connected protocol client.
func (c *ManagedContainer) Client() ToolClient {
	return c.handle.client
}

func (c *ManagedContainer) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastUsedAt) {
		c.lastUsedAt = now
	}
	c.mu.Unlock()
}

// acquire marks c as used. It fails once an idle eviction has claimed c.
func (c *ManagedContainer) acquire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retiring {
		return false
	}
	if now.After(c.lastUsedAt) {
		c.lastUsedAt = now
	}
	return true
}

// retireIfIdle claims c for eviction if it has been idle longer than timeout.
// After a successful claim acquire fails until unretire.
func (c *ManagedContainer) retireIfIdle(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retiring || now.Sub(c.lastUsedAt) <= timeout {
		return false
	}
	c.retiring = true
	return true
}

func (c *ManagedContainer) unretire() {
	c.mu.Lock()
	c.retiring = false
	c.mu.Unlock()
}

func (c *ManagedContainer) setRuntimeID(id string) {
	c.mu.Lock()
	c.runtimeID = id
	c.mu.Unlock()
}

// removalRef is what rm -f targets: the resolved id, or the allocated name
// when resolution never succeeded. Ephemeral sandboxes use --rm instead.
func (c *ManagedContainer) removalRef() string {
	if !c.Role.IsService() {
		return ""
	}
	if id := c.RuntimeContainerID(); id != "" {
		return id
	}
	return c.RuntimeName
}

// handle pairs a protocol client with the runtime that can force-remove its
// container.
type handle struct {
	client ToolClient
	rt     runtime.Runtime
}

// teardown records which close steps failed.
type teardown struct {
	clientErr error
	removeErr error
}

func (t teardown) err() error {
	var result *multierror.Error
	if t.clientErr != nil {
		result = multierror.Append(result, fmt.Errorf("close client: %w", t.clientErr))
	}
	if t.removeErr != nil {
		result = multierror.Append(result, fmt.Errorf("remove container: %w", t.removeErr))
	}
	return result.ErrorOrNil()
}

// close shuts the client down, then force-removes the runtime container when
// ref is set.
func (h *handle) close(ctx context.Context, ref string) teardown {
	var t teardown
	t.clientErr = h.client.Close()
	if ref != "" {
		t.removeErr = h.rt.ForceRemove(ctx, ref)
	}
	return t
}

// ContainerStatus is a point-in-time view of a ManagedContainer.
type ContainerStatus struct {
	ID                 string        `json:"id"`
	ToolName           string        `json:"tool"`
	Image              string        `json:"image"`
	Role               string        `json:"role"`
	ServiceName        string        `json:"service,omitempty"`
	RuntimeName        string        `json:"runtime_name,omitempty"`
	RuntimeContainerID string        `json:"runtime_container_id,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	LastUsedAt         time.Time     `json:"last_used_at"`
	IdleFor            time.Duration `json:"idle_for"`
}

func (c *ManagedContainer) status(now time.Time) ContainerStatus {
	last := c.LastUsedAt()
	return ContainerStatus{
		ID:                 c.ID,
		ToolName:           c.ToolName,
		Image:              c.Image,
		Role:               c.Role.String(),
		ServiceName:        c.Role.ServiceName(c.ToolName),
		RuntimeName:        c.RuntimeName,
		RuntimeContainerID: c.RuntimeContainerID(),
		StartedAt:          c.StartedAt,
		LastUsedAt:         last,
		IdleFor:            now.Sub(last),
	}
}
