package serve

import (
	"time"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/sandbox"
)

// --- API Request Types ---

// LaunchRequest starts a sandbox. Every field is optional for catalog tools.
type LaunchRequest struct {
	Image             string            `json:"image,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	SessionDir        string            `json:"session_dir,omitempty"`
	Privileged        *bool             `json:"privileged,omitempty"`
	Service           *bool             `json:"service,omitempty"`
	UseServiceNetwork string            `json:"use_service_network,omitempty"`
}

// CallRequest invokes a method on a tool, launching its sandbox if needed.
type CallRequest struct {
	LaunchRequest
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// --- API Response Types ---

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Stage   string   `json:"stage,omitempty"`
	Missing []string `json:"missing_env,omitempty"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status     string        `json:"status"`
	Containers int           `json:"containers"`
	Uptime     time.Duration `json:"uptime"`

	EventSubscribers int    `json:"event_subscribers"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// LaunchResponse describes a started or reused sandbox.
type LaunchResponse struct {
	Container sandbox.ContainerStatus `json:"container"`
	Tools     []mcp.MCPTool           `json:"tools,omitempty"`
}

// CallResponse is the result of a tool call. Results larger than the inline
// limit are stored; OutputID then references them and Content is empty.
type CallResponse struct {
	Tool     string             `json:"tool"`
	Method   string             `json:"method"`
	IsError  bool               `json:"is_error"`
	Content  string             `json:"content,omitempty"`
	Blocks   []mcp.ContentBlock `json:"blocks,omitempty"`
	OutputID string             `json:"output_id,omitempty"`
	Size     int                `json:"size"`
}

// ServiceResponse maps a service name to the tool and runtime container
// hosting it.
type ServiceResponse struct {
	Name               string `json:"name"`
	Tool               string `json:"tool"`
	RuntimeContainerID string `json:"runtime_container_id,omitempty"`
}

// CatalogResponse is one catalog entry plus whether it can launch right now.
type CatalogResponse struct {
	catalog.Entry
	Running    bool     `json:"running"`
	MissingEnv []string `json:"missing_env,omitempty"`
}
