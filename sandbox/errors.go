package sandbox

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned for launches that would finish while StopAll
// is tearing sandboxes down.
var ErrShuttingDown = errors.New("sandbox manager is stopping")

// Stage names the launch step that failed.
type Stage string

const (
	StageProbe   Stage = "probe"
	StagePull    Stage = "pull"
	StageConnect Stage = "connect"
)

// LaunchError is returned by GetClient and CallTool when no usable client
// could be produced. Err is one of runtime.ErrUnavailable (wrapped),
// *runtime.PullError or *ConnectError.
type LaunchError struct {
	ToolName string
	Image    string
	Stage    Stage
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s) failed at %s: %v", e.ToolName, e.Image, e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ConnectError reports a sandbox process that could not be started or did
// not complete the protocol handshake.
type ConnectError struct {
	ToolName    string
	RuntimeName string
	Cause       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.ToolName, e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// NetworkFallback describes a service network request that degraded to host
// networking. It is logged, never returned.
type NetworkFallback struct {
	ToolName string
	Service  string
	Reason   string
}

func (w *NetworkFallback) Error() string {
	return fmt.Sprintf("%s: service network %q unavailable (%s), using host network", w.ToolName, w.Service, w.Reason)
}

// EvictionError reports an idle sandbox whose client failed to close. The
// sandbox stays registered and the next sweep retries.
type EvictionError struct {
	ToolName string
	Err      error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict %s: %v", e.ToolName, e.Err)
}

func (e *EvictionError) Unwrap() error {
	return e.Err
}

// ServiceConflictError is returned when a tool asks for a service name that
// another running tool already holds.
type ServiceConflictError struct {
	Service  string
	ToolName string
	Holder   string
}

func (e *ServiceConflictError) Error() string {
	return fmt.Sprintf("service %q is already provided by %s, cannot start it for %s", e.Service, e.Holder, e.ToolName)
}
