package sandbox

import (
	"strconv"
	"strings"
)

// NetworkMode is the value passed to --network.
type NetworkMode string

// NetworkHost shares the host network stack.
const NetworkHost NetworkMode = "host"

// ContainerNetwork joins the network namespace of the given runtime container.
func ContainerNetwork(runtimeID string) NetworkMode {
	return NetworkMode("container:" + runtimeID)
}

// isHeaded reports whether env explicitly turns headed mode on.
func isHeaded(env map[string]string, key string) bool {
	v, ok := env[key]
	if !ok {
		return false
	}
	on, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && on
}

// resolveNetwork picks the network mode for a new sandbox. Headed mode always
// gets the host network so a display port stays reachable on localhost. A
// requested service network is joined only if that service is running with a
// known runtime id; otherwise the sandbox degrades to host networking.
func (m *Manager) resolveNetwork(toolName string, opts ContainerOptions, env map[string]string) NetworkMode {
	if isHeaded(env, m.cfg.HeadedEnvVar) {
		return NetworkHost
	}

	service := opts.UseServiceNetwork
	if service == "" {
		return NetworkHost
	}

	reason := "not running"
	if id, ok := m.ServiceContainerID(service); ok {
		if id != "" {
			return ContainerNetwork(id)
		}
		reason = "runtime id unknown"
	}

	warning := &NetworkFallback{ToolName: toolName, Service: service, Reason: reason}
	m.log.WithError(warning).WithField("tool", toolName).Warn("Falling back to host network")
	m.metrics.networkFallbacks.Inc()

	return NetworkHost
}
