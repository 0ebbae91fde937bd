package sandbox

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/everydev1618/toolbox/mcp"
)

// invocation is a fully resolved "run" command.
type invocation struct {
	name       string // persistent --name; empty means --rm
	network    NetworkMode
	privileged bool
	env        map[string]string
	sessionDir string
	image      string
}

// args renders the invocation in the order the runtime CLI expects:
// run -i [--rm | --name N] --network=<mode> [--privileged] [-e K=V]* [-v dir:/session:rw] <image>
func (inv invocation) args() []string {
	args := []string{"run", "-i"}
	if inv.name == "" {
		args = append(args, "--rm")
	} else {
		args = append(args, "--name", inv.name)
	}
	args = append(args, "--network="+string(inv.network))
	if inv.privileged {
		args = append(args, "--privileged")
	}
	for _, key := range slices.Sorted(maps.Keys(inv.env)) {
		args = append(args, "-e", key+"="+inv.env[key])
	}
	if inv.sessionDir != "" {
		args = append(args, "-v", inv.sessionDir+":/session:rw")
	}
	return append(args, inv.image)
}

// mergeEnv layers the process headed flag, call-site env and pending
// overrides, later layers winning.
func (m *Manager) mergeEnv(toolName string, opts ContainerOptions) map[string]string {
	env := make(map[string]string)
	if v, ok := os.LookupEnv(m.cfg.HeadedEnvVar); ok {
		env[m.cfg.HeadedEnvVar] = v
	}
	maps.Copy(env, opts.Env)
	maps.Copy(env, m.overrides.get(toolName))
	return env
}

func (m *Manager) buildInvocation(toolName, image string, opts ContainerOptions, startedMillis int64) invocation {
	env := m.mergeEnv(toolName, opts)

	inv := invocation{
		network:    m.resolveNetwork(toolName, opts, env),
		privileged: opts.Privileged,
		env:        env,
		sessionDir: opts.SessionDir,
		image:      image,
	}
	if opts.Role.IsService() {
		inv.name = fmt.Sprintf("%s-%s-%d", m.cfg.Product, opts.Role.ServiceName(toolName), startedMillis)
	}
	return inv
}

// launch runs the full launch sequence for a tool that has no sandbox. The
// caller holds the per-tool lock.
func (m *Manager) launch(ctx context.Context, toolName, image string, opts ContainerOptions) (*ManagedContainer, error) {
	start := m.clock.Now()
	log := m.log.WithFields(logrus.Fields{"tool": toolName, "image": image})

	fail := func(stage Stage, err error) (*ManagedContainer, error) {
		m.metrics.launches.WithLabelValues("failed").Inc()
		log.WithError(err).WithField("stage", stage).Error("Sandbox launch failed")
		launchErr := &LaunchError{ToolName: toolName, Image: image, Stage: stage, Err: err}
		m.emit(Event{
			Type:     EventLaunchFailed,
			ToolName: toolName,
			Image:    image,
			Role:     opts.Role.String(),
			Error:    launchErr.Error(),
		})
		return nil, launchErr
	}

	if name := opts.Role.ServiceName(toolName); name != "" {
		if holder, ok := m.serviceHolder(name); ok && holder != toolName {
			return nil, &ServiceConflictError{Service: name, ToolName: toolName, Holder: holder}
		}
	}

	if err := m.rt.Available(ctx); err != nil {
		return fail(StageProbe, err)
	}

	exists, err := m.rt.ImageExists(ctx, image)
	if err != nil {
		return fail(StageProbe, err)
	}
	if !exists {
		m.metrics.imagePulls.Inc()
		err := m.rt.Pull(ctx, image, func(line string) {
			log.WithField("progress", line).Debug("Pulling image")
		})
		if err != nil {
			return fail(StagePull, err)
		}
		log.Info("Image pulled")
	}

	inv := m.buildInvocation(toolName, image, opts, start.UnixMilli())
	log.WithFields(logrus.Fields{
		"network":    inv.network,
		"role":       opts.Role.String(),
		"privileged": inv.privileged,
	}).Debug("Starting sandbox")

	client, err := m.spawn(toolName, mcp.StdioSpec{
		Command:       m.rt.Binary(),
		Args:          inv.args(),
		ClientName:    m.cfg.ClientName,
		ClientVersion: m.cfg.ClientVersion,
	})
	if err != nil {
		m.removePartial(ctx, log, inv.name)
		return fail(StageConnect, &ConnectError{ToolName: toolName, RuntimeName: inv.name, Cause: err})
	}

	if err := client.Connect(ctx); err != nil {
		client.Close()
		m.removePartial(ctx, log, inv.name)
		return fail(StageConnect, &ConnectError{ToolName: toolName, RuntimeName: inv.name, Cause: err})
	}

	mc := &ManagedContainer{
		ID:          fmt.Sprintf("%s-%d", toolName, start.UnixMilli()),
		Image:       image,
		ToolName:    toolName,
		Role:        opts.Role,
		StartedAt:   start,
		RuntimeName: inv.name,
		handle:      &handle{client: client, rt: m.rt},
		lastUsedAt:  start,
	}
	if err := m.register(mc); err != nil {
		m.discard(ctx, log, mc, err)
		return nil, err
	}

	if opts.Role.IsService() {
		m.resolveRuntimeID(ctx, log, mc)
	}

	m.reaper.ensure()

	m.metrics.launches.WithLabelValues("success").Inc()
	m.metrics.launchDuration.Observe(m.clock.Since(start).Seconds())
	log.WithField("id", mc.ID).Info("Sandbox started")
	m.emit(mc.event(EventLaunched))

	return mc, nil
}

// discard tears down a connected sandbox that could not be registered.
func (m *Manager) discard(ctx context.Context, log logrus.FieldLogger, mc *ManagedContainer, reason error) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
	defer cancel()

	m.metrics.launches.WithLabelValues("discarded").Inc()
	log = log.WithField("reason", reason.Error())
	if err := mc.handle.close(rmCtx, mc.removalRef()).err(); err != nil {
		log.WithError(err).Warn("Discarded sandbox did not stop cleanly")
		return
	}
	log.Info("Discarded sandbox")
}

// removePartial force-removes a named container left behind by a failed
// launch. Ephemeral sandboxes are cleaned up by --rm.
func (m *Manager) removePartial(ctx context.Context, log logrus.FieldLogger, name string) {
	if name == "" {
		return
	}
	if err := m.rt.ForceRemove(ctx, name); err != nil {
		log.WithError(err).WithField("runtime_name", name).Warn("Failed to remove partially started container")
	}
}

// resolveRuntimeID waits for the service container to settle, then looks up
// its runtime id. Failure only degrades network sharing.
func (m *Manager) resolveRuntimeID(ctx context.Context, log logrus.FieldLogger, mc *ManagedContainer) {
	if d := m.cfg.ServiceSettleDelay; d > 0 {
		select {
		case <-m.clock.After(d):
		case <-ctx.Done():
		}
	}

	id, err := m.rt.ResolveID(ctx, mc.RuntimeName)
	if err != nil {
		log.WithError(err).WithField("runtime_name", mc.RuntimeName).Warn("Could not resolve service container id, network sharing unavailable")
		return
	}

	mc.setRuntimeID(id)
	log.WithField("runtime_id", id).Debug("Resolved service container id")
}
