package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/moby/locker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/runtime"
)

// Manager owns every running sandbox. All methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	rt      runtime.Runtime
	clock   clockwork.Clock
	log     logrus.FieldLogger
	spawn   SpawnFunc
	metrics *Metrics

	mu         sync.RWMutex
	containers map[string]*ManagedContainer // tool name -> sandbox
	services   map[string]string            // service name -> tool name

	overrides *overrideStore

	// launches shares one in-flight launch between concurrent callers;
	// toolLocks serializes launch and stop of the same tool.
	launches  singleflight.Group
	toolLocks *locker.Locker

	reaper *reaper

	// stopping counts StopAll calls in progress; pending holds a done
	// channel per launch that has not finished yet. Both are guarded by mu.
	stopping int
	pending  map[chan struct{}]struct{}

	onEvent    []func(Event)
	callbackMu sync.RWMutex
}

// New creates a Manager that launches sandboxes through rt.
func New(rt runtime.Runtime, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		rt:         rt,
		clock:      clockwork.NewRealClock(),
		log:        logrus.StandardLogger(),
		spawn:      stdioSpawner,
		containers: make(map[string]*ManagedContainer),
		services:   make(map[string]string),
		pending:    make(map[chan struct{}]struct{}),
		overrides:  newOverrideStore(),
		toolLocks:  locker.New(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	m.log = m.log.WithField("component", "sandbox")
	m.reaper = newReaper(m)

	return m
}

// GetClient returns the client for toolName, launching a sandbox from image
// if none is running. A running sandbox is reused even when image differs.
// Concurrent callers for the same tool share a single launch; a caller whose
// ctx ends stops waiting but the launch still runs to completion.
func (m *Manager) GetClient(ctx context.Context, toolName, image string, opts ContainerOptions) (ToolClient, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	if mc := m.acquire(toolName, image); mc != nil {
		return mc.Client(), nil
	}

	launchCtx := context.WithoutCancel(ctx)
	ch := m.launches.DoChan(toolName, func() (any, error) {
		done, err := m.beginLaunch()
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", toolName, err)
		}
		defer m.endLaunch(done)

		m.toolLocks.Lock(toolName)
		defer m.toolLocks.Unlock(toolName)

		if mc := m.lookup(toolName); mc != nil {
			mc.touch(m.clock.Now())
			return mc, nil
		}
		return m.launch(launchCtx, toolName, image, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ManagedContainer).Client(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquire returns the running sandbox for toolName, marked as used, or nil
// when there is none or an idle eviction has already claimed it.
func (m *Manager) acquire(toolName, image string) *ManagedContainer {
	mc := m.lookup(toolName)
	if mc == nil || !mc.acquire(m.clock.Now()) {
		return nil
	}

	if image != "" && image != mc.Image {
		m.log.WithFields(logrus.Fields{
			"tool":      mc.ToolName,
			"running":   mc.Image,
			"requested": image,
		}).Debug("Reusing sandbox started from a different image")
	}
	return mc
}

// CallTool invokes method on the tool's sandbox, launching it if needed.
// Errors from the tool server are returned unchanged.
func (m *Manager) CallTool(ctx context.Context, toolName, image, method string, args map[string]any, opts ContainerOptions) (*mcp.ToolResult, error) {
	client, err := m.GetClient(ctx, toolName, image, opts)
	if err != nil {
		return nil, err
	}

	m.touch(toolName)
	result, err := client.CallTool(ctx, method, args)
	m.touch(toolName)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.IsError:
		status = "tool_error"
	}
	m.metrics.toolCalls.WithLabelValues(toolName, status).Inc()

	return result, err
}

func (m *Manager) touch(toolName string) {
	if mc := m.lookup(toolName); mc != nil {
		mc.touch(m.clock.Now())
	}
}

// StopContainer stops the sandbox for toolName. It returns false if none was
// running. Close failures are logged; the sandbox is forgotten regardless.
func (m *Manager) StopContainer(ctx context.Context, toolName string) bool {
	m.toolLocks.Lock(toolName)
	defer m.toolLocks.Unlock(toolName)

	mc := m.lookup(toolName)
	if mc == nil {
		return false
	}

	if err := m.stop(ctx, mc, false); err != nil {
		m.log.WithError(err).WithField("tool", toolName).Warn("Sandbox did not stop cleanly")
	}
	return true
}

// stop tears mc down and unregisters it. With keepOnCloseFailure a client
// that fails to close leaves mc registered. The caller holds the tool lock.
func (m *Manager) stop(ctx context.Context, mc *ManagedContainer, keepOnCloseFailure bool) error {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout)
	defer cancel()

	result := mc.handle.close(rmCtx, mc.removalRef())
	if keepOnCloseFailure && result.clientErr != nil {
		return result.err()
	}
	m.unregister(mc)

	kind := EventStopped
	if keepOnCloseFailure {
		kind = EventEvicted
	}
	e := mc.event(kind)
	if err := result.err(); err != nil {
		e.Error = err.Error()
	}
	m.emit(e)

	m.log.WithFields(logrus.Fields{"tool": mc.ToolName, "id": mc.ID}).Info("Sandbox stopped")
	return result.err()
}

// StopAll stops every sandbox concurrently and cancels the idle reaper.
// Launches already in flight run to completion and are then torn down;
// launches requested while StopAll runs fail with ErrShuttingDown. The
// Manager accepts launches again once StopAll returns. Failures are logged;
// StopAll itself never fails.
func (m *Manager) StopAll(ctx context.Context) {
	pending := m.beginStopping()
	defer m.endStopping()

	m.reaper.stop()

wait:
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			m.log.WithError(ctx.Err()).Warn("Gave up waiting for in-flight launches")
			break wait
		}
	}

	m.mu.RLock()
	all := make([]*ManagedContainer, 0, len(m.containers))
	for _, mc := range m.containers {
		all = append(all, mc)
	}
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, mc := range all {
		wg.Add(1)
		go func(mc *ManagedContainer) {
			defer wg.Done()

			m.toolLocks.Lock(mc.ToolName)
			defer m.toolLocks.Unlock(mc.ToolName)

			if m.lookup(mc.ToolName) != mc {
				return
			}
			if err := m.stop(ctx, mc, false); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", mc.ToolName, err))
				mu.Unlock()
			}
		}(mc)
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		m.log.WithError(err).Warn("Some sandboxes did not stop cleanly")
	}
	m.log.WithField("count", len(all)).Info("All sandboxes stopped")
}

func (m *Manager) lookup(toolName string) *ManagedContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.containers[toolName]
}

func (m *Manager) beginStopping() []chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopping++
	pending := make([]chan struct{}, 0, len(m.pending))
	for done := range m.pending {
		pending = append(pending, done)
	}
	return pending
}

func (m *Manager) endStopping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopping--
}

func (m *Manager) isStopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopping > 0
}

// beginLaunch records a launch so StopAll can wait for it.
func (m *Manager) beginLaunch() (chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping > 0 {
		return nil, ErrShuttingDown
	}
	done := make(chan struct{})
	m.pending[done] = struct{}{}
	return done, nil
}

func (m *Manager) endLaunch(done chan struct{}) {
	m.mu.Lock()
	delete(m.pending, done)
	m.mu.Unlock()
	close(done)
}

// serviceHolder returns the tool that currently owns service name.
func (m *Manager) serviceHolder(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	toolName, ok := m.services[name]
	return toolName, ok
}

// register adds mc to the registry. It refuses while StopAll runs and when
// another tool already holds mc's service name.
func (m *Manager) register(mc *ManagedContainer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping > 0 {
		return ErrShuttingDown
	}
	name := mc.Role.ServiceName(mc.ToolName)
	if name != "" {
		if holder, ok := m.services[name]; ok && holder != mc.ToolName {
			return &ServiceConflictError{Service: name, ToolName: mc.ToolName, Holder: holder}
		}
		m.services[name] = mc.ToolName
	}
	m.containers[mc.ToolName] = mc
	m.metrics.active.Set(float64(len(m.containers)))
	return nil
}

func (m *Manager) unregister(mc *ManagedContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.containers[mc.ToolName] == mc {
		delete(m.containers, mc.ToolName)
	}
	if name := mc.Role.ServiceName(mc.ToolName); name != "" && m.services[name] == mc.ToolName {
		delete(m.services, name)
	}
	m.metrics.active.Set(float64(len(m.containers)))
}

// List returns a snapshot of every sandbox, sorted by tool name.
func (m *Manager) List() []ContainerStatus {
	now := m.clock.Now()

	m.mu.RLock()
	out := make([]ContainerStatus, 0, len(m.containers))
	for _, mc := range m.containers {
		out = append(out, mc.status(now))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b ContainerStatus) int {
		return strings.Compare(a.ToolName, b.ToolName)
	})
	return out
}

// Status returns a snapshot of one sandbox.
func (m *Manager) Status(toolName string) (ContainerStatus, bool) {
	mc := m.lookup(toolName)
	if mc == nil {
		return ContainerStatus{}, false
	}
	return mc.status(m.clock.Now()), true
}

// IsRunning reports whether toolName has a sandbox.
func (m *Manager) IsRunning(toolName string) bool {
	return m.lookup(toolName) != nil
}

// Count returns the number of sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

// Services returns a copy of the service name to tool name map.
func (m *Manager) Services() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.services))
	for k, v := range m.services {
		out[k] = v
	}
	return out
}

// ServiceContainerID returns the runtime id of the named service. ok is false
// if the service is not running; id may be empty while it is unresolved.
func (m *Manager) ServiceContainerID(service string) (id string, ok bool) {
	m.mu.RLock()
	toolName, ok := m.services[service]
	mc := m.containers[toolName]
	m.mu.RUnlock()

	if !ok || mc == nil {
		return "", false
	}
	return mc.RuntimeContainerID(), true
}
