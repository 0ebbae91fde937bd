package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/runtime"
)

const testHeadedVar = "TOOLBOX_TEST_HEADED"

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fakeRuntime records runtime operations. Missing images are "pulled" by
// adding them to images.
type fakeRuntime struct {
	mu          sync.Mutex
	unavailable error
	images      map[string]bool
	pullErr     error
	pulled      []string
	resolveErr  error
	resolved    []string
	removed     []string
	removeErr   error
}

func newFakeRuntime(images ...string) *fakeRuntime {
	rt := &fakeRuntime{images: make(map[string]bool)}
	for _, img := range images {
		rt.images[img] = true
	}
	return rt
}

func (r *fakeRuntime) Binary() string { return "docker" }

func (r *fakeRuntime) Available(context.Context) error {
	return r.unavailable
}

func (r *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[image], nil
}

func (r *fakeRuntime) Pull(_ context.Context, image string, progress runtime.ProgressFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulled = append(r.pulled, image)
	if r.pullErr != nil {
		return r.pullErr
	}
	progress("Status: Downloaded newer image for " + image)
	r.images[image] = true
	return nil
}

func (r *fakeRuntime) ResolveID(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, name)
	if r.resolveErr != nil {
		return "", r.resolveErr
	}
	return "id-" + name, nil
}

func (r *fakeRuntime) ForceRemove(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ref)
	return r.removeErr
}

func (r *fakeRuntime) removedRefs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// fakeClient is a ToolClient with scripted results.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	closeErr   error
	closes     int
	calls      []string
	result     *mcp.ToolResult
	callErr    error
}

func (c *fakeClient) Connect(context.Context) error {
	return c.connectErr
}

func (c *fakeClient) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.ToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.result, c.callErr
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.closeErr
}

func (c *fakeClient) setCloseErr(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// fakeSpawner hands out fakeClients and records every spawn. When gate is
// set, spawns block until it is closed.
type fakeSpawner struct {
	mu         sync.Mutex
	specs      []mcp.StdioSpec
	clients    map[string]*fakeClient
	spawnErr   error
	connectErr map[string]error
	closeErr   map[string]error
	gate       chan struct{}
	waiting    int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		clients:    make(map[string]*fakeClient),
		connectErr: make(map[string]error),
		closeErr:   make(map[string]error),
	}
}

func (s *fakeSpawner) spawn(name string, spec mcp.StdioSpec) (ToolClient, error) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	gate := s.gate
	s.waiting++
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting--
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	client := &fakeClient{
		connectErr: s.connectErr[name],
		closeErr:   s.closeErr[name],
		result:     &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: name + " ok"}}},
	}
	s.clients[name] = client
	return client, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

func (s *fakeSpawner) waitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

func (s *fakeSpawner) lastArgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.specs[len(s.specs)-1].Args
}

func (s *fakeSpawner) client(name string) *fakeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[name]
}

type testEnv struct {
	mgr   *Manager
	rt    *fakeRuntime
	sp    *fakeSpawner
	clock clockwork.FakeClock
	hook  *test.Hook
}

func testConfig() Config {
	return Config{
		Product:       "toolbox",
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Minute,
		StopTimeout:   time.Second,
		HeadedEnvVar:  testHeadedVar,
	}
}

func newTestEnv(t *testing.T, cfg Config, images ...string) *testEnv {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		rt:    newFakeRuntime(images...),
		sp:    newFakeSpawner(),
		clock: clockwork.NewFakeClockAt(testEpoch),
		hook:  hook,
	}
	env.mgr = New(env.rt, cfg,
		WithClock(env.clock),
		WithLogger(logger),
		WithSpawner(env.sp.spawn),
	)
	t.Cleanup(func() { env.mgr.StopAll(context.Background()) })

	return env
}

func (e *testEnv) warnings() []string {
	var out []string
	for _, entry := range e.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			msg := entry.Message
			if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
				msg += ": " + err.Error()
			}
			out = append(out, msg)
		}
	}
	return out
}

func (e *testEnv) hasWarning(substr string) bool {
	for _, w := range e.warnings() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
