package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/runtime"
)

func vpnName() string {
	return fmt.Sprintf("toolbox-vpn-%d", testEpoch.UnixMilli())
}

func TestGetClientLaunchesEphemeral(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	client, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	require.NotNil(t, client)

	require.Equal(t, 1, env.sp.spawnCount())
	spec := env.sp.specs[0]
	assert.Equal(t, "docker", spec.Command)
	assert.Equal(t, []string{"run", "-i", "--rm", "--network=host", "img:nmap"}, spec.Args)

	again, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.Equal(t, 1, env.sp.spawnCount())

	status, ok := env.mgr.Status("nmap")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("nmap-%d", testEpoch.UnixMilli()), status.ID)
	assert.Equal(t, "ephemeral", status.Role)
	assert.Empty(t, status.RuntimeContainerID)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.launches.WithLabelValues("success")))
}

func TestGetClientReusesDespiteImageMismatch(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap", "img:nmap2")
	ctx := context.Background()

	first, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	second, err := env.mgr.GetClient(ctx, "nmap", "img:nmap2", ContainerOptions{Privileged: true})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, env.sp.spawnCount())

	status, _ := env.mgr.Status("nmap")
	assert.Equal(t, "img:nmap", status.Image)
}

func TestGetClientRefreshesLastUsed(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	env.clock.Advance(3 * time.Minute)
	_, err = env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	status, _ := env.mgr.Status("nmap")
	assert.Equal(t, testEpoch.Add(3*time.Minute), status.LastUsedAt)
	assert.Equal(t, testEpoch, status.StartedAt)
}

func TestGetClientRequiresToolName(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.mgr.GetClient(context.Background(), "", "img:nmap", ContainerOptions{})
	require.Error(t, err)
}

func TestLaunchServiceResolvesRuntimeID(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")

	_, err := env.mgr.GetClient(context.Background(), "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	assert.Equal(t, []string{"run", "-i", "--name", vpnName(), "--network=host", "img:vpn"}, env.sp.lastArgs())
	assert.Equal(t, map[string]string{"vpn": "vpn-tool"}, env.mgr.Services())

	status, ok := env.mgr.Status("vpn-tool")
	require.True(t, ok)
	assert.Equal(t, "service", status.Role)
	assert.Equal(t, "vpn", status.ServiceName)
	assert.Equal(t, vpnName(), status.RuntimeName)
	assert.Equal(t, "id-"+vpnName(), status.RuntimeContainerID)

	id, ok := env.mgr.ServiceContainerID("vpn")
	require.True(t, ok)
	assert.Equal(t, "id-"+vpnName(), id)
}

func TestLaunchServiceDefaultsNameToTool(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:proxy")

	_, err := env.mgr.GetClient(context.Background(), "proxy", "img:proxy", ContainerOptions{Role: Service("")})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"proxy": "proxy"}, env.mgr.Services())
	assert.Contains(t, env.sp.lastArgs(), fmt.Sprintf("toolbox-proxy-%d", testEpoch.UnixMilli()))
}

func TestLaunchServiceWaitsForSettleDelay(t *testing.T) {
	cfg := testConfig()
	cfg.ServiceSettleDelay = 2 * time.Second
	env := newTestEnv(t, cfg, "img:vpn")

	done := make(chan error, 1)
	go func() {
		_, err := env.mgr.GetClient(context.Background(), "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
		done <- err
	}()

	env.clock.BlockUntil(1)
	assert.Empty(t, env.rt.resolved)

	env.clock.Advance(2 * time.Second)
	require.NoError(t, <-done)

	id, ok := env.mgr.ServiceContainerID("vpn")
	require.True(t, ok)
	assert.Equal(t, "id-"+vpnName(), id)
}

func TestLaunchServiceResolveFailureIsWarning(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	env.rt.resolveErr = runtime.ErrNotFound

	_, err := env.mgr.GetClient(context.Background(), "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	id, ok := env.mgr.ServiceContainerID("vpn")
	assert.True(t, ok)
	assert.Empty(t, id)
	assert.True(t, env.hasWarning("Could not resolve service container id"))
}

func TestLaunchJoinsServiceNetwork(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn", "img:scan")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	_, err = env.mgr.GetClient(ctx, "scan2", "img:scan", ContainerOptions{UseServiceNetwork: "vpn"})
	require.NoError(t, err)

	assert.Equal(t, []string{"run", "-i", "--rm", "--network=container:id-" + vpnName(), "img:scan"}, env.sp.lastArgs())
	assert.Empty(t, env.warnings())
}

func TestLaunchFallsBackWhenServiceMissing(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:scan")

	_, err := env.mgr.GetClient(context.Background(), "scan2", "img:scan", ContainerOptions{UseServiceNetwork: "vpn"})
	require.NoError(t, err)

	assert.Contains(t, env.sp.lastArgs(), "--network=host")
	assert.True(t, env.hasWarning(`service network "vpn" unavailable`))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.networkFallbacks))
}

func TestLaunchRuntimeUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	env.rt.unavailable = fmt.Errorf("%w: Cannot connect to the Docker daemon", runtime.ErrUnavailable)

	_, err := env.mgr.GetClient(context.Background(), "nmap", "img:nmap", ContainerOptions{})
	require.Error(t, err)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, StageProbe, launchErr.Stage)
	assert.ErrorIs(t, err, runtime.ErrUnavailable)
	assert.Equal(t, 0, env.sp.spawnCount())
	assert.False(t, env.mgr.IsRunning("nmap"))
	assert.False(t, env.mgr.reaper.running())
}

func TestLaunchPullsMissingImage(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.mgr.GetClient(context.Background(), "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"img:nmap"}, env.rt.pulled)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.imagePulls))
}

func TestLaunchPullFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.rt.pullErr = &runtime.PullError{Image: "img:nope", Stderr: "manifest unknown"}

	_, err := env.mgr.GetClient(context.Background(), "nope", "img:nope", ContainerOptions{})
	require.Error(t, err)

	var pullErr *runtime.PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "manifest unknown", pullErr.Stderr)
	assert.Equal(t, 0, env.sp.spawnCount())
}

func TestLaunchConnectFailureRemovesNamedContainer(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	env.sp.connectErr["vpn-tool"] = errors.New("unexpected EOF")

	_, err := env.mgr.GetClient(context.Background(), "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.Error(t, err)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, vpnName(), connErr.RuntimeName)

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, StageConnect, launchErr.Stage)

	assert.Equal(t, []string{vpnName()}, env.rt.removedRefs())
	assert.Equal(t, 1, env.sp.client("vpn-tool").closeCount())
	assert.False(t, env.mgr.IsRunning("vpn-tool"))
	assert.Empty(t, env.mgr.Services())
}

func TestLaunchSpawnFailureIsConnectError(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	env.sp.spawnErr = errors.New("exec: \"docker\": executable file not found in $PATH")

	_, err := env.mgr.GetClient(context.Background(), "nmap", "img:nmap", ContainerOptions{})

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Empty(t, env.rt.removedRefs())
}

func TestConcurrentGetClientLaunchesOnce(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	env.sp.gate = make(chan struct{})

	const callers = 10
	clients := make([]ToolClient, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := env.mgr.GetClient(context.Background(), "nmap", "img:nmap", ContainerOptions{})
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}

	require.Eventually(t, func() bool { return env.sp.waitingCount() == 1 }, time.Second, time.Millisecond)
	close(env.sp.gate)
	wg.Wait()

	assert.Equal(t, 1, env.sp.spawnCount())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
	assert.Equal(t, 1, env.mgr.Count())
}

func TestDistinctToolsLaunchInParallel(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:a", "img:b")
	env.sp.gate = make(chan struct{})

	var wg sync.WaitGroup
	for _, tool := range []string{"a", "b"} {
		wg.Add(1)
		go func(tool string) {
			defer wg.Done()
			_, err := env.mgr.GetClient(context.Background(), tool, "img:"+tool, ContainerOptions{})
			assert.NoError(t, err)
		}(tool)
	}

	// Both launches reach spawn before either is allowed to finish.
	require.Eventually(t, func() bool { return env.sp.waitingCount() == 2 }, time.Second, time.Millisecond)
	close(env.sp.gate)
	wg.Wait()

	assert.Equal(t, 2, env.mgr.Count())
}

func TestGetClientCallerCancelDoesNotAbortLaunch(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	env.sp.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool { return env.sp.waitingCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(env.sp.gate)
	require.Eventually(t, func() bool { return env.mgr.IsRunning("nmap") }, time.Second, time.Millisecond)
}

func TestCallTool(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	result, err := env.mgr.CallTool(ctx, "nmap", "img:nmap", "scan", map[string]any{"target": "10.0.0.1"}, ContainerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "nmap ok", result.Text())
	assert.Equal(t, []string{"scan"}, env.sp.client("nmap").calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.toolCalls.WithLabelValues("nmap", "ok")))
}

func TestCallToolPropagatesProtocolError(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	protocolErr := errors.New("method not found: bogus")
	env.sp.client("nmap").callErr = protocolErr

	_, err = env.mgr.CallTool(ctx, "nmap", "img:nmap", "bogus", nil, ContainerOptions{})
	assert.Same(t, protocolErr, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.toolCalls.WithLabelValues("nmap", "error")))
	assert.True(t, env.mgr.IsRunning("nmap"))
}

func TestCallToolRefreshesLastUsed(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	env.clock.Advance(4 * time.Minute)
	_, err = env.mgr.CallTool(ctx, "nmap", "img:nmap", "scan", nil, ContainerOptions{})
	require.NoError(t, err)

	status, _ := env.mgr.Status("nmap")
	assert.Equal(t, testEpoch.Add(4*time.Minute), status.LastUsedAt)
}

func TestStopContainerEphemeral(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	assert.True(t, env.mgr.StopContainer(ctx, "nmap"))
	assert.False(t, env.mgr.IsRunning("nmap"))
	assert.Equal(t, 1, env.sp.client("nmap").closeCount())
	assert.Empty(t, env.rt.removedRefs())

	assert.False(t, env.mgr.StopContainer(ctx, "nmap"))
}

func TestStopContainerService(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	assert.True(t, env.mgr.StopContainer(ctx, "vpn-tool"))
	assert.False(t, env.mgr.IsRunning("vpn-tool"))
	assert.Empty(t, env.mgr.Services())
	assert.Equal(t, []string{"id-" + vpnName()}, env.rt.removedRefs())

	_, ok := env.mgr.ServiceContainerID("vpn")
	assert.False(t, ok)
}

func TestStopContainerServiceWithoutRuntimeIDRemovesByName(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	env.rt.resolveErr = runtime.ErrNotFound
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	assert.True(t, env.mgr.StopContainer(ctx, "vpn-tool"))
	assert.Equal(t, []string{vpnName()}, env.rt.removedRefs())
}

func TestStopContainerCloseFailureStillRemoves(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	env.sp.closeErr["vpn-tool"] = errors.New("broken pipe")
	env.rt.removeErr = errors.New("no such container")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	assert.True(t, env.mgr.StopContainer(ctx, "vpn-tool"))
	assert.False(t, env.mgr.IsRunning("vpn-tool"))
	assert.Empty(t, env.mgr.Services())
	assert.True(t, env.hasWarning("broken pipe"))
	assert.True(t, env.hasWarning("no such container"))
}

func TestStopAllToleratesFailures(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap", "img:vpn", "img:scan")
	env.sp.closeErr["scan2"] = errors.New("broken pipe")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	_, err = env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)
	_, err = env.mgr.GetClient(ctx, "scan2", "img:scan", ContainerOptions{UseServiceNetwork: "vpn"})
	require.NoError(t, err)
	require.True(t, env.mgr.reaper.running())

	env.mgr.StopAll(ctx)

	assert.Equal(t, 0, env.mgr.Count())
	assert.Empty(t, env.mgr.Services())
	assert.False(t, env.mgr.reaper.running())
	assert.True(t, env.hasWarning("Some sandboxes did not stop cleanly"))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.mgr.metrics.active))
}

func TestListIsSortedSnapshot(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:a", "img:b")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "zmap", "img:b", ContainerOptions{})
	require.NoError(t, err)
	_, err = env.mgr.GetClient(ctx, "amass", "img:a", ContainerOptions{})
	require.NoError(t, err)

	env.clock.Advance(90 * time.Second)

	list := env.mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "amass", list[0].ToolName)
	assert.Equal(t, "zmap", list[1].ToolName)
	assert.Equal(t, 90*time.Second, list[0].IdleFor)
	assert.Equal(t, 2, env.mgr.Count())
}

func TestOverridesApplyToNextLaunchOnly(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)

	env.mgr.SetEnvOverride("nmap", "API_KEY", "secret")
	_, err = env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.sp.spawnCount())
	assert.NotContains(t, env.sp.lastArgs(), "API_KEY=secret")

	env.mgr.StopContainer(ctx, "nmap")
	_, err = env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, env.sp.spawnCount())
	assert.Contains(t, env.sp.lastArgs(), "API_KEY=secret")

	// Overrides persist until cleared.
	assert.Equal(t, map[string]string{"API_KEY": "secret"}, env.mgr.EnvOverrides("nmap"))
	env.mgr.ClearEnvOverrides("nmap")
	assert.Empty(t, env.mgr.EnvOverrides("nmap"))
}

func TestOverridesWinOverCallSiteEnv(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")

	env.mgr.SetEnvOverrides("nmap", map[string]string{"MODE": "override", "EXTRA": "1"})
	_, err := env.mgr.GetClient(context.Background(), "nmap", "img:nmap", ContainerOptions{
		Env: map[string]string{"MODE": "call", "TARGET": "10.0.0.1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run", "-i", "--rm", "--network=host",
		"-e", "EXTRA=1",
		"-e", "MODE=override",
		"-e", "TARGET=10.0.0.1",
		"img:nmap",
	}, env.sp.lastArgs())
}

func TestEnvOverridesReturnsCopy(t *testing.T) {
	env := newTestEnv(t, testConfig())

	env.mgr.SetEnvOverride("nmap", "A", "1")
	got := env.mgr.EnvOverrides("nmap")
	got["A"] = "mutated"

	assert.Equal(t, "1", env.mgr.EnvOverrides("nmap")["A"])
}

func TestToolResultPassesThrough(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:nmap")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	env.sp.client("nmap").result = &mcp.ToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "host down"}}}

	result, err := env.mgr.CallTool(ctx, "nmap", "img:nmap", "scan", nil, ContainerOptions{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.toolCalls.WithLabelValues("nmap", "tool_error")))
}

func TestStopAllTearsDownInFlightLaunch(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn", "img:nmap")
	env.sp.gate = make(chan struct{})
	ctx := context.Background()

	launched := make(chan error, 1)
	go func() {
		_, err := env.mgr.GetClient(ctx, "vpn-tool", "img:vpn", ContainerOptions{Role: Service("vpn")})
		launched <- err
	}()
	require.Eventually(t, func() bool { return env.sp.waitingCount() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		env.mgr.StopAll(ctx)
		close(stopped)
	}()
	require.Eventually(t, env.mgr.isStopping, time.Second, time.Millisecond)

	// New launches are refused while StopAll runs.
	_, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)

	select {
	case <-stopped:
		t.Fatal("StopAll returned before the in-flight launch finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(env.sp.gate)
	<-stopped

	require.ErrorIs(t, <-launched, ErrShuttingDown)
	assert.Equal(t, 0, env.mgr.Count())
	assert.Empty(t, env.mgr.Services())
	assert.False(t, env.mgr.reaper.running())
	assert.Equal(t, 1, env.sp.client("vpn-tool").closeCount())
	assert.Contains(t, env.rt.removedRefs(), vpnName())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.mgr.metrics.launches.WithLabelValues("discarded")))

	// The manager launches again once StopAll has returned.
	_, err = env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	assert.True(t, env.mgr.reaper.running())
}

func TestServiceNameHeldByAnotherTool(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	ctx := context.Background()

	_, err := env.mgr.GetClient(ctx, "vpn-a", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)

	_, err = env.mgr.GetClient(ctx, "vpn-b", "img:vpn", ContainerOptions{Role: Service("vpn")})
	var conflict *ServiceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "vpn-a", conflict.Holder)
	assert.Equal(t, 1, env.sp.spawnCount())

	// Stopping the rejected tool leaves the holder's entry alone.
	assert.False(t, env.mgr.StopContainer(ctx, "vpn-b"))
	assert.True(t, env.mgr.IsRunning("vpn-a"))
	assert.Equal(t, map[string]string{"vpn": "vpn-a"}, env.mgr.Services())

	// Once the holder stops, the name is free again.
	require.True(t, env.mgr.StopContainer(ctx, "vpn-a"))
	_, err = env.mgr.GetClient(ctx, "vpn-b", "img:vpn", ContainerOptions{Role: Service("vpn")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vpn": "vpn-b"}, env.mgr.Services())
}

func TestConcurrentServiceLaunchesKeepOneHolder(t *testing.T) {
	env := newTestEnv(t, testConfig(), "img:vpn")
	env.sp.gate = make(chan struct{})

	errs := make(chan error, 2)
	for _, tool := range []string{"vpn-a", "vpn-b"} {
		go func(tool string) {
			_, err := env.mgr.GetClient(context.Background(), tool, "img:vpn", ContainerOptions{Role: Service("vpn")})
			errs <- err
		}(tool)
	}

	require.Eventually(t, func() bool { return env.sp.waitingCount() == 2 }, time.Second, time.Millisecond)
	close(env.sp.gate)

	var conflicts int
	for i := 0; i < 2; i++ {
		var conflict *ServiceConflictError
		if err := <-errs; errors.As(err, &conflict) {
			conflicts++
			assert.Equal(t, 1, env.sp.client(conflict.ToolName).closeCount())
		} else {
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, env.mgr.Count())
	require.Len(t, env.mgr.Services(), 1)
	assert.Contains(t, env.rt.removedRefs(), vpnName())
}

func TestGetClientWaitsOutClaimedEviction(t *testing.T) {
	env := newTestEnv(t, manualSweepConfig(), "img:nmap")
	ctx := context.Background()

	first, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
	require.NoError(t, err)
	env.clock.Advance(6 * time.Minute)

	// Hold the tool lock as an eviction does and claim the sandbox.
	mc := env.mgr.lookup("nmap")
	env.mgr.toolLocks.Lock("nmap")
	require.True(t, mc.retireIfIdle(env.clock.Now(), env.mgr.cfg.IdleTimeout))

	got := make(chan ToolClient, 1)
	go func() {
		c, err := env.mgr.GetClient(ctx, "nmap", "img:nmap", ContainerOptions{})
		assert.NoError(t, err)
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("GetClient returned a sandbox claimed for eviction")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, env.mgr.stop(ctx, mc, true))
	env.mgr.toolLocks.Unlock("nmap")

	second := <-got
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, env.sp.spawnCount())
}
