// Package sandbox manages the lifecycle of containerized tool servers.
//
// A Manager keeps at most one running sandbox per tool name. GetClient reuses
// a running sandbox or launches one: it probes the runtime, pulls the image if
// it is missing, spawns "<runtime> run -i ..." and completes the protocol
// handshake over the process's stdio. Concurrent requests for the same tool
// share one launch.
//
// Sandboxes are ephemeral by default and are stopped by an idle reaper once
// unused for longer than Config.IdleTimeout. Sandboxes started with the
// Service role persist until stopped explicitly, and other sandboxes can join
// their network namespace through ContainerOptions.UseServiceNetwork:
//
//	mgr := sandbox.New(rt, sandbox.DefaultConfig())
//	defer mgr.StopAll(context.Background())
//
//	_, err := mgr.GetClient(ctx, "vpn", "ghcr.io/acme/vpn:latest", sandbox.ContainerOptions{
//		Role: sandbox.Service("vpn"),
//	})
//	result, err := mgr.CallTool(ctx, "nmap", "ghcr.io/acme/nmap:latest", "scan", args, sandbox.ContainerOptions{
//		UseServiceNetwork: "vpn",
//	})
//
// A service name belongs to one tool at a time. StopAll waits for launches
// already in flight and tears them down too.
package sandbox
