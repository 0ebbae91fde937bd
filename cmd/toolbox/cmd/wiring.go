package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/config"
	"github.com/everydev1618/toolbox/internal/version"
	"github.com/everydev1618/toolbox/runtime"
	"github.com/everydev1618/toolbox/sandbox"
)

// stack is everything a command needs to launch sandboxes.
type stack struct {
	cfg     *config.Config
	rt      runtime.Runtime
	catalog *catalog.Catalog
	mgr     *sandbox.Manager
	reg     *prometheus.Registry
	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.WithError(err).Warn("Cleanup failed")
		}
	}
}

// buildStack loads the config and wires the runtime, catalog and manager.
func buildStack() (*stack, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	s := &stack{cfg: cfg}

	s.rt, err = newRuntime(cfg.Runtime, s)
	if err != nil {
		return nil, err
	}

	s.catalog, err = catalog.New(cfg.Tools...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	s.reg = prometheus.NewRegistry()
	s.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.mgr = sandbox.New(s.rt, cfg.SandboxSettings(version.Version),
		sandbox.WithLogger(log),
		sandbox.WithMetrics(sandbox.NewMetrics(s.reg)),
	)

	return s, nil
}

func newRuntime(cfg config.RuntimeConfig, s *stack) (runtime.Runtime, error) {
	preferred := cfg.Binary
	if cfg.Backend == "engine" && preferred == "auto" {
		// The engine API is Docker's; spawning must use the matching CLI.
		preferred = "docker"
	}

	binary, err := runtime.Detect(preferred)
	if err != nil {
		return nil, err
	}

	if cfg.Backend == "engine" {
		engine, err := runtime.NewEngine(binary, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, engine.Close)
		return engine, nil
	}

	return runtime.NewCLI(binary, runtime.WithLogger(log)), nil
}
