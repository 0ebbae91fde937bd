package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/everydev1618/toolbox/internal/home"
	"github.com/everydev1618/toolbox/serve"
	"github.com/everydev1618/toolbox/store"
)

var (
	host string
	port int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API",
	Long: `Start the REST API that launches, calls and stops tool sandboxes.

All running sandboxes are stopped when the server shuts down.

Examples:
  # Start with the default config (toolbox.yaml if present)
  toolbox serve

  # Listen on all interfaces
  toolbox serve --host 0.0.0.0 --port 7420`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&host, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&port, "port", 0, "Port to bind to (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if cfg.Store.Path != ":memory:" {
		if err := home.EnsureDir(filepath.Dir(cfg.Store.Path)); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}

	outputs, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening output store: %w", err)
	}
	defer outputs.Close()

	log.WithFields(logrus.Fields{
		"addr":    cfg.Server.Addr(),
		"runtime": s.rt.Binary(),
		"backend": cfg.Runtime.Backend,
		"tools":   len(s.catalog.Entries()),
	}).Info("Starting toolbox server")

	srvCfg := serve.Config{
		Addr:            cfg.Server.Addr(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		InlineLimit:     cfg.Store.InlineLimit,
	}
	if cfg.Observability.MetricsOn() {
		srvCfg.Metrics = s.reg
	}

	srv := serve.New(s.mgr, s.catalog, outputs, srvCfg, log)

	// Start blocks until ctx is cancelled.
	runErr := srv.Start(ctx)

	log.Info("Stopping sandboxes...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Sandbox.StopTimeout)
	defer stopCancel()
	s.mgr.StopAll(stopCtx)

	if runErr != nil {
		return fmt.Errorf("running server: %w", runErr)
	}
	return nil
}
