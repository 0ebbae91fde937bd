// Package serve exposes the sandbox manager over a REST API.
package serve

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/everydev1618/toolbox/catalog"
	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/sandbox"
	"github.com/everydev1618/toolbox/store"
)

// Sandboxes is the part of *sandbox.Manager the API drives.
type Sandboxes interface {
	GetClient(ctx context.Context, toolName, image string, opts sandbox.ContainerOptions) (sandbox.ToolClient, error)
	CallTool(ctx context.Context, toolName, image, method string, args map[string]any, opts sandbox.ContainerOptions) (*mcp.ToolResult, error)
	StopContainer(ctx context.Context, toolName string) bool
	List() []sandbox.ContainerStatus
	Status(toolName string) (sandbox.ContainerStatus, bool)
	Count() int
	Services() map[string]string
	ServiceContainerID(service string) (string, bool)
	EnvOverrides(toolName string) map[string]string
	SetEnvOverrides(toolName string, env map[string]string)
	ClearEnvOverrides(toolName string)
	OnEvent(fn func(sandbox.Event))
}

// Config holds server configuration.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	// InlineLimit is the largest tool result, in bytes, returned in the
	// response body. Larger results go to the output store. Zero disables
	// offloading.
	InlineLimit int

	HeartbeatInterval time.Duration

	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
}

// Server is the HTTP server for the toolbox REST API.
type Server struct {
	sandboxes Sandboxes
	catalog   *catalog.Catalog
	outputs   store.Store
	broker    *EventBroker
	cfg       Config
	log       logrus.FieldLogger
	startedAt time.Time
}

// New creates a Server. outputs may be nil, in which case every result is
// returned inline.
func New(sandboxes Sandboxes, cat *catalog.Catalog, outputs store.Store, cfg Config, log logrus.FieldLogger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	s := &Server{
		sandboxes: sandboxes,
		catalog:   cat,
		outputs:   outputs,
		broker:    NewEventBroker(),
		cfg:       cfg,
		log:       log.WithField("component", "serve"),
		startedAt: time.Now(),
	}
	sandboxes.OnEvent(s.broker.Publish)

	return s
}

// Start listens for HTTP requests. It blocks until ctx is cancelled, then
// shuts the listener down gracefully. Stopping sandboxes is left to the
// caller.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("API server started")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down API server")
	case err := <-errCh:
		return err
	}

	// Closing the broker ends open SSE streams so Shutdown can drain.
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("API server shutdown error")
	}

	return nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/containers", s.handleListContainers)
		r.Get("/containers/{tool}", s.handleGetContainer)
		r.Post("/containers/{tool}", s.handleLaunchContainer)
		r.Delete("/containers/{tool}", s.handleStopContainer)

		r.Get("/services", s.handleListServices)
		r.Get("/catalog", s.handleListCatalog)

		r.Post("/tools/{tool}/call", s.handleCallTool)

		r.Get("/overrides/{tool}", s.handleGetOverrides)
		r.Put("/overrides/{tool}", s.handleSetOverrides)
		r.Delete("/overrides/{tool}", s.handleClearOverrides)

		r.Get("/outputs", s.handleListOutputs)
		r.Get("/outputs/{id}", s.handleGetOutput)
		r.Delete("/outputs/{id}", s.handleDeleteOutput)

		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// corsMiddleware adds permissive CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

var _ Sandboxes = (*sandbox.Manager)(nil)
