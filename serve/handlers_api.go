package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/everydev1618/toolbox/mcp"
	"github.com/everydev1618/toolbox/runtime"
	"github.com/everydev1618/toolbox/sandbox"
	"github.com/everydev1618/toolbox/store"
)

// toolLister is implemented by clients that can report the server's tools.
type toolLister interface {
	DiscoverTools(ctx context.Context) ([]mcp.MCPTool, error)
}

// apiError carries an HTTP status for a rejected request.
type apiError struct {
	status int
	body   ErrorResponse
}

func (e *apiError) Error() string { return e.body.Error }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Containers: s.sandboxes.Count(),
		Uptime:     time.Since(s.startedAt),

		EventSubscribers: s.broker.Subscribers(),
		EventsDropped:    s.broker.Dropped(),
	})
}

// --- Container Handlers ---

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sandboxes.List())
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	status, ok := s.sandboxes.Status(tool)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no sandbox running for %q", tool)})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLaunchContainer(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	var req LaunchRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}

	image, opts, err := s.launchOptions(tool, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	client, err := s.sandboxes.GetClient(r.Context(), tool, image, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := LaunchResponse{}
	resp.Container, _ = s.sandboxes.Status(tool)
	if lister, ok := client.(toolLister); ok {
		tools, err := lister.DiscoverTools(r.Context())
		if err != nil {
			s.log.WithError(err).WithField("tool", tool).Warn("Tool discovery failed")
		}
		resp.Tools = tools
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	if !s.sandboxes.StopContainer(r.Context(), tool) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no sandbox running for %q", tool)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services := s.sandboxes.Services()

	resp := make([]ServiceResponse, 0, len(services))
	for _, name := range slices.Sorted(maps.Keys(services)) {
		id, _ := s.sandboxes.ServiceContainerID(name)
		resp = append(resp, ServiceResponse{
			Name:               name,
			Tool:               services[name],
			RuntimeContainerID: id,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.Entries()

	resp := make([]CatalogResponse, 0, len(entries))
	for _, e := range entries {
		_, running := s.sandboxes.Status(e.Name)
		resp = append(resp, CatalogResponse{
			Entry:      e,
			Running:    running,
			MissingEnv: e.MissingEnv(s.sandboxes.EnvOverrides(e.Name)),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Tool Call Handlers ---

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "method is required"})
		return
	}

	image, opts, err := s.launchOptions(tool, req.LaunchRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.sandboxes.CallTool(r.Context(), tool, image, req.Method, req.Arguments, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	text := result.Text()
	resp := CallResponse{
		Tool:    tool,
		Method:  req.Method,
		IsError: result.IsError,
		Size:    len(text),
	}

	if s.outputs != nil && s.cfg.InlineLimit > 0 && len(text) > s.cfg.InlineLimit {
		id, err := s.outputs.Put(store.Output{
			Tool:    tool,
			Method:  req.Method,
			Content: text,
			IsError: result.IsError,
		})
		if err != nil {
			s.log.WithError(err).WithField("tool", tool).Error("Failed to store tool output")
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to store tool output"})
			return
		}
		resp.OutputID = id
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Content = text
	if hasNonText(result.Content) {
		resp.Blocks = result.Content
	}
	writeJSON(w, http.StatusOK, resp)
}

// launchOptions resolves the image and options for tool from its catalog
// entry, with fields in req taking precedence.
func (s *Server) launchOptions(tool string, req LaunchRequest) (string, sandbox.ContainerOptions, error) {
	entry, known := s.catalog.Lookup(tool)

	image := req.Image
	if image == "" {
		if !known {
			return "", sandbox.ContainerOptions{}, &apiError{
				status: http.StatusNotFound,
				body:   ErrorResponse{Error: fmt.Sprintf("tool %q is not in the catalog and no image was given", tool)},
			}
		}
		image = entry.Image
	}

	var opts sandbox.ContainerOptions
	if known {
		if _, running := s.sandboxes.Status(tool); !running {
			pending := s.sandboxes.EnvOverrides(tool)
			if pending == nil {
				pending = make(map[string]string)
			}
			maps.Copy(pending, req.Env)
			if missing := entry.MissingEnv(pending); len(missing) > 0 {
				return "", opts, &apiError{
					status: http.StatusBadRequest,
					body: ErrorResponse{
						Error:   fmt.Sprintf("%s requires %s", tool, strings.Join(missing, ", ")),
						Missing: missing,
					},
				}
			}
		}
		opts = entry.Options(req.Env)
	} else {
		opts = sandbox.ContainerOptions{Env: maps.Clone(req.Env)}
	}

	if req.Privileged != nil {
		opts.Privileged = *req.Privileged
	}
	if req.Service != nil {
		if *req.Service {
			opts.Role = sandbox.Service(entry.ServiceName)
		} else {
			opts.Role = sandbox.Ephemeral()
		}
	}
	if req.UseServiceNetwork != "" {
		opts.UseServiceNetwork = req.UseServiceNetwork
	}
	if req.SessionDir != "" {
		opts.SessionDir = req.SessionDir
	}

	return image, opts, nil
}

func hasNonText(blocks []mcp.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type != "text" {
			return true
		}
	}
	return false
}

// --- Override Handlers ---

func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	env := s.sandboxes.EnvOverrides(chi.URLParam(r, "tool"))
	if env == nil {
		env = map[string]string{}
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleSetOverrides(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")

	var env map[string]string
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || len(env) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "a JSON object of variables is required"})
		return
	}
	for key := range env {
		if key == "" || strings.ContainsAny(key, "= ") {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid variable name %q", key)})
			return
		}
	}

	s.sandboxes.SetEnvOverrides(tool, env)
	writeJSON(w, http.StatusOK, s.sandboxes.EnvOverrides(tool))
}

func (s *Server) handleClearOverrides(w http.ResponseWriter, r *http.Request) {
	s.sandboxes.ClearEnvOverrides(chi.URLParam(r, "tool"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Output Handlers ---

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	outputs, err := s.outputs.List(r.URL.Query().Get("tool"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if outputs == nil {
		outputs = []store.Output{}
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	out, err := s.outputs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteOutput(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	if err := s.outputs.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.outputs == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "output store is disabled"})
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
}

// --- Helpers ---

// writeError maps launch and protocol failures to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var reqErr *apiError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.status, reqErr.body)
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusBadGateway

	var launchErr *sandbox.LaunchError
	if errors.As(err, &launchErr) {
		resp.Stage = string(launchErr.Stage)
	}

	var conflict *sandbox.ServiceConflictError
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	case errors.Is(err, runtime.ErrUnavailable), errors.Is(err, sandbox.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// decodeOptional decodes a JSON body, treating an empty body as zero values.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
