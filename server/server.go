// Package server exposes the executor's HTTP API: runtime lifecycle,
// invocations, commands and log streaming, all under /v1 behind a shared
// bearer secret.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/runtime"
	"github.com/open-runtimes/k8s-executor/types"
)

const defaultLogsTimeout = 600

type Server struct {
	manager *runtime.Manager
}

func New(manager *runtime.Manager) *Server {
	return &Server{manager: manager}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		renderError(w, types.NewError(types.GeneralRouteNotFound, fmt.Sprintf("Route %s not found", req.URL.Path)))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Post("/runtimes", s.create)
			r.Get("/runtimes", s.list)
			r.Get("/runtimes/{runtimeId}", s.get)
			r.Delete("/runtimes/{runtimeId}", s.delete)
			r.Post("/runtimes/{runtimeId}/executions", s.execute)
			r.Post("/runtimes/{runtimeId}/execution", s.execute) // legacy alias
			r.Post("/runtimes/{runtimeId}/commands", s.command)
			r.Get("/runtimes/{runtimeId}/logs", s.streamLogs)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, types.NewError(types.ExecutionBadJSON, "Invalid JSON body"))
		return
	}

	result, err := s.manager.Create(r.Context(), &req)
	if err != nil {
		renderError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	limit := int64(constants.ListLimitDefault)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			renderError(w, types.NewError(types.ExecutionBadRequest, "Invalid limit parameter"))
			return
		}
		limit = parsed
	}
	if limit < 1 {
		limit = 1
	}
	if limit > constants.ListLimitMax {
		limit = constants.ListLimitMax
	}

	page, err := s.manager.List(r.Context(), limit, r.URL.Query().Get("continue"))
	if err != nil {
		renderError(w, err)
		return
	}

	w.Header().Set("X-PAGINATION-LIMIT", strconv.FormatInt(limit, 10))
	w.Header().Set("X-PAGINATION-CONTINUE", page.Continue)
	w.Header().Set("X-PAGINATION-REMAINING", strconv.FormatInt(page.Remaining, 10))
	writeJSON(w, http.StatusOK, page.Runtimes)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	descriptor, err := s.manager.Get(r.Context(), chi.URLParam(r, "runtimeId"))
	if err != nil {
		renderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, descriptor)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	message, err := s.manager.Delete(r.Context(), chi.URLParam(r, "runtimeId"))
	if err != nil {
		renderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": message})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	// Logging defaults to enabled; the body only overrides it when present.
	req := types.ExecuteRequest{Logging: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, types.NewError(types.ExecutionBadJSON, "Invalid JSON body"))
		return
	}
	req.RuntimeID = chi.URLParam(r, "runtimeId")

	result, err := s.manager.Execute(r.Context(), &req)
	if err != nil {
		renderError(w, err)
		return
	}

	renderExecution(w, r, result)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req types.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, types.NewError(types.ExecutionBadJSON, "Invalid JSON body"))
		return
	}

	output, err := s.manager.Command(r.Context(), chi.URLParam(r, "runtimeId"), req.Command, req.Timeout)
	if err != nil {
		renderError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.CommandResult{Output: output})
}

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	timeout := defaultLogsTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			renderError(w, types.NewError(types.ExecutionBadRequest, "Invalid timeout parameter"))
			return
		}
		timeout = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, types.NewError(types.GeneralUnknown, "Streaming is not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	err := s.manager.StreamLogs(r.Context(), chi.URLParam(r, "runtimeId"), time.Duration(timeout)*time.Second, w, flusher.Flush)
	if err != nil {
		renderError(w, err)
	}
}
