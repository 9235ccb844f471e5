package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/workspace/aitools-relay/internal/catalog"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"streams": s.registry.Len(),
		"tools":   s.catalog.Current().Len(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("Health check: store unreachable", "error", err)
			response["status"] = "degraded"
			response["store"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, response)
}

type toolInfo struct {
	catalog.Tool
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

// handleListTools lists the catalog with the install status of each tool.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	c := s.catalog.Current()
	tools := c.Tools()
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		_, path, err := c.Resolve(t.Name)
		out = append(out, toolInfo{Tool: t, Installed: err == nil, Path: path})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": out})
}

func (s *Server) handleRequestSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := catalog.RequestSchema()
	if err != nil {
		s.logger.Error("Failed to build request schema", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build schema")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": s.registry.List()})
}

// handleCancelStream stops a running stream. The client of that stream
// still receives its terminal error and done events.
func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.registry.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info("Stream canceled by operator", "streamId", id, "tool", info.Tool)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.store.ListRuns(r.URL.Query().Get("tool"), limit)
	if err != nil {
		s.logger.Error("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		s.logger.Error("Failed to get run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
