package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/branchline/branch-router/pkg/observability/logging"
	"github.com/branchline/branch-router/pkg/orchestrator"
)

// Server exposes the query and status endpoints over HTTP.
type Server struct {
	orch           *orchestrator.Orchestrator
	requestTimeout time.Duration
}

// NewServer builds a Server around an orchestrator. requestTimeout bounds
// each query's end-to-end processing; non-positive means 60s.
func NewServer(orch *orchestrator.Orchestrator, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	return &Server{orch: orch, requestTimeout: requestTimeout}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logging.Infof("Starting API server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type queryRequest struct {
	Query string `json:"query"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	result, err := s.orch.ProcessQuery(ctx, req.Query)
	if err != nil {
		logging.Errorf("Query processing failed: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetSystemStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
