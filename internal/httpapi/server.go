// Package httpapi exposes the daemon's control surface: task creation,
// dispatch triggering, tool discovery and health.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/accord-labs/relay/internal/dispatch"
	"github.com/accord-labs/relay/internal/mcp"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/promoter"
	"github.com/accord-labs/relay/internal/secrets"
	"github.com/accord-labs/relay/internal/shared"
)

type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatch.Dispatcher
	Prober     *mcp.Prober
	Promoter   *promoter.Promoter
	Vault      *secrets.Vault
	Logger     *slog.Logger

	// AuthToken, when set, requires Bearer auth on every route except health.
	AuthToken string

	// DiscoveryTimeout bounds one probe handshake. Zero uses the prober default.
	DiscoveryTimeout time.Duration
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "httpapi")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/tools/", s.handleToolByID)
	mux.HandleFunc("/v1/promoter/sweep", s.handlePromoterSweep)
	return mux
}

// handlePromoterSweep runs one aggregator promotion pass on demand, outside
// the cron cadence. Useful after resolving a stuck fan-out by hand.
func (s *Server) handlePromoterSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Promoter == nil {
		http.Error(w, "promoter disabled", http.StatusConflict)
		return
	}
	promoted, err := s.cfg.Promoter.Sweep(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": promoted})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createTaskRequest struct {
	Message      string         `json:"message"`
	AgentID      string         `json:"agent_id,omitempty"`
	MasterTaskID string         `json:"master_task_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	// Dispatch triggers an asynchronous execution attempt right after creation.
	Dispatch bool `json:"dispatch,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	task := &persistence.Task{
		AgentID:      req.AgentID,
		MasterTaskID: req.MasterTaskID,
		Status:       persistence.TaskStatusPending,
		Input:        map[string]any{"message": req.Message},
		Context:      req.Context,
	}
	id, err := s.cfg.Store.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("task created", "task_id", id, "agent_id", req.AgentID, "dispatch", req.Dispatch)

	if req.Dispatch {
		go func() {
			ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
			result := s.cfg.Dispatcher.Dispatch(ctx, id)
			if result.Status == "error" || result.Status == "failed" {
				s.logger.Warn("async dispatch did not complete",
					"task_id", id, "status", result.Status, "message", result.Message)
			}
		}()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id, "status": string(task.Status)})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "messages" && r.Method == http.MethodGet:
		s.getTaskMessages(w, r, taskID)
	case action == "dispatch" && r.Method == http.MethodPost:
		s.dispatchTask(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskMessages(w http.ResponseWriter, r *http.Request, taskID string) {
	messages, err := s.cfg.Store.ListTaskMessages(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "messages": messages})
}

// dispatchTask runs one synchronous execution attempt and reports the outcome
// as one of the fixed response unions.
func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request, taskID string) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	result := s.cfg.Dispatcher.Dispatch(ctx, taskID)

	switch result.Status {
	case "completed":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "response": result.Response})
	case "handoff":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "handoff": true, "response": result.Response})
	case "skipped":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "skipped": true, "message": result.Message})
	case "failed":
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": result.Message})
	default:
		body := map[string]any{"error": result.Message}
		if result.ReviewID != "" {
			body["review_id"] = result.ReviewID
		}
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

type discoverRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleToolByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tools/")
	toolID, action, _ := strings.Cut(rest, "/")
	if toolID == "" || action != "discover" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.discoverTool(w, r, toolID)
}

// discoverTool runs the protocol handshake against an mcp_server tool and
// caches the sub-tools it finds.
func (s *Server) discoverTool(w http.ResponseWriter, r *http.Request, toolID string) {
	tool, err := s.cfg.Store.GetTool(r.Context(), toolID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tool == nil {
		http.Error(w, "tool not found", http.StatusNotFound)
		return
	}
	cfg, err := tool.MCPServerConfig()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req discoverRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	timeout := s.cfg.DiscoveryTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	credential := ""
	if tool.CredentialRef != "" {
		credential, err = s.cfg.Vault.Resolve(tool.CredentialRef)
		if err != nil {
			http.Error(w, "resolve credential: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	result, probeErr := s.cfg.Prober.Probe(r.Context(), mcp.ProbeRequest{
		URL:        cfg.URL,
		Credential: credential,
		Timeout:    timeout,
		ToolID:     tool.ID,
	})
	if probeErr != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{"code": probeErr.Code, "message": probeErr.Message},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_count":  result.ToolCount,
		"latency_ms":  result.Latency.Milliseconds(),
		"server_name": result.ServerName,
	})
}
