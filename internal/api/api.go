// Package api provides the HTTP facade over the status server components.
//
// # Endpoints
//
// Status API:
//   - GET  /api/v1/health - Health check
//   - GET  /api/v1/dashboard - Aggregate dashboard view
//   - GET  /api/v1/metrics - Current host metrics snapshot
//
// Agent API:
//   - GET    /api/v1/agents - List agents
//   - POST   /api/v1/agents - Create agent
//   - GET    /api/v1/agents/{id} - Get agent
//   - PUT    /api/v1/agents/{id} - Update status/config
//   - DELETE /api/v1/agents/{id} - Delete agent
//   - POST   /api/v1/agents/{id}/restart - Restart agent
//
// Error API:
//   - GET  /api/v1/errors?limit=&type= - List error events
//   - POST /api/v1/errors - Report an error event
//   - POST /api/v1/errors/resolve - Resolve an error event
//
// Recovery API:
//   - GET  /api/v1/recovery - List recovery actions
//   - POST /api/v1/recovery/execute - Execute an action by id
//   - POST /api/v1/recovery/auto - Trigger a sweep on demand
//
// Operations API:
//   - GET  /api/v1/files?path= - Scan a directory
//   - POST /api/v1/files/process - Read/delete/backup a file
//   - GET  /api/v1/config - Runtime config snapshot
//   - PUT  /api/v1/config - Merge runtime config
//   - POST /api/v1/system/command - Execute a system command
//   - POST /api/v1/events - Manual broadcast injection
//
// Realtime:
//   - GET /api/v1/ws - WebSocket upgrade
//
// The facade holds no business logic: every handler calls into a component
// and maps its result to JSON. ErrNotFound maps to 404, validation
// failures to 400, everything else to 500 with a generic message.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nimbus-ops/agent-mon/internal/command"
	"github.com/nimbus-ops/agent-mon/internal/config"
	"github.com/nimbus-ops/agent-mon/internal/eventlog"
	"github.com/nimbus-ops/agent-mon/internal/recovery"
	"github.com/nimbus-ops/agent-mon/internal/registry"
	"github.com/nimbus-ops/agent-mon/internal/sampler"
	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// warningWindow is how long an unresolved critical error keeps the
// dashboard overall status at warning.
const warningWindow = 5 * time.Minute

// Publisher receives manually injected broadcast events.
type Publisher interface {
	Broadcast(event string, data any)
}

// Server is the HTTP API server.
type Server struct {
	sampler  *sampler.Sampler
	agents   *registry.Registry
	errors   *eventlog.Log
	recovery *recovery.Dispatcher
	runner   *command.Runner
	runtime  *config.Runtime
	pub      Publisher
	ws       http.Handler

	logger    *slog.Logger
	mux       *http.ServeMux
	startTime time.Time
}

// NewServer creates a new API server. ws may be nil when the WebSocket
// endpoint is not mounted (tests).
func NewServer(
	smp *sampler.Sampler,
	agents *registry.Registry,
	errLog *eventlog.Log,
	rec *recovery.Dispatcher,
	runner *command.Runner,
	runtime *config.Runtime,
	pub Publisher,
	ws http.Handler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		sampler:   smp,
		agents:    agents,
		errors:    errLog,
		recovery:  rec,
		runner:    runner,
		runtime:   runtime,
		pub:       pub,
		ws:        ws,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Status
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)

	// Agents
	s.mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/v1/agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PUT /api/v1/agents/{id}", s.handleUpdateAgent)
	s.mux.HandleFunc("DELETE /api/v1/agents/{id}", s.handleDeleteAgent)
	s.mux.HandleFunc("POST /api/v1/agents/{id}/restart", s.handleRestartAgent)

	// Errors
	s.mux.HandleFunc("GET /api/v1/errors", s.handleListErrors)
	s.mux.HandleFunc("POST /api/v1/errors", s.handleReportError)
	s.mux.HandleFunc("POST /api/v1/errors/resolve", s.handleResolveError)

	// Recovery
	s.mux.HandleFunc("GET /api/v1/recovery", s.handleListRecovery)
	s.mux.HandleFunc("POST /api/v1/recovery/execute", s.handleExecuteRecovery)
	s.mux.HandleFunc("POST /api/v1/recovery/auto", s.handleAutoRecovery)

	// Operations
	s.mux.HandleFunc("GET /api/v1/files", s.handleScanFiles)
	s.mux.HandleFunc("POST /api/v1/files/process", s.handleProcessFile)
	s.mux.HandleFunc("GET /api/v1/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/v1/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/v1/system/command", s.handleSystemCommand)
	s.mux.HandleFunc("POST /api/v1/events", s.handleInjectEvent)

	// Realtime
	if s.ws != nil {
		s.mux.Handle("GET /api/v1/ws", s.ws)
	}
}

// =============================================================================
// STATUS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"version":   Version,
	})
}

// systemStatus derives the dashboard operational flags. The subsystem
// flags are static in this design; only overall is computed.
func (s *Server) systemStatus() types.SystemStatus {
	overall := "operational"
	if s.errors.HasRecentUnresolvedCritical(warningWindow) {
		overall = "warning"
	}
	return types.SystemStatus{
		Overall:  overall,
		Database: "ok",
		API:      "ok",
		Security: "ok",
		Backup:   "ok",
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	actions := s.recovery.List()
	if len(actions) > 5 {
		actions = actions[len(actions)-5:]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":  s.sampler.Sample(),
		"agents":   s.agents.List(),
		"errors":   s.errors.List(10, ""),
		"recovery": actions,
		"status":   s.systemStatus(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sampler.Sample())
}

// =============================================================================
// AGENTS
// =============================================================================

type createAgentRequest struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	agent := s.agents.Create(req.Name, req.Type, req.Config)
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		s.writeComponentError(w, err, "failed to get agent")
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Status *types.AgentStatus `json:"status"`
	Config map[string]any     `json:"config"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case types.AgentStatusInactive, types.AgentStatusActive, types.AgentStatusRestarting:
		default:
			s.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}

	id := r.PathValue("id")

	// Setting status to restarting through the API goes down the restart
	// path so the agent flips back to active on its own.
	if req.Status != nil && *req.Status == types.AgentStatusRestarting {
		if err := s.agents.Restart(id); err != nil {
			s.writeComponentError(w, err, "failed to restart agent")
			return
		}
		if len(req.Config) > 0 {
			if _, err := s.agents.Update(id, nil, req.Config); err != nil {
				s.writeComponentError(w, err, "failed to update agent")
				return
			}
		}
		agent, err := s.agents.Get(id)
		if err != nil {
			s.writeComponentError(w, err, "failed to get agent")
			return
		}
		s.writeJSON(w, http.StatusOK, agent)
		return
	}

	agent, err := s.agents.Update(id, req.Status, req.Config)
	if err != nil {
		s.writeComponentError(w, err, "failed to update agent")
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Delete(r.PathValue("id")); err != nil {
		s.writeComponentError(w, err, "failed to delete agent")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Restart(r.PathValue("id")); err != nil {
		s.writeComponentError(w, err, "failed to restart agent")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

// =============================================================================
// ERRORS
// =============================================================================

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events := s.errors.List(limit, r.URL.Query().Get("type"))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"errors": events,
		"count":  len(events),
	})
}

type reportErrorRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Context string `json:"context"`
}

func (s *Server) handleReportError(w http.ResponseWriter, r *http.Request) {
	var req reportErrorRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "type and message are required")
		return
	}
	event := s.errors.Record(req.Type, req.Message, req.Context)
	// Agent errors carry the agent id in context; count them against the
	// agent's error metric. Unknown ids are ignored by the registry.
	if req.Type == types.ErrTypeAgent && req.Context != "" {
		s.agents.RecordError(req.Context)
	}
	s.writeJSON(w, http.StatusCreated, event)
}

type resolveErrorRequest struct {
	ErrorID string `json:"errorId"`
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	var req resolveErrorRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ErrorID == "" {
		s.writeError(w, http.StatusBadRequest, "errorId is required")
		return
	}
	event, err := s.errors.Resolve(req.ErrorID)
	if err != nil {
		s.writeComponentError(w, err, "failed to resolve error")
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

// =============================================================================
// RECOVERY
// =============================================================================

func (s *Server) handleListRecovery(w http.ResponseWriter, r *http.Request) {
	actions := s.recovery.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

type executeRecoveryRequest struct {
	ActionID string `json:"actionId"`
}

func (s *Server) handleExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	var req executeRecoveryRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActionID == "" {
		s.writeError(w, http.StatusBadRequest, "actionId is required")
		return
	}
	action, err := s.recovery.Execute(r.Context(), req.ActionID)
	if err != nil {
		s.writeComponentError(w, err, "failed to execute action")
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleAutoRecovery(w http.ResponseWriter, r *http.Request) {
	actions := s.recovery.Sweep(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"actions": actions,
		"count":   len(actions),
	})
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Server) handleScanFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.runner.ScanDir(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

type processFileRequest struct {
	FilePath string `json:"filePath"`
	Action   string `json:"action"`
}

func (s *Server) handleProcessFile(w http.ResponseWriter, r *http.Request) {
	var req processFileRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FilePath == "" || req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "filePath and action are required")
		return
	}
	result, err := s.runner.RunFileOp(req.FilePath, req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"config": s.runtime.Snapshot()})
}

type putConfigRequest struct {
	Config map[string]any `json:"config"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req putConfigRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Config == nil {
		s.writeError(w, http.StatusBadRequest, "config is required")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"config": s.runtime.Merge(req.Config)})
}

type systemCommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (s *Server) handleSystemCommand(w http.ResponseWriter, r *http.Request) {
	var req systemCommandRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	result, err := s.runner.Run(r.Context(), types.Command{
		Type:    types.CommandSystem,
		Command: req.Command,
		Args:    req.Args,
	})
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

type injectEventRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	var req injectEventRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	s.pub.Broadcast(req.Type, req.Data)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast"})
}

// =============================================================================
// HUB BACKEND
// =============================================================================

// The server doubles as the hub's command backend: WebSocket commands read
// the same components the HTTP handlers do.

func (s *Server) Metrics() types.MetricsSnapshot { return s.sampler.Sample() }

func (s *Server) Agents() []types.Agent { return s.agents.List() }

func (s *Server) Errors(limit int, typeFilter string) []types.ErrorEvent {
	return s.errors.List(limit, typeFilter)
}

func (s *Server) ExecuteAction(ctx context.Context, actionID string) (types.RecoveryAction, error) {
	return s.recovery.Execute(ctx, actionID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeComponentError maps component errors to status codes: ErrNotFound
// becomes 404, anything else a generic 500.
func (s *Server) writeComponentError(w http.ResponseWriter, err error, generic string) {
	if errors.Is(err, types.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error(generic, "error", err)
	s.writeError(w, http.StatusInternalServerError, generic)
}
