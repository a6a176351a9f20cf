// Package types defines the core domain types shared between the status
// server components and its API consumers.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API and WebSocket transport
// 3. Wire compatibility: JSON field names match what dashboard and CLI clients expect
package types

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an agent, error event, or recovery action
// does not exist. The HTTP facade maps it to 404.
var ErrNotFound = errors.New("not found")

// =============================================================================
// AGENT
// =============================================================================

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusInactive   AgentStatus = "inactive"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusRestarting AgentStatus = "restarting"
)

// Agent is a named, typed unit in the registry representing a monitored
// worker. Agents carry no computational behavior here beyond status and
// simulated activity metrics.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Status       AgentStatus    `json:"status"`
	Config       map[string]any `json:"config"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Metrics      AgentMetrics   `json:"metrics"`
}

// AgentMetrics tracks simulated activity counters for an agent.
type AgentMetrics struct {
	TasksCompleted int `json:"tasksCompleted"`
	Errors         int `json:"errors"`
	Uptime         int `json:"uptime"` // seconds
}

// =============================================================================
// ERROR EVENTS
// =============================================================================

// Severity is a fixed classification derived deterministically from an
// error's type string.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Well-known error type categories. Callers may log free-form types,
// which classify as low severity.
const (
	ErrTypeAPI      = "API_ERROR"
	ErrTypeSystem   = "SYSTEM_ERROR"
	ErrTypeAgent    = "AGENT_ERROR"
	ErrTypeNetwork  = "NETWORK_ERROR"
	ErrTypeSecurity = "SECURITY_ERROR"
	ErrTypeRecovery = "RECOVERY_ERROR"
)

// ErrorEvent is one classified entry in the append-only error log.
type ErrorEvent struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	Context    string     `json:"context,omitempty"`
	Severity   Severity   `json:"severity"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// =============================================================================
// RECOVERY
// =============================================================================

// ActionStatus tracks a recovery action through its lifecycle.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// CommandType discriminates the remedial command union.
type CommandType string

const (
	CommandSystem       CommandType = "system_command"
	CommandFileOp       CommandType = "file_operation"
	CommandAgentRestart CommandType = "agent_restart"
	CommandConfigReload CommandType = "config_reload"
)

// Command is a tagged union of remedial directives. Type selects the
// variant; only the fields belonging to that variant are populated.
type Command struct {
	Type CommandType `json:"type"`

	// system_command
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// file_operation
	Path   string `json:"path,omitempty"`
	Action string `json:"action,omitempty"` // read|delete|backup

	// agent_restart
	AgentID string `json:"agentId,omitempty"`
}

// RecoveryAction is a scheduled remedial command triggered by an
// unresolved critical error. Terminal states are completed or failed;
// actions are never re-queued automatically.
type RecoveryAction struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"` // always "auto_recovery"
	Description string       `json:"description"`
	Command     Command      `json:"command"`
	Status      ActionStatus `json:"status"`
	ErrorID     string       `json:"errorId"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	FailedAt    *time.Time   `json:"failedAt,omitempty"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// =============================================================================
// METRICS
// =============================================================================

// MetricsSnapshot is the most recent host resource sample. Percentages are
// 0-100; uptime is process seconds. No history is retained server-side.
type MetricsSnapshot struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
	Storage float64 `json:"storage"`
	Uptime  int64   `json:"uptime"`
}

// =============================================================================
// SYSTEM STATUS
// =============================================================================

// SystemStatus is the derived operational summary shown on the dashboard.
// The fixed subsystem flags report static values in this design; Overall is
// computed from recent unresolved critical errors.
type SystemStatus struct {
	Overall  string `json:"overall"` // operational|warning
	Database string `json:"database"`
	API      string `json:"api"`
	Security string `json:"security"`
	Backup   string `json:"backup"`
}

// =============================================================================
// REALTIME EVENTS
// =============================================================================

// Event type names pushed to WebSocket subscribers and the Redis mirror.
const (
	EventConnection       = "connection"
	EventMetricsUpdate    = "metrics_update"
	EventAgentCreated     = "agent_created"
	EventAgentUpdated     = "agent_updated"
	EventAgentDeleted     = "agent_deleted"
	EventAgentRestarted   = "agent_restarted"
	EventAgentsUpdate     = "agents_update"
	EventErrorLogged      = "error_logged"
	EventErrorResolved    = "error_resolved"
	EventRecoveryComplete = "recovery_action_completed"
	EventRecoveryFailed   = "recovery_action_failed"
)
