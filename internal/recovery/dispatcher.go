// Package recovery turns unresolved critical errors into remedial actions.
//
// Each sweep creates exactly one action per unresolved critical error
// present at sweep time and executes it immediately. Failed actions are
// recorded, never retried; a still-unresolved error gets a fresh action on
// the next sweep. This at-most-once-per-sweep policy is deliberate.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// Publisher receives state-change events for fan-out to realtime subscribers.
type Publisher interface {
	Broadcast(event string, data any)
}

// ErrorSource supplies the unresolved critical errors a sweep acts on.
type ErrorSource interface {
	UnresolvedCritical() []types.ErrorEvent
}

// CommandRunner executes one remedial command.
type CommandRunner interface {
	Run(ctx context.Context, cmd types.Command) (string, error)
}

// commandForType maps error categories to remedial commands. Unmapped
// categories fall back to a config reload.
func commandForType(errType string, errContext string) types.Command {
	switch errType {
	case types.ErrTypeAgent:
		return types.Command{Type: types.CommandAgentRestart, AgentID: errContext}
	case types.ErrTypeSecurity:
		return types.Command{Type: types.CommandConfigReload}
	default:
		return types.Command{Type: types.CommandConfigReload}
	}
}

// Dispatcher owns the recovery action list.
type Dispatcher struct {
	mu      sync.Mutex
	actions []*types.RecoveryAction
	byID    map[string]*types.RecoveryAction

	errors ErrorSource
	runner CommandRunner
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(errors ErrorSource, runner CommandRunner, pub Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		byID:   make(map[string]*types.RecoveryAction),
		errors: errors,
		runner: runner,
		pub:    pub,
		logger: logger.With("component", "recovery"),
		now:    time.Now,
	}
}

// Sweep scans for unresolved critical errors, creates one pending action
// per error, and executes each immediately. Returns the actions in their
// terminal state.
func (d *Dispatcher) Sweep(ctx context.Context) []types.RecoveryAction {
	open := d.errors.UnresolvedCritical()
	if len(open) == 0 {
		return nil
	}

	d.logger.Info("recovery sweep", "unresolved_critical", len(open))

	out := make([]types.RecoveryAction, 0, len(open))
	for _, event := range open {
		action := d.createAction(event)
		executed, err := d.Execute(ctx, action.ID)
		if err != nil {
			// Execute only errors on unknown ids; the action was just created.
			d.logger.Error("sweep execute failed", "action_id", action.ID, "error", err)
			continue
		}
		out = append(out, executed)
	}
	return out
}

// createAction appends a pending action for the given error.
func (d *Dispatcher) createAction(event types.ErrorEvent) types.RecoveryAction {
	action := &types.RecoveryAction{
		ID:          uuid.New().String(),
		Type:        "auto_recovery",
		Description: fmt.Sprintf("auto recovery for %s: %s", event.Type, event.Message),
		Command:     commandForType(event.Type, event.Context),
		Status:      types.ActionPending,
		ErrorID:     event.ID,
		CreatedAt:   d.now(),
	}

	d.mu.Lock()
	d.actions = append(d.actions, action)
	d.byID[action.ID] = action
	snapshot := *action
	d.mu.Unlock()
	return snapshot
}

// Execute runs a pending action through its command and records the
// outcome. Command failure is captured on the action, not returned; the
// only error is an unknown action id.
func (d *Dispatcher) Execute(ctx context.Context, id string) (types.RecoveryAction, error) {
	d.mu.Lock()
	action, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return types.RecoveryAction{}, types.ErrNotFound
	}
	started := d.now()
	action.Status = types.ActionExecuting
	action.StartedAt = &started
	cmd := action.Command
	d.mu.Unlock()

	result, runErr := d.runner.Run(ctx, cmd)

	d.mu.Lock()
	finished := d.now()
	if runErr != nil {
		action.Status = types.ActionFailed
		action.FailedAt = &finished
		action.Error = runErr.Error()
	} else {
		action.Status = types.ActionCompleted
		action.CompletedAt = &finished
		action.Result = result
	}
	snapshot := *action
	d.mu.Unlock()

	if runErr != nil {
		d.logger.Error("recovery action failed", "id", id, "error", runErr)
		d.pub.Broadcast(types.EventRecoveryFailed, snapshot)
	} else {
		d.logger.Info("recovery action completed", "id", id, "result", result)
		d.pub.Broadcast(types.EventRecoveryComplete, snapshot)
	}
	return snapshot, nil
}

// Get returns a copy of one action, or ErrNotFound.
func (d *Dispatcher) Get(id string) (types.RecoveryAction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	action, ok := d.byID[id]
	if !ok {
		return types.RecoveryAction{}, types.ErrNotFound
	}
	return *action, nil
}

// List returns all actions, oldest first.
func (d *Dispatcher) List() []types.RecoveryAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.RecoveryAction, len(d.actions))
	for i, a := range d.actions {
		out[i] = *a
	}
	return out
}
