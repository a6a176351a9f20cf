// Package eventlog keeps the append-only log of classified error events.
//
// Severity is derived deterministically from the event type via a fixed
// lookup table. Low-severity events auto-resolve after a short delay unless
// resolved manually first; every other severity requires explicit
// resolution.
package eventlog

import (
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

// AutoResolveDelay is how long a low-severity event stays open before
// resolving itself.
const AutoResolveDelay = 5 * time.Second

// DefaultListLimit bounds List when the caller gives no limit.
const DefaultListLimit = 50

// severityByType is the fixed type-to-severity classification. Types not
// present classify as low.
var severityByType = map[string]types.Severity{
	types.ErrTypeSecurity: types.SeverityCritical,
	types.ErrTypeSystem:   types.SeverityHigh,
	types.ErrTypeNetwork:  types.SeverityHigh,
	types.ErrTypeRecovery: types.SeverityHigh,
	types.ErrTypeAPI:      types.SeverityMedium,
	types.ErrTypeAgent:    types.SeverityMedium,
}

// SeverityFor returns the severity for an error type per the fixed table.
func SeverityFor(errType string) types.Severity {
	if sev, ok := severityByType[errType]; ok {
		return sev
	}
	return types.SeverityLow
}

// Log is the append-only error event log.
type Log struct {
	mu            sync.Mutex
	events        []*types.ErrorEvent
	byID          map[string]*types.ErrorEvent
	resolveTimers map[string]*time.Timer

	pub              Publisher
	logger           *slog.Logger
	autoResolveDelay time.Duration
	now              func() time.Time
}

// New creates an empty event log.
func New(pub Publisher, logger *slog.Logger) *Log {
	return &Log{
		byID:             make(map[string]*types.ErrorEvent),
		resolveTimers:    make(map[string]*time.Timer),
		pub:              pub,
		logger:           logger.With("component", "eventlog"),
		autoResolveDelay: AutoResolveDelay,
		now:              time.Now,
	}
}

// Record appends a classified event. Low-severity events are scheduled for
// automatic resolution; the timer no-ops if the event was resolved manually
// in the meantime.
func (l *Log) Record(errType, message, context string) types.ErrorEvent {
	event := &types.ErrorEvent{
		ID:        uuid.New().String(),
		Type:      errType,
		Message:   message,
		Context:   context,
		Severity:  SeverityFor(errType),
		Timestamp: l.now(),
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.byID[event.ID] = event
	if event.Severity == types.SeverityLow {
		l.resolveTimers[event.ID] = time.AfterFunc(l.autoResolveDelay, func() {
			l.autoResolve(event.ID)
		})
	}
	snapshot := *event
	l.mu.Unlock()

	l.logger.Warn("error logged",
		"id", event.ID,
		"type", errType,
		"severity", event.Severity,
		"message", message,
	)
	l.pub.Broadcast(types.EventErrorLogged, snapshot)
	return snapshot
}

// Resolve marks the event resolved and stamps ResolvedAt. Resolving an
// already-resolved event re-stamps it; that is accepted, not an error.
func (l *Log) Resolve(id string) (types.ErrorEvent, error) {
	l.mu.Lock()
	event, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return types.ErrorEvent{}, types.ErrNotFound
	}
	now := l.now()
	event.Resolved = true
	event.ResolvedAt = &now
	if t, ok := l.resolveTimers[id]; ok {
		t.Stop()
		delete(l.resolveTimers, id)
	}
	snapshot := *event
	l.mu.Unlock()

	l.logger.Info("error resolved", "id", id)
	l.pub.Broadcast(types.EventErrorResolved, snapshot)
	return snapshot, nil
}

// autoResolve is the delayed resolution for low-severity events.
func (l *Log) autoResolve(id string) {
	l.mu.Lock()
	delete(l.resolveTimers, id)
	event, ok := l.byID[id]
	if !ok || event.Resolved {
		l.mu.Unlock()
		return
	}
	now := l.now()
	event.Resolved = true
	event.ResolvedAt = &now
	snapshot := *event
	l.mu.Unlock()

	l.logger.Info("error auto-resolved", "id", id)
	l.pub.Broadcast(types.EventErrorResolved, snapshot)
}

// List returns the most recent limit events in chronological order, most
// recent last, optionally filtered by exact type.
func (l *Log) List(limit int, typeFilter string) []types.ErrorEvent {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	filtered := make([]types.ErrorEvent, 0, len(l.events))
	for _, e := range l.events {
		if typeFilter != "" && e.Type != typeFilter {
			continue
		}
		filtered = append(filtered, *e)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// UnresolvedCritical returns every critical event still open, oldest first.
// The recovery sweep consumes this as one consistent snapshot.
func (l *Log) UnresolvedCritical() []types.ErrorEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.ErrorEvent
	for _, e := range l.events {
		if e.Severity == types.SeverityCritical && !e.Resolved {
			out = append(out, *e)
		}
	}
	return out
}

// HasRecentUnresolvedCritical reports whether any critical event logged
// within the window is still unresolved. Drives the dashboard overall
// status.
func (l *Log) HasRecentUnresolvedCritical(window time.Duration) bool {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.events {
		if e.Severity == types.SeverityCritical && !e.Resolved && e.Timestamp.After(cutoff) {
			return true
		}
	}
	return false
}
