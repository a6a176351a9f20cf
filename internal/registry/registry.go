// Package registry maintains the in-memory table of monitored agents.
//
// The registry owns agent records exclusively. All mutations commit under a
// single mutex and publish the committed copy, so realtime subscribers never
// observe an intermediate state.
package registry

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// Publisher receives state-change events for fan-out to realtime subscribers.
type Publisher interface {
	Broadcast(event string, data any)
}

// RestartDelay is how long a restarting agent stays in the restarting state
// before flipping back to active.
const RestartDelay = 2 * time.Second

// Registry is the in-memory agent table.
type Registry struct {
	mu            sync.Mutex
	agents        map[string]*types.Agent
	order         []string // insertion order for stable listings
	restartTimers map[string]*time.Timer

	pub          Publisher
	logger       *slog.Logger
	restartDelay time.Duration
	now          func() time.Time
}

// New creates an empty registry.
func New(pub Publisher, logger *slog.Logger) *Registry {
	return &Registry{
		agents:        make(map[string]*types.Agent),
		restartTimers: make(map[string]*time.Timer),
		pub:           pub,
		logger:        logger.With("component", "registry"),
		restartDelay:  RestartDelay,
		now:           time.Now,
	}
}

// Bootstrap seeds the five default agents. All start active.
func (r *Registry) Bootstrap() {
	for _, def := range []struct{ name, typ string }{
		{"Main Agent", "main"},
		{"Data Agent", "data"},
		{"Analytics Agent", "analytics"},
		{"Security Agent", "security"},
		{"Recovery Agent", "recovery"},
	} {
		agent := r.Create(def.name, def.typ, nil)
		r.setStatus(agent.ID, types.AgentStatusActive)
	}
	r.logger.Info("default agents seeded", "count", 5)
}

// Create registers a new agent. Status defaults to inactive and metrics
// start at zero.
func (r *Registry) Create(name, typ string, config map[string]any) types.Agent {
	if config == nil {
		config = map[string]any{}
	}
	now := r.now()
	agent := &types.Agent{
		ID:           uuid.New().String(),
		Name:         name,
		Type:         typ,
		Status:       types.AgentStatusInactive,
		Config:       config,
		CreatedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.order = append(r.order, agent.ID)
	snapshot := cloneAgent(agent)
	r.mu.Unlock()

	r.logger.Info("agent created", "id", agent.ID, "name", name, "type", typ)
	r.pub.Broadcast(types.EventAgentCreated, snapshot)
	return snapshot
}

// Get returns a copy of the agent, or ErrNotFound.
func (r *Registry) Get(id string) (types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return types.Agent{}, types.ErrNotFound
	}
	return cloneAgent(agent), nil
}

// List returns all agents in creation order.
func (r *Registry) List() []types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []types.Agent {
	out := make([]types.Agent, 0, len(r.order))
	for _, id := range r.order {
		if agent, ok := r.agents[id]; ok {
			out = append(out, cloneAgent(agent))
		}
	}
	return out
}

// Update applies a status change and/or a shallow config merge. New config
// keys are added, existing keys overwritten. CreatedAt never changes.
func (r *Registry) Update(id string, status *types.AgentStatus, configPatch map[string]any) (types.Agent, error) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return types.Agent{}, types.ErrNotFound
	}
	if status != nil {
		agent.Status = *status
	}
	for k, v := range configPatch {
		agent.Config[k] = v
	}
	agent.LastActivity = r.now()
	snapshot := cloneAgent(agent)
	r.mu.Unlock()

	r.pub.Broadcast(types.EventAgentUpdated, snapshot)
	return snapshot, nil
}

// Delete removes the agent entirely and cancels any pending restart timer.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.agents[id]; !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if t, ok := r.restartTimers[id]; ok {
		t.Stop()
		delete(r.restartTimers, id)
	}
	r.mu.Unlock()

	r.logger.Info("agent deleted", "id", id)
	r.pub.Broadcast(types.EventAgentDeleted, map[string]string{"id": id})
	return nil
}

// Restart flips the agent to restarting immediately and schedules the flip
// back to active. The call returns before the restart completes; callers
// must not assume the agent is active on return.
func (r *Registry) Restart(id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	agent.Status = types.AgentStatusRestarting
	agent.LastActivity = r.now()
	snapshot := cloneAgent(agent)

	if t, ok := r.restartTimers[id]; ok {
		t.Stop()
	}
	r.restartTimers[id] = time.AfterFunc(r.restartDelay, func() {
		r.completeRestart(id)
	})
	r.mu.Unlock()

	r.logger.Info("agent restarting", "id", id)
	r.pub.Broadcast(types.EventAgentUpdated, snapshot)
	return nil
}

// completeRestart is the delayed half of Restart. The agent may have been
// deleted or re-updated while the timer was pending, so it re-checks state
// before applying the transition.
func (r *Registry) completeRestart(id string) {
	r.mu.Lock()
	delete(r.restartTimers, id)
	agent, ok := r.agents[id]
	if !ok || agent.Status != types.AgentStatusRestarting {
		r.mu.Unlock()
		return
	}
	agent.Status = types.AgentStatusActive
	agent.LastActivity = r.now()
	snapshot := cloneAgent(agent)
	r.mu.Unlock()

	r.logger.Info("agent restarted", "id", id)
	r.pub.Broadcast(types.EventAgentRestarted, snapshot)
}

// Tick advances simulated activity for every agent: uptime grows by the
// tick interval, and active agents complete 0-2 tasks. Publishes the full
// list under agents_update.
func (r *Registry) Tick(interval time.Duration) {
	secs := int(interval.Seconds())

	r.mu.Lock()
	for _, agent := range r.agents {
		agent.Metrics.Uptime += secs
		if agent.Status == types.AgentStatusActive {
			agent.Metrics.TasksCompleted += rand.Intn(3)
		}
	}
	list := r.listLocked()
	r.mu.Unlock()

	r.pub.Broadcast(types.EventAgentsUpdate, list)
}

// RecordError increments the agent's error counter. Unknown ids are ignored:
// errors may reference agents that have since been deleted.
func (r *Registry) RecordError(id string) {
	r.mu.Lock()
	if agent, ok := r.agents[id]; ok {
		agent.Metrics.Errors++
	}
	r.mu.Unlock()
}

// setStatus is used by Bootstrap to activate seeded agents without
// publishing an update event.
func (r *Registry) setStatus(id string, status types.AgentStatus) {
	r.mu.Lock()
	if agent, ok := r.agents[id]; ok {
		agent.Status = status
	}
	r.mu.Unlock()
}

// cloneAgent copies an agent including its config map so published
// snapshots are immune to later mutation.
func cloneAgent(a *types.Agent) types.Agent {
	out := *a
	out.Config = make(map[string]any, len(a.Config))
	for k, v := range a.Config {
		out.Config[k] = v
	}
	return out
}
