// Package worker runs the periodic timers driving the status server:
// metrics sampling, agent activity ticks, and the recovery sweep.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// Publisher receives state-change events for fan-out to realtime subscribers.
type Publisher interface {
	Broadcast(event string, data any)
}

// MetricsSampler produces the current host metrics snapshot.
type MetricsSampler interface {
	Sample() types.MetricsSnapshot
}

// AgentTicker advances simulated agent activity.
type AgentTicker interface {
	Tick(interval time.Duration)
}

// RecoverySweeper scans unresolved critical errors into recovery actions.
type RecoverySweeper interface {
	Sweep(ctx context.Context) []types.RecoveryAction
}

// Config holds the three timer intervals.
type Config struct {
	MetricsInterval       time.Duration
	AgentTickInterval     time.Duration
	RecoverySweepInterval time.Duration
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:       5 * time.Second,
		AgentTickInterval:     10 * time.Second,
		RecoverySweepInterval: 30 * time.Second,
	}
}

// Worker owns the periodic timers. Tick bodies run through a recover
// wrapper so a panic cannot kill the loop. The recovery sweep runs on its
// own goroutine: it may shell out for up to the command exec timeout, and
// metrics sampling and broadcast must keep going for that whole time.
type Worker struct {
	sampler  MetricsSampler
	agents   AgentTicker
	recovery RecoverySweeper
	pub      Publisher
	config   Config
	logger   *slog.Logger
	stopCh   chan struct{}

	sweeping atomic.Bool
}

// New creates a worker.
func New(sampler MetricsSampler, agents AgentTicker, recovery RecoverySweeper, pub Publisher, config Config, logger *slog.Logger) *Worker {
	return &Worker{
		sampler:  sampler,
		agents:   agents,
		recovery: recovery,
		pub:      pub,
		config:   config,
		logger:   logger.With("component", "worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the worker in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) run(ctx context.Context) {
	w.logger.Info("worker started",
		"metrics_interval", w.config.MetricsInterval,
		"agent_tick_interval", w.config.AgentTickInterval,
		"recovery_sweep_interval", w.config.RecoverySweepInterval,
	)

	metricsTicker := time.NewTicker(w.config.MetricsInterval)
	agentTicker := time.NewTicker(w.config.AgentTickInterval)
	sweepTicker := time.NewTicker(w.config.RecoverySweepInterval)
	defer metricsTicker.Stop()
	defer agentTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("worker stopping (stop signal)")
			return
		case <-metricsTicker.C:
			w.safe("metrics", func() {
				w.pub.Broadcast(types.EventMetricsUpdate, w.sampler.Sample())
			})
		case <-agentTicker.C:
			w.safe("agent_tick", func() {
				w.agents.Tick(w.config.AgentTickInterval)
			})
		case <-sweepTicker.C:
			if !w.sweeping.CompareAndSwap(false, true) {
				w.logger.Debug("previous recovery sweep still running, skipping tick")
				continue
			}
			go func() {
				defer w.sweeping.Store(false)
				w.safe("recovery_sweep", func() {
					w.recovery.Sweep(ctx)
				})
			}()
		}
	}
}

// safe runs one tick body and absorbs panics so a bad tick cannot kill
// the timer loop.
func (w *Worker) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("tick panicked", "tick", name, "panic", r)
		}
	}()
	fn()
}
