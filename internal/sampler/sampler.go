// Package sampler measures host resource utilization for the status server.
//
// Sampling never fails: every gopsutil call is guarded, and a measurement
// error falls back to the previous snapshot's value (or a synthetic
// mid-range estimate before the first good read). Failures are deliberately
// silent; metrics are best-effort telemetry, not alerting input.
package sampler

import (
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

// nominalLinkBytesPerSec anchors the network utilization estimate
// (1 Gbit/s full duplex).
const nominalLinkBytesPerSec = 125_000_000

// Sampler produces MetricsSnapshots on demand.
type Sampler struct {
	mu        sync.Mutex
	last      types.MetricsSnapshot
	lastNet   netCounters
	startTime time.Time
	now       func() time.Time
}

type netCounters struct {
	bytes uint64
	at    time.Time
}

// New creates a sampler. The snapshot's uptime counts from this call.
func New() *Sampler {
	return &Sampler{
		// Synthetic fallbacks until the first successful measurement.
		last: types.MetricsSnapshot{
			CPU:     25,
			Memory:  40,
			Network: 5,
			Storage: 50,
		},
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Sample measures and returns the current snapshot. It never returns an
// error; individual measurement failures reuse the last known value.
func (s *Sampler) Sample() types.MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.last

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPU = clampPct(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		snap.Memory = clampPct(float64(vm.Total-vm.Available) / float64(vm.Total) * 100)
	}
	if usage, err := disk.Usage("/"); err == nil {
		snap.Storage = clampPct(usage.UsedPercent)
	}
	snap.Network = s.sampleNetworkLocked(snap.Network)
	snap.Uptime = int64(s.now().Sub(s.startTime).Seconds())

	s.last = snap
	return snap
}

// Last returns the most recent snapshot without re-measuring.
func (s *Sampler) Last() types.MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// sampleNetworkLocked estimates link utilization from aggregate interface
// byte-counter deltas against a nominal 1 Gbit/s link. The first call has
// no previous counters and keeps the fallback value.
func (s *Sampler) sampleNetworkLocked(fallback float64) float64 {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return fallback
	}

	total := counters[0].BytesSent + counters[0].BytesRecv
	now := s.now()
	prev := s.lastNet
	s.lastNet = netCounters{bytes: total, at: now}

	if prev.at.IsZero() || total < prev.bytes {
		return fallback
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return fallback
	}
	rate := float64(total-prev.bytes) / elapsed
	return clampPct(rate / nominalLinkBytesPerSec * 100)
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
