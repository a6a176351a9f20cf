package sampler

import (
	"testing"
	"time"
)

func TestSample_Bounds(t *testing.T) {
	s := New()

	for i := 0; i < 3; i++ {
		snap := s.Sample()
		for name, v := range map[string]float64{
			"cpu":     snap.CPU,
			"memory":  snap.Memory,
			"network": snap.Network,
			"storage": snap.Storage,
		} {
			if v < 0 || v > 100 {
				t.Errorf("%s = %v, outside 0-100", name, v)
			}
		}
		if snap.Uptime < 0 {
			t.Errorf("uptime = %d, want >= 0", snap.Uptime)
		}
	}
}

func TestSample_UptimeMonotonic(t *testing.T) {
	s := New()
	s.startTime = time.Now().Add(-10 * time.Second)

	first := s.Sample()
	if first.Uptime < 10 {
		t.Errorf("uptime = %d, want >= 10", first.Uptime)
	}

	s.startTime = s.startTime.Add(-5 * time.Second)
	second := s.Sample()
	if second.Uptime < first.Uptime {
		t.Errorf("uptime went backwards: %d -> %d", first.Uptime, second.Uptime)
	}
}

func TestLast_ReturnsWithoutMeasuring(t *testing.T) {
	s := New()

	// Before any Sample, Last serves the synthetic fallbacks.
	snap := s.Last()
	if snap.CPU == 0 && snap.Memory == 0 && snap.Storage == 0 {
		t.Error("fallback snapshot is all zeros")
	}

	measured := s.Sample()
	if got := s.Last(); got != measured {
		t.Errorf("Last() = %+v, want the last sample %+v", got, measured)
	}
}

func TestClampPct(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{0, 0},
		{50, 50},
		{100, 100},
		{150, 100},
	}
	for _, tt := range tests {
		if got := clampPct(tt.in); got != tt.want {
			t.Errorf("clampPct(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
