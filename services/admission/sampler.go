package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler measures host load.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// HostSampler reads CPU and memory utilisation through gopsutil.
type HostSampler struct {
	// Interval is the CPU measurement window.
	Interval time.Duration
}

// NewHostSampler returns a sampler with a 100ms CPU window.
func NewHostSampler() *HostSampler {
	return &HostSampler{Interval: 100 * time.Millisecond}
}

// Sample implements Sampler.
func (h *HostSampler) Sample(ctx context.Context) (Sample, error) {
	interval := h.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	percents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}

	var s Sample
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	s.MemoryPercent = vm.UsedPercent
	return s, nil
}
