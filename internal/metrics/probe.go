package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Probe reads host utilization, both as percentages in [0,100].
type Probe interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// SystemProbe reads the host's CPU and memory usage through gopsutil.
type SystemProbe struct{}

// CPUPercent returns CPU usage since the previous call.
func (SystemProbe) CPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("read cpu usage: %w", err)
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}

// MemoryPercent returns used physical memory.
func (SystemProbe) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory usage: %w", err)
	}
	return vm.UsedPercent, nil
}

// CachedProbe serves readings from an inner probe at most once per interval.
// The overload check runs for every message, so the host is not sampled on
// each call.
type CachedProbe struct {
	inner    Probe
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cpu       float64
	mem       float64
	cpuReadAt time.Time
	memReadAt time.Time
}

func NewCachedProbe(inner Probe, interval time.Duration) *CachedProbe {
	return &CachedProbe{inner: inner, interval: interval, now: time.Now}
}

func (p *CachedProbe) CPUPercent(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.cpuReadAt.IsZero() && now.Sub(p.cpuReadAt) < p.interval {
		return p.cpu, nil
	}
	v, err := p.inner.CPUPercent(ctx)
	if err != nil {
		return p.cpu, err
	}
	p.cpu, p.cpuReadAt = v, now
	return v, nil
}

func (p *CachedProbe) MemoryPercent(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.memReadAt.IsZero() && now.Sub(p.memReadAt) < p.interval {
		return p.mem, nil
	}
	v, err := p.inner.MemoryPercent(ctx)
	if err != nil {
		return p.mem, err
	}
	p.mem, p.memReadAt = v, now
	return v, nil
}
