package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostProvider reads live measurements through gopsutil.
type HostProvider struct {
	mu        sync.Mutex
	lastTimes []CoreTimes
	procs     map[int]*process.Process
}

// NewHostProvider creates a provider for the current host.
func NewHostProvider() *HostProvider {
	return &HostProvider{procs: make(map[int]*process.Process)}
}

func (h *HostProvider) CPUCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (h *HostProvider) Memory(ctx context.Context) (*MemoryInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read virtual memory: %w", err)
	}
	return &MemoryInfo{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		FreeBytes:      vm.Free,
		UsedPercent:    vm.UsedPercent,
		Timestamp:      time.Now(),
	}, nil
}

func (h *HostProvider) CPU(ctx context.Context) (*CPUInfo, error) {
	stats, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu times: %w", err)
	}

	cur := make([]CoreTimes, len(stats))
	for i, s := range stats {
		idle := s.Idle + s.Iowait
		cur[i] = CoreTimes{
			Idle:  idle,
			Total: s.User + s.System + s.Nice + s.Irq + s.Softirq + s.Steal + idle,
		}
	}

	h.mu.Lock()
	usage := CoreUsage(h.lastTimes, cur)
	h.lastTimes = cur
	h.mu.Unlock()

	return &CPUInfo{PerCore: usage, Average: Average(usage), Timestamp: time.Now()}, nil
}

// Processes enumerates the process table once and samples the requested pids.
func (h *HostProvider) Processes(ctx context.Context, pids []int) (map[int]*ProcessInfo, error) {
	live, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	present := make(map[int32]struct{}, len(live))
	for _, pid := range live {
		present[pid] = struct{}{}
	}

	out := make(map[int]*ProcessInfo, len(pids))
	var errs []error
	for _, pid := range pids {
		if _, ok := present[int32(pid)]; !ok {
			h.forget(pid)
			continue
		}
		info, err := h.Process(ctx, pid)
		if err != nil {
			if !errors.Is(err, ErrProcessNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		out[pid] = info
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (h *HostProvider) Process(ctx context.Context, pid int) (*ProcessInfo, error) {
	p, err := h.handle(ctx, pid)
	if err != nil {
		return nil, err
	}

	// Percent(0) reports usage since the previous call on the same handle.
	cpuPct, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		h.forget(pid)
		return nil, fmt.Errorf("failed to sample cpu for pid %d: %w", pid, err)
	}
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		h.forget(pid)
		return nil, fmt.Errorf("failed to sample memory for pid %d: %w", pid, err)
	}
	memPct, _ := p.MemoryPercentWithContext(ctx)
	threads, _ := p.NumThreadsWithContext(ctx)

	return &ProcessInfo{
		PID:           pid,
		CPUPercent:    cpuPct,
		MemoryRSS:     memInfo.RSS,
		MemoryPercent: float64(memPct),
		NumThreads:    threads,
	}, nil
}

func (h *HostProvider) handle(ctx context.Context, pid int) (*process.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return nil, fmt.Errorf("failed to open pid %d: %w", pid, err)
	}
	h.procs[pid] = p
	return p, nil
}

func (h *HostProvider) forget(pid int) {
	h.mu.Lock()
	delete(h.procs, pid)
	h.mu.Unlock()
}
