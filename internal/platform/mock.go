package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a scriptable Provider for tests.
type MockProvider struct {
	mu sync.RWMutex

	cpus        int
	memory      MemoryInfo
	cpuUsage    []float64
	processes   map[int]*ProcessInfo
	batchErr    error
	processErrs map[int]error

	batchCalls  int
	singleCalls int
}

// NewMockProvider creates a mock with the given core count and 0% usage.
func NewMockProvider(cpus int) *MockProvider {
	return &MockProvider{
		cpus:        cpus,
		memory:      MemoryInfo{TotalBytes: 8 << 30, AvailableBytes: 8 << 30, FreeBytes: 8 << 30},
		cpuUsage:    make([]float64, cpus),
		processes:   make(map[int]*ProcessInfo),
		processErrs: make(map[int]error),
	}
}

// SetMemoryPercent sets system memory utilization.
func (m *MockProvider) SetMemoryPercent(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := uint64(float64(m.memory.TotalBytes) * pct / 100)
	m.memory.UsedBytes = used
	m.memory.FreeBytes = m.memory.TotalBytes - used
	m.memory.AvailableBytes = m.memory.FreeBytes
	m.memory.UsedPercent = pct
}

// SetCPU sets per-core usage.
func (m *MockProvider) SetCPU(perCore ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuUsage = append([]float64(nil), perCore...)
}

// SetProcess records the sample returned for pid.
func (m *MockProvider) SetProcess(info ProcessInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[info.PID] = &info
}

// FailBatch makes Processes return err.
func (m *MockProvider) FailBatch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchErr = err
}

// FailProcess makes sampling pid return err.
func (m *MockProvider) FailProcess(pid int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processErrs[pid] = err
}

// Calls returns how many batched and single samples were taken.
func (m *MockProvider) Calls() (batch, single int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchCalls, m.singleCalls
}

func (m *MockProvider) CPUCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpus
}

func (m *MockProvider) Memory(ctx context.Context) (*MemoryInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := m.memory
	info.Timestamp = time.Now()
	return &info, nil
}

func (m *MockProvider) CPU(ctx context.Context) (*CPUInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perCore := append([]float64(nil), m.cpuUsage...)
	return &CPUInfo{PerCore: perCore, Average: Average(perCore), Timestamp: time.Now()}, nil
}

func (m *MockProvider) Processes(ctx context.Context, pids []int) (map[int]*ProcessInfo, error) {
	m.mu.Lock()
	m.batchCalls++
	batchErr := m.batchErr
	m.mu.Unlock()
	if batchErr != nil {
		return nil, batchErr
	}

	out := make(map[int]*ProcessInfo, len(pids))
	for _, pid := range pids {
		m.mu.RLock()
		info, ok := m.processes[pid]
		_, failing := m.processErrs[pid]
		m.mu.RUnlock()
		if ok && !failing {
			cp := *info
			out[pid] = &cp
		}
	}
	return out, nil
}

func (m *MockProvider) Process(ctx context.Context, pid int) (*ProcessInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singleCalls++
	if err, ok := m.processErrs[pid]; ok {
		return nil, err
	}
	info, ok := m.processes[pid]
	if !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	cp := *info
	return &cp, nil
}
