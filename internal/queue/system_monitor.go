package queue

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemLoadMonitor tracks system load so the broker can throttle its
// worker pools under pressure instead of thrashing slow storage.
type SystemLoadMonitor struct {
	mu          sync.RWMutex
	cpuUsage    float64 // percentage 0-100
	memoryUsage float64 // percentage 0-100
	updateTime  time.Time

	numCPU int
	stopCh chan struct{}
}

// NewSystemLoadMonitor creates a new system load monitor
func NewSystemLoadMonitor() *SystemLoadMonitor {
	monitor := &SystemLoadMonitor{
		numCPU:     runtime.NumCPU(),
		updateTime: time.Now(),
		stopCh:     make(chan struct{}),
	}
	go monitor.backgroundMonitor()
	return monitor
}

// backgroundMonitor periodically refreshes system load metrics
func (m *SystemLoadMonitor) backgroundMonitor() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.updateMetrics()
		}
	}
}

// Close stops the background refresh goroutine.
func (m *SystemLoadMonitor) Close() {
	close(m.stopCh)
}

func (m *SystemLoadMonitor) updateMetrics() {
	var cpuUsage, memUsage float64

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsage = vm.UsedPercent
	}

	m.mu.Lock()
	m.cpuUsage = cpuUsage
	m.memoryUsage = memUsage
	m.updateTime = time.Now()
	m.mu.Unlock()
}

// GetMetrics returns the current system load metrics
func (m *SystemLoadMonitor) GetMetrics() (cpuUsage, memoryUsage float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpuUsage, m.memoryUsage
}

// ShouldScaleUp returns true if system conditions support parallel workers
func (m *SystemLoadMonitor) ShouldScaleUp() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cpuUsage > 90 {
		return false
	}
	if m.memoryUsage > 90 {
		return false
	}
	return true
}

// GetLoadScore returns a load score between 0-100 where higher means more loaded
func (m *SystemLoadMonitor) GetLoadScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score := m.cpuUsage*0.7 + m.memoryUsage*0.3
	if score > 100 {
		score = 100
	}
	return int(score)
}
