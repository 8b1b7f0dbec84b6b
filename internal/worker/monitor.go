package worker

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// emaAlpha smooths CPU samples so one spike does not dominate the
// stats line.
const emaAlpha = 0.3

// Snapshot is one sample of system and runtime resource usage.
type Snapshot struct {
	CPUPercent     float64
	MemUsedPercent float64
	HeapMB         float64
	Goroutines     int
}

// Monitor tracks resource usage for the pool's periodic stats line.
type Monitor struct {
	mu     sync.Mutex
	cpuEMA float64
	seeded bool
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Sample returns current resource usage. CPU is measured since the
// previous call (interval 0) and smoothed with an exponential moving
// average.
func (m *Monitor) Sample() Snapshot {
	snap := Snapshot{Goroutines: runtime.NumGoroutine()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapMB = float64(ms.HeapAlloc) / 1024 / 1024

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.mu.Lock()
		if !m.seeded {
			m.cpuEMA = pcts[0]
			m.seeded = true
		} else {
			m.cpuEMA = emaAlpha*pcts[0] + (1-emaAlpha)*m.cpuEMA
		}
		snap.CPUPercent = m.cpuEMA
		m.mu.Unlock()
	}

	return snap
}
