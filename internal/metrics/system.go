package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats tracks host CPU and process memory for the health
// endpoint.
type SystemStats struct {
	mu         sync.RWMutex
	cpuPercent float64
	memStats   runtime.MemStats
	hostMem    uint64
	updatedAt  time.Time
}

func NewSystemStats() *SystemStats {
	return &SystemStats{}
}

// Update refreshes the snapshot. Callers poll this on their own
// schedule; cpu.Percent blocks for the sampling interval.
func (s *SystemStats) Update() {
	percents, err := cpu.Percent(time.Second, false)

	var hostAvailable uint64
	if vm, memErr := mem.VirtualMemory(); memErr == nil {
		hostAvailable = vm.Available
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && len(percents) > 0 {
		// Exponential moving average smooths sampling spikes.
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			s.cpuPercent = 0.3*percents[0] + 0.7*s.cpuPercent
		}
	}
	runtime.ReadMemStats(&s.memStats)
	s.hostMem = hostAvailable
	s.updatedAt = time.Now()
}

// Snapshot returns the health-endpoint view of the process.
func (s *SystemStats) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"cpu_percent":       s.cpuPercent,
		"heap_alloc_mb":     float64(s.memStats.HeapAlloc) / 1024 / 1024,
		"host_available_mb": float64(s.hostMem) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
		"gc_cycles":         s.memStats.NumGC,
		"updated_at":        s.updatedAt.UTC().Format(time.RFC3339),
	}
}
