package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats is a point-in-time snapshot of process health, served by the
// /health endpoint.
type SystemStats struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Goroutines int       `json:"goroutines"`
	SampledAt  time.Time `json:"sampled_at"`
}

// SystemSampler periodically samples process CPU, memory, and goroutine
// counts, publishing them as Prometheus gauges and keeping the latest
// snapshot for health reporting.
type SystemSampler struct {
	logger zerolog.Logger
	proc   *process.Process

	mu   sync.RWMutex
	last SystemStats
}

// NewSystemSampler creates a sampler for the current process.
func NewSystemSampler(logger zerolog.Logger) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("process handle unavailable, falling back to system memory")
		proc = nil
	}
	return &SystemSampler{logger: logger, proc: proc}
}

// Run samples at the given interval until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// Current returns the most recent snapshot.
func (s *SystemSampler) Current() SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *SystemSampler) sample() {
	var stats SystemStats
	stats.SampledAt = time.Now()
	stats.Goroutines = runtime.NumGoroutine()

	// Instantaneous reading; avoids blocking the loop for a measuring window.
	cpuPercent, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if s.proc != nil {
		memInfo, err := s.proc.MemoryInfo()
		if err == nil {
			stats.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
			MemoryBytes.Set(float64(memInfo.RSS))
		} else {
			s.logger.Debug().Err(err).Msg("memory sample failed")
		}
	} else {
		vmem, err := mem.VirtualMemory()
		if err == nil {
			stats.MemoryMB = float64(vmem.Used) / 1024 / 1024
			MemoryBytes.Set(float64(vmem.Used))
		}
	}

	CPUPercent.Set(stats.CPUPercent)
	GoroutinesActive.Set(float64(stats.Goroutines))

	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()
}
