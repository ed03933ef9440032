// Package resource samples process load and adapts per-connection quality
// profiles when the load stays above configured thresholds.
package resource

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one process-wide load reading.
type Sample struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler reads the current process load.
type Sampler interface {
	Sample() (Sample, error)
}

// ProcSampler reads CPU time and resident memory from /proc. CPU usage is the
// CPU time consumed since the previous call over the elapsed wall time,
// normalized by the number of CPUs.
type ProcSampler struct {
	proc procfs.Proc
	cpus int
	now  func() time.Time

	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

// NewProcSampler opens /proc/self.
func NewProcSampler() (*ProcSampler, error) {
	p, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{proc: p, cpus: runtime.NumCPU(), now: time.Now}, nil
}

func (s *ProcSampler) Sample() (Sample, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read process stat: %w", err)
	}
	now := s.now()
	cpuTime := stat.CPUTime()

	s.mu.Lock()
	var pct float64
	if !s.lastWall.IsZero() {
		wall := now.Sub(s.lastWall).Seconds()
		if wall > 0 && s.cpus > 0 {
			pct = (cpuTime - s.lastCPU) / wall / float64(s.cpus) * 100
		}
	}
	s.lastCPU = cpuTime
	s.lastWall = now
	s.mu.Unlock()

	return Sample{
		CPUPercent: pct,
		MemoryMB:   float64(stat.ResidentMemory()) / (1024 * 1024),
		Timestamp:  now,
	}, nil
}

// RuntimeSampler reports Go heap usage only. It is used where /proc is not
// available.
type RuntimeSampler struct{}

func (RuntimeSampler) Sample() (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{
		MemoryMB:  float64(ms.Sys) / (1024 * 1024),
		Timestamp: time.Now(),
	}, nil
}

// DefaultSampler prefers /proc and falls back to the Go runtime.
func DefaultSampler() Sampler {
	if s, err := NewProcSampler(); err == nil {
		return s
	}
	return RuntimeSampler{}
}
