package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/metrics"
)

// Monitor samples process load on an interval, keeps a rolling history and
// notifies subscribers of every sample.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	size     int
	logger   *zap.Logger

	mu      sync.RWMutex
	history []Sample
	next    int
	count   int
	subs    []func(Sample)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. Call Start to begin sampling.
func NewMonitor(sampler Sampler, interval time.Duration, historySize int, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if historySize <= 0 {
		historySize = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:  sampler,
		interval: interval,
		size:     historySize,
		logger:   logger,
		history:  make([]Sample, historySize),
	}
}

// Subscribe registers fn to receive every sample. fn runs on the sampling
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Sample)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Start begins the sampling loop. Call Stop to release it.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("resource monitor started", zap.Duration("interval", m.interval), zap.Int("history", m.size))
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	<-m.done
	m.logger.Info("resource monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := m.sampler.Sample()
			if err != nil {
				m.logger.Warn("resource sample failed", zap.Error(err))
				continue
			}
			m.Record(s)
		}
	}
}

// Record stores a sample and notifies subscribers.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.history[m.next] = s
	m.next = (m.next + 1) % m.size
	if m.count < m.size {
		m.count++
	}
	subs := m.subs
	m.mu.Unlock()

	metrics.SetResourceSample(s.CPUPercent, s.MemoryMB)
	for _, fn := range subs {
		fn(s)
	}
}

// Current returns the latest sample.
func (m *Monitor) Current() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return Sample{}, false
	}
	return m.history[(m.next-1+m.size)%m.size], true
}

// History returns samples oldest first.
func (m *Monitor) History() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, 0, m.count)
	start := (m.next - m.count + m.size) % m.size
	for i := 0; i < m.count; i++ {
		out = append(out, m.history[(start+i)%m.size])
	}
	return out
}

// Average returns the mean of the last n samples. n <= 0 averages the whole
// history.
func (m *Monitor) Average(n int) Sample {
	h := m.History()
	if len(h) == 0 {
		return Sample{}
	}
	if n > 0 && n < len(h) {
		h = h[len(h)-n:]
	}
	var avg Sample
	for _, s := range h {
		avg.CPUPercent += s.CPUPercent
		avg.MemoryMB += s.MemoryMB
	}
	avg.CPUPercent /= float64(len(h))
	avg.MemoryMB /= float64(len(h))
	avg.Timestamp = h[len(h)-1].Timestamp
	return avg
}
