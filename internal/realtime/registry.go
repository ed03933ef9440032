package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-signlab/backend/internal/resource"
)

// ErrShuttingDown is returned by Register once shutdown has begun.
var ErrShuttingDown = errors.New("registry is shutting down")

// Registry tracks live connections, aggregates their statistics and
// coordinates shutdown.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	accepting atomic.Bool
	latest    atomic.Pointer[resource.Sample]
	logger    *zap.Logger
}

// NewRegistry creates an empty registry that accepts connections.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{conns: make(map[string]*Connection), logger: logger}
	r.accepting.Store(true)
	return r
}

// Register adds a connection.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accepting.Load() {
		return ErrShuttingDown
	}
	r.conns[c.ID] = c
	r.logger.Debug("connection registered", zap.String("client_id", c.ID), zap.Int("active", len(r.conns)))
	return nil
}

// Unregister removes a connection.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	r.logger.Debug("connection unregistered", zap.String("client_id", id), zap.Int("active", n))
}

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Accepting reports whether new connections are allowed.
func (r *Registry) Accepting() bool { return r.accepting.Load() }

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast hands a resource sample to every connection's optimizer.
func (r *Registry) Broadcast(s resource.Sample) {
	r.latest.Store(&s)
	for _, c := range r.snapshot() {
		c.ObserveLoad(s)
	}
}

// Summary aggregates all connections.
type Summary struct {
	ActiveConnections int               `json:"active_connections"`
	Accepting         bool              `json:"accepting"`
	FramesReceived    int64             `json:"frames_received"`
	FramesProcessed   int64             `json:"frames_processed"`
	FramesDropped     int64             `json:"frames_dropped"`
	FramesFailed      int64             `json:"frames_failed"`
	AvgProcessingMS   float64           `json:"avg_processing_ms"`
	Resource          *resource.Sample  `json:"resource,omitempty"`
	Connections       []ConnectionStats `json:"connections"`
}

// SystemSummary reads each connection's counters atomically; it does not lock
// connection internals.
func (r *Registry) SystemSummary() Summary {
	conns := r.snapshot()
	sum := Summary{
		ActiveConnections: len(conns),
		Accepting:         r.Accepting(),
		Resource:          r.latest.Load(),
		Connections:       make([]ConnectionStats, 0, len(conns)),
	}
	var weighted float64
	for _, c := range conns {
		s := c.Stats()
		sum.FramesReceived += s.FramesReceived
		sum.FramesProcessed += s.FramesProcessed
		sum.FramesDropped += s.FramesDropped
		sum.FramesFailed += s.FramesFailed
		weighted += s.AvgProcessingMS * float64(s.FramesProcessed)
		sum.Connections = append(sum.Connections, s)
	}
	if sum.FramesProcessed > 0 {
		sum.AvgProcessingMS = weighted / float64(sum.FramesProcessed)
	}
	sort.Slice(sum.Connections, func(i, j int) bool {
		return sum.Connections[i].ConnectedAt.Before(sum.Connections[j].ConnectedAt)
	})
	return sum
}

// ShutdownReport describes a graceful shutdown.
type ShutdownReport struct {
	Connections     int           `json:"connections"`
	Drained         int           `json:"drained"`
	Cancelled       int           `json:"cancelled"`
	FramesAbandoned int64         `json:"frames_abandoned"`
	FramesProcessed int64         `json:"frames_processed"`
	Duration        time.Duration `json:"duration"`
}

// GracefulShutdown refuses new connections, stops frame intake everywhere,
// waits for queues to drain until ctx expires, cancels what is left and
// closes every socket.
func (r *Registry) GracefulShutdown(ctx context.Context) ShutdownReport {
	start := time.Now()
	r.mu.Lock()
	r.accepting.Store(false)
	r.mu.Unlock()

	conns := r.snapshot()
	report := ShutdownReport{Connections: len(conns)}
	r.logger.Info("shutting down connections", zap.Int("connections", len(conns)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.StopAccepting()
			drained := true
			select {
			case <-c.Drained():
			case <-ctx.Done():
				drained = false
				abandoned := int64(c.QueueLen())
				c.Cancel()
				mu.Lock()
				report.FramesAbandoned += abandoned
				mu.Unlock()
				r.logger.Warn("connection did not drain in time",
					zap.String("client_id", c.ID),
					zap.Int64("frames_abandoned", abandoned),
				)
			}
			c.Close()
			select {
			case <-c.Done():
			case <-time.After(writeWait):
				c.CloseTransport()
				<-c.Done()
			}
			s := c.Stats()
			mu.Lock()
			if drained {
				report.Drained++
			} else {
				report.Cancelled++
			}
			report.FramesProcessed += s.FramesProcessed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report.Duration = time.Since(start)
	r.logger.Info("connections shut down",
		zap.Int("drained", report.Drained),
		zap.Int("cancelled", report.Cancelled),
		zap.Int64("frames_abandoned", report.FramesAbandoned),
		zap.Duration("duration", report.Duration),
	)
	return report
}
