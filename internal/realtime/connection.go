package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/codec"
	"github.com/aura-signlab/backend/internal/gesture"
	"github.com/aura-signlab/backend/internal/landmark"
	"github.com/aura-signlab/backend/internal/metrics"
	"github.com/aura-signlab/backend/internal/models"
	"github.com/aura-signlab/backend/internal/practice"
	"github.com/aura-signlab/backend/internal/resource"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	ewmaWeight = 0.2
)

// AttemptSink receives practice lifecycle events for persistence.
type AttemptSink interface {
	SessionStarted(ctx context.Context, clientID, sessionID string, sentenceCount int)
	SessionEnded(ctx context.Context, sessionID string)
	AttemptCompleted(ctx context.Context, clientID string, fb practice.Feedback)
}

// FeedbackPublisher fans feedback out to other instances and observers.
type FeedbackPublisher interface {
	PublishFeedback(ctx context.Context, sessionID string, payload []byte) error
}

// Deps are the shared collaborators every connection is built from.
type Deps struct {
	Codec           *codec.Codec
	Detector        *landmark.Adapter
	Segmenter       gesture.Config
	Feedback        practice.FeedbackService
	FeedbackTimeout time.Duration
	Optimizer       resource.OptimizerConfig
	BaseProfile     models.QualityProfile
	Sink            AttemptSink
	Publisher       FeedbackPublisher
}

// Options size the per-connection buffers.
type Options struct {
	QueueCapacity   int
	SendBuffer      int
	MaxMessageBytes int64
	StatsInterval   time.Duration
}

type queuedFrame struct {
	msg        *FrameMessage
	enqueuedAt time.Time
}

type connStats struct {
	received        atomic.Int64
	processed       atomic.Int64
	dropped         atomic.Int64
	failed          atomic.Int64
	outboundDropped atomic.Int64
	cancelled       atomic.Int64
	totalNS         atomic.Int64
	ewmaNS          atomic.Int64
}

// ConnectionStats is an atomic snapshot of one connection's counters.
type ConnectionStats struct {
	ClientID        string                `json:"client_id"`
	UserID          string                `json:"user_id,omitempty"`
	ConnectedAt     time.Time             `json:"connected_at"`
	FramesReceived  int64                 `json:"frames_received"`
	FramesProcessed int64                 `json:"frames_processed"`
	FramesDropped   int64                 `json:"frames_dropped"`
	FramesFailed    int64                 `json:"frames_failed"`
	FramesCancelled int64                 `json:"frames_cancelled"`
	OutboundDropped int64                 `json:"outbound_dropped"`
	QueueLength     int                   `json:"queue_length"`
	QueueCapacity   int                   `json:"queue_capacity"`
	AvgProcessingMS float64               `json:"avg_processing_ms"`
	Accepting       bool                  `json:"accepting"`
	Profile         models.QualityProfile `json:"quality_profile"`
	SessionID       string                `json:"session_id,omitempty"`
	PracticeMode    string                `json:"practice_mode"`
}

// Connection is one client's streaming pipeline: a read goroutine, a
// processing goroutine draining the frame queue in order, and a write
// goroutine that owns the socket for writes.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	opts   Options
	deps   Deps
	logger *zap.Logger
	ws     *websocket.Conn

	segmenter  *gesture.Segmenter
	controller *practice.Controller
	optimizer  *resource.Optimizer

	queue     chan queuedFrame
	send      chan Outbound
	enqueueMu sync.Mutex
	accepting bool

	ctx        context.Context
	cancel     context.CancelFunc
	processed  chan struct{}
	done       chan struct{}
	stopWrite  chan struct{}
	writerDone chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
	closeOnce  sync.Once

	resetSegmenter atomic.Bool
	serverFrame    atomic.Int64
	stats          connStats

	loadMu       sync.Mutex
	lastReceived int64
	lastDropped  int64
}

// NewConnection builds a connection. Serve attaches the socket and runs it.
func NewConnection(deps Deps, opts Options, logger *zap.Logger) *Connection {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 10
	}
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 64
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Codec == nil {
		deps.Codec = codec.New()
	}
	if deps.Detector == nil {
		deps.Detector = landmark.NewAdapter(landmark.NewMockService(), 0, logger)
	}
	if deps.Feedback == nil {
		deps.Feedback = practice.NewMockService()
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:          id,
		ConnectedAt: time.Now(),
		opts:        opts,
		deps:        deps,
		logger:      logger.With(zap.String("client_id", id)),
		segmenter:   gesture.NewSegmenter(deps.Segmenter),
		optimizer:   resource.NewOptimizer(deps.Optimizer, deps.BaseProfile, logger.With(zap.String("client_id", id))),
		queue:       make(chan queuedFrame, opts.QueueCapacity),
		send:        make(chan Outbound, opts.SendBuffer),
		accepting:   true,
		ctx:         ctx,
		cancel:      cancel,
		processed:   make(chan struct{}),
		done:        make(chan struct{}),
		stopWrite:   make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	c.controller = practice.NewController(deps.Feedback, deps.FeedbackTimeout, c.logger)
	c.controller.OnFeedback(c.deliverFeedback)
	return c
}

// Enqueue offers a frame to the processing queue. A full queue drops the
// newest frame.
func (c *Connection) Enqueue(msg *FrameMessage) error {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()
	if !c.accepting {
		return ErrNotAccepting
	}
	c.stats.received.Add(1)
	metrics.RecordFrame("received")
	select {
	case c.queue <- queuedFrame{msg: msg, enqueuedAt: time.Now()}:
		return nil
	default:
		c.stats.dropped.Add(1)
		metrics.RecordFrame("dropped")
		c.logger.Debug("queue_overflow",
			zap.Int64("frame_number", msg.FrameNumber),
			zap.Int("capacity", c.opts.QueueCapacity),
			zap.String("stage", "enqueue"),
		)
		return ErrQueueOverflow
	}
}

// StopAccepting refuses further frames and lets the processing goroutine
// drain what is already queued.
func (c *Connection) StopAccepting() {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()
	if !c.accepting {
		return
	}
	c.accepting = false
	close(c.queue)
}

// Accepting reports whether frames are still taken.
func (c *Connection) Accepting() bool {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()
	return c.accepting
}

// QueueLen returns the number of queued frames.
func (c *Connection) QueueLen() int { return len(c.queue) }

// Drained is closed once the processing goroutine has exited.
func (c *Connection) Drained() <-chan struct{} { return c.processed }

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Cancel aborts in-flight work; queued frames are discarded.
func (c *Connection) Cancel() { c.cancel() }

// Serve runs the connection on ws until the transport fails or is closed.
func (c *Connection) Serve(ws *websocket.Conn) {
	c.ws = ws
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	c.start()
	go c.writePump()
	c.readPump()
	c.teardown()
}

func (c *Connection) start() {
	c.startOnce.Do(func() {
		go c.processLoop()
	})
}

// CloseTransport closes the socket, which ends the read goroutine.
func (c *Connection) CloseTransport() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Close flushes pending outbound messages, sends a close frame and closes the
// socket.
func (c *Connection) Close() {
	c.stopOnce.Do(func() { close(c.stopWrite) })
}

func (c *Connection) teardown() {
	defer close(c.done)
	c.StopAccepting()
	c.cancel()
	<-c.processed
	snap, hadSession := c.controller.Snapshot()
	c.controller.Close()
	c.Close()
	if c.ws != nil {
		<-c.writerDone
	}
	c.CloseTransport()
	if hadSession && snap.Active && c.deps.Sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.deps.Sink.SessionEnded(ctx, snap.ID)
		cancel()
	}
	s := c.Stats()
	c.logger.Info("connection closed",
		zap.Int64("frames_received", s.FramesReceived),
		zap.Int64("frames_processed", s.FramesProcessed),
		zap.Int64("frames_dropped", s.FramesDropped),
		zap.Int64("frames_failed", s.FramesFailed),
	)
}

func (c *Connection) readPump() {
	if c.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection read failed", zap.String("stage", "read"), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait))
		c.handleMessage(raw)
	}
}

func (c *Connection) handleMessage(raw []byte) {
	msg, err := DecodeInbound(raw)
	if err != nil {
		c.logger.Debug("protocol error", zap.String("stage", "decode_envelope"), zap.Error(err))
		c.emit(errorMessage(ErrorTypeProtocol, err.Error()))
		return
	}
	switch m := msg.(type) {
	case *FrameMessage:
		if err := c.Enqueue(m); err != nil && !errors.Is(err, ErrQueueOverflow) {
			c.logger.Debug("frame rejected", zap.Int64("frame_number", m.FrameNumber), zap.Error(err))
		}
	case *ControlMessage:
		c.emit(newOutbound(TypeControlResponse, c.handleControl(m), nil))
	}
}

func (c *Connection) handleControl(m *ControlMessage) ControlResponse {
	var (
		res practice.Result
		err error
	)
	if m.Action == practice.ActionStartSession {
		res, err = c.controller.Start(m.StorySentences, m.SessionID)
		if err == nil {
			c.resetSegmenter.Store(true)
			c.optimizer.Reset()
			if c.deps.Sink != nil {
				ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
				c.deps.Sink.SessionStarted(ctx, c.ID, res.SessionID, res.TotalSentences)
				cancel()
			}
		}
	} else {
		res, err = c.controller.Control(m.Action)
		if err == nil && res.Success && m.Action == practice.ActionStopSession {
			c.resetSegmenter.Store(true)
			if c.deps.Sink != nil {
				ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
				c.deps.Sink.SessionEnded(ctx, res.SessionID)
				cancel()
			}
		}
	}
	if err != nil {
		c.logger.Info("control rejected", zap.String("action", m.Action), zap.String("stage", "control"), zap.Error(err))
	}
	return ControlResponse{Action: m.Action, Result: res}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.CloseTransport()
	}()

	for {
		select {
		case <-c.stopWrite:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write failed", zap.String("stage", "write"), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is already buffered before closing.
func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg Outbound) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// emit queues an outbound message without blocking. A full send buffer drops
// the message.
func (c *Connection) emit(msg Outbound) {
	select {
	case c.send <- msg:
	default:
		c.stats.outboundDropped.Add(1)
		metrics.RecordOutboundDropped()
		c.logger.Debug("outbound buffer full, message dropped", zap.String("type", msg.Type))
	}
}

func (c *Connection) processLoop() {
	defer close(c.processed)
	ticker := time.NewTicker(c.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.queue:
			if !ok {
				return
			}
			if c.ctx.Err() != nil {
				c.stats.cancelled.Add(1)
				continue
			}
			c.emit(c.processFrame(c.ctx, f))
		case <-ticker.C:
			s := c.Stats()
			c.logger.Info("connection stats",
				zap.Int64("frames_received", s.FramesReceived),
				zap.Int64("frames_processed", s.FramesProcessed),
				zap.Int64("frames_dropped", s.FramesDropped),
				zap.Int64("frames_failed", s.FramesFailed),
				zap.Float64("avg_processing_ms", s.AvgProcessingMS),
				zap.String("resolution", s.Profile.Resolution.String()),
			)
		}
	}
}

// processFrame runs one frame through decode, detect, segment and encode.
// Any stage failure yields a degraded processed_frame.
func (c *Connection) processFrame(ctx context.Context, f queuedFrame) Outbound {
	start := time.Now()
	metrics.ObserveStage("queue", start.Sub(f.enqueuedAt).Seconds())
	profile := c.optimizer.Profile()
	if c.resetSegmenter.Swap(false) {
		c.segmenter.Reset()
	}
	serverFrame := c.serverFrame.Add(1)
	meta := FrameMetadata{
		FrameNumber:       f.msg.FrameNumber,
		ServerFrameNumber: serverFrame,
		Success:           true,
	}

	frame, err := c.deps.Codec.Decode(f.msg.FrameData, f.msg.FrameNumber)
	metrics.ObserveStage("decode", time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("frame decode failed",
			zap.Int64("frame_number", f.msg.FrameNumber),
			zap.String("stage", "decode"),
			zap.Error(err),
		)
		meta.Success = false
		meta.Error = "decode_error"
		meta.QualityMetrics.Degraded = true
		return c.finishFrame(start, meta, nil, true)
	}

	rec := c.deps.Detector.Detect(ctx, c.ID, frame, profile.DetectionComplexity)
	metrics.ObserveStage("detect", rec.DetectionTime.Seconds())
	meta.LandmarksDetected = landmarksOf(rec)
	meta.QualityMetrics.DetectionMS = rec.DetectionMS
	if rec.Degraded {
		meta.Success = false
		meta.Error = rec.Error
		meta.QualityMetrics.Degraded = true
	}

	step := c.segmenter.Observe(rec)
	c.onSegmenterStep(ctx, step)
	meta.GestureState = step.State.String()
	meta.PracticeMode = c.controller.Mode().String()

	encodeStart := time.Now()
	raw, em, err := c.deps.Codec.Encode(frame, profile)
	metrics.ObserveStage("encode", time.Since(encodeStart).Seconds())
	if err != nil {
		c.logger.Warn("frame encode failed",
			zap.Int64("frame_number", f.msg.FrameNumber),
			zap.String("stage", "encode"),
			zap.Error(err),
		)
		meta.Success = false
		meta.Error = "encode_error"
		meta.QualityMetrics.Degraded = true
		payload := f.msg.FrameData
		return c.finishFrame(start, meta, &payload, true)
	}
	meta.QualityMetrics.EncodingMetrics = *em
	payload := raw.DataURL()
	return c.finishFrame(start, meta, &payload, !meta.Success)
}

func (c *Connection) finishFrame(start time.Time, meta FrameMetadata, payload *string, failed bool) Outbound {
	elapsed := time.Since(start)
	meta.QualityMetrics.ProcessingMS = float64(elapsed.Microseconds()) / 1000
	if meta.GestureState == "" {
		meta.GestureState = c.segmenter.State().String()
		meta.PracticeMode = c.controller.Mode().String()
	}

	c.stats.processed.Add(1)
	c.stats.totalNS.Add(int64(elapsed))
	prev := c.stats.ewmaNS.Load()
	if prev == 0 {
		c.stats.ewmaNS.Store(int64(elapsed))
	} else {
		c.stats.ewmaNS.Store(int64(ewmaWeight*float64(elapsed) + (1-ewmaWeight)*float64(prev)))
	}
	metrics.ObserveStage("frame", elapsed.Seconds())
	if failed {
		c.stats.failed.Add(1)
		metrics.RecordFrame("failed")
	} else {
		metrics.RecordFrame("processed")
	}
	return newOutbound(TypeProcessedFrame, FrameData{FrameData: payload}, meta)
}

func (c *Connection) onSegmenterStep(ctx context.Context, step gesture.Step) {
	switch step.Event {
	case gesture.EventStarted:
		c.controller.NoteDetecting()
	case gesture.EventDiscarded:
		metrics.RecordGesture("discarded")
		c.controller.NoteIdle()
	case gesture.EventSealed:
		outcome := "sealed"
		if step.Buffer.ForceSealed {
			outcome = "force_sealed"
		}
		metrics.RecordGesture(outcome)
		if err := c.controller.HandleGesture(ctx, step.Buffer); err != nil {
			c.logger.Debug("gesture not analyzed",
				zap.String("buffer_id", step.Buffer.ID.String()),
				zap.String("stage", "handle_gesture"),
				zap.Error(err),
			)
			c.controller.NoteIdle()
		}
	}
}

func (c *Connection) deliverFeedback(fb practice.Feedback) {
	data := feedbackData(fb)
	c.emit(newOutbound(TypeFeedback, data, nil))
	metrics.RecordFeedback(fb.Fallback)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.deps.Publisher != nil {
		if body, err := json.Marshal(data); err == nil {
			if err := c.deps.Publisher.PublishFeedback(ctx, fb.SessionID, body); err != nil {
				c.logger.Warn("publish feedback failed", zap.String("session_id", fb.SessionID), zap.Error(err))
			}
		}
	}
	if c.deps.Sink != nil {
		c.deps.Sink.AttemptCompleted(ctx, c.ID, fb)
	}
}

// ObserveLoad evaluates a resource sample against this connection's recent
// processing time and drop rate.
func (c *Connection) ObserveLoad(s resource.Sample) resource.Decision {
	received := c.stats.received.Load()
	dropped := c.stats.dropped.Load()

	c.loadMu.Lock()
	dr := received - c.lastReceived
	dd := dropped - c.lastDropped
	c.lastReceived, c.lastDropped = received, dropped
	c.loadMu.Unlock()

	var rate float64
	if dr > 0 {
		rate = float64(dd) / float64(dr)
	}
	d := c.optimizer.Evaluate(resource.Load{
		Sample:        s,
		AvgProcessing: time.Duration(c.stats.ewmaNS.Load()),
		DropRate:      rate,
	})
	if d.Action == resource.ActionSuppressed {
		c.logger.Debug("optimization suppressed by cooldown", zap.Int("violations", d.Violations))
	}
	return d
}

// Profile returns the active quality profile.
func (c *Connection) Profile() models.QualityProfile { return c.optimizer.Profile() }

// Stats returns an atomic snapshot of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	processed := c.stats.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(c.stats.totalNS.Load()) / float64(processed) / float64(time.Millisecond)
	}
	s := ConnectionStats{
		ClientID:        c.ID,
		UserID:          c.UserID,
		ConnectedAt:     c.ConnectedAt,
		FramesReceived:  c.stats.received.Load(),
		FramesProcessed: processed,
		FramesDropped:   c.stats.dropped.Load(),
		FramesFailed:    c.stats.failed.Load(),
		FramesCancelled: c.stats.cancelled.Load(),
		OutboundDropped: c.stats.outboundDropped.Load(),
		QueueLength:     len(c.queue),
		QueueCapacity:   c.opts.QueueCapacity,
		AvgProcessingMS: avg,
		Accepting:       c.Accepting(),
		Profile:         c.optimizer.Profile(),
		PracticeMode:    c.controller.Mode().String(),
	}
	if snap, ok := c.controller.Snapshot(); ok && snap.Active {
		s.SessionID = snap.ID
	}
	return s
}
