package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-signlab/backend/internal/gesture"
	"github.com/aura-signlab/backend/internal/landmark"
	"github.com/aura-signlab/backend/internal/models"
	"github.com/aura-signlab/backend/internal/practice"
	"github.com/aura-signlab/backend/internal/resource"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingFeedback struct {
	mu      sync.Mutex
	targets []string
	inner   practice.FeedbackService
}

func (r *recordingFeedback) Analyze(ctx context.Context, buf *gesture.Buffer, target string) (*practice.Analysis, error) {
	r.mu.Lock()
	r.targets = append(r.targets, target)
	r.mu.Unlock()
	return r.inner.Analyze(ctx, buf, target)
}

func (r *recordingFeedback) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type recordingSink struct {
	mu       sync.Mutex
	started  []string
	ended    []string
	attempts []practice.Feedback
}

func (s *recordingSink) SessionStarted(_ context.Context, _, sessionID string, _ int) {
	s.mu.Lock()
	s.started = append(s.started, sessionID)
	s.mu.Unlock()
}

func (s *recordingSink) SessionEnded(_ context.Context, sessionID string) {
	s.mu.Lock()
	s.ended = append(s.ended, sessionID)
	s.mu.Unlock()
}

func (s *recordingSink) AttemptCompleted(_ context.Context, _ string, fb practice.Feedback) {
	s.mu.Lock()
	s.attempts = append(s.attempts, fb)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() (started, ended []string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...), append([]string(nil), s.ended...), len(s.attempts)
}

func jpegFrame(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func baseProfile() models.QualityProfile {
	return models.QualityProfile{
		Resolution:          models.Resolution{Width: 640, Height: 480},
		EncodeQuality:       85,
		DetectionComplexity: models.ComplexityFull,
	}
}

func testDeps(detector *landmark.Adapter, fb practice.FeedbackService) Deps {
	return Deps{
		Detector: detector,
		Segmenter: gesture.Config{
			VelocityThreshold: 0.02,
			PauseDuration:     time.Second,
			MinDuration:       500 * time.Millisecond,
			MaxFrames:         300,
			Window:            3,
		},
		Feedback:        fb,
		FeedbackTimeout: 5 * time.Second,
		Optimizer: resource.OptimizerConfig{
			Thresholds:     resource.Thresholds{CPUPercent: 80, MemoryMB: 2048},
			ViolationLimit: 2,
			Cooldown:       time.Minute,
		},
		BaseProfile: baseProfile(),
	}
}

// next waits for the next outbound message of type typ, collecting any others.
func next(t *testing.T, c *Connection, typ string, others *[]Outbound) Outbound {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case out := <-c.send:
			if out.Type == typ {
				return out
			}
			if others != nil {
				*others = append(*others, out)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return Outbound{}
		}
	}
}

func stop(c *Connection) {
	c.start()
	c.StopAccepting()
	c.Cancel()
	<-c.Drained()
	c.controller.Close()
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	c := NewConnection(testDeps(nil, nil), Options{QueueCapacity: 10}, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Enqueue(&FrameMessage{FrameNumber: int64(i)}))
	}
	assert.ErrorIs(t, c.Enqueue(&FrameMessage{FrameNumber: 10}), ErrQueueOverflow)

	s := c.Stats()
	assert.Equal(t, int64(11), s.FramesReceived)
	assert.Equal(t, int64(1), s.FramesDropped)
	assert.Equal(t, 10, s.QueueLength)
	assert.Equal(t, 10, s.QueueCapacity)

	c.StopAccepting()
	assert.False(t, c.Accepting())
	assert.ErrorIs(t, c.Enqueue(&FrameMessage{}), ErrNotAccepting)
	assert.Equal(t, int64(11), c.Stats().FramesReceived)
}

func TestFramesProcessedInOrder(t *testing.T) {
	c := NewConnection(testDeps(nil, nil), Options{QueueCapacity: 5}, nil)
	payload := jpegFrame(t, 32, 24)
	for i := 1; i <= 5; i++ {
		data := payload
		if i%2 == 0 {
			data = "%%%"
		}
		require.NoError(t, c.Enqueue(&FrameMessage{FrameData: data, FrameNumber: int64(i)}))
	}
	c.start()
	defer stop(c)

	for i := 1; i <= 5; i++ {
		out := next(t, c, TypeProcessedFrame, nil)
		meta := out.Metadata.(FrameMetadata)
		assert.Equal(t, int64(i), meta.FrameNumber)
		assert.Equal(t, int64(i), meta.ServerFrameNumber)
		if i%2 == 0 {
			assert.False(t, meta.Success)
			assert.Equal(t, "decode_error", meta.Error)
			assert.Nil(t, out.Data.(FrameData).FrameData)
		} else {
			assert.True(t, meta.Success)
			require.NotNil(t, out.Data.(FrameData).FrameData)
			assert.Contains(t, *out.Data.(FrameData).FrameData, "data:image/jpeg;base64,")
			assert.Equal(t, 32, meta.QualityMetrics.Width)
		}
	}
	s := c.Stats()
	assert.Equal(t, int64(5), s.FramesProcessed)
	assert.Equal(t, int64(2), s.FramesFailed)
	assert.Positive(t, s.AvgProcessingMS)
}

func TestDetectionFailureDegradesFrame(t *testing.T) {
	svc := landmark.NewMockService().FailWith(landmark.ErrUnavailable)
	c := NewConnection(testDeps(landmark.NewAdapter(svc, 0, nil), nil), Options{}, nil)
	require.NoError(t, c.Enqueue(&FrameMessage{FrameData: jpegFrame(t, 16, 16), FrameNumber: 1}))
	c.start()
	defer stop(c)

	out := next(t, c, TypeProcessedFrame, nil)
	meta := out.Metadata.(FrameMetadata)
	assert.False(t, meta.Success)
	assert.Equal(t, landmark.ErrTagUnavailable, meta.Error)
	assert.True(t, meta.QualityMetrics.Degraded)
	assert.NotNil(t, out.Data.(FrameData).FrameData)
}

// A hand moves for one second, then holds still: exactly one analysis runs,
// against the current sentence, and its feedback reaches the client.
func TestMotionThenPauseProducesOneFeedback(t *testing.T) {
	const frames = 26
	script := make([]*landmark.Result, frames)
	x := 0.2
	for i := 0; i < frames; i++ {
		if i >= 1 && i <= 10 {
			x += 0.05
		}
		script[i] = &landmark.Result{RightHand: []landmark.Point{{X: x, Y: 0.5}}, Face: []landmark.Point{{X: 0.5, Y: 0.2}}}
	}
	clock := &fakeClock{t: epoch}
	detector := landmark.NewAdapter(landmark.NewMockService(script...), 0, nil).WithClock(clock.Now)
	fb := &recordingFeedback{inner: practice.NewMockService()}
	sink := &recordingSink{}
	deps := testDeps(detector, fb)
	deps.Sink = sink

	c := NewConnection(deps, Options{QueueCapacity: 10, SendBuffer: 64}, nil)
	resp := c.handleControl(&ControlMessage{Action: practice.ActionStartSession, StorySentences: []string{"I see a cat."}, SessionID: "s1"})
	require.True(t, resp.Result.Success)
	c.start()
	defer stop(c)

	payload := jpegFrame(t, 32, 24)
	var others []Outbound
	var states []string
	for i := 0; i < frames; i++ {
		clock.Set(epoch.Add(time.Duration(i) * 100 * time.Millisecond))
		require.NoError(t, c.Enqueue(&FrameMessage{FrameData: payload, FrameNumber: int64(i)}))
		meta := next(t, c, TypeProcessedFrame, &others).Metadata.(FrameMetadata)
		assert.True(t, meta.Success)
		assert.True(t, meta.LandmarksDetected.Hands)
		assert.True(t, meta.LandmarksDetected.Face)
		states = append(states, meta.GestureState)
	}
	assert.Equal(t, "idle", states[0])
	assert.Equal(t, "detecting", states[1])
	assert.Equal(t, "idle", states[frames-1])

	var feedback Outbound
	found := false
	for _, o := range others {
		if o.Type == TypeFeedback {
			feedback, found = o, true
		}
	}
	if !found {
		feedback = next(t, c, TypeFeedback, nil)
	}
	data := feedback.Data.(FeedbackData)
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, "I see a cat.", data.TargetSentence)
	assert.Equal(t, 0, data.SentenceIndex)
	assert.False(t, data.Fallback)
	assert.InDelta(t, 1.0, data.ConfidenceScore, 0.001)

	assert.Equal(t, []string{"I see a cat."}, fb.Targets())
	assert.Equal(t, practice.ModeFeedback, c.controller.Mode())

	require.Eventually(t, func() bool {
		_, _, attempts := sink.snapshot()
		return attempts == 1
	}, time.Second, 10*time.Millisecond)
	started, _, _ := sink.snapshot()
	assert.Equal(t, []string{"s1"}, started)
}

func TestControlResponses(t *testing.T) {
	sink := &recordingSink{}
	deps := testDeps(nil, nil)
	deps.Sink = sink
	c := NewConnection(deps, Options{}, nil)
	defer stop(c)

	resp := c.handleControl(&ControlMessage{Action: practice.ActionNextSentence})
	assert.False(t, resp.Result.Success)
	assert.Equal(t, "session inactive", resp.Result.Message)

	resp = c.handleControl(&ControlMessage{Action: practice.ActionStartSession, StorySentences: []string{"One.", "Two."}})
	require.True(t, resp.Result.Success)
	sessionID := resp.Result.SessionID
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, 2, resp.Result.TotalSentences)

	resp = c.handleControl(&ControlMessage{Action: practice.ActionNextSentence})
	assert.Equal(t, 1, resp.Result.CurrentIndex)
	assert.Equal(t, "Two.", resp.Result.CurrentSentence)

	resp = c.handleControl(&ControlMessage{Action: practice.ActionStopSession})
	assert.True(t, resp.Result.Success)
	assert.Empty(t, c.Stats().SessionID)

	resp = c.handleControl(&ControlMessage{Action: practice.ActionStartSession})
	assert.False(t, resp.Result.Success)

	started, ended, _ := sink.snapshot()
	assert.Equal(t, []string{sessionID}, started)
	assert.Equal(t, []string{sessionID}, ended)
}

func TestObserveLoadDegradesProfile(t *testing.T) {
	c := NewConnection(testDeps(nil, nil), Options{}, nil)
	defer stop(c)

	hot := resource.Sample{CPUPercent: 95, MemoryMB: 100, Timestamp: epoch}
	d := c.ObserveLoad(hot)
	assert.Equal(t, resource.ActionNone, d.Action)
	assert.True(t, d.Violation)

	hot.Timestamp = epoch.Add(time.Second)
	d = c.ObserveLoad(hot)
	assert.Equal(t, resource.ActionDegrade, d.Action)
	assert.Equal(t, models.Resolution{Width: 480, Height: 360}, c.Profile().Resolution)
	assert.Equal(t, c.Profile(), c.Stats().Profile)
}

func TestObserveLoadUsesWindowedDropRate(t *testing.T) {
	deps := testDeps(nil, nil)
	deps.Optimizer = resource.OptimizerConfig{
		Thresholds:     resource.Thresholds{MaxDropRate: 0.2},
		ViolationLimit: 1,
	}
	c := NewConnection(deps, Options{QueueCapacity: 1}, nil)
	defer stop(c)

	require.NoError(t, c.Enqueue(&FrameMessage{}))
	require.ErrorIs(t, c.Enqueue(&FrameMessage{}), ErrQueueOverflow)
	d := c.ObserveLoad(resource.Sample{Timestamp: epoch})
	assert.Equal(t, resource.ActionDegrade, d.Action)

	// No new frames since the last sample: no drops in the window.
	d = c.ObserveLoad(resource.Sample{Timestamp: epoch.Add(time.Second)})
	assert.False(t, d.Violation)
}
