// Package gesture segments a stream of landmark records into signing
// attempts using hand velocity.
package gesture

import (
	"time"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/landmark"
)

// State is the segmenter state.
type State int

const (
	StateIdle State = iota
	StateDetecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	default:
		return "unknown"
	}
}

// Event is what a single Observe call produced.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventSealed
	EventDiscarded
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventSealed:
		return "sealed"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Step is the outcome of one transition. Buffer is set for EventSealed and
// EventDiscarded.
type Step struct {
	Event    Event
	State    State
	Velocity float64
	Buffer   *Buffer
}

// Config holds segmentation thresholds.
type Config struct {
	VelocityThreshold float64
	PauseDuration     time.Duration
	MinDuration       time.Duration
	MaxFrames         int
	Window            int
}

// ConfigFrom maps the environment settings onto a segmenter config.
func ConfigFrom(c config.SegmenterConfig) Config {
	return Config{
		VelocityThreshold: c.VelocityThreshold,
		PauseDuration:     c.PauseDuration,
		MinDuration:       c.MinGestureDuration,
		MaxFrames:         c.MaxBufferFrames,
		Window:            c.SmoothingWindow,
	}
}

type sample struct {
	at  time.Time
	pos landmark.Point
}

// Segmenter is a per-connection state machine. It uses record timestamps
// only, so a recorded sequence replays identically. Not safe for concurrent
// use; the processing goroutine owns it.
type Segmenter struct {
	cfg        Config
	state      State
	window     []sample
	buf        *Buffer
	lastMotion time.Time
}

// NewSegmenter creates a segmenter in the Idle state.
func NewSegmenter(cfg Config) *Segmenter {
	if cfg.Window < 2 {
		cfg.Window = 2
	}
	if cfg.MaxFrames < 1 {
		cfg.MaxFrames = 1
	}
	return &Segmenter{cfg: cfg, window: make([]sample, 0, cfg.Window)}
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Reset drops any open buffer and returns to Idle.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.buf = nil
	s.window = s.window[:0]
	s.lastMotion = time.Time{}
}

// Observe feeds one record through the state machine.
func (s *Segmenter) Observe(rec landmark.Record) Step {
	v := s.velocity(rec)
	moving := rec.HandsPresent && v > s.cfg.VelocityThreshold

	switch s.state {
	case StateIdle:
		if !moving {
			return Step{Event: EventNone, State: StateIdle, Velocity: v}
		}
		s.buf = newBuffer(rec, s.cfg.MaxFrames)
		s.lastMotion = rec.Timestamp
		s.state = StateDetecting
		if s.buf.Len() >= s.cfg.MaxFrames {
			return s.finish(true, v)
		}
		return Step{Event: EventStarted, State: StateDetecting, Velocity: v}

	case StateDetecting:
		_ = s.buf.Append(rec)
		if moving {
			s.lastMotion = rec.Timestamp
		}
		if s.buf.Len() >= s.cfg.MaxFrames {
			return s.finish(true, v)
		}
		if rec.Timestamp.Sub(s.lastMotion) >= s.cfg.PauseDuration {
			return s.finish(false, v)
		}
		return Step{Event: EventNone, State: StateDetecting, Velocity: v}
	}
	return Step{Event: EventNone, State: s.state, Velocity: v}
}

// finish seals or discards the open buffer and returns to Idle in one step.
func (s *Segmenter) finish(force bool, v float64) Step {
	buf := s.buf
	s.buf = nil
	s.state = StateIdle
	s.lastMotion = time.Time{}

	if !force && buf.Duration() < s.cfg.MinDuration {
		return Step{Event: EventDiscarded, State: StateIdle, Velocity: v, Buffer: buf}
	}
	buf.seal(force)
	return Step{Event: EventSealed, State: StateIdle, Velocity: v, Buffer: buf}
}

// velocity is the hand displacement across the smoothing window divided by
// the time it spans, in normalized units per second.
func (s *Segmenter) velocity(rec landmark.Record) float64 {
	if !rec.HandsPresent {
		s.window = s.window[:0]
		return 0
	}
	if len(s.window) == s.cfg.Window {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, sample{at: rec.Timestamp, pos: rec.HandPosition})
	if len(s.window) < 2 {
		return 0
	}
	oldest, newest := s.window[0], s.window[len(s.window)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return landmark.Distance(oldest.pos, newest.pos) / elapsed
}
