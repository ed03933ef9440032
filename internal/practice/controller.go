// Package practice runs guided practice sessions: it tracks the target
// sentence, dispatches sealed gestures for analysis and reports feedback.
package practice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/gesture"
)

// Mode is the practice state.
type Mode int

const (
	ModeListening Mode = iota
	ModeDetecting
	ModeAnalyzing
	ModeFeedback
)

func (m Mode) String() string {
	switch m {
	case ModeListening:
		return "listening"
	case ModeDetecting:
		return "detecting"
	case ModeAnalyzing:
		return "analyzing"
	case ModeFeedback:
		return "feedback"
	default:
		return "unknown"
	}
}

// Control actions.
const (
	ActionStartSession = "start_session"
	ActionNextSentence = "next_sentence"
	ActionTryAgain     = "try_again"
	ActionStopSession  = "stop_session"
)

const (
	msgSessionInactive = "session inactive"
	msgStoryComplete   = "story complete"
)

var (
	ErrEmptyStory       = errors.New("story_sentences must contain at least one sentence")
	ErrSessionInactive  = errors.New("no active practice session")
	ErrNotListening     = errors.New("practice session is not waiting for a gesture")
	ErrAnalysisInFlight = errors.New("an analysis is already in flight")
	ErrUnknownAction    = errors.New("unknown control action")
)

// Session is a snapshot of the practice state.
type Session struct {
	ID        string    `json:"session_id"`
	Sentences []string  `json:"story_sentences"`
	Index     int       `json:"current_index"`
	Mode      Mode      `json:"-"`
	Active    bool      `json:"is_active"`
	StartedAt time.Time `json:"started_at"`
}

// Result is returned to the client in a control_response.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	CurrentIndex    int    `json:"current_index"`
	TotalSentences  int    `json:"total_sentences"`
	CurrentSentence string `json:"current_sentence,omitempty"`
	Mode            string `json:"mode"`
	StoryComplete   bool   `json:"story_complete"`
}

// Feedback is one delivered analysis, fallback or not.
type Feedback struct {
	SessionID       string          `json:"session_id"`
	SentenceIndex   int             `json:"sentence_index"`
	TargetSentence  string          `json:"target_sentence"`
	Feedback        string          `json:"feedback"`
	ConfidenceScore float64         `json:"confidence_score"`
	Suggestions     []string        `json:"suggestions"`
	Fallback        bool            `json:"fallback"`
	Buffer          *gesture.Buffer `json:"-"`
}

// FallbackAnalysis is delivered when the feedback service fails.
func FallbackAnalysis() Analysis {
	return Analysis{
		Feedback:        "We couldn't analyze that attempt right now. Please try signing the sentence again.",
		ConfidenceScore: 0,
		Suggestions: []string{
			"Keep your hands inside the camera frame",
			"Pause briefly when you finish signing",
		},
	}
}

// Controller owns one connection's practice session. Control messages arrive
// on the read goroutine and gestures on the processing goroutine, so every
// method takes the mutex.
type Controller struct {
	service FeedbackService
	timeout time.Duration
	logger  *zap.Logger

	mu         sync.Mutex
	session    *Session
	generation uint64
	inFlight   bool
	cancel     context.CancelFunc
	onFeedback func(Feedback)
	wg         sync.WaitGroup
}

// NewController creates a controller with no session.
func NewController(service FeedbackService, timeout time.Duration, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{service: service, timeout: timeout, logger: logger}
}

// OnFeedback sets the callback invoked with every delivered feedback. It runs
// on the analysis goroutine without the controller lock held.
func (c *Controller) OnFeedback(fn func(Feedback)) {
	c.mu.Lock()
	c.onFeedback = fn
	c.mu.Unlock()
}

// Start begins a new session, replacing any existing one.
func (c *Controller) Start(sentences []string, sessionID string) (Result, error) {
	cleaned := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return Result{Success: false, Message: ErrEmptyStory.Error()}, ErrEmptyStory
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.session = &Session{
		ID:        sessionID,
		Sentences: cleaned,
		Mode:      ModeListening,
		Active:    true,
		StartedAt: time.Now(),
	}
	c.logger.Info("practice session started", zap.String("session_id", sessionID), zap.Int("sentences", len(cleaned)))
	return c.resultLocked(true, "session started"), nil
}

// Control applies a next_sentence, try_again or stop_session action.
func (c *Controller) Control(action string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case ActionNextSentence, ActionTryAgain, ActionStopSession:
	default:
		return Result{Success: false, Message: ErrUnknownAction.Error()}, ErrUnknownAction
	}
	if c.session == nil || !c.session.Active {
		return Result{Success: false, Message: msgSessionInactive, Mode: ModeListening.String()}, nil
	}

	s := c.session
	switch action {
	case ActionNextSentence:
		c.cancelLocked()
		s.Mode = ModeListening
		if s.Index >= len(s.Sentences)-1 {
			res := c.resultLocked(true, msgStoryComplete)
			res.StoryComplete = true
			return res, nil
		}
		s.Index++
		return c.resultLocked(true, "advanced to next sentence"), nil
	case ActionTryAgain:
		c.cancelLocked()
		s.Mode = ModeListening
		return c.resultLocked(true, "ready for another attempt"), nil
	default:
		c.cancelLocked()
		s.Active = false
		s.Mode = ModeListening
		c.logger.Info("practice session stopped", zap.String("session_id", s.ID))
		return c.resultLocked(true, "session stopped"), nil
	}
}

// NoteDetecting mirrors the segmenter entering Detecting.
func (c *Controller) NoteDetecting() {
	c.mu.Lock()
	if c.session != nil && c.session.Active && c.session.Mode == ModeListening {
		c.session.Mode = ModeDetecting
	}
	c.mu.Unlock()
}

// NoteIdle mirrors the segmenter returning to Idle without a gesture.
func (c *Controller) NoteIdle() {
	c.mu.Lock()
	if c.session != nil && c.session.Active && c.session.Mode == ModeDetecting {
		c.session.Mode = ModeListening
	}
	c.mu.Unlock()
}

// HandleGesture dispatches a sealed buffer for analysis against the current
// sentence. At most one analysis runs at a time.
func (c *Controller) HandleGesture(ctx context.Context, buf *gesture.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || !s.Active {
		return ErrSessionInactive
	}
	if c.inFlight {
		return ErrAnalysisInFlight
	}
	if s.Mode != ModeListening && s.Mode != ModeDetecting {
		return ErrNotListening
	}

	s.Mode = ModeAnalyzing
	c.inFlight = true
	c.generation++
	gen := c.generation
	target := s.Sentences[s.Index]
	index := s.Index
	sessionID := s.ID

	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		analysis, err := c.service.Analyze(actx, buf, target)
		c.receive(gen, Feedback{
			SessionID:      sessionID,
			SentenceIndex:  index,
			TargetSentence: target,
			Buffer:         buf,
		}, analysis, err)
	}()
	return nil
}

// receive records an analysis outcome. Outcomes from a cancelled dispatch are
// dropped.
func (c *Controller) receive(gen uint64, fb Feedback, analysis *Analysis, err error) {
	c.mu.Lock()
	if gen != c.generation || c.session == nil || !c.session.Active {
		c.mu.Unlock()
		c.logger.Debug("discarding stale analysis", zap.String("session_id", fb.SessionID))
		return
	}
	c.inFlight = false
	c.cancel = nil
	c.session.Mode = ModeFeedback
	cb := c.onFeedback
	c.mu.Unlock()

	if err != nil || analysis == nil {
		if err == nil {
			err = ErrEmptyAnalysis
		}
		c.logger.Warn("feedback analysis failed, sending fallback",
			zap.String("session_id", fb.SessionID),
			zap.String("stage", "analyze"),
			zap.Error(err),
		)
		fallback := FallbackAnalysis()
		analysis = &fallback
		fb.Fallback = true
	}
	fb.Feedback = analysis.Feedback
	fb.ConfidenceScore = analysis.ConfidenceScore
	fb.Suggestions = analysis.Suggestions

	if cb != nil {
		cb(fb)
	}
}

// Close cancels any in-flight analysis, ends the session and waits for the
// analysis goroutine to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelLocked()
	if c.session != nil {
		c.session.Active = false
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Snapshot returns a copy of the current session, or false when none exists.
func (c *Controller) Snapshot() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	s := *c.session
	s.Sentences = append([]string(nil), c.session.Sentences...)
	return s, true
}

// Mode returns the current practice mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ModeListening
	}
	return c.session.Mode
}

func (c *Controller) cancelLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inFlight = false
	c.generation++
}

func (c *Controller) resultLocked(ok bool, msg string) Result {
	s := c.session
	return Result{
		Success:         ok,
		Message:         msg,
		SessionID:       s.ID,
		CurrentIndex:    s.Index,
		TotalSentences:  len(s.Sentences),
		CurrentSentence: s.Sentences[s.Index],
		Mode:            s.Mode.String(),
	}
}
