package attempts

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/models"
	"github.com/aura-signlab/backend/internal/practice"
	"github.com/aura-signlab/backend/pkg/queue"
)

// Archiver queues gesture buffers for long-term storage.
type Archiver interface {
	EnqueueGestureArchive(ctx context.Context, payload queue.GestureArchivePayload) error
}

// Recorder persists practice lifecycle events from live connections. Failures
// are logged and never reach the client.
type Recorder struct {
	store    Store
	archiver Archiver
	logger   *zap.Logger
}

// NewRecorder creates a recorder. A nil archiver skips gesture archiving.
func NewRecorder(store Store, archiver Archiver, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, archiver: archiver, logger: logger}
}

// SessionStarted records a new or restarted session.
func (r *Recorder) SessionStarted(ctx context.Context, clientID, sessionID string, sentenceCount int) {
	s := &models.PracticeSession{ExternalID: sessionID, ClientID: clientID, SentenceCount: sentenceCount}
	if err := r.store.CreateSession(ctx, s); err != nil {
		r.logger.Error("create practice session failed",
			zap.String("client_id", clientID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// SessionEnded closes a session.
func (r *Recorder) SessionEnded(ctx context.Context, sessionID string) {
	if err := r.store.EndSession(ctx, sessionID); err != nil {
		r.logger.Error("end practice session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// AttemptCompleted stores one delivered analysis and queues its gesture for
// archiving.
func (r *Recorder) AttemptCompleted(ctx context.Context, clientID string, fb practice.Feedback) {
	a := &models.PracticeAttempt{
		SessionID:       fb.SessionID,
		ClientID:        clientID,
		SentenceIndex:   fb.SentenceIndex,
		TargetSentence:  fb.TargetSentence,
		Feedback:        fb.Feedback,
		ConfidenceScore: fb.ConfidenceScore,
		Suggestions:     fb.Suggestions,
		Fallback:        fb.Fallback,
	}
	if fb.Buffer != nil {
		a.ForceSealed = fb.Buffer.ForceSealed
		a.FrameCount = fb.Buffer.Len()
		a.DurationMS = fb.Buffer.Duration().Milliseconds()
	}
	if err := r.store.CreateAttempt(ctx, a); err != nil {
		r.logger.Error("create practice attempt failed",
			zap.String("client_id", clientID),
			zap.String("session_id", fb.SessionID),
			zap.Int("sentence_index", fb.SentenceIndex),
			zap.Error(err),
		)
		return
	}
	if r.archiver == nil || fb.Buffer == nil {
		return
	}
	body, err := json.Marshal(fb.Buffer)
	if err != nil {
		r.logger.Error("marshal gesture buffer failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
		return
	}
	if err := r.archiver.EnqueueGestureArchive(ctx, queue.GestureArchivePayload{
		AttemptID: a.ID,
		SessionID: fb.SessionID,
		Buffer:    body,
	}); err != nil {
		r.logger.Warn("enqueue gesture archive failed", zap.String("attempt_id", a.ID.String()), zap.Error(err))
	}
}
