package models

import (
	"time"

	"github.com/google/uuid"
)

// PracticeSession is one guided practice run as persisted.
type PracticeSession struct {
	ID            uuid.UUID  `json:"id"`
	ExternalID    string     `json:"session_id"`
	ClientID      string     `json:"client_id"`
	SentenceCount int        `json:"sentence_count"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// PracticeAttempt is one analysed signing attempt within a session.
type PracticeAttempt struct {
	ID              uuid.UUID `json:"id"`
	SessionID       string    `json:"session_id"`
	ClientID        string    `json:"client_id"`
	SentenceIndex   int       `json:"sentence_index"`
	TargetSentence  string    `json:"target_sentence"`
	Feedback        string    `json:"feedback"`
	ConfidenceScore float64   `json:"confidence_score"`
	Suggestions     []string  `json:"suggestions"`
	Fallback        bool      `json:"fallback"`
	ForceSealed     bool      `json:"force_sealed"`
	FrameCount      int       `json:"frame_count"`
	DurationMS      int64     `json:"duration_ms"`
	ArchiveKey      *string   `json:"archive_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
