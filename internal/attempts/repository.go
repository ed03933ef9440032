package attempts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-signlab/backend/internal/models"
)

// ErrSessionNotFound is returned when no session has the requested id.
var ErrSessionNotFound = errors.New("practice session not found")

// Store is the persistence the recorder and handler need.
type Store interface {
	CreateSession(ctx context.Context, s *models.PracticeSession) error
	EndSession(ctx context.Context, externalID string) error
	GetSession(ctx context.Context, externalID string) (*models.PracticeSession, error)
	CreateAttempt(ctx context.Context, a *models.PracticeAttempt) error
	ListBySession(ctx context.Context, externalID string) ([]models.PracticeAttempt, error)
	SetArchiveKey(ctx context.Context, attemptID uuid.UUID, key string) error
}

// Repository handles practice session and attempt persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attempts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts a session. Restarting a known session id keeps the
// original row and reopens it.
func (r *Repository) CreateSession(ctx context.Context, s *models.PracticeSession) error {
	const q = `INSERT INTO practice_sessions (external_id, client_id, sentence_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO UPDATE SET client_id = EXCLUDED.client_id, sentence_count = EXCLUDED.sentence_count, ended_at = NULL
		RETURNING id, started_at`
	return r.pool.QueryRow(ctx, q, s.ExternalID, s.ClientID, s.SentenceCount).Scan(&s.ID, &s.StartedAt)
}

// EndSession stamps ended_at on an open session.
func (r *Repository) EndSession(ctx context.Context, externalID string) error {
	const q = `UPDATE practice_sessions SET ended_at = NOW() WHERE external_id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, externalID)
	return err
}

// GetSession returns a session by its external id.
func (r *Repository) GetSession(ctx context.Context, externalID string) (*models.PracticeSession, error) {
	const q = `SELECT id, external_id, client_id, sentence_count, started_at, ended_at
		FROM practice_sessions WHERE external_id = $1`
	var s models.PracticeSession
	err := r.pool.QueryRow(ctx, q, externalID).Scan(&s.ID, &s.ExternalID, &s.ClientID, &s.SentenceCount, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateAttempt inserts an analysed attempt.
func (r *Repository) CreateAttempt(ctx context.Context, a *models.PracticeAttempt) error {
	const q = `INSERT INTO practice_attempts (session_id, client_id, sentence_index, target_sentence, feedback, confidence_score, suggestions, fallback, force_sealed, frame_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`
	suggestions := a.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	return r.pool.QueryRow(ctx, q, a.SessionID, a.ClientID, a.SentenceIndex, a.TargetSentence, a.Feedback, a.ConfidenceScore, suggestions, a.Fallback, a.ForceSealed, a.FrameCount, a.DurationMS).
		Scan(&a.ID, &a.CreatedAt)
}

// ListBySession returns a session's attempts, oldest first.
func (r *Repository) ListBySession(ctx context.Context, externalID string) ([]models.PracticeAttempt, error) {
	const q = `SELECT id, session_id, client_id, sentence_index, target_sentence, feedback, confidence_score, suggestions, fallback, force_sealed, frame_count, duration_ms, archive_key, created_at
		FROM practice_attempts WHERE session_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.PracticeAttempt{}
	for rows.Next() {
		var a models.PracticeAttempt
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ClientID, &a.SentenceIndex, &a.TargetSentence, &a.Feedback, &a.ConfidenceScore, &a.Suggestions, &a.Fallback, &a.ForceSealed, &a.FrameCount, &a.DurationMS, &a.ArchiveKey, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// SetArchiveKey records where an attempt's gesture buffer was archived.
func (r *Repository) SetArchiveKey(ctx context.Context, attemptID uuid.UUID, key string) error {
	const q = `UPDATE practice_attempts SET archive_key = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, key, attemptID)
	return err
}
