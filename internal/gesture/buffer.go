package gesture

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aura-signlab/backend/internal/landmark"
)

// ErrSealed is returned when appending to a sealed buffer.
var ErrSealed = errors.New("gesture buffer is sealed")

// Buffer holds the landmark records of one signing attempt. Once sealed it is
// handed to the practice controller and never changes again.
type Buffer struct {
	ID          uuid.UUID
	StartedAt   time.Time
	EndedAt     time.Time
	ForceSealed bool

	records []landmark.Record
	sealed  bool
}

func newBuffer(seed landmark.Record, capacity int) *Buffer {
	b := &Buffer{
		ID:        uuid.New(),
		StartedAt: seed.Timestamp,
		EndedAt:   seed.Timestamp,
		records:   make([]landmark.Record, 0, min(capacity, 64)),
	}
	b.records = append(b.records, seed)
	return b
}

// Seal builds a sealed buffer from recorded frames, for replaying stored
// attempts.
func Seal(records []landmark.Record, force bool) *Buffer {
	if len(records) == 0 {
		b := &Buffer{ID: uuid.New()}
		b.seal(force)
		return b
	}
	b := newBuffer(records[0], len(records))
	for _, r := range records[1:] {
		_ = b.Append(r)
	}
	b.seal(force)
	return b
}

// Append adds a record to an open buffer.
func (b *Buffer) Append(rec landmark.Record) error {
	if b.sealed {
		return ErrSealed
	}
	b.records = append(b.records, rec)
	b.EndedAt = rec.Timestamp
	return nil
}

func (b *Buffer) seal(force bool) {
	b.sealed = true
	b.ForceSealed = force
}

// Sealed reports whether the buffer has been closed.
func (b *Buffer) Sealed() bool { return b.sealed }

// Len returns the number of buffered records.
func (b *Buffer) Len() int { return len(b.records) }

// Records returns the buffered records in arrival order. Callers must not
// modify the returned slice.
func (b *Buffer) Records() []landmark.Record { return b.records }

// Duration is the time from the seeding record to the latest record.
func (b *Buffer) Duration() time.Duration { return b.EndedAt.Sub(b.StartedAt) }

// HandPresenceRatio is the fraction of records with at least one hand.
func (b *Buffer) HandPresenceRatio() float64 {
	if len(b.records) == 0 {
		return 0
	}
	n := 0
	for _, r := range b.records {
		if r.HandsPresent {
			n++
		}
	}
	return float64(n) / float64(len(b.records))
}

type bufferJSON struct {
	ID          uuid.UUID         `json:"id"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	DurationMS  int64             `json:"duration_ms"`
	ForceSealed bool              `json:"force_sealed"`
	Records     []landmark.Record `json:"records"`
}

// MarshalJSON renders the buffer for archival and feedback requests.
func (b *Buffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(bufferJSON{
		ID:          b.ID,
		StartedAt:   b.StartedAt,
		EndedAt:     b.EndedAt,
		DurationMS:  b.Duration().Milliseconds(),
		ForceSealed: b.ForceSealed,
		Records:     b.records,
	})
}
