package landmark

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aura-signlab/backend/internal/codec"
)

// Adapter calls the detection service under a timeout and never fails: any
// error becomes a degraded record.
type Adapter struct {
	service Service
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewAdapter creates an adapter. A non-positive timeout disables the bound.
func NewAdapter(service Service, timeout time.Duration, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{service: service, timeout: timeout, logger: logger, now: time.Now}
}

// WithClock replaces the clock that stamps records.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// Detect runs detection for one decoded frame.
func (a *Adapter) Detect(ctx context.Context, clientID string, frame *codec.DecodedFrame, complexity int) Record {
	start := a.now()
	if frame == nil || frame.Image == nil {
		return DegradedRecord(0, start, 0, ErrTagNoFrame)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.service.Detect(ctx, frame.Image, complexity)
	elapsed := a.now().Sub(start)
	if err == nil && res == nil {
		err = ErrEmptyResult
	}
	if err != nil {
		tag := errorTag(ctx, err)
		a.logger.Warn("landmark detection failed",
			zap.String("client_id", clientID),
			zap.Int64("frame_number", frame.Sequence),
			zap.String("stage", "detect"),
			zap.String("error_tag", tag),
			zap.Error(err),
		)
		return DegradedRecord(frame.Sequence, start, elapsed, tag)
	}
	return NewRecord(frame.Sequence, start, res, elapsed)
}

func errorTag(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTagTimeout
	case errors.Is(err, ErrEmptyResult):
		return ErrTagEmpty
	default:
		return ErrTagUnavailable
	}
}
