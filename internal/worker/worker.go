package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/pkg/queue"
)

// ArchiveStore records where an attempt's gesture buffer landed.
type ArchiveStore interface {
	SetArchiveKey(ctx context.Context, attemptID uuid.UUID, key string) error
}

// ArchiveUploader writes a gesture buffer to object storage and returns its key.
type ArchiveUploader interface {
	PutGestureArchive(ctx context.Context, sessionID, attemptID string, body []byte) (string, error)
}

// JobQueue is the job source the processor drains.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// ErrEmptyArchive is returned for jobs that carry no buffer.
var ErrEmptyArchive = errors.New("gesture archive has no buffer")

// ArchiveProcessor processes gesture archive jobs: upload the buffer to S3, then store the key.
type ArchiveProcessor struct {
	store    ArchiveStore
	uploader ArchiveUploader
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewArchiveProcessor creates a gesture archive processor.
func NewArchiveProcessor(store ArchiveStore, uploader ArchiveUploader, q JobQueue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{store: store, uploader: uploader, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one gesture archive job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeGestureArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.GestureArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(payload.Buffer) == 0 || string(payload.Buffer) == "null" {
		return ErrEmptyArchive
	}

	key, err := p.uploader.PutGestureArchive(ctx, payload.SessionID, payload.AttemptID.String(), payload.Buffer)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.store.SetArchiveKey(ctx, payload.AttemptID, key); err != nil {
		p.logger.Error("update archive key failed", zap.Error(err), zap.String("attempt_id", payload.AttemptID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("gesture archive completed", zap.String("attempt_id", payload.AttemptID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ArchiveProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
