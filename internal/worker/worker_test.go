package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-signlab/backend/pkg/queue"
	"github.com/aura-signlab/backend/pkg/storage"
)

type fakeStore struct {
	mu   sync.Mutex
	keys map[uuid.UUID]string
	err  error
}

func (f *fakeStore) SetArchiveKey(_ context.Context, id uuid.UUID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.keys == nil {
		f.keys = make(map[uuid.UUID]string)
	}
	f.keys[id] = key
	return nil
}

func (f *fakeStore) key(id uuid.UUID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	return k, ok
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    int
}

func (f *fakeUploader) PutGestureArchive(_ context.Context, sessionID, attemptID string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return "", errors.New("s3 unavailable")
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	key := storage.GestureArchiveKey(sessionID, attemptID)
	f.objects[key] = body
	return key, nil
}

func archiveJob(t *testing.T, payload queue.GestureArchivePayload) *queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Type: queue.JobTypeGestureArchive, Payload: body}
}

func TestProcessUploadsAndStoresKey(t *testing.T) {
	store := &fakeStore{}
	up := &fakeUploader{}
	p := NewArchiveProcessor(store, up, nil, nil)
	id := uuid.New()

	err := p.Process(context.Background(), archiveJob(t, queue.GestureArchivePayload{
		AttemptID: id,
		SessionID: "s1",
		Buffer:    json.RawMessage(`{"records":[]}`),
	}))
	require.NoError(t, err)

	key, ok := store.key(id)
	require.True(t, ok)
	assert.Equal(t, "gestures/s1/"+id.String()+".json", key)
	assert.JSONEq(t, `{"records":[]}`, string(up.objects[key]))
}

func TestProcessRejects(t *testing.T) {
	p := NewArchiveProcessor(&fakeStore{}, &fakeUploader{}, nil, nil)
	ctx := context.Background()

	err := p.Process(ctx, &queue.Job{Type: "thumbnail"})
	assert.ErrorContains(t, err, "unknown job type")

	err = p.Process(ctx, &queue.Job{Type: queue.JobTypeGestureArchive, Payload: json.RawMessage(`"nope"`)})
	assert.ErrorContains(t, err, "unmarshal payload")

	err = p.Process(ctx, archiveJob(t, queue.GestureArchivePayload{AttemptID: uuid.New(), SessionID: "s1"}))
	assert.ErrorIs(t, err, ErrEmptyArchive)
}

func TestProcessStoreFailure(t *testing.T) {
	p := NewArchiveProcessor(&fakeStore{err: errors.New("db down")}, &fakeUploader{}, nil, nil)
	err := p.Process(context.Background(), archiveJob(t, queue.GestureArchivePayload{
		AttemptID: uuid.New(),
		SessionID: "s1",
		Buffer:    json.RawMessage(`{}`),
	}))
	assert.ErrorContains(t, err, "update db")
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewQueue(client, nil)

	store := &fakeStore{}
	up := &fakeUploader{fail: 1}
	p := NewArchiveProcessor(store, up, q, nil)
	p.backoff = 10 * time.Millisecond

	id := uuid.New()
	require.NoError(t, q.EnqueueGestureArchive(context.Background(), queue.GestureArchivePayload{
		AttemptID: id,
		SessionID: "s1",
		Buffer:    json.RawMessage(`{"records":[]}`),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, ok := store.key(id)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	assert.False(t, mr.Exists(queue.QueueDLQ))
}
