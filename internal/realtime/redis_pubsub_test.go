package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type received struct {
	event   string
	payload string
}

func TestPublishFeedbackReachesSessionSubscriber(t *testing.T) {
	ps := NewRedisPubSub(newTestRedis(t), nil)

	got := make(chan received, 4)
	cancel, err := ps.SubscribeSession("s1", func(event string, payload []byte) {
		got <- received{event, string(payload)}
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.PublishFeedback(context.Background(), "s2", []byte(`{"session_id":"s2"}`)))
	require.NoError(t, ps.PublishFeedback(context.Background(), "s1", []byte(`{"session_id":"s1"}`)))

	select {
	case r := <-got:
		assert.Equal(t, TypeFeedback, r.event)
		assert.JSONEq(t, `{"session_id":"s1"}`, r.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no feedback received")
	}
	select {
	case r := <-got:
		t.Fatalf("unexpected message for another session: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllFollowsEverySession(t *testing.T) {
	ps := NewRedisPubSub(newTestRedis(t), nil)

	got := make(chan string, 4)
	cancel, err := ps.SubscribeAll(func(_ string, payload []byte) {
		got <- string(payload)
	})
	require.NoError(t, err)
	defer cancel()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, ps.PublishFeedback(context.Background(), id, []byte(`"`+id+`"`)))
	}
	var seen []string
	for len(seen) < 2 {
		select {
		case p := <-got:
			seen = append(seen, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %v", seen)
		}
	}
	assert.ElementsMatch(t, []string{`"a"`, `"b"`}, seen)
	assert.Equal(t, "practice:a", SessionChannel("a"))
}
