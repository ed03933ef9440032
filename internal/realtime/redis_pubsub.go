package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "practice:"
	publishTTL    = 5 * time.Second
)

// redisPayload is the message published to Redis for observers on other
// instances.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub implements FeedbackPublisher using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for practice feedback.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// SessionChannel returns the Redis channel for a practice session.
func SessionChannel(sessionID string) string {
	return channelPrefix + sessionID
}

// PublishFeedback publishes an asl_feedback payload to the session channel.
func (r *RedisPubSub) PublishFeedback(ctx context.Context, sessionID string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: TypeFeedback, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return r.client.Publish(ctx, SessionChannel(sessionID), body).Err()
}

// SubscribeSession calls handler for each event on a session channel until
// the returned cancel function is called.
func (r *RedisPubSub) SubscribeSession(sessionID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	return r.subscribe(SessionChannel(sessionID), false, handler)
}

// SubscribeAll follows every practice session channel.
func (r *RedisPubSub) SubscribeAll(handler func(event string, payload []byte)) (cancel func(), err error) {
	return r.subscribe(channelPrefix+"*", true, handler)
}

func (r *RedisPubSub) subscribe(channel string, pattern bool, handler func(event string, payload []byte)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	var pubsub *redis.PubSub
	if pattern {
		pubsub = r.client.PSubscribe(ctx, channel)
	} else {
		pubsub = r.client.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("malformed pubsub payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
