package practice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/gesture"
	"github.com/aura-signlab/backend/internal/landmark"
)

func TestMockServiceScoresPresence(t *testing.T) {
	ctx := context.Background()
	good, err := NewMockService().Analyze(ctx, testBuffer(), "Hello.")
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var recs []landmark.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, landmark.NewRecord(int64(i), base.Add(time.Duration(i)*50*time.Millisecond), nil, 0))
	}
	poor, err := NewMockService().Analyze(ctx, gesture.Seal(recs, false), "Hello.")
	require.NoError(t, err)

	assert.Greater(t, good.ConfidenceScore, poor.ConfidenceScore)
	assert.LessOrEqual(t, good.ConfidenceScore, 1.0)
	assert.Contains(t, good.Feedback, "Hello.")
	assert.NotEmpty(t, poor.Suggestions)
}

func TestMockServiceHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&MockService{Delay: time.Second}).Analyze(ctx, testBuffer(), "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPService(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"feedback":"Clear signing","confidence_score":1.4,"suggestions":["Slow down"]}`))
	}))
	defer srv.Close()

	a, err := NewHTTPService(srv.URL, srv.Client()).Analyze(context.Background(), testBuffer(), "I see a cat.")
	require.NoError(t, err)
	assert.Equal(t, "I see a cat.", got["target_sentence"])
	assert.NotNil(t, got["gesture"])
	assert.Equal(t, "Clear signing", a.Feedback)
	assert.Equal(t, 1.0, a.ConfidenceScore)
	assert.Equal(t, []string{"Slow down"}, a.Suggestions)
}

func TestHTTPServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			_, _ = w.Write([]byte(`{"confidence_score":0.5}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPService(srv.URL+"/empty", srv.Client()).Analyze(context.Background(), testBuffer(), "x")
	assert.ErrorIs(t, err, ErrEmptyAnalysis)

	_, err = NewHTTPService(srv.URL, srv.Client()).Analyze(context.Background(), testBuffer(), "x")
	assert.Error(t, err)
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSServiceRequestReply(t *testing.T) {
	ns := runNATSServer(t)
	responder, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer responder.Close()

	const subject = "signlab.feedback.analyze"
	_, err = responder.Subscribe(subject, func(m *nats.Msg) {
		var req map[string]any
		_ = json.Unmarshal(m.Data, &req)
		resp, _ := json.Marshal(Analysis{
			Feedback:        "Signed " + req["target_sentence"].(string),
			ConfidenceScore: 0.7,
		})
		_ = m.Respond(resp)
	})
	require.NoError(t, err)
	require.NoError(t, responder.Flush())

	conn, err := ConnectNATS(ns.ClientURL(), time.Second, zap.NewNop())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a, err := NewNATSService(conn, subject).Analyze(ctx, testBuffer(), "Good morning.")
	require.NoError(t, err)
	assert.Equal(t, "Signed Good morning.", a.Feedback)
	assert.InDelta(t, 0.7, a.ConfidenceScore, 1e-9)
}

func TestNATSServiceNoResponder(t *testing.T) {
	ns := runNATSServer(t)
	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewNATSService(conn, "nobody.home").Analyze(ctx, testBuffer(), "x")
	assert.Error(t, err)
}

func TestNewFeedbackServiceModes(t *testing.T) {
	svc, closeFn, err := NewFeedbackService(config.FeedbackConfig{Mode: "mock"}, nil)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &MockService{}, svc)

	svc, closeFn, err = NewFeedbackService(config.FeedbackConfig{Mode: "http", Endpoint: "http://localhost"}, nil)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &HTTPService{}, svc)

	_, _, err = NewFeedbackService(config.FeedbackConfig{Mode: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
