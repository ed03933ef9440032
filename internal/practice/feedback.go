package practice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/gesture"
)

// Analysis is the feedback service's verdict on one attempt.
type Analysis struct {
	Feedback        string   `json:"feedback"`
	ConfidenceScore float64  `json:"confidence_score"`
	Suggestions     []string `json:"suggestions"`
}

// FeedbackService turns a gesture buffer into feedback for a target sentence.
type FeedbackService interface {
	Analyze(ctx context.Context, buf *gesture.Buffer, target string) (*Analysis, error)
}

// ErrEmptyAnalysis is returned when a service answers without feedback text.
var ErrEmptyAnalysis = errors.New("feedback service returned empty analysis")

// analyzeRequest is the payload sent to remote feedback services.
type analyzeRequest struct {
	TargetSentence string          `json:"target_sentence"`
	Gesture        *gesture.Buffer `json:"gesture"`
}

// MockService scores attempts from hand presence and duration.
type MockService struct {
	Delay time.Duration
}

// NewMockService creates a heuristic feedback service.
func NewMockService() *MockService { return &MockService{} }

func (m *MockService) Analyze(ctx context.Context, buf *gesture.Buffer, target string) (*Analysis, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, errors.New("no gesture to analyze")
	}

	presence := buf.HandPresenceRatio()
	durationScore := math.Min(buf.Duration().Seconds()/2, 1)
	score := math.Round((0.6*presence+0.4*durationScore)*100) / 100

	a := &Analysis{ConfidenceScore: score}
	switch {
	case score >= 0.8:
		a.Feedback = fmt.Sprintf("Nice signing of %q. Your hands stayed clearly in view.", target)
		a.Suggestions = []string{"Try the sentence again at a natural pace"}
	case score >= 0.5:
		a.Feedback = fmt.Sprintf("Good attempt at %q. Some handshapes were hard to follow.", target)
		a.Suggestions = []string{"Keep both hands inside the camera frame", "Hold the final sign briefly before pausing"}
	default:
		a.Feedback = fmt.Sprintf("We could not follow your signing of %q.", target)
		a.Suggestions = []string{"Move closer to the camera", "Make sure your hands are well lit", "Sign a little more slowly"}
	}
	return a, nil
}

// HTTPService posts gestures to a feedback endpoint.
type HTTPService struct {
	endpoint string
	client   *http.Client
}

// NewHTTPService creates a feedback client for endpoint.
func NewHTTPService(endpoint string, client *http.Client) *HTTPService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPService{endpoint: endpoint, client: client}
}

func (s *HTTPService) Analyze(ctx context.Context, buf *gesture.Buffer, target string) (*Analysis, error) {
	body, err := json.Marshal(analyzeRequest{TargetSentence: target, Gesture: buf})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("feedback service returned status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return decodeAnalysis(data)
}

// NATSService sends analysis requests over NATS request/reply.
type NATSService struct {
	conn    *nats.Conn
	subject string
}

// NewNATSService uses an established connection.
func NewNATSService(conn *nats.Conn, subject string) *NATSService {
	return &NATSService{conn: conn, subject: subject}
}

func (s *NATSService) Analyze(ctx context.Context, buf *gesture.Buffer, target string) (*Analysis, error) {
	body, err := json.Marshal(analyzeRequest{TargetSentence: target, Gesture: buf})
	if err != nil {
		return nil, err
	}
	msg, err := s.conn.RequestWithContext(ctx, s.subject, body)
	if err != nil {
		return nil, fmt.Errorf("feedback request on %s: %w", s.subject, err)
	}
	return decodeAnalysis(msg.Data)
}

func decodeAnalysis(data []byte) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode feedback response: %w", err)
	}
	if a.Feedback == "" {
		return nil, ErrEmptyAnalysis
	}
	if a.ConfidenceScore < 0 {
		a.ConfidenceScore = 0
	}
	if a.ConfidenceScore > 1 {
		a.ConfidenceScore = 1
	}
	return &a, nil
}

// ConnectNATS dials the feedback bus.
func ConnectNATS(url string, timeout time.Duration, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("signlab-backend"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return conn, nil
}

// NewFeedbackService builds the service selected by cfg.Mode. The returned
// close function releases any connection it opened.
func NewFeedbackService(cfg config.FeedbackConfig, logger *zap.Logger) (FeedbackService, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "", "mock":
		logger.Info("feedback generation using mock service")
		return NewMockService(), func() {}, nil
	case "http":
		logger.Info("feedback generation using http service", zap.String("endpoint", cfg.Endpoint))
		return NewHTTPService(cfg.Endpoint, &http.Client{}), func() {}, nil
	case "nats":
		conn, err := ConnectNATS(cfg.NATSURL, 5*time.Second, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("feedback generation using nats", zap.String("subject", cfg.NATSSubject))
		return NewNATSService(conn, cfg.NATSSubject), func() {
			_ = conn.Drain()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown feedback mode %q", cfg.Mode)
	}
}
