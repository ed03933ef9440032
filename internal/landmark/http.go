package landmark

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/aura-signlab/backend/config"
)

const (
	requestQuality  = 80
	maxResponseBody = 1 << 20
)

// HTTPService posts frames to a detection endpoint.
type HTTPService struct {
	endpoint string
	client   *http.Client
}

// NewHTTPService creates a detector backed by endpoint.
func NewHTTPService(endpoint string, client *http.Client) *HTTPService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPService{endpoint: endpoint, client: client}
}

type detectRequest struct {
	Image      string `json:"image"`
	Complexity int    `json:"complexity"`
}

type detectResponse struct {
	LeftHand  [][]float64 `json:"left_hand"`
	RightHand [][]float64 `json:"right_hand"`
	Face      [][]float64 `json:"face"`
	Pose      [][]float64 `json:"pose"`
}

func (s *HTTPService) Detect(ctx context.Context, img image.Image, complexity int) (*Result, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: requestQuality}); err != nil {
		return nil, fmt.Errorf("encode detection request: %w", err)
	}
	body, err := json.Marshal(detectRequest{
		Image:      base64.StdEncoding.EncodeToString(buf.Bytes()),
		Complexity: complexity,
	})
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
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var out detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}
	left, err := toPoints(out.LeftHand)
	if err != nil {
		return nil, fmt.Errorf("left_hand: %w", err)
	}
	right, err := toPoints(out.RightHand)
	if err != nil {
		return nil, fmt.Errorf("right_hand: %w", err)
	}
	face, err := toPoints(out.Face)
	if err != nil {
		return nil, fmt.Errorf("face: %w", err)
	}
	pose, err := toPoints(out.Pose)
	if err != nil {
		return nil, fmt.Errorf("pose: %w", err)
	}
	return &Result{LeftHand: left, RightHand: right, Face: face, Pose: pose}, nil
}

func toPoints(raw [][]float64) ([]Point, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	pts := make([]Point, 0, len(raw))
	for i, c := range raw {
		switch len(c) {
		case 2:
			pts = append(pts, Point{X: c[0], Y: c[1]})
		case 3:
			pts = append(pts, Point{X: c[0], Y: c[1], Z: c[2]})
		default:
			return nil, fmt.Errorf("point %d has %d coordinates", i, len(c))
		}
	}
	return pts, nil
}

// NewService builds the detector selected by cfg.Mode.
func NewService(cfg config.LandmarkConfig, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Mode {
	case "", "mock":
		logger.Info("landmark detection using mock service")
		return NewMockService(), nil
	case "http":
		logger.Info("landmark detection using http service", zap.String("endpoint", cfg.Endpoint))
		return NewHTTPService(cfg.Endpoint, &http.Client{}), nil
	default:
		return nil, fmt.Errorf("unknown landmark mode %q", cfg.Mode)
	}
}
