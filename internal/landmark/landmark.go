// Package landmark wraps the external landmark detection service and turns
// its output into per-frame presence records.
package landmark

import (
	"context"
	"errors"
	"image"
	"math"
	"time"
)

// Point is a normalized landmark coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Result is the raw output of one detection call.
type Result struct {
	LeftHand  []Point `json:"left_hand,omitempty"`
	RightHand []Point `json:"right_hand,omitempty"`
	Face      []Point `json:"face,omitempty"`
	Pose      []Point `json:"pose,omitempty"`
}

// HandsPresent reports whether either hand was detected.
func (r *Result) HandsPresent() bool {
	return r != nil && (len(r.LeftHand) > 0 || len(r.RightHand) > 0)
}

// HandPosition returns the centroid of all detected hand points.
func (r *Result) HandPosition() (Point, bool) {
	if !r.HandsPresent() {
		return Point{}, false
	}
	var sum Point
	n := 0
	for _, hand := range [][]Point{r.LeftHand, r.RightHand} {
		for _, p := range hand {
			sum.X += p.X
			sum.Y += p.Y
			sum.Z += p.Z
			n++
		}
	}
	return Point{X: sum.X / float64(n), Y: sum.Y / float64(n), Z: sum.Z / float64(n)}, true
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Service is the external landmark detection capability.
type Service interface {
	Detect(ctx context.Context, img image.Image, complexity int) (*Result, error)
}

// Error tags carried by degraded records.
const (
	ErrTagTimeout     = "detection_timeout"
	ErrTagUnavailable = "detection_unavailable"
	ErrTagEmpty       = "detection_empty"
	ErrTagNoFrame     = "no_frame"
)

var (
	// ErrEmptyResult is returned by services that answered without a payload.
	ErrEmptyResult = errors.New("landmark service returned no result")
	// ErrUnavailable is returned when the service cannot be reached.
	ErrUnavailable = errors.New("landmark service unavailable")
)

// Record is the per-frame summary fed to the gesture segmenter. Records are
// immutable once built.
type Record struct {
	FrameNumber   int64         `json:"frame_number"`
	Timestamp     time.Time     `json:"timestamp"`
	HandsPresent  bool          `json:"hands"`
	FacePresent   bool          `json:"face"`
	PosePresent   bool          `json:"pose"`
	DetectionTime time.Duration `json:"-"`
	DetectionMS   float64       `json:"detection_ms"`
	Degraded      bool          `json:"degraded"`
	Error         string        `json:"error,omitempty"`
	Landmarks     *Result       `json:"landmarks,omitempty"`
	HandPosition  Point         `json:"hand_position"`
}

// NewRecord builds a record from a detection result. A nil result yields a
// record with no landmarks.
func NewRecord(frameNumber int64, ts time.Time, res *Result, elapsed time.Duration) Record {
	rec := Record{
		FrameNumber:   frameNumber,
		Timestamp:     ts,
		DetectionTime: elapsed,
		DetectionMS:   float64(elapsed.Microseconds()) / 1000,
		Landmarks:     res,
	}
	if res == nil {
		return rec
	}
	rec.HandsPresent = res.HandsPresent()
	rec.FacePresent = len(res.Face) > 0
	rec.PosePresent = len(res.Pose) > 0
	rec.HandPosition, _ = res.HandPosition()
	return rec
}

// DegradedRecord builds a record for a failed detection.
func DegradedRecord(frameNumber int64, ts time.Time, elapsed time.Duration, tag string) Record {
	return Record{
		FrameNumber:   frameNumber,
		Timestamp:     ts,
		DetectionTime: elapsed,
		DetectionMS:   float64(elapsed.Microseconds()) / 1000,
		Degraded:      true,
		Error:         tag,
	}
}
