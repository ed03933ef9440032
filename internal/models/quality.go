package models

import "fmt"

// Detection complexity levels understood by the landmark service.
const (
	ComplexityLite  = 0
	ComplexityFull  = 1
	ComplexityHeavy = 2
)

// Resolution is a target frame size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// QualityProfile is the resolution, encode quality and detection complexity
// applied to new frames. It is a value type; holders replace it whole.
type QualityProfile struct {
	Resolution          Resolution `json:"resolution"`
	EncodeQuality       int        `json:"encode_quality"`
	DetectionComplexity int        `json:"detection_complexity"`
}
