// Package codec decodes inbound camera frames and re-encodes processed frames
// for the client at the quality the optimizer currently allows.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"golang.org/x/image/draw"

	_ "image/gif" // Register GIF decoder
	_ "image/png" // Register PNG decoder

	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/aura-signlab/backend/internal/models"
)

const (
	// MinQuality is the JPEG quality used when the requested quality is rejected.
	MinQuality = 10
	// MaxQuality is the highest JPEG quality the encoder accepts.
	MaxQuality = 100
	// MIMETypeJPEG is the content type of every encoded frame.
	MIMETypeJPEG = "image/jpeg"

	dataURLPrefix = "data:"
	base64Marker  = ";base64,"
)

// ErrDecode is wrapped by every DecodeError.
var ErrDecode = errors.New("decode frame")

// DecodeError reports a malformed or truncated frame payload.
type DecodeError struct {
	Sequence int64
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame %d: %s: %v", e.Sequence, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode frame %d: %s", e.Sequence, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

// DecodedFrame is a pixel buffer ready for landmark detection.
type DecodedFrame struct {
	Image      image.Image
	Sequence   int64
	Format     string
	DecodedAt  time.Time
	DecodeTime time.Duration
	// Payload is the inbound encoded frame, kept for degraded pass-through.
	Payload string
}

// Width returns the frame width in pixels.
func (f *DecodedFrame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *DecodedFrame) Height() int { return f.Image.Bounds().Dy() }

// RawFrame is an encoded frame payload.
type RawFrame struct {
	Payload  []byte
	Width    int
	Height   int
	Sequence int64
}

// DataURL renders the payload as a base64 JPEG data URL for the wire.
func (r *RawFrame) DataURL() string {
	return dataURLPrefix + MIMETypeJPEG + base64Marker + base64.StdEncoding.EncodeToString(r.Payload)
}

// EncodingMetrics describes one encode call.
type EncodingMetrics struct {
	EncodeTime       time.Duration `json:"-"`
	EncodeMS         float64       `json:"encode_ms"`
	CompressedSize   int           `json:"compressed_size"`
	OriginalSize     int           `json:"original_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	Quality          int           `json:"quality"`
	Width            int           `json:"width"`
	Height           int           `json:"height"`
}

// Codec converts between wire payloads and pixel buffers. It is stateless and
// safe for concurrent use.
type Codec struct {
	now func() time.Time
}

// New creates a frame codec.
func New() *Codec {
	return &Codec{now: time.Now}
}

// Decode parses a base64 image payload, optionally wrapped in a data URL.
func (c *Codec) Decode(payload string, seq int64) (*DecodedFrame, error) {
	start := c.now()
	data, err := payloadBytes(payload)
	if err != nil {
		return nil, &DecodeError{Sequence: seq, Reason: "invalid base64 payload", Err: err}
	}
	if len(data) == 0 {
		return nil, &DecodeError{Sequence: seq, Reason: "empty payload"}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Sequence: seq, Reason: "unreadable image", Err: err}
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &DecodeError{Sequence: seq, Reason: "image has no pixels"}
	}
	end := c.now()
	return &DecodedFrame{
		Image:      img,
		Sequence:   seq,
		Format:     format,
		DecodedAt:  end,
		DecodeTime: end.Sub(start),
		Payload:    payload,
	}, nil
}

// Encode downsizes the frame to fit the profile resolution and encodes it as
// JPEG. A rejected quality is retried once at MinQuality.
func (c *Codec) Encode(frame *DecodedFrame, profile models.QualityProfile) (*RawFrame, *EncodingMetrics, error) {
	if frame == nil || frame.Image == nil {
		return nil, nil, errors.New("encode: nil frame")
	}
	start := c.now()

	img := frame.Image
	w, h := fitWithin(frame.Width(), frame.Height(), profile.Resolution.Width, profile.Resolution.Height)
	if w != frame.Width() || h != frame.Height() {
		img = resize(img, w, h)
	}

	quality := clampQuality(profile.EncodeQuality)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		buf.Reset()
		quality = MinQuality
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, nil, fmt.Errorf("encode frame %d: %w", frame.Sequence, err)
		}
	}

	elapsed := c.now().Sub(start)
	original := frame.Width() * frame.Height() * 3
	metrics := &EncodingMetrics{
		EncodeTime:     elapsed,
		EncodeMS:       float64(elapsed.Microseconds()) / 1000,
		CompressedSize: buf.Len(),
		OriginalSize:   original,
		Quality:        quality,
		Width:          w,
		Height:         h,
	}
	if buf.Len() > 0 {
		metrics.CompressionRatio = float64(original) / float64(buf.Len())
	}
	return &RawFrame{Payload: buf.Bytes(), Width: w, Height: h, Sequence: frame.Sequence}, metrics, nil
}

func payloadBytes(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, dataURLPrefix) {
		idx := strings.Index(payload, base64Marker)
		if idx < 0 {
			return nil, errors.New("data URL is not base64 encoded")
		}
		payload = payload[idx+len(base64Marker):]
	}
	return base64.StdEncoding.DecodeString(payload)
}

func clampQuality(q int) int {
	if q < 1 {
		return MinQuality
	}
	if q > MaxQuality {
		return MaxQuality
	}
	return q
}

// fitWithin returns dimensions that fit inside maxW x maxH with the aspect
// ratio kept. It never upscales; a zero limit means unbounded.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	ratio := 1.0
	if maxW > 0 && w > maxW {
		ratio = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if r := float64(maxH) / float64(h); r < ratio {
			ratio = r
		}
	}
	if ratio >= 1 {
		return w, h
	}
	tw := int(float64(w) * ratio)
	th := int(float64(h) * ratio)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

func resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
