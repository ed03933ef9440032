package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-signlab/backend/internal/models"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func jpegPayload(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), &jpeg.Options{Quality: 90}))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func profile(w, h, q int) models.QualityProfile {
	return models.QualityProfile{Resolution: models.Resolution{Width: w, Height: h}, EncodeQuality: q, DetectionComplexity: models.ComplexityFull}
}

func TestDecodePlainAndDataURL(t *testing.T) {
	c := New()
	payload := jpegPayload(t, 64, 48)

	frame, err := c.Decode(payload, 1)
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Width())
	assert.Equal(t, 48, frame.Height())
	assert.Equal(t, "jpeg", frame.Format)
	assert.Equal(t, int64(1), frame.Sequence)

	frame, err = c.Decode("data:image/jpeg;base64,"+payload, 2)
	require.NoError(t, err)
	assert.Equal(t, 64, frame.Width())
}

func TestDecodePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(10, 20)))

	frame, err := New().Decode(base64.StdEncoding.EncodeToString(buf.Bytes()), 3)
	require.NoError(t, err)
	assert.Equal(t, "png", frame.Format)
	assert.Equal(t, 20, frame.Height())
}

func TestDecodeMalformedPayloads(t *testing.T) {
	valid := jpegPayload(t, 32, 32)
	raw, _ := base64.StdEncoding.DecodeString(valid)
	truncated := base64.StdEncoding.EncodeToString(raw[:len(raw)/3])

	cases := map[string]string{
		"empty":          "",
		"not base64":     "%%%not-base64%%%",
		"not an image":   base64.StdEncoding.EncodeToString([]byte("hello world")),
		"truncated jpeg": truncated,
		"data url no b64": "data:image/jpeg," + valid,
	}
	c := New()
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			frame, err := c.Decode(payload, 9)
			assert.Nil(t, frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode))
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, int64(9), de.Sequence)
		})
	}
}

func TestEncodeRoundTripPreservesDimensions(t *testing.T) {
	c := New()
	frame, err := c.Decode(jpegPayload(t, 320, 240), 1)
	require.NoError(t, err)

	raw, metrics, err := c.Encode(frame, profile(640, 480, 80))
	require.NoError(t, err)
	assert.Equal(t, 320, raw.Width)
	assert.Equal(t, 240, raw.Height)
	assert.Equal(t, 80, metrics.Quality)
	assert.Equal(t, 320*240*3, metrics.OriginalSize)
	assert.Equal(t, len(raw.Payload), metrics.CompressedSize)
	assert.Greater(t, metrics.CompressionRatio, 1.0)

	again, err := c.Decode(raw.DataURL(), 2)
	require.NoError(t, err)
	assert.Equal(t, frame.Width(), again.Width())
	assert.Equal(t, frame.Height(), again.Height())
}

func TestEncodeDownsizesKeepingAspect(t *testing.T) {
	c := New()
	frame, err := c.Decode(jpegPayload(t, 640, 480), 1)
	require.NoError(t, err)

	raw, metrics, err := c.Encode(frame, profile(320, 320, 70))
	require.NoError(t, err)
	assert.Equal(t, 320, raw.Width)
	assert.Equal(t, 240, raw.Height)
	assert.Equal(t, 320, metrics.Width)

	decoded, err := c.Decode(raw.DataURL(), 2)
	require.NoError(t, err)
	assert.Equal(t, 320, decoded.Width())
	assert.Equal(t, 240, decoded.Height())
}

func TestEncodeClampsQuality(t *testing.T) {
	c := New()
	frame, err := c.Decode(jpegPayload(t, 16, 16), 1)
	require.NoError(t, err)

	_, metrics, err := c.Encode(frame, profile(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, MinQuality, metrics.Quality)

	_, metrics, err = c.Encode(frame, profile(0, 0, 400))
	require.NoError(t, err)
	assert.Equal(t, MaxQuality, metrics.Quality)
}

func TestEncodeNilFrame(t *testing.T) {
	_, _, err := New().Encode(nil, profile(1, 1, 50))
	assert.Error(t, err)
}

func TestFitWithin(t *testing.T) {
	w, h := fitWithin(1920, 1080, 640, 480)
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	w, h = fitWithin(100, 50, 640, 480)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)

	w, h = fitWithin(1000, 10, 10, 10)
	assert.Equal(t, 10, w)
	assert.Equal(t, 1, h)
}
