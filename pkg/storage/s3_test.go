package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGestureArchiveKey(t *testing.T) {
	assert.Equal(t, "gestures/s1/a1.json", GestureArchiveKey("s1", "a1"))
	// Session ids come from clients and must not escape the prefix.
	assert.Equal(t, "gestures/x/a1.json", GestureArchiveKey("../../x", "a1"))
}

func TestNewS3WithStaticCredentials(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Region:          "eu-west-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		GesturesBucket:  "archive",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "archive", s.GesturesBucket())
	assert.Equal(t, "https://archive.s3.eu-west-1.amazonaws.com/gestures/s1/a1.json", s.ObjectURL("archive", GestureArchiveKey("s1", "a1")))
}
