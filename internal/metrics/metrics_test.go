package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFrame(t *testing.T) {
	framesTotal.Reset()

	RecordFrame("processed")
	RecordFrame("processed")
	RecordFrame("dropped")

	assert.Equal(t, 2.0, testutil.ToFloat64(framesTotal.WithLabelValues("processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(framesTotal.WithLabelValues("dropped")))
}

func TestConnectionGauge(t *testing.T) {
	connectionsActive.Set(0)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionsActive))
}

func TestFeedbackAndSteps(t *testing.T) {
	feedbackTotal.Reset()
	optimizerStepsTotal.Reset()

	RecordFeedback(false)
	RecordFeedback(true)
	RecordOptimizerStep("degrade", "resolution")

	assert.Equal(t, 1.0, testutil.ToFloat64(feedbackTotal.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(optimizerStepsTotal.WithLabelValues("degrade", "resolution")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	SetResourceSample(42, 512)
	ObserveStage("decode", 0.003)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "signlab_process_cpu_percent 42")
	assert.Contains(t, string(body), "signlab_stage_duration_seconds")
}
