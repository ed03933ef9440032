// Package metrics exposes Prometheus collectors for the streaming pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signlab"

var (
	// framesTotal counts frames by outcome.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames handled by the connection pipeline",
		},
		[]string{"status"}, // received, processed, dropped, failed
	)

	// stageDuration is a histogram of per-stage processing time.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"}, // decode, detect, encode, frame
	)

	// gesturesTotal counts segmenter outcomes.
	gesturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gestures_total",
			Help:      "Gesture buffers by outcome",
		},
		[]string{"outcome"}, // sealed, force_sealed, discarded
	)

	// feedbackTotal counts delivered feedback.
	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback messages delivered to clients",
		},
		[]string{"kind"}, // analysis, fallback
	)

	// optimizerStepsTotal counts quality profile changes.
	optimizerStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_steps_total",
			Help:      "Quality profile changes applied by the optimizer",
		},
		[]string{"direction", "step"},
	)

	// outboundDroppedTotal counts messages dropped on full send buffers.
	outboundDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped because the send buffer was full",
		},
	)

	// connectionsActive is the number of open streaming connections.
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open streaming connections",
		},
	)

	// processCPU and processMemory mirror the latest resource sample.
	processCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Latest sampled process CPU usage in percent",
		},
	)
	processMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_memory_megabytes",
			Help:      "Latest sampled process resident memory in MB",
		},
	)

	allMetrics = []prometheus.Collector{
		framesTotal,
		stageDuration,
		gesturesTotal,
		feedbackTotal,
		optimizerStepsTotal,
		outboundDroppedTotal,
		connectionsActive,
		processCPU,
		processMemory,
	}
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process registry with all collectors and the Go
// runtime collectors registered.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(allMetrics...)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordFrame counts a frame outcome.
func RecordFrame(status string) {
	framesTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a stage duration in seconds.
func ObserveStage(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordGesture counts a segmenter outcome.
func RecordGesture(outcome string) {
	gesturesTotal.WithLabelValues(outcome).Inc()
}

// RecordFeedback counts delivered feedback.
func RecordFeedback(fallback bool) {
	kind := "analysis"
	if fallback {
		kind = "fallback"
	}
	feedbackTotal.WithLabelValues(kind).Inc()
}

// RecordOptimizerStep counts a degrade or recover step.
func RecordOptimizerStep(direction, step string) {
	optimizerStepsTotal.WithLabelValues(direction, step).Inc()
}

// RecordOutboundDropped counts a dropped outbound message.
func RecordOutboundDropped() {
	outboundDroppedTotal.Inc()
}

// ConnectionOpened and ConnectionClosed track the active connection gauge.
func ConnectionOpened() { connectionsActive.Inc() }

func ConnectionClosed() { connectionsActive.Dec() }

// SetResourceSample mirrors a resource sample into gauges.
func SetResourceSample(cpuPercent, memoryMB float64) {
	processCPU.Set(cpuPercent)
	processMemory.Set(memoryMB)
}
