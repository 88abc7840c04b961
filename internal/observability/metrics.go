package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "read_gateway_active_sessions",
		Help: "Number of active read-aloud sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_gateway_sessions_total",
		Help: "Total number of read-aloud sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "read_gateway_session_duration_seconds",
		Help:    "Duration of read-aloud sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	sessionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_gateway_session_outcomes_total",
		Help: "Terminal session outcomes",
	}, []string{"outcome"}) // outcome: "finished" or "cancelled"

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_gateway_synthesis_requests_total",
		Help: "Total number of speech synthesis requests",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "read_gateway_synthesis_latency_seconds",
		Help:    "Speech synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	// Document metrics
	chunksPerDocument = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "read_gateway_chunks_per_document",
		Help:    "Number of chunks a flattened document is split into",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	// Timing metrics
	wordsHighlighted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_gateway_words_highlighted_total",
		Help: "Total number of highlight events emitted",
	})

	wordMatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_gateway_word_match_failures_total",
		Help: "Backend words that could not be located in chunk text",
	})

	unmappedSpans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_gateway_unmapped_spans_total",
		Help: "Word spans that resolved to no source range",
	})

	staleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "read_gateway_stale_events_total",
		Help: "Ticks or synthesis results dropped for a stale session",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "read_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "read_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single read-aloud session
type Metrics struct {
	sessionID          uint64
	startTime          time.Time
	synthesisStartTime time.Time
	mu                 sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID uint64) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the terminal outcome of a session
func (m *Metrics) RecordSessionEnd(finished bool) {
	activeSessions.Dec()
	duration := time.Since(m.startTime).Seconds()
	sessionDuration.Observe(duration)

	outcome := "finished"
	if !finished {
		outcome = "cancelled"
	}
	sessionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSynthesisStart records the start of a synthesis request
func (m *Metrics) RecordSynthesisStart() {
	m.mu.Lock()
	m.synthesisStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisEnd records the end of a synthesis request
func (m *Metrics) RecordSynthesisEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synthesisStartTime.IsZero() {
		latency := time.Since(m.synthesisStartTime).Seconds()
		synthesisLatency.Observe(latency)
	}

	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
}

// RecordChunkCount records how many chunks a document was split into
func (m *Metrics) RecordChunkCount(count int) {
	chunksPerDocument.Observe(float64(count))
}

// RecordHighlight records one emitted highlight event
func (m *Metrics) RecordHighlight() {
	wordsHighlighted.Inc()
}

// RecordWordMatchFailure records a backend word that was not found in chunk text
func (m *Metrics) RecordWordMatchFailure() {
	wordMatchFailures.Inc()
}

// RecordUnmappedSpan records a word span that fell in an unmapped gap
func (m *Metrics) RecordUnmappedSpan() {
	unmappedSpans.Inc()
}

// RecordStaleEvent records a dropped stale-session event. Package-level
// because the session the event targeted may already be gone.
func RecordStaleEvent() {
	staleEvents.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
