package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_plugins_active_sessions",
		Help: "Number of open adapter sessions",
	}, []string{"adapter"}) // adapter: "stt", "tts", "pipeline"

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_sessions_total",
		Help: "Total number of adapter sessions opened",
	}, []string{"adapter"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_plugins_session_duration_seconds",
		Help:    "Lifetime of adapter sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"adapter"})

	// STT metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_stt_transcript_events_total",
		Help: "Transcript events delivered, by kind",
	}, []string{"kind"}) // kind: "interim", "final", "end_of_utterance", "error"

	sttOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_plugins_stt_frame_overruns_total",
		Help: "Audio frames rejected because the frame queue was full",
	})

	sttReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_plugins_stt_reconnects_total",
		Help: "Realtime speech stream re-open attempts",
	})

	// LLM metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_llm_requests_total",
		Help: "Chat completion requests, by backend and outcome",
	}, []string{"backend", "status"})

	llmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_plugins_llm_latency_seconds",
		Help:    "Chat completion latency to stream end in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"backend"})

	llmTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_plugins_llm_stream_deltas_total",
		Help: "Text deltas emitted from completion streams",
	})

	llmToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_llm_tool_calls_total",
		Help: "Tool call selections emitted, by tool name",
	}, []string{"tool"})

	// TTS metrics
	ttsSyntheses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_tts_syntheses_total",
		Help: "Synthesis unit requests, by outcome",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_plugins_tts_latency_seconds",
		Help:    "Per-unit synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	ttsCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_tts_cache_lookups_total",
		Help: "Audio cache lookups, by result",
	}, []string{"result"}) // result: "hit", "miss"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_errors_total",
		Help: "Adapter errors surfaced to the host, by kind and component",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_plugins_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_plugins_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// RecordSessionOpen records an adapter session being opened
func RecordSessionOpen(adapter string) {
	activeSessions.WithLabelValues(adapter).Inc()
	totalSessions.WithLabelValues(adapter).Inc()
}

// RecordSessionClose records an adapter session ending
func RecordSessionClose(adapter string, started time.Time) {
	activeSessions.WithLabelValues(adapter).Dec()
	sessionDuration.WithLabelValues(adapter).Observe(time.Since(started).Seconds())
}

// RecordTranscriptEvent records one delivered transcript event
func RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordSTTOverrun records a frame rejected by the bounded queue
func RecordSTTOverrun() {
	sttOverruns.Inc()
}

// RecordSTTReconnect records a realtime stream re-open
func RecordSTTReconnect() {
	sttReconnects.Inc()
}

// RecordLLMRequest records the outcome of one completion call
func RecordLLMRequest(backend string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(backend, status).Inc()
}

// RecordLLMLatency records time from request to stream end
func RecordLLMLatency(backend string, started time.Time) {
	llmLatency.WithLabelValues(backend).Observe(time.Since(started).Seconds())
}

// RecordLLMDelta records one streamed text delta
func RecordLLMDelta() {
	llmTokens.Inc()
}

// RecordToolCall records a tool selection
func RecordToolCall(tool string) {
	llmToolCalls.WithLabelValues(tool).Inc()
}

// RecordSynthesis records the outcome and latency of one synthesis unit
func RecordSynthesis(success bool, started time.Time) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsSyntheses.WithLabelValues(status).Inc()
	ttsLatency.Observe(time.Since(started).Seconds())
}

// RecordCacheLookup records an audio cache hit or miss
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	ttsCacheLookups.WithLabelValues(result).Inc()
}

// RecordError records an adapter error surfaced to the host
func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, n int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// SessionMetrics tracks timing for one pipeline session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	turnStart time.Time
	mu        sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for one pipeline session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	RecordSessionOpen("pipeline")
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// TurnStarted marks the beginning of an LLM turn
func (m *SessionMetrics) TurnStarted() {
	m.mu.Lock()
	m.turnStart = time.Now()
	m.mu.Unlock()
}

// TurnEnded records latency for the turn that just finished
func (m *SessionMetrics) TurnEnded(backend string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.turnStart.IsZero() {
		RecordLLMLatency(backend, m.turnStart)
	}
	RecordLLMRequest(backend, success)
}

// Closed records the end of the pipeline session
func (m *SessionMetrics) Closed() {
	RecordSessionClose("pipeline", m.startTime)
}
