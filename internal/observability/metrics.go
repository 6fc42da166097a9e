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
		Name: "voice_agent_active_sessions",
		Help: "Number of open streaming voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_sessions_total",
		Help: "Total number of streaming voice sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_session_duration_seconds",
		Help:    "Duration of streaming voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_turns_total",
		Help: "Completed turns by end-of-turn trigger",
	}, []string{"trigger"}) // trigger: backend, silence, flush

	deferredTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_deferred_turns_total",
		Help: "End-of-turn signals deferred because a pipeline was in flight",
	})

	// Backend stage metrics: stage = stt, model, tts
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_stage_requests_total",
		Help: "Backend stage requests by outcome",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_stage_latency_seconds",
		Help:    "Backend stage latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Tool metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_tool_calls_total",
		Help: "Model tool invocations by tool and outcome",
	}, []string{"tool", "status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	sttQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_stt_queue_frames",
		Help: "Audio frames queued for the transcription backend across sessions",
	})

	// Registry metrics
	registrySessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_registry_sessions",
		Help: "Conversation sessions held by the session registry",
	})

	registryEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_registry_evictions_total",
		Help: "Conversation sessions evicted after idling",
	})
)

// Stage labels
const (
	StageSTT   = "stt"
	StageModel = "model"
	StageTTS   = "tts"
)

// Metrics tracks metrics for a single streaming session
type Metrics struct {
	sessionID string
	startTime time.Time
	mu        sync.Mutex
	started   map[string]time.Time
	ended     bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
		started:   make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session; repeated calls are ignored
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordStageStart marks the start of a backend stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.started[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd observes latency since the matching start and counts the outcome
func (m *Metrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	start, ok := m.started[stage]
	delete(m.started, stage)
	m.mu.Unlock()

	if ok {
		stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
	RecordStageOutcome(stage, success)
}

// RecordTurn counts a completed end-of-turn transition
func (m *Metrics) RecordTurn(trigger string) {
	turnsTotal.WithLabelValues(trigger).Inc()
}

// RecordDeferredTurn counts an end-of-turn that waited for the busy flag
func (m *Metrics) RecordDeferredTurn() {
	deferredTurns.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	RecordAudioBytes(direction, bytes)
}

// RecordStageOutcome counts a backend stage request without latency
func RecordStageOutcome(stage string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed outside of a session
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordToolCall counts a model tool invocation
func RecordToolCall(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	toolCalls.WithLabelValues(tool, status).Inc()
}

// AddSTTQueueDepth adjusts the queued transcription frame gauge
func AddSTTQueueDepth(delta int) {
	sttQueueDepth.Add(float64(delta))
}

// SetRegistrySessions reports the registry size
func SetRegistrySessions(n int) {
	registrySessions.Set(float64(n))
}

// RecordRegistryEvictions counts evicted registry entries
func RecordRegistryEvictions(n int) {
	registryEvictions.Add(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
