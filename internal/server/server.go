// Package server exposes the gateway over HTTP: the /ws voice session, the
// request/response chat endpoints, key updates, static files and health.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/protocol"
	"github.com/lexiqai/voice-agent/internal/registry"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/turn"
)

// Transcriber turns a recorded file into text
type Transcriber interface {
	Transcribe(ctx context.Context, r io.Reader) (string, error)
}

// SpeechGenerator renders text to a hosted audio file and returns its URL
type SpeechGenerator interface {
	Generate(ctx context.Context, text string) (string, error)
}

// Deps are the backends the server wires into sessions and handlers
type Deps struct {
	Credentials   *config.Credentials
	Opener        stt.Opener
	Transcriber   Transcriber
	Speech        SpeechGenerator
	Conversations *registry.Registry

	// NewResponder creates the conversation of one /ws session
	NewResponder func(sessionID string) turn.Responder

	// NewVoice creates the streaming synthesizer of one /ws session
	NewVoice func(sink protocol.Sink) turn.Synthesizer

	// Checks back /ready
	Checks map[string]observability.HealthCheckFunc
}

type Server struct {
	cfg      *config.Config
	deps     Deps
	logger   zerolog.Logger
	mux      *http.ServeMux
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  observability.ForComponent("server"),
		mux:     http.NewServeMux(),
		limiter: NewLimiter(cfg.HTTPRateLimitRPS, cfg.HTTPRateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients are served from any origin during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", observability.HealthCheckHandler())
	s.mux.HandleFunc("/ready", observability.ReadinessHandler(s.deps.Checks))
	if s.cfg.MetricsEnabled {
		s.mux.Handle("/metrics", promhttp.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("POST /audio", s.handleAudio)
	s.mux.HandleFunc("POST /transcribe/file", s.handleTranscribeFile)
	s.mux.HandleFunc("POST /tts/echo", s.handleEcho)
	s.mux.HandleFunc("POST /agent/chat/{session}", s.handleAgentChat)
	s.mux.HandleFunc("GET /agent/chat/{session}/history", s.handleHistory)
	s.mux.HandleFunc("DELETE /agent/chat/{session}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/keys", s.handleKeys)

	if dir := s.cfg.StaticDir; dir != "" {
		s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
		s.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		})
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = RateLimit(s.limiter, h)
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
