// Package server exposes the relay over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"VoiceRelay/internal/journal"
	"VoiceRelay/internal/relay"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// APIPrefix is the path prefix of every API route.
const APIPrefix = "/api/v1"

// Relay is the orchestrator the handlers delegate to.
type Relay interface {
	Converse(ctx context.Context, in relay.ChatInput) (*relay.Reply, error)
	Speak(ctx context.Context, in relay.SpeechInput) (*relay.Reply, error)
	Transcribe(ctx context.Context, in relay.TranscriptionInput) (*relay.Transcript, error)
}

// Journal records completed requests.
type Journal interface {
	RecordAsync(e journal.Entry)
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Options configures a Server. Zero values are usable.
type Options struct {
	// Production hides error messages and diagnostics of 5xx responses.
	Production bool
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	RequestsPerMinute int
	Burst             int

	// Journal is optional.
	Journal Journal

	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Server routes requests to the relay.
type Server struct {
	relay   Relay
	journal Journal

	production bool
	origins    []string
	allowAll   bool

	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	limiter  *clientLimiter
	upgrader websocket.Upgrader

	started time.Time
	handler http.Handler
}

// New builds a Server around r.
func New(r Relay, opts Options) *Server {
	s := &Server{
		relay:      r,
		journal:    opts.Journal,
		production: opts.Production,
		origins:    opts.CORSOrigins,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		started:    time.Now(),
	}
	for _, o := range s.origins {
		if o == "*" {
			s.allowAll = true
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = tracenoop.NewTracerProvider().Tracer("server")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("server")
	}
	s.requests, _ = meter.Int64Counter(
		"relay.requests",
		metric.WithDescription("Number of HTTP requests served"),
	)
	if s.requests == nil {
		s.requests, _ = metricnoop.NewMeterProvider().Meter("server").Int64Counter("relay.requests")
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = newClientLimiter(opts.RequestsPerMinute, opts.Burst)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = chain(mux,
		s.withRequestID,
		s.withAccessLog,
		s.withRecover,
		s.withTracing,
		withSecurityHeaders,
		s.withCORS,
		s.withRateLimit,
		withBodyLimit,
	)
	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+APIPrefix+"/health", s.handleHealth)
	mux.HandleFunc("POST "+APIPrefix+"/chat", s.handleChat(relay.ModeText))
	mux.HandleFunc("POST "+APIPrefix+"/chat-tts", s.handleChat(relay.ModeAudio))
	mux.HandleFunc("POST "+APIPrefix+"/tts", s.handleTTS)
	mux.HandleFunc("POST "+APIPrefix+"/stt", s.handleSTT)
	mux.HandleFunc("GET "+APIPrefix+"/journal", s.handleJournal)
	mux.HandleFunc("GET "+APIPrefix+"/ws", s.handleWS)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": "voicerelay", "status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "Not Found",
		"path":  r.URL.RequestURI(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
