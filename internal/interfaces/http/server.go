package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/broadcast"
)

// Config holds server configuration. Tokens maps bearer tokens onto producer
// identities; the ingest path uses the identity for ownership checks.
type Config struct {
	Addr         string            `yaml:"addr"`
	Tokens       map[string]string `yaml:"tokens"` // token -> producer
	ReadTimeout  time.Duration     `yaml:"-"`
	WriteTimeout time.Duration     `yaml:"-"`
	IdleTimeout  time.Duration     `yaml:"-"`
}

// Server is the HTTP surface: producer ingest, read queries, the admin
// surface, metrics, and the websocket subscription endpoint.
type Server struct {
	router *mux.Router
	server *http.Server
	h      *Handlers
	cfg    Config
}

// NewServer wires routes and middleware. hub may be nil when the websocket
// surface is disabled (tests).
func NewServer(cfg Config, h *Handlers, hub *broadcast.Hub) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8090"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{router: mux.NewRouter(), h: h, cfg: cfg}
	s.setupRoutes(hub)
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(hub *broadcast.Hub) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.h.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/composite", s.h.Composite).Methods(http.MethodGet)
	s.router.HandleFunc("/composite/history", s.h.CompositeHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/factors/{factor_id}/history", s.h.FactorHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/signals", s.h.ActiveSignals).Methods(http.MethodGet)
	s.router.HandleFunc("/breaker", s.h.BreakerStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/outcomes/hitrates", s.h.HitRates).Methods(http.MethodGet)

	if hub != nil {
		s.router.HandleFunc("/subscribe", broadcast.WSHandler(hub)).Methods(http.MethodGet)
	}

	ingest := s.router.PathPrefix("/ingest").Subrouter()
	ingest.Use(s.authMiddleware)
	ingest.HandleFunc("/factor", s.h.IngestFactor).Methods(http.MethodPost)
	ingest.HandleFunc("/breaker", s.h.IngestTrigger).Methods(http.MethodPost)
	ingest.HandleFunc("/signal", s.h.IngestSignal).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)
	admin.HandleFunc("/override", s.h.SetOverride).Methods(http.MethodPost)
	admin.HandleFunc("/override", s.h.ClearOverride).Methods(http.MethodDelete)
	admin.HandleFunc("/breaker/reset", s.h.ResetBreaker).Methods(http.MethodPost)
	admin.HandleFunc("/signals/{signal_id}", s.h.DismissSignal).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(s.h.NotFound)
}

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxProducer
)

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxRequestID).(string); ok {
		return id
	}
	return "unknown"
}

func producerFrom(ctx context.Context) string {
	if p, ok := ctx.Value(ctxProducer).(string); ok {
		return p
	}
	return ""
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).
					Str("path", r.URL.Path).Msg("handler panic")
				s.h.writeError(w, r, http.StatusInternalServerError, "", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the bearer token to a producer identity. The
// ownership gate downstream needs the identity, not just a yes/no.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		producer, ok := s.cfg.Tokens[token]
		if token == "" || !ok {
			s.h.writeError(w, r, http.StatusUnauthorized, "", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxProducer, producer)))
	})
}

// Handler exposes the router, for tests and in-process mounting.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("http server starting")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
