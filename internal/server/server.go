package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"campaignsync/internal/apperr"
	"campaignsync/internal/protocol"
	"campaignsync/internal/realtime"
)

// Server wraps HTTP handlers and configuration.
type Server struct {
	cfg             Config
	logger          *slog.Logger
	hub             *realtime.Hub
	verifier        Verifier
	ready           func(context.Context) error
	router          *mux.Router
	allowedOrigins  []string
	allowAllOrigins bool
	messageLimit    rate.Limit
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness sets the dependency probe used by /healthz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// New constructs a Server with routes and middleware configured.
func New(cfg Config, hub *realtime.Hub, verifier Verifier, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		cfg:            cfg,
		logger:         logger,
		hub:            hub,
		verifier:       verifier,
		router:         mux.NewRouter(),
		allowedOrigins: cfg.AllowedOrigins,
		messageLimit:   rate.Limit(cfg.MessageRate),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			srv.allowAllOrigins = true
		}
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.routes()
	return srv
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.loggingMiddleware(s.router))
}

// HTTPServer builds the listener-bound http.Server.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	rooms := s.router.PathPrefix("/rooms/{scope}/{id}").Subrouter()
	rooms.Use(s.requireAuth)
	rooms.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)
	rooms.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Hijack allows WebSocket handlers to upgrade the connection through the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	identity, key, ok := s.roomRequest(w, r)
	if !ok {
		return
	}
	records, err := s.hub.PresenceOf(r.Context(), identity, key)
	if err != nil {
		writeAppError(w, err)
		return
	}
	resp := presenceResponse{Room: key.String(), Users: make([]presenceUser, 0, len(records))}
	for _, rec := range records {
		resp.Users = append(resp.Users, presenceUser{
			UserID:       rec.UserID,
			DisplayName:  rec.DisplayName,
			Role:         string(rec.Role),
			Online:       rec.Online,
			Typing:       rec.Typing,
			LastActivity: rec.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	identity, key, ok := s.roomRequest(w, r)
	if !ok {
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeAppError(w, apperr.New(apperr.CodeInvalidArgument, "since must be a non-negative integer"))
			return
		}
		since = parsed
	}
	events, latest, err := s.hub.Events(r.Context(), identity, key, since)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if events == nil {
		events = []protocol.Frame{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Room: key.String(), LatestSequence: latest, Events: events})
}

func (s *Server) roomRequest(w http.ResponseWriter, r *http.Request) (realtime.Identity, realtime.RoomKey, bool) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.New(apperr.CodeUnauthenticated, "missing identity"))
		return realtime.Identity{}, realtime.RoomKey{}, false
	}
	vars := mux.Vars(r)
	key, err := realtime.NewRoomKey(vars["scope"], vars["id"])
	if err != nil {
		writeAppError(w, err)
		return realtime.Identity{}, realtime.RoomKey{}, false
	}
	return identity, key, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeAppError renders err with the same body as a WebSocket error frame.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), protocol.ErrorEnvelope{Error: protocol.ErrorBody{
		Code:      string(code),
		Message:   apperr.MessageOf(err),
		Retryable: code.Retryable(),
	}})
}
