// Package api exposes the HTTP surface of the identity bridge: login,
// callback, disconnect, and logout per configured provider, plus health
// and metrics endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"idbridge/internal/audit"
	"idbridge/internal/auth"
	"idbridge/internal/auth/custos"
	"idbridge/internal/observability"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr logs the failure and reports 5xx responses to Sentry.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, code int, msg string, detail string) {
	attrs := []any{"status", code, "path", r.URL.Path}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	s.logger.WarnContext(r.Context(), msg, attrs...)
	if code >= 500 {
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// Options carries the server's collaborators and policy.
type Options struct {
	Adapters []*custos.Authnz
	Store    auth.Store
	Sessions auth.SessionStore
	Recorder audit.Recorder
	Logger   observability.Logger
	Metrics  *observability.Metrics

	// LoginRedirectURL is where users land after a successful login.
	LoginRedirectURL string
	SessionDuration  time.Duration

	// LoginRateLimit bounds login attempts per client IP.
	LoginRateLimit RateLimitConfig
}

// Server routes authentication requests to the provider adapters.
type Server struct {
	mux      *http.ServeMux
	adapters map[string]*custos.Authnz
	store    auth.Store
	sessions auth.SessionStore
	recorder audit.Recorder
	logger   observability.Logger
	metrics  *observability.Metrics

	loginRedirectURL string
	sessionDuration  time.Duration
	loginLimit       Middleware
}

// NewServer builds a Server over the given mux.
func NewServer(mux *http.ServeMux, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = audit.NewMemoryRecorder()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = auth.NewMemorySessionStore()
	}

	s := &Server{
		mux:              mux,
		adapters:         make(map[string]*custos.Authnz, len(opts.Adapters)),
		store:            opts.Store,
		sessions:         sessions,
		recorder:         recorder,
		logger:           logger.WithComponent("api"),
		metrics:          opts.Metrics,
		loginRedirectURL: opts.LoginRedirectURL,
		sessionDuration:  opts.SessionDuration,
		loginLimit:       RateLimitMiddleware(opts.LoginRateLimit, logger, opts.Metrics),
	}
	for _, a := range opts.Adapters {
		s.adapters[a.Provider()] = a
	}
	if s.loginRedirectURL == "" {
		s.loginRedirectURL = "/"
	}
	if s.sessionDuration <= 0 {
		s.sessionDuration = auth.DefaultSessionDuration
	}
	return s
}

// RegisterRoutes wires the HTTP routes.
func (s *Server) RegisterRoutes() {
	s.mux.Handle("GET /auth/{provider}/login", s.loginLimit(http.HandlerFunc(s.handleLogin)))
	s.mux.HandleFunc("GET /auth/{provider}/callback", s.handleCallback)
	s.mux.HandleFunc("POST /auth/{provider}/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /auth/{provider}/logout", s.handleLogout)
	s.mux.HandleFunc("GET /auditz", s.handleAuditList)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adapter resolves the {provider} path segment to a configured adapter.
func (s *Server) adapter(w http.ResponseWriter, r *http.Request) *custos.Authnz {
	name := r.PathValue("provider")
	a, ok := s.adapters[name]
	if !ok {
		s.writeErr(w, r, http.StatusNotFound, "unknown provider", name)
		return nil
	}
	return a
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }
