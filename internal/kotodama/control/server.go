// Package control implements the read-only HTTP control server used to
// check on a running bot and inspect what it remembers.
//
// Bearer-token authentication: set Handlers.Token to require
// "Authorization: Bearer <token>" on every request. When Token is empty
// authentication is disabled (dev/test mode).
//
// Endpoints:
//
//	GET /health                 → HealthResponse
//	GET /status                 → StatusResponse
//	GET /scopes                 → []store.ScopeInfo
//	GET /scopes/{scope}/blocks  → []memory.Block
//	GET /scopes/{scope}/buffer  → BufferResponse
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kotodama-bot/kotodama/common/redact"
	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
	"github.com/kotodama-bot/kotodama/internal/kotodama/store"
)

// Inspector reads scope state for the inspection endpoints.
type Inspector interface {
	ListScopes(ctx context.Context) ([]store.ScopeInfo, error)
	Repository(id string) memory.Repository
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Bot    string `json:"bot"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Bot         string         `json:"bot"`
	Version     string         `json:"version"`
	ProfileHash string         `json:"profile_hash"`
	Uptime      float64        `json:"uptime_seconds"`
	StartedAt   time.Time      `json:"started_at"`
	Platforms   []string       `json:"platforms"`
	LiveScopes  []string       `json:"live_scopes"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// BufferResponse is returned by GET /scopes/{scope}/buffer.
type BufferResponse struct {
	Scope string        `json:"scope"`
	IDs   []string      `json:"ids"`
	Turns []memory.Turn `json:"turns"`
}

// Handlers bundles what the server reports on.
type Handlers struct {
	// Bot is the profile name.
	Bot         string
	Version     string
	ProfileHash string
	StartedAt   time.Time

	// Token, when non-empty, is the expected bearer token for all requests.
	Token string

	// Platforms returns the connected adapter ids.
	Platforms func() []string
	// LiveScopes returns the scopes with an actor in this process.
	LiveScopes func() []string
	// Settings returns the effective configuration. Credential-looking
	// keys are redacted before they are served.
	Settings func() map[string]any

	// Inspector backs the /scopes endpoints. When nil they return 503.
	Inspector Inspector

	Logger *slog.Logger
}

// Server is the control HTTP server.
type Server struct {
	addr     string
	handlers Handlers
	router   chi.Router
	server   *http.Server
}

// New creates a control Server listening on addr.
func New(addr string, h Handlers) *Server {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	s := &Server{addr: addr, handlers: h}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.authMiddleware)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/scopes", s.handleScopes)
	r.Get("/scopes/{scope}/blocks", s.handleBlocks)
	r.Get("/scopes/{scope}/buffer", s.handleBuffer)
	s.router = r

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// TestHandler returns the routed handler for use with httptest.
func (s *Server) TestHandler() http.Handler { return s.router }

// requestID tags each request with an X-Request-ID and logs it at debug.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.handlers.Logger.Debug("control request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests that do not carry the correct bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.handlers.Logger.Info("control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.handlers.Logger.Error("control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Bot: s.handlers.Bot})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Bot:         s.handlers.Bot,
		Version:     s.handlers.Version,
		ProfileHash: s.handlers.ProfileHash,
		Uptime:      time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt:   s.handlers.StartedAt,
		Platforms:   []string{},
		LiveScopes:  []string{},
	}
	if s.handlers.Platforms != nil {
		resp.Platforms = s.handlers.Platforms()
	}
	if s.handlers.LiveScopes != nil {
		resp.LiveScopes = s.handlers.LiveScopes()
	}
	if s.handlers.Settings != nil {
		resp.Settings = redact.Map(s.handlers.Settings())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inspector == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	scopes, err := s.handlers.Inspector.ListScopes(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if scopes == nil {
		scopes = []store.ScopeInfo{}
	}
	writeJSON(w, http.StatusOK, scopes)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inspector == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	repo := s.handlers.Inspector.Repository(scopeParam(r))
	blocks, err := repo.ListBlocks(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if len(blocks) == 0 {
		writeError(w, http.StatusNotFound, "scope has no memory blocks")
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Inspector == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	scope := scopeParam(r)
	repo := s.handlers.Inspector.Repository(scope)
	ids, err := repo.BufferIDs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	turns, err := memory.NewWindow(repo, repo, nil, memory.WindowConfig{}).Materialize(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	writeJSON(w, http.StatusOK, BufferResponse{Scope: scope, IDs: ids, Turns: turns})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.handlers.Logger.Error("control request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// --- helpers ---

// scopeParam returns the {scope} path segment, unescaped when the client
// percent-encoded it.
func scopeParam(r *http.Request) string {
	raw := chi.URLParam(r, "scope")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
