// Package web exposes the conflict, autopilot and notification operations
// over HTTP, plus the internal sweep triggers, /health and /metrics.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/natindo/PrayerVigil/internal/metrics"
	"github.com/natindo/PrayerVigil/internal/services"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store      services.Store
	Detector   *services.Detector
	Lifecycle  *services.Lifecycle
	Autopilot  *services.Autopilot
	Scheduler  *services.Scheduler
	Dispatcher *services.Dispatcher
	WriteBack  *services.WriteBack
	Commands   *services.Commands
	// InternalToken guards /internal routes. Empty disables them.
	InternalToken string
}

type Server struct {
	deps   Deps
	router *http.ServeMux
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Public routes
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", metrics.Handler())

	// Owner routes
	s.router.HandleFunc("POST /api/conflicts/detect", s.authMiddleware(s.handleDetect))
	s.router.HandleFunc("GET /api/conflicts", s.authMiddleware(s.handleListConflicts))
	s.router.HandleFunc("POST /api/conflicts/{id}/resolve", s.authMiddleware(s.handleResolve))
	s.router.HandleFunc("POST /api/autopilot/run", s.authMiddleware(s.handleAutopilotRun))
	s.router.HandleFunc("POST /api/autopilot/undo", s.authMiddleware(s.handleAutopilotUndo))
	s.router.HandleFunc("POST /api/notifications", s.authMiddleware(s.handleNotify))

	// Internal sweep triggers
	s.router.HandleFunc("POST /internal/writeback/retry", s.internalMiddleware(s.handleWritebackRetry))
	s.router.HandleFunc("POST /internal/notifications/dispatch", s.internalMiddleware(s.handleDispatch))
	s.router.HandleFunc("POST /internal/notifications/flush", s.internalMiddleware(s.handleFlush))
	s.router.HandleFunc("POST /internal/autopilot/sweep", s.internalMiddleware(s.handleAutopilotSweep))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Panic in HTTP handler", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
			writeError(w, errCode{http.StatusInternalServerError, codeServerError}, "")
		}
	}()
	start := time.Now()
	s.router.ServeHTTP(w, r)
	slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) uuid.UUID {
	owner, _ := ctx.Value(ownerKey{}).(uuid.UUID)
	return owner
}

// Middleware

// authMiddleware resolves the bearer API token to an owner.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, errCode{http.StatusUnauthorized, codeUnauthenticated}, "missing bearer token")
			return
		}
		owner, err := s.deps.Store.OwnerByAPIToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			writeError(w, errCode{http.StatusUnauthorized, codeUnauthenticated}, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	}
}

func (s *Server) internalMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Internal-Token")
		if s.deps.InternalToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.InternalToken)) != 1 {
			writeError(w, errCode{http.StatusUnauthorized, codeUnauthenticated}, "internal token required")
			return
		}
		next(w, r)
	}
}
