package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/conversation"
	"github.com/MikeSquared-Agency/parley/internal/metrics"
)

// Sessions hands out the conversation store of an owner.
// *session.Manager satisfies it.
type Sessions interface {
	Get(ctx context.Context, owner string) (*conversation.Store, error)
}

type Server struct {
	router   *chi.Mux
	port     int
	sessions Sessions
	validate *validator.Validate
	logger   *slog.Logger
	http     *http.Server
}

func NewServer(port int, sessions Sessions, authn *auth.Authenticator, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics)

	s := &Server{
		router:   router,
		port:     port,
		sessions: sessions,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Get("/conversations", s.listConversations)
		r.Post("/conversations", s.startConversation)
		r.Get("/conversations/active", s.activeConversation)
		r.Post("/conversations/{id}/load", s.loadConversation)
		r.Patch("/conversations/{id}", s.renameConversation)
		r.Delete("/conversations/{id}", s.deleteConversation)

		r.Post("/messages", s.sendMessage)

		r.Post("/edit", s.beginEdit)
		r.Delete("/edit", s.cancelEdit)
		r.Post("/edit/commit", s.commitEdit)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. There is no write timeout since
// replies are streamed.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// store resolves the caller's conversation store, writing the error
// response itself when it cannot.
func (s *Server) store(w http.ResponseWriter, r *http.Request) (*conversation.Store, bool) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no owner")
		return nil, false
	}
	st, err := s.sessions.Get(r.Context(), owner)
	if err != nil {
		s.logger.Error("load owner conversations", "owner", owner, "error", err)
		writeError(w, http.StatusServiceUnavailable, "conversations unavailable")
		return nil, false
	}
	return st, true
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RequestsTotal.WithLabelValues(r.Method, route, fmt.Sprint(status)).Inc()
	})
}
