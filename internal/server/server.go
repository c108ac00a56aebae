// Package server wires the HTTP surface: authenticate, then hand every
// proxied request to the router. Admin/dashboard endpoints are an
// out-of-core external collaborator per spec §1 and are not part of this
// surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hhsw2015/codex-lb/internal/auth"
	"github.com/hhsw2015/codex-lb/internal/config"
	"github.com/hhsw2015/codex-lb/internal/router"
	"github.com/hhsw2015/codex-lb/internal/store"
)

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	authMw     *auth.Middleware
	router     *router.Router
	httpServer *http.Server
	startTime  time.Time
}

// New builds a Server wired with the router that already owns the
// balancer, auth manager, codec, and repository it needs.
func New(cfg *config.Config, s *store.SQLiteStore, rt *router.Router) *Server {
	authMw := auth.NewMiddleware(cfg.StaticToken)

	srv := &Server{
		cfg:       cfg,
		store:     s,
		authMw:    authMw,
		router:    rt,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authenticate := s.authMw.Authenticate

	mux.Handle("POST /v1/chat/completions", authenticate(http.HandlerFunc(s.router.Handle)))
	mux.Handle("POST /v1/responses", authenticate(http.HandlerFunc(s.router.Handle)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
