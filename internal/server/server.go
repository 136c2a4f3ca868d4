package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"pbots/internal/config"
	logx "pbots/pkg/logx"
)

const defaultAddr = "127.0.0.1:8480"

// Server exposes the trigger/stop/status/test API and the metrics endpoint.
//
// There is deliberately no authentication layer here; the default bind is
// loopback and anything else belongs behind a reverse proxy.
type Server struct {
	log logx.Logger
	h   *Handlers

	metricsHandler http.Handler
	pprof          bool

	srv *http.Server
}

func New(cfg config.ServerConfig, h *Handlers, metricsHandler http.Handler, log logx.Logger) (*Server, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	readTimeout, err := config.ParseDurationOrDefault("server.read_timeout", cfg.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("server.write_timeout", cfg.WriteTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.IdleTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}

	s := &Server{log: log, h: h, metricsHandler: metricsHandler, pprof: cfg.Pprof}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.h.Status)
		r.Post("/run/{id}", s.h.Run)
		r.Post("/stop/{id}", s.h.StopSource)
		r.Post("/test", s.h.Test)
	})
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	if s.pprof {
		r.Mount("/debug", chimiddleware.Profiler())
	}
	return r
}

func (s *Server) Start(ctx context.Context) {
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http server shutdown", logx.Err(err))
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)))
		})
	}
}
