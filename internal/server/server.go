// Package server exposes job submission and read-only views of the asset
// graph over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"assetflow/internal/engine"
	"assetflow/internal/job"
	"assetflow/internal/metrics"
	"assetflow/internal/scheduler"
)

type Deps struct {
	Engine    *engine.Engine
	Jobs      *job.Service
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Hub       *Hub
	Logger    *zap.Logger
}

type Server struct {
	engine    *engine.Engine
	jobs      *job.Service
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	hub       *Hub
	log       *zap.Logger

	httpServer *http.Server
}

func New(addr string, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	s := &Server{
		engine:    d.Engine,
		jobs:      d.Jobs,
		scheduler: d.Scheduler,
		metrics:   d.Metrics,
		hub:       d.Hub,
		log:       d.Logger.Named("http"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler without the h2c wrapper.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/assets", s.handleAssets)
	r.Get("/assets/{asset}/records", s.handleAssetRecords)
	r.Get("/plan", s.handlePlan)
	r.Get("/jobs", s.handleJobs)
	r.Post("/jobs/{job}/runs", s.handleSubmit)
	r.Get("/schedules", s.handleSchedules)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) Addr() string { return s.httpServer.Addr }

func (s *Server) Start() error {
	s.log.Info("starting http server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
