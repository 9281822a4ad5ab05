package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/artifact"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/config"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/fleet"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/jobs"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/scheduler"
	"github.com/UmeshKonduru/iot-testbed-dep/internal/store"
)

// maxPollWait caps the ?wait= parameter of agent long-poll endpoints.
const maxPollWait = 60 * time.Second

// Server is the testbed REST API server.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	config      config.ServerConfig
	startTime   time.Time
	store       store.Store
	broker      broker.Broker
	scheduler   scheduler.Scheduler
	jobs        *jobs.Service
	fleet       *fleet.Service
	artifacts   *artifact.Store // optional; artifact routes answer 503 when nil
	sseInterval time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithArtifactStore enables the artifact upload and download endpoints.
func WithArtifactStore(a *artifact.Store) Option {
	return func(s *Server) {
		s.artifacts = a
	}
}

// WithSSEInterval sets how often SSE streams poll for group changes.
func WithSSEInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseInterval = d
	}
}

// New creates a new Server with all routes registered.
// sched may be nil if no scheduling is desired (e.g. in tests).
func New(cfg config.ServerConfig, st store.Store, br broker.Broker, sched scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		store:       st,
		broker:      br,
		scheduler:   sched,
		jobs:        jobs.NewService(st, br, logger),
		fleet:       fleet.NewService(st, logger),
		sseInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Fleet returns the fleet service backing the gateway and device endpoints.
func (s *Server) Fleet() *fleet.Service {
	return s.fleet
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	gatewayAuth := gatewayAuthMiddleware(s.fleet, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/job-groups", func(r chi.Router) {
			r.Get("/", s.handleListJobGroups)
			r.Post("/", s.handleCreateJobGroup)
			r.Get("/queue", s.handleQueue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJobGroup)
				r.Get("/status", s.handleJobGroupStatus)
				r.Put("/cancel", s.handleCancelJobGroup)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.With(gatewayAuth).Put("/{id}/status", s.handleReportStatus)
		})

		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.handleListGateways)
			r.Post("/", s.handleCreateGateway)
			r.Post("/register", s.handleRegisterGateway)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetGateway)
				r.Get("/devices", s.handleListGatewayDevices)
				r.With(gatewayAuth).Post("/heartbeat", s.handleGatewayHeartbeat)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Put("/status", s.handleSetDeviceStatus)
				r.With(gatewayAuth).Post("/heartbeat", s.handleDeviceHeartbeat)
			})
		})

		// Gateway agents long-poll their queues and upload device logs here.
		r.Route("/agent/{gateway_id}", func(r chi.Router) {
			r.Use(gatewayAuth)
			r.Get("/downloads", s.handlePollDownloads)
			r.Get("/jobs", s.handlePollJobs)
			r.Put("/artifacts/{job_id}", s.handleUploadJobLog)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Put("/*", s.handlePutArtifact)
			r.Get("/*", s.handleGetArtifact)
		})

		r.Route("/sse", func(r chi.Router) {
			r.Get("/job-groups/{id}", s.handleSSEJobGroup)
		})
	})
}
