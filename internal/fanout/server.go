// Package fanout implements the Fan-out Server (spec.md §4.5): the
// management-network REST API and bidirectional push channel that the
// monitoring UI talks to, grounded on web/app.py's Flask routes and
// flask_socketio event handlers but served over go-chi/chi and
// gorilla/websocket, with a hub of per-connection outbound queues standing
// in for Socket.IO's room broadcasts.
package fanout

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/health"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/logging"
	"github.com/vorsengineer/cw-rpi-deployment/internal/metrics"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// Server is the Fan-out Server's HTTP + WebSocket surface.
type Server struct {
	alloc   *hostnames.Allocator
	store   *store.Store
	bus     *eventbus.Bus
	sampler *health.Sampler
	cfg     config.Config
	log     *logrus.Logger
	metrics *metrics.Registry
	hub     *hub

	handler http.Handler
}

// New builds a Server. sampler backs the on-demand system-status snapshot
// (spec.md §4.6), shared with the Health Sampler's periodic background run
// so both paths report the same services/database/disk_space shape.
func New(cfg config.Config, alloc *hostnames.Allocator, st *store.Store, bus *eventbus.Bus, sampler *health.Sampler, log *logrus.Logger, reg *metrics.Registry) *Server {
	s := &Server{
		alloc:   alloc,
		store:   st,
		bus:     bus,
		sampler: sampler,
		cfg:     cfg,
		log:     log,
		metrics: reg,
		hub:     newHub(reg.BusSubscribers),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/stats", s.handleStats)
		r.Get("/venues", s.handleListVenues)
		r.Put("/venues/{code}", s.handleUpdateVenue)
		r.Get("/venues/{code}/stats", s.handleVenueStats)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/system/status", s.handleSystemStatus)

		r.Get("/batches", s.handleListBatches)
		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches/active", s.handleActiveBatch)
		r.Get("/batches/{id}", s.handleGetBatch)
		r.Post("/batches/{id}/start", s.handleStartBatch)
		r.Post("/batches/{id}/pause", s.handlePauseBatch)
		r.Put("/batches/{id}/priority", s.handleUpdatePriority)

		r.Get("/images", s.handleListImages)
		r.Post("/images/{id}/activate", s.handleActivateImage)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run starts an http.Server bound to addr, a background stats broadcaster,
// and a subscription to deployment_status events, blocking until ctx is
// cancelled and then shutting down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcastDeploymentUpdates(ctx)
	go s.broadcastStatsPeriodically(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("fanout server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// broadcastStatsPeriodically ticks every cfg.StatsBroadcastInterval and
// pushes a stats_update to every connected push-channel client, matching
// app.py's background_stats_updater thread.
func (s *Server) broadcastStatsPeriodically(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := dashboardStats(ctx, s.store)
			if err != nil {
				s.log.WithError(err).Warn("background stats broadcast failed")
				continue
			}
			s.hub.broadcast(wsMessage{Event: "stats_update", Data: stats})
		}
	}
}

// broadcastDeploymentUpdates subscribes to eventbus.TopicDeploymentStatus
// and forwards every publish as a deployment_update push-channel event,
// standing in for the Coordinator calling broadcast_deployment_update
// directly in the monolithic Python app.
func (s *Server) broadcastDeploymentUpdates(ctx context.Context) {
	sub := s.bus.Subscribe(eventbus.TopicDeploymentStatus, s.cfg.SubscriberQueueDepth)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.hub.broadcast(wsMessage{Event: "deployment_update", Data: ev.Payload})
		}
	}
}
