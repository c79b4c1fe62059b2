// Package coordinator implements the Deployment Coordinator (spec.md §4.4):
// the deployment-network HTTP surface Pi clients talk to during imaging —
// /api/config, /api/status, /images/<filename>, /health — grounded on
// deployment_server.py's Flask routes but served over go-chi with the
// Allocator and Store doing the actual work instead of ad-hoc sqlite3 calls.
package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/logging"
	"github.com/vorsengineer/cw-rpi-deployment/internal/metrics"
	"github.com/vorsengineer/cw-rpi-deployment/internal/statuslog"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

// Server is the Coordinator's HTTP surface.
type Server struct {
	alloc     *hostnames.Allocator
	store     *store.Store
	bus       *eventbus.Bus
	statusLog *statuslog.Writer
	imagesFs  afero.Fs
	cfg       config.Config
	log       *logrus.Logger
	metrics   *metrics.Registry

	handler http.Handler
}

// New builds a Server. imagesFs is rooted at cfg.ImagesDir (an
// afero.BasePathFs in production, an in-memory filesystem in tests).
func New(cfg config.Config, alloc *hostnames.Allocator, st *store.Store, bus *eventbus.Bus, imagesFs afero.Fs, log *logrus.Logger, reg *metrics.Registry) *Server {
	s := &Server{
		alloc:     alloc,
		store:     st,
		bus:       bus,
		statusLog: statuslog.New(afero.NewOsFs(), cfg.LogsDir),
		imagesFs:  imagesFs,
		cfg:       cfg,
		log:       log,
		metrics:   reg,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware(s.log))
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Post("/api/config", s.handleConfig)
		r.Post("/api/status", s.handleStatus)
	})
	r.Get("/images/{filename}", s.handleImageDownload)
	r.Get("/health", s.handleHealth)

	return r
}

// ServeHTTP implements http.Handler, so Server can be passed straight to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run starts an http.Server bound to addr and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("coordinator listening")
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
