// Package httpapi exposes the broker's wire protocol (spec.md §6.1) over
// HTTP+JSON, grounded on the teacher's internal/app/httpapi.Service
// (middleware-wrapped *http.Server implementing system.Service) and the
// gorilla/mux router + middleware chain used across the pack's
// infrastructure/service and infrastructure/middleware packages.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/qcbroker/internal/app/system"
	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Dependencies are the business-logic components the API layer dispatches
// into. None of the permission logic lives in these components
// themselves (spec.md §4.7: "permission checks happen in the API layer,
// not in the core").
type Dependencies struct {
	Records  *records.Store
	Queue    *queue.Queue
	Managers *managerreg.Registry
	DB       store.Store
	Config   config.Config
	Log      *logger.Logger
}

// Service is the HTTP API component, implementing system.Service so
// internal/app can start/stop it alongside the job runner.
type Service struct {
	deps    Dependencies
	router  *mux.Router
	server  *http.Server
	addr    string
	limiter *rateLimiter
}

// New builds the router, wraps it in the middleware chain, and returns a
// Service ready to Start.
func New(deps Dependencies) (*Service, error) {
	s := &Service{
		deps:    deps,
		router:  mux.NewRouter(),
		addr:    deps.Config.Server.Host + ":" + portString(deps.Config.Server.Port),
		limiter: newRateLimiter(50, 100),
	}
	s.routes()
	// Router-level so mux.CurrentRoute is set when metrics are recorded.
	s.router.Use(metricsMiddleware())
	return s, nil
}

func portString(p int) string {
	if p == 0 {
		p = 7777
	}
	return strconv.Itoa(p)
}

// Name satisfies system.Service.
func (s *Service) Name() string { return "http" }

// Descriptor advertises this component's metadata to system.Manager.
func (s *Service) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:  "http",
		Layer: "api",
		Capabilities: []string{
			"records", "molecules", "manager-registration", "manager-claim",
		},
		DependsOn: []string{"records", "queue", "managerreg"},
	}
}

func (s *Service) handler() http.Handler {
	var h http.Handler = s.router
	h = s.limiter.middleware()(h)
	h = s.withAuth(h)
	h = loggingMiddleware(s.deps.Log)(h)
	return h
}

// Start begins serving HTTP on the configured address.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.deps.Log.WithField("error", err).Error("http server stopped unexpectedly")
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down (spec.md §5: "stops
// accepting new work, quiesces in-flight handlers, and exits").
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
