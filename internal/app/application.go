// Package app wires the broker's components into one Application and
// drives their lifecycle through internal/app/system.Manager — grounded
// on the teacher's internal/app/application.go Stores/Application
// aggregator, pared down to this domain's single persistence layer (no
// per-domain store fan-out) and generalized from blockchain services to
// the queue/registry/records/runner/httpapi components spec.md names.
package app

import (
	"context"
	"fmt"

	"github.com/r3e-network/qcbroker/internal/app/system"
	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/httpapi"
	"github.com/r3e-network/qcbroker/internal/jobrunner"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Application is the fully-wired broker: the persistence store plus every
// business-logic component, registered into a system.Manager for
// deterministic start/stop.
type Application struct {
	*system.Manager

	Config   config.Config
	DB       store.Store
	Drivers  serviceengine.Registry
	Records  *records.Store
	Queue    *queue.Queue
	Managers *managerreg.Registry
	Runner   *jobrunner.Runner
	HTTP     *httpapi.Service
}

// New builds every component from cfg and a ready-to-use store, and
// registers the job runner and HTTP listener into the returned
// Application's lifecycle Manager. db is expected to already be open
// (postgres) or freshly constructed (memory, for tests).
func New(db store.Store, log *logger.Logger, cfg config.Config) (*Application, error) {
	if db == nil {
		return nil, fmt.Errorf("app: nil store")
	}
	if log == nil {
		return nil, fmt.Errorf("app: nil logger")
	}

	drivers := serviceengine.NewRegistry()
	rec := records.New(db, drivers, nil, cfg.Cache.TTL, log)
	q := queue.New(db, cfg.Queue, log)
	mgrs := managerreg.New(db, cfg.Queue, cfg.Auth, log)
	runner := jobrunner.New(db, rec, drivers, mgrs, q, cfg.Runner, log)

	httpSvc, err := httpapi.New(httpapi.Dependencies{
		Records:  rec,
		Queue:    q,
		Managers: mgrs,
		DB:       db,
		Config:   cfg,
		Log:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build http api: %w", err)
	}

	application := &Application{
		Manager:  system.NewManager(),
		Config:   cfg,
		DB:       db,
		Drivers:  drivers,
		Records:  rec,
		Queue:    q,
		Managers: mgrs,
		Runner:   runner,
		HTTP:     httpSvc,
	}

	if err := application.Register(runnerService{application.Runner}); err != nil {
		return nil, err
	}
	if err := application.Register(application.HTTP); err != nil {
		return nil, err
	}

	return application, nil
}

// runnerService adapts *jobrunner.Runner (which exposes Start(ctx)/Stop(),
// not Stop(ctx) error) to the system.Service interface.
type runnerService struct {
	r *jobrunner.Runner
}

func (s runnerService) Name() string { return "jobrunner" }

func (s runnerService) Start(ctx context.Context) error {
	s.r.Start(ctx)
	return nil
}

func (s runnerService) Stop(context.Context) error {
	s.r.Stop()
	return nil
}

func (s runnerService) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:         "jobrunner",
		Layer:        "background",
		Capabilities: []string{"service-iteration", "manager-reap", "auto-reset", "stats"},
		DependsOn:    []string{"store", "queue", "managerreg", "records"},
	}
}
