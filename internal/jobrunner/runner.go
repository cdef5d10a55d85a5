// Package jobrunner implements the Internal Job Runner (spec.md §4.6): a
// periodic, single-process-at-a-time loop driving service iteration,
// manager reaping, auto-reset, and stats snapshots — grounded on the
// teacher's internal/app/services/automation/scheduler.go Start/Stop/tick
// Scheduler shape.
package jobrunner

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/metrics"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Runner ties the queue, manager registry, service engine and record
// store together into the periodic tick loop.
type Runner struct {
	db       store.Store
	records  *records.Store
	drivers  serviceengine.Registry
	managers *managerreg.Registry
	queue    *queue.Queue
	cfg      config.RunnerConfig
	log      *logger.Logger

	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New constructs a Runner.
func New(db store.Store, rec *records.Store, drivers serviceengine.Registry, managers *managerreg.Registry, q *queue.Queue, cfg config.RunnerConfig, log *logger.Logger) *Runner {
	return &Runner{
		db: db, records: rec, drivers: drivers, managers: managers, queue: q, cfg: cfg, log: log,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start runs the tick loop in its own goroutine until Stop is called.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to do so.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

// Tick runs one full pass: service tick, manager reap, auto-reset, stats
// snapshot (spec.md §4.6). Each sub-step is independently recoverable —
// a failure in one does not prevent the others from running.
func (r *Runner) Tick(ctx context.Context) {
	if err := r.serviceTick(ctx); err != nil {
		r.log.WithField("error", err).Error("service tick failed")
	}
	if _, err := r.managers.Reap(ctx); err != nil {
		r.log.WithField("error", err).Error("manager reap failed")
	}
	if err := r.autoResetTick(ctx); err != nil {
		r.log.WithField("error", err).Error("auto-reset tick failed")
	}
	if err := r.statsTick(ctx); err != nil {
		r.log.WithField("error", err).Error("stats snapshot failed")
	}
}

// statsTick refreshes the gauges the HTTP API and operators read (spec.md
// §4.6 "Stats snapshot: record counts per status, queue depths, manager
// count"), plus host CPU/memory via gopsutil (SPEC_FULL.md §B).
func (r *Runner) statsTick(ctx context.Context) error {
	for _, status := range []domain.Status{
		domain.StatusWaiting, domain.StatusRunning, domain.StatusComplete,
		domain.StatusError, domain.StatusCancelled, domain.StatusInvalid, domain.StatusDeleted,
	} {
		recs, err := r.db.QueryRecords(ctx, store.RecordQuery{Status: []domain.Status{status}})
		if err != nil {
			return err
		}
		metrics.RecordsByStatus.WithLabelValues(string(status)).Set(float64(len(recs)))
	}

	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(depth))

	ms, err := r.managers.List(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, m := range ms {
		if m.Status == domain.ManagerActive {
			active++
		}
	}
	metrics.ManagersActive.Set(float64(active))

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics.HostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.HostMemPercent.Set(vm.UsedPercent)
	}
	return nil
}
