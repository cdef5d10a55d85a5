// Package localmanager simulates one or more compute managers in-process,
// for `server start --local-manager N` (spec.md §6.2: "optionally spin up
// an in-process pool manager with N workers for testing"). Each worker
// registers itself with the Manager Registry, then loops claim/compute/
// return directly against the queue — grounded on the teacher's
// internal/jobrunner/runner.go ticker/stop/done goroutine shape, since a
// simulated worker is itself a small periodic loop.
package localmanager

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Pool runs N simulated workers until Stop is called.
type Pool struct {
	managers *managerreg.Registry
	queue    *queue.Queue
	cfg      config.QueueConfig
	log      *logger.Logger
	n        int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Pool of n simulated workers.
func New(managers *managerreg.Registry, q *queue.Queue, cfg config.QueueConfig, log *logger.Logger, n int) *Pool {
	return &Pool{managers: managers, queue: q, cfg: cfg, log: log, n: n, stop: make(chan struct{})}
}

// Start registers each worker and launches its claim/compute/return loop.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.n; i++ {
		name := fmt.Sprintf("local-manager-%d", i)
		// The registration token is discarded: a simulated worker drives the
		// queue in-process via direct Go calls, not over the HTTP bearer-auth
		// path real managers use.
		if _, err := p.managers.Register(ctx, managerreg.RegisterRequest{
			Name:    name,
			Cluster: "local",
			Host:    "127.0.0.1",
			Version: "dev",
			Tags:    []string{"local", "*"},
			Programs: map[string]string{
				"psi4": "1.9", "xtb": "6.6", "rdkit": "2024.1",
			},
		}); err != nil {
			return fmt.Errorf("localmanager: register %s: %w", name, err)
		}

		p.wg.Add(1)
		go p.loop(ctx, name)
	}
	return nil
}

// Stop signals every worker loop to exit and waits for them to finish.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, name string) {
	defer p.wg.Done()

	heartbeat := time.NewTicker(p.cfg.HeartbeatTimeout / 2)
	defer heartbeat.Stop()
	claimTick := time.NewTicker(500 * time.Millisecond)
	defer claimTick.Stop()

	self := &domain.Manager{
		Name:     name,
		Tags:     []string{"local", "*"},
		Programs: map[string]string{"psi4": "1.9", "xtb": "6.6", "rdkit": "2024.1"},
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-heartbeat.C:
			if _, err := p.managers.Heartbeat(ctx, name); err != nil {
				p.log.WithField("error", err).WithField("manager", name).Warn("local manager heartbeat failed")
			}
		case <-claimTick.C:
			tasks, err := p.queue.Claim(ctx, self, p.cfg.ClaimBatchDefault)
			if err != nil {
				p.log.WithField("error", err).WithField("manager", name).Warn("local manager claim failed")
				continue
			}
			for _, t := range tasks {
				result := compute(t)
				result.TaskID = t.ID
				if err := p.queue.Return(ctx, name, result); err != nil {
					p.log.WithField("error", err).WithField("manager", name).WithField("task_id", t.ID).Warn("local manager return failed")
				}
			}
		}
	}
}

// compute fabricates a deterministic result from the task payload's
// digest, standing in for an actual quantum-chemistry program run: the
// local manager exists to exercise the broker's state machine end to end
// in tests, not to produce physically meaningful energies.
func compute(t queue.ClaimedTask) queue.ReturnResult {
	sum := sha256.Sum256(t.Payload.Data)
	bits := binary.BigEndian.Uint64(sum[:8])
	// scale into a plausible Hartree-energy-ish range, deterministic per payload.
	energy := -float64(bits%1_000_000) / 1_000_000.0

	return queue.ReturnResult{
		Success:      true,
		ReturnResult: energy,
		Properties: map[string]float64{
			"return_energy": energy,
		},
	}
}
