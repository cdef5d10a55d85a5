// Package managerreg implements the Manager Registry (spec.md §3, §4.3,
// §4.6): register, heartbeat-driven liveness, reap of expired managers
// with requeue of their leased tasks, and explicit deregistration
// (SPEC_FULL.md §C.5) — grounded on the teacher's system/api/managers.go
// PostgresAccountManager (EnsureSchema+CRUD+logger field pattern).
package managerreg

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/metrics"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Registry is the Manager Registry's business logic.
type Registry struct {
	store store.Store
	cfg   config.QueueConfig
	auth  config.AuthConfig
	log   *logger.Logger
}

// New constructs a Registry.
func New(s store.Store, qcfg config.QueueConfig, acfg config.AuthConfig, log *logger.Logger) *Registry {
	return &Registry{store: s, cfg: qcfg, auth: acfg, log: log}
}

// RegisterRequest is the body of POST /managers/register (spec §6.1).
type RegisterRequest struct {
	Name     string            `json:"name"`
	Cluster  string            `json:"cluster"`
	Host     string            `json:"host"`
	Version  string            `json:"version"`
	Tags     []string          `json:"tags"`
	Programs map[string]string `json:"programs"`
}

// RegisterResponse carries the bearer token the manager must present on
// subsequent claim/heartbeat/return calls, plus the heartbeat interval it
// should use.
type RegisterResponse struct {
	Token             string        `json:"token"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Register records (or re-records) a manager and mints it a bearer token.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	m := &domain.Manager{
		Name: req.Name, Cluster: req.Cluster, Host: req.Host, Version: req.Version,
		Tags: req.Tags, Programs: req.Programs,
	}
	if err := r.store.Register(ctx, m); err != nil {
		return nil, err
	}
	token, err := r.mintToken(req.Name)
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{Token: token, HeartbeatInterval: r.cfg.HeartbeatTimeout}, nil
}

// mintToken signs a manager-scoped JWT, used by the httpapi auth
// middleware to authenticate subsequent manager calls (SPEC_FULL.md §B).
func (r *Registry) mintToken(managerName string) (string, error) {
	claims := jwt.MapClaims{
		"manager": managerName,
		"scope":   "queue",
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(r.auth.JWTSigningKey))
}

// Heartbeat records liveness and returns the count of tasks whose lease
// was extended.
func (r *Registry) Heartbeat(ctx context.Context, managerName string) (int64, error) {
	if err := r.store.Touch(ctx, managerName, time.Now()); err != nil {
		return 0, err
	}
	lease := time.Now().Add(time.Duration(r.cfg.LeaseMultiplier) * r.cfg.HeartbeatTimeout)
	return r.store.ExtendLeases(ctx, managerName, lease)
}

// Deregister immediately requeues a manager's leased tasks and removes it
// from the registry (SPEC_FULL.md §C.5), rather than waiting for the
// lease to expire via Reap.
func (r *Registry) Deregister(ctx context.Context, managerName string) error {
	return r.store.WithTx(ctx, func(ctx context.Context) error {
		expired, err := r.store.ExpiredLeases(ctx, time.Now().Add(24*time.Hour*365*100)) // effectively "all"
		if err != nil {
			return err
		}
		for _, t := range expired {
			if t.ManagerName != managerName {
				continue
			}
			if err := r.store.RequeueTask(ctx, t.ID); err != nil {
				return err
			}
			rec, err := r.store.GetRecord(ctx, t.RecordID)
			if err != nil {
				return err
			}
			rec.Status = domain.StatusWaiting
			if err := r.store.UpdateRecord(ctx, rec); err != nil {
				return err
			}
		}
		return r.store.Deregister(ctx, managerName)
	})
}

// Reap marks managers silent beyond heartbeat_timeout*k inactive and
// requeues their leased tasks (spec.md §4.3, §4.6). Returns the number of
// managers reaped.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(r.cfg.LeaseMultiplier) * r.cfg.HeartbeatTimeout)
	reaped := 0
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		dead, err := r.store.ActiveBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, m := range dead {
			if err := r.store.SetStatus(ctx, m.Name, domain.ManagerInactive); err != nil {
				return err
			}
			reaped++
		}

		expired, err := r.store.ExpiredLeases(ctx, time.Now())
		if err != nil {
			return err
		}
		for _, t := range expired {
			if err := r.store.RequeueTask(ctx, t.ID); err != nil {
				return err
			}
			rec, err := r.store.GetRecord(ctx, t.RecordID)
			if err != nil {
				return err
			}
			rec.Status = domain.StatusWaiting
			if err := r.store.UpdateRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ManagersReaped.Add(float64(reaped))
	return reaped, nil
}

// List returns every registered manager, for administrative queries.
func (r *Registry) List(ctx context.Context) ([]*domain.Manager, error) {
	return r.store.List(ctx)
}
