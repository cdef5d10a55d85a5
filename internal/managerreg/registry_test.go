package managerreg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store/memory"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	s := memory.New()
	qcfg := config.QueueConfig{HeartbeatTimeout: 10 * time.Millisecond, LeaseMultiplier: 1, ClaimBatchDefault: 10}
	acfg := config.AuthConfig{JWTSigningKey: "test-signing-key"}
	return New(s, qcfg, acfg, logger.NewDefault("test")), s
}

func TestRegisterMintsToken(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	resp, err := r.Register(ctx, RegisterRequest{Name: "m1", Tags: []string{"*"}})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
}

func TestReapMarksInactiveAndRequeuesLeasedTasks(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRegistry(t)

	_, err := r.Register(ctx, RegisterRequest{Name: "m1", Tags: []string{"*"}})
	require.NoError(t, err)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusRunning})
	require.NoError(t, err)
	taskID, err := s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, taskID, "m1", time.Now().Add(-time.Hour)))

	time.Sleep(20 * time.Millisecond)
	reaped, err := r.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	m, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.ManagerInactive, m.Status)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Empty(t, task.ManagerName, "task must be requeued (unclaimed) after reap")

	rec, err := s.GetRecord(ctx, recID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, rec.Status)
}

func TestDeregisterRequeuesLeasedTasksImmediately(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRegistry(t)

	_, err := r.Register(ctx, RegisterRequest{Name: "m1", Tags: []string{"*"}})
	require.NoError(t, err)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusRunning})
	require.NoError(t, err)
	taskID, err := s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, s.MarkClaimed(ctx, taskID, "m1", time.Now().Add(time.Hour)))

	require.NoError(t, r.Deregister(ctx, "m1"))

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Empty(t, task.ManagerName, "deregister must requeue without waiting for lease expiry")

	_, err = s.Get(ctx, "m1")
	require.Error(t, err, "manager must be removed from the registry")
}
