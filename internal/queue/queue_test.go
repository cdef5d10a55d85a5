package queue

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

func newTestQueue(t *testing.T) (*Queue, *memory.Store) {
	t.Helper()
	s := memory.New()
	cfg := config.QueueConfig{HeartbeatTimeout: 30 * time.Second, LeaseMultiplier: 3, ClaimBatchDefault: 10}
	return New(s, cfg, logger.NewDefault("test")), s
}

func mustManager(t *testing.T, s *memory.Store, name string, tags []string, programs map[string]string) *domain.Manager {
	t.Helper()
	m := &domain.Manager{Name: name, Tags: tags, Programs: programs}
	require.NoError(t, s.Register(context.Background(), m))
	got, err := s.Get(context.Background(), name)
	require.NoError(t, err)
	return got
}

func TestClaimHonorsProgramCapability(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusWaiting})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{
		RecordID: recID, Tag: "*", Priority: domain.PriorityNormal,
		RequiredPrograms: []domain.ProgramRequirement{{Name: "psi4", MinVersion: "1.5"}},
	})
	require.NoError(t, err)

	tooOld := mustManager(t, s, "old-manager", []string{"*"}, map[string]string{"psi4": "1.2"})
	claimed, err := q.Claim(ctx, tooOld, 10)
	require.NoError(t, err)
	require.Empty(t, claimed, "manager declaring an older psi4 must not satisfy the capability requirement")

	capable := mustManager(t, s, "new-manager", []string{"*"}, map[string]string{"psi4": "1.5.2"})
	claimed, err = q.Claim(ctx, capable, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusWaiting})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	a := mustManager(t, s, "a", []string{"*"}, nil)
	b := mustManager(t, s, "b", []string{"*"}, nil)

	claimedA, err := q.Claim(ctx, a, 10)
	require.NoError(t, err)
	claimedB, err := q.Claim(ctx, b, 10)
	require.NoError(t, err)

	require.Len(t, claimedA, 1)
	require.Empty(t, claimedB, "a task claimed by one manager must not be claimable by another")
}

func TestReturnSuccessCompletesRecordAndRemovesTask(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusWaiting})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	m := mustManager(t, s, "m", []string{"*"}, nil)
	claimed, err := q.Claim(ctx, m, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = q.Return(ctx, "m", ReturnResult{TaskID: claimed[0].ID, Success: true, ReturnResult: -1.0})
	require.NoError(t, err)

	rec, err := s.GetRecord(ctx, recID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusComplete, rec.Status)
	require.InDelta(t, -1.0, rec.ReturnResult, 1e-12)

	_, err = s.GetTaskByRecordID(ctx, recID)
	require.Error(t, err, "task row must be removed on completion")
}

func TestReturnFromNonLeaseHolderRejected(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusWaiting})
	require.NoError(t, err)
	taskID, err := s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	err = q.Return(ctx, "nobody", ReturnResult{TaskID: taskID, Success: true})
	require.Error(t, err)
}

func TestCancelWaitingTask(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t)

	recID, err := s.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusWaiting})
	require.NoError(t, err)
	_, err = s.InsertTask(ctx, &domain.Task{RecordID: recID, Tag: "*", Priority: domain.PriorityNormal})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, recID))

	rec, err := s.GetRecord(ctx, recID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec.Status)

	_, err = s.GetTaskByRecordID(ctx, recID)
	require.Error(t, err)
}
