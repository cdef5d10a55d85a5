package localmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store/memory"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

func TestPoolDrainsAWaitingTaskToComplete(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	drivers := serviceengine.NewRegistry()
	rec := records.New(db, drivers, nil, 0, logger.NewDefault("test"))

	qcfg := config.QueueConfig{HeartbeatTimeout: 20 * time.Millisecond, LeaseMultiplier: 3, ClaimBatchDefault: 10}
	acfg := config.AuthConfig{JWTSigningKey: "test-signing-key"}
	mgrs := managerreg.New(db, qcfg, acfg, logger.NewDefault("test"))
	q := queue.New(db, qcfg, logger.NewDefault("test"))

	id, existed, err := rec.AddRecord(ctx, records.AddRecordRequest{
		Type:        domain.RecordSinglepoint,
		Spec:        domain.Specification{Program: "psi4", Method: "b3lyp", Basis: "def2-svp", Driver: "energy"},
		MoleculeIDs: []int64{1},
		Payload:     domain.TaskPayload{ContentType: "application/json", Data: []byte(`{"molecule":1}`)},
	})
	require.NoError(t, err)
	require.False(t, existed)

	pool := New(mgrs, q, qcfg, logger.NewDefault("test"), 1)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := rec.GetRecords(ctx, []int64{id}, false)
		require.NoError(t, err)
		return got[0].Status == domain.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	got, err := rec.GetRecords(ctx, []int64{id}, false)
	require.NoError(t, err)
	require.True(t, got[0].HasReturnResult)
}

func TestComputeIsDeterministicForSamePayload(t *testing.T) {
	task := queue.ClaimedTask{ID: 1, Payload: domain.TaskPayload{Data: []byte("same-bytes")}}
	a := compute(task)
	b := compute(task)
	require.Equal(t, a.ReturnResult, b.ReturnResult)
	require.True(t, a.Success)
}
