package jobrunner

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

func newTestRunner(t *testing.T) (*Runner, *memory.Store, *records.Store) {
	t.Helper()
	db := memory.New()
	drivers := serviceengine.NewRegistry()
	rec := records.New(db, drivers, nil, 0, logger.NewDefault("test"))
	qcfg := config.QueueConfig{HeartbeatTimeout: 10 * time.Millisecond, LeaseMultiplier: 1, ClaimBatchDefault: 10}
	acfg := config.AuthConfig{JWTSigningKey: "test-signing-key"}
	mgrs := managerreg.New(db, qcfg, acfg, logger.NewDefault("test"))
	q := queue.New(db, qcfg, logger.NewDefault("test"))
	rcfg := config.RunnerConfig{
		TickInterval: time.Hour, MaxActiveServices: 10, AutoResetLimit: 2,
		RetriableSubstrings: []string{"random seed"},
	}
	r := New(db, rec, drivers, mgrs, q, rcfg, logger.NewDefault("test"))
	return r, db, rec
}

func TestServiceTickSkipsServicesWithPendingChildren(t *testing.T) {
	ctx := context.Background()
	r, db, rec := newTestRunner(t)

	molID, _, err := rec.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)

	spec := domain.Specification{
		Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "6-31g",
		ServiceKeywords: map[string]interface{}{"grid_points": []interface{}{0.0, 180.0}},
	}
	recID, _, err := rec.AddRecord(ctx, records.AddRecordRequest{
		Type: domain.RecordTorsionDrive, Spec: spec, MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)

	svc, err := db.GetServiceByRecordID(ctx, recID)
	require.NoError(t, err)
	svc.NextIterationDueAt = time.Now().Add(-time.Minute)
	require.NoError(t, db.UpdateService(ctx, svc))

	require.NoError(t, r.serviceTick(ctx))

	rec2, err := db.GetRecord(ctx, recID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, rec2.Status, "service record untouched while its seed child is still pending")
}

func TestAutoResetTickResetsMatchingErrorsOnly(t *testing.T) {
	ctx := context.Background()
	r, db, rec := newTestRunner(t)

	molID, _, err := rec.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)

	retriableID, _, err := rec.AddRecord(ctx, records.AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "retriable",
	})
	require.NoError(t, err)
	retriableRec, err := db.GetRecord(ctx, retriableID)
	require.NoError(t, err)
	retriableRec.Status = domain.StatusError
	retriableRec.Retriable = true
	retriableRec.ErrorMessage = "SCF failed: random seed mismatch"
	require.NoError(t, db.UpdateRecord(ctx, retriableRec))

	nonRetriableID, _, err := rec.AddRecord(ctx, records.AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "not-retriable",
	})
	require.NoError(t, err)
	nonRetriableRec, err := db.GetRecord(ctx, nonRetriableID)
	require.NoError(t, err)
	nonRetriableRec.Status = domain.StatusError
	nonRetriableRec.Retriable = true
	nonRetriableRec.ErrorMessage = "basis set not found"
	require.NoError(t, db.UpdateRecord(ctx, nonRetriableRec))

	exhaustedID, _, err := rec.AddRecord(ctx, records.AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "mp2", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "exhausted",
	})
	require.NoError(t, err)
	exhaustedRec, err := db.GetRecord(ctx, exhaustedID)
	require.NoError(t, err)
	exhaustedRec.Status = domain.StatusError
	exhaustedRec.Retriable = true
	exhaustedRec.ErrorMessage = "random seed mismatch"
	exhaustedRec.ResetsUsed = 2 // already at AutoResetLimit
	require.NoError(t, db.UpdateRecord(ctx, exhaustedRec))

	require.NoError(t, r.autoResetTick(ctx))

	got, err := db.GetRecord(ctx, retriableID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, got.Status, "matches the retriable-substring whitelist")
	require.Equal(t, 1, got.ResetsUsed)

	got, err = db.GetRecord(ctx, nonRetriableID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, got.Status, "error message doesn't match any whitelisted substring")

	got, err = db.GetRecord(ctx, exhaustedID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, got.Status, "already at the auto-reset limit")
}

func TestStatsTickPopulatesGaugesWithoutError(t *testing.T) {
	ctx := context.Background()
	r, _, rec := newTestRunner(t)

	molID, _, err := rec.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)
	_, _, err = rec.AddRecord(ctx, records.AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)

	require.NoError(t, r.statsTick(ctx))
}

func TestTickRunsAllStepsWithoutPanicking(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRunner(t)
	r.Tick(ctx)
}

func TestStartStopStopsCleanly(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Stop()
}
