package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store/memory"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(memory.New(), serviceengine.NewRegistry(), nil, 0, logger.NewDefault("test"))
}

func TestAddMoleculeDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := domain.Molecule{Symbols: []string{"O", "H", "H"}, Geometry: []float64{0, 0, 0, 0, 0, 1, 0, 1, 0}}
	id1, existed1, err := s.AddMolecule(ctx, m)
	require.NoError(t, err)
	require.False(t, existed1)

	id2, existed2, err := s.AddMolecule(ctx, m)
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, id1, id2)
}

func TestAddRecordDedupesOnSpecAndInputsHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	molID, _, err := s.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)

	spec := domain.Specification{Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "6-31g"}
	req := AddRecordRequest{Type: domain.RecordSinglepoint, Spec: spec, MoleculeIDs: []int64{molID}, Tag: "default", Priority: domain.PriorityNormal}

	id1, existed1, err := s.AddRecord(ctx, req)
	require.NoError(t, err)
	require.False(t, existed1)

	id2, existed2, err := s.AddRecord(ctx, req)
	require.NoError(t, err)
	require.True(t, existed2)
	require.Equal(t, id1, id2)
}

func TestAddRecordServiceBasedCreatesServiceAndChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	molID, _, err := s.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)

	spec := domain.Specification{
		Program: "psi4", Driver: "energy", Method: "b3lyp", Basis: "6-31g",
		ServiceKeywords: map[string]interface{}{"grid_points": []interface{}{0.0, 180.0}},
	}
	id, existed, err := s.AddRecord(ctx, AddRecordRequest{
		Type: domain.RecordTorsionDrive, Spec: spec, MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)
	require.False(t, existed)

	children, err := s.db.Children(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1, "torsion drive's first iteration submits exactly one seed child")
}

func TestCancelFromWaitingThenUncancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	molID, _, err := s.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)
	id, _, err := s.AddRecord(ctx, AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, id))
	rec, err := s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, rec.Status)

	require.NoError(t, s.Uncancel(ctx, id))
	rec, err = s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, rec.Status)
}

func TestInvalidateOnlyAppliesToComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	molID, _, err := s.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)
	id, _, err := s.AddRecord(ctx, AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)

	require.Error(t, s.Invalidate(ctx, id), "waiting records cannot be invalidated")

	rec, err := s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	rec.Status = domain.StatusComplete
	require.NoError(t, s.db.UpdateRecord(ctx, rec))

	require.NoError(t, s.Invalidate(ctx, id))
	rec, err = s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInvalid, rec.Status)

	require.NoError(t, s.Uninvalidate(ctx, id))
	rec, err = s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusComplete, rec.Status)
}

func TestSoftDeleteThenUndeleteRestoresPreviousStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	molID, _, err := s.AddMolecule(ctx, domain.Molecule{Symbols: []string{"H"}, Geometry: []float64{0, 0, 0}})
	require.NoError(t, err)
	id, _, err := s.AddRecord(ctx, AddRecordRequest{
		Type: domain.RecordSinglepoint,
		Spec: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		MoleculeIDs: []int64{molID}, Tag: "default",
	})
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, id))
	rec, err := s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDeleted, rec.Status)

	require.NoError(t, s.Undelete(ctx, id))
	rec, err = s.db.GetRecord(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, rec.Status)
}

func TestHardDeleteBlockedByInboundReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	childID, err := s.db.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusDeleted})
	require.NoError(t, err)
	require.NoError(t, s.db.AddDependency(ctx, domain.RecordDependency{ParentID: 1, ChildID: childID, Position: 0}))

	err = s.HardDelete(ctx, childID)
	require.Error(t, err, "a record referenced as a dependency must not be hard-deletable")
}

func TestModifyRequiresTaskOrServiceRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.db.InsertRecord(ctx, &domain.Record{Type: domain.RecordSinglepoint, Status: domain.StatusComplete})
	require.NoError(t, err)

	err = s.Modify(ctx, id, "new-tag", domain.PriorityHigh)
	require.Error(t, err, "modify without a task/service row must be rejected")
}

func TestRetriableByPolicyMatchesWhitelist(t *testing.T) {
	require.True(t, RetriableByPolicy("SCF failed: random seed mismatch", []string{"random seed", "walltime"}))
	require.False(t, RetriableByPolicy("basis set not found", []string{"random seed", "walltime"}))
}
