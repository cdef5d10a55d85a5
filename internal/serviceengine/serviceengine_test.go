package serviceengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/qcbroker/internal/domain"
)

func TestRegistryForRejectsNonServiceTypes(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.For(domain.RecordSinglepoint)
	require.Error(t, err)
}

func TestRegistryForKnowsEveryServiceVariant(t *testing.T) {
	reg := NewRegistry()
	for _, rt := range []domain.RecordType{
		domain.RecordTorsionDrive, domain.RecordGridOptimization,
		domain.RecordNEB, domain.RecordManybody, domain.RecordReaction,
	} {
		d, err := reg.For(rt)
		require.NoError(t, err)
		require.NotNil(t, d)
	}
}

func TestTorsionDriveChainsThroughGridAndFinalizes(t *testing.T) {
	d := &TorsionDrive{}
	rec := &domain.Record{MoleculeIDs: []int64{1}, Tag: "default", Priority: domain.PriorityNormal}
	spec := domain.Specification{ServiceKeywords: map[string]interface{}{
		"grid_points": []interface{}{0.0, 180.0, -180.0},
	}}

	out, err := d.Initialize(rec, spec)
	require.NoError(t, err)
	require.Len(t, out.Children, 1, "first iteration submits only the seed grid point")
	require.False(t, out.Done)

	// Iteration 1: the 0deg point completes; both remaining grid points are
	// seedable from it immediately, so both spawn together.
	completed := []*domain.Record{{ReturnResult: -10.0, FinalMoleculeID: 100}}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, out.Children, 2, "both remaining grid points seed from 0deg in the same iteration")

	// Iteration 2: both submitted points complete; the scan finalizes.
	completed = []*domain.Record{
		{ReturnResult: -9.0, FinalMoleculeID: 101},
		{ReturnResult: -11.0, FinalMoleculeID: 102},
	}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, int64(102), out.FinalMoleculeID, "the lowest-energy grid point's geometry must win")
}

func TestTorsionDriveRejectsMissingGridPoints(t *testing.T) {
	d := &TorsionDrive{}
	rec := &domain.Record{MoleculeIDs: []int64{1}}
	_, err := d.Initialize(rec, domain.Specification{})
	require.Error(t, err)
}

func TestGridOptimizationSubmitsAllCombinationsAtOnce(t *testing.T) {
	d := &GridOptimization{}
	rec := &domain.Record{MoleculeIDs: []int64{1}, Tag: "default"}
	spec := domain.Specification{ServiceKeywords: map[string]interface{}{
		"scan_combinations": []interface{}{
			[]interface{}{0.0, 0.0},
			[]interface{}{1.0, 1.0},
		},
	}}
	out, err := d.Initialize(rec, spec)
	require.NoError(t, err)
	require.Len(t, out.Children, 2)

	completed := []*domain.Record{
		{ReturnResult: -5.0, FinalMoleculeID: 10},
		{ReturnResult: -7.0, FinalMoleculeID: 11},
	}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, int64(11), out.FinalMoleculeID)
}

func TestNEBConvergesWhenForceNormDropsBelowThreshold(t *testing.T) {
	d := &NEB{}
	rec := &domain.Record{MoleculeIDs: []int64{1, 2, 3}, Tag: "default"}
	spec := domain.Specification{ServiceKeywords: map[string]interface{}{
		"convergence_threshold": 0.05,
		"max_iterations":        10.0,
	}}
	out, err := d.Initialize(rec, spec)
	require.NoError(t, err)
	require.Len(t, out.Children, 3)

	// Round 1: high force norm, not converged.
	completed := []*domain.Record{{ReturnResult: 0.5}, {ReturnResult: 0.4}, {ReturnResult: 0.3}}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.False(t, out.Done)
	require.Len(t, out.Children, 3)

	// Round 2: converged.
	completed = []*domain.Record{{ReturnResult: 0.01}, {ReturnResult: 0.02}, {ReturnResult: 0.03}}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.Equal(t, int64(2), out.FinalMoleculeID, "middle image is the reported TS/final geometry")
}

func TestNEBErrorsOnMaxIterationsExceeded(t *testing.T) {
	d := &NEB{}
	rec := &domain.Record{MoleculeIDs: []int64{1, 2}}
	spec := domain.Specification{ServiceKeywords: map[string]interface{}{
		"convergence_threshold": 0.0001,
		"max_iterations":        1.0,
	}}
	out, err := d.Initialize(rec, spec)
	require.NoError(t, err)

	completed := []*domain.Record{{ReturnResult: 0.5}, {ReturnResult: 0.5}}
	_, err = d.Iterate(rec, spec, out.State, completed)
	require.Error(t, err)
}

func TestManybodySpawnsAllAtOnceAndAggregates(t *testing.T) {
	d := &Manybody{}
	rec := &domain.Record{MoleculeIDs: []int64{1, 2, 3}, Tag: "default"}
	spec := domain.Specification{ServiceKeywords: map[string]interface{}{
		"coefficients": []interface{}{1.0, 1.0, -1.0},
	}}
	out, err := d.Initialize(rec, spec)
	require.NoError(t, err)
	require.Len(t, out.Children, 3)
	require.False(t, out.Done)

	completed := []*domain.Record{{ReturnResult: -10.0}, {ReturnResult: -5.0}, {ReturnResult: -12.0}}
	out, err = d.Iterate(rec, spec, out.State, completed)
	require.NoError(t, err)
	require.True(t, out.Done)
	require.InDelta(t, -10.0+-5.0-(-12.0), out.ReturnResult, 1e-9)
}

func TestManybodyToleratesChildOutcomeIsFalse(t *testing.T) {
	d := &Manybody{}
	require.False(t, d.ToleratesChildOutcome(domain.StatusError))
}
