package serviceengine

import (
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// GridOptimization scans linear combinations of constrained internal
// coordinates (spec.md §4.5). Unlike TorsionDrive it has no
// nearest-neighbor seeding requirement, so every grid point is submitted
// in a single round and the service finalizes as soon as all of them
// return.
type GridOptimization struct{}

type gridOptState struct {
	Combinations [][]float64        `json:"combinations"`
	Energies     map[string]float64 `json:"energies"`
	Geometries   map[string]int64   `json:"geometries"`
}

func comboLabel(combo []float64) string { return fmt.Sprintf("%v", combo) }

func (g *GridOptimization) Initialize(rec *domain.Record, spec domain.Specification) (Outcome, error) {
	combos := combinationsFromKeywords(spec.ServiceKeywords)
	if len(combos) == 0 {
		return Outcome{}, fmt.Errorf("gridoptimization: service_keywords must name at least one scan_combinations entry")
	}
	st := gridOptState{Combinations: combos, Energies: map[string]float64{}, Geometries: map[string]int64{}}

	children := make([]ChildRequest, 0, len(combos))
	for _, c := range combos {
		inner := spec
		inner.ServiceKeywords = nil
		if inner.OptimizerKeywords == nil {
			inner.OptimizerKeywords = map[string]interface{}{}
		}
		inner.OptimizerKeywords["constrained_coordinates"] = c
		children = append(children, ChildRequest{
			Type: domain.RecordOptimization, Spec: inner, MoleculeIDs: rec.MoleculeIDs,
			Tag: rec.Tag, Priority: rec.Priority,
		})
	}
	return Outcome{State: marshalState(st), Children: children}, nil
}

func (g *GridOptimization) Iterate(rec *domain.Record, spec domain.Specification, state []byte, completed []*domain.Record) (Outcome, error) {
	var st gridOptState
	if err := unmarshalState(state, &st); err != nil {
		return Outcome{}, err
	}
	for i, c := range st.Combinations {
		if i >= len(completed) {
			break
		}
		child := completed[i]
		energy, err := extractFloat(child.Properties, "$.return_energy")
		if err != nil {
			energy = child.ReturnResult
		}
		label := comboLabel(c)
		st.Energies[label] = energy
		st.Geometries[label] = child.FinalMoleculeID
	}

	best := ""
	for label := range st.Energies {
		if best == "" || st.Energies[label] < st.Energies[best] {
			best = label
		}
	}
	return Outcome{
		State: marshalState(st), Done: true,
		FinalMoleculeID: st.Geometries[best],
		Properties:      map[string]float64{"return_energy": st.Energies[best]},
	}, nil
}

// ToleratesChildOutcome: a single failed grid point does not invalidate
// the rest of the scan, so the service keeps making progress without it.
func (g *GridOptimization) ToleratesChildOutcome(status domain.Status) bool {
	return status == domain.StatusError
}

func combinationsFromKeywords(kw map[string]interface{}) [][]float64 {
	raw, ok := kw["scan_combinations"]
	if !ok {
		return nil
	}
	outer, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([][]float64, 0, len(outer))
	for _, v := range outer {
		inner, ok := v.([]interface{})
		if !ok {
			continue
		}
		combo := make([]float64, 0, len(inner))
		for _, n := range inner {
			if f, ok := n.(float64); ok {
				combo = append(combo, f)
			}
		}
		out = append(out, combo)
	}
	return out
}
