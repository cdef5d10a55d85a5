package serviceengine

import (
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// TorsionDrive scans one or more dihedrals at a fixed grid resolution,
// chaining each new grid point off its nearest already-converged
// neighbor's geometry (spec.md §4.5, worked example §8.5: three grid
// points at 180° resolution, point 0° optimized first, then ±180° seeded
// from the 0° geometry).
type TorsionDrive struct{}

type torsionState struct {
	GridPoints []float64          `json:"grid_points"`
	Done       map[string]bool    `json:"done"`
	Energies   map[string]float64 `json:"energies"`
	Geometries map[string]int64   `json:"geometries"` // grid label -> optimized molecule id
	Pending    []string           `json:"pending"`    // labels submitted this round
}

func gridLabel(v float64) string { return fmt.Sprintf("%.4f", v) }

func (t *TorsionDrive) Initialize(rec *domain.Record, spec domain.Specification) (Outcome, error) {
	points := gridPointsFromKeywords(spec.ServiceKeywords)
	if len(points) == 0 {
		return Outcome{}, fmt.Errorf("torsiondrive: service_keywords must name at least one grid_points entry")
	}

	st := torsionState{
		GridPoints: points,
		Done:       map[string]bool{},
		Energies:   map[string]float64{},
		Geometries: map[string]int64{},
	}
	seed := points[0]
	st.Pending = []string{gridLabel(seed)}

	return Outcome{
		State: marshalState(st),
		Children: []ChildRequest{
			optimizationChild(rec, spec, seed, rec.MoleculeIDs),
		},
	}, nil
}

func (t *TorsionDrive) Iterate(rec *domain.Record, spec domain.Specification, state []byte, completed []*domain.Record) (Outcome, error) {
	var st torsionState
	if err := unmarshalState(state, &st); err != nil {
		return Outcome{}, err
	}

	for i, label := range st.Pending {
		if i >= len(completed) {
			break
		}
		child := completed[i]
		energy, err := extractFloat(child.Properties, "$.return_energy")
		if err != nil {
			energy = child.ReturnResult
		}
		st.Done[label] = true
		st.Energies[label] = energy
		st.Geometries[label] = child.FinalMoleculeID
	}
	st.Pending = nil

	remaining := unconvergedPoints(st.GridPoints, st.Done)
	if len(remaining) == 0 {
		var best string
		for label := range st.Energies {
			if best == "" || st.Energies[label] < st.Energies[best] {
				best = label
			}
		}
		return Outcome{
			State:           marshalState(st),
			Done:            true,
			FinalMoleculeID: st.Geometries[best],
			Properties:      map[string]float64{"return_energy": st.Energies[best]},
		}, nil
	}

	// Every grid point left to scan is seedable the moment it has a done
	// neighbor, and the whole done set only grows within one Iterate call,
	// so all of them spawn together rather than one per round (spec.md §8.5:
	// once 0° converges, both ±180° are seeded from it in the same
	// iteration).
	children := make([]ChildRequest, 0, len(remaining))
	labels := make([]string, 0, len(remaining))
	for _, p := range remaining {
		seedLabel := nearestDoneNeighbor(st.GridPoints, st.Done, p)
		seedMoleculeIDs := rec.MoleculeIDs
		if seedLabel != "" {
			seedMoleculeIDs = []int64{st.Geometries[seedLabel]}
		}
		children = append(children, optimizationChild(rec, spec, p, seedMoleculeIDs))
		labels = append(labels, gridLabel(p))
	}
	st.Pending = labels

	return Outcome{
		State:    marshalState(st),
		Children: children,
	}, nil
}

// ToleratesChildOutcome: an erroring optimization is fatal to the whole
// scan (spec.md §8.5 invariant — torsion drive convergence assumes every
// grid point successfully optimizes).
func (t *TorsionDrive) ToleratesChildOutcome(status domain.Status) bool { return false }

func optimizationChild(rec *domain.Record, spec domain.Specification, angle float64, moleculeIDs []int64) ChildRequest {
	inner := spec
	inner.ServiceKeywords = nil
	if inner.OptimizerKeywords == nil {
		inner.OptimizerKeywords = map[string]interface{}{}
	}
	inner.OptimizerKeywords["constrained_dihedral_degrees"] = angle
	return ChildRequest{
		Type: domain.RecordOptimization, Spec: inner, MoleculeIDs: moleculeIDs,
		Tag: rec.Tag, Priority: rec.Priority,
	}
}

func gridPointsFromKeywords(kw map[string]interface{}) []float64 {
	raw, ok := kw["grid_points"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, v := range list {
		if f, ok := v.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

func unconvergedPoints(points []float64, done map[string]bool) []float64 {
	out := make([]float64, 0, len(points))
	for _, p := range points {
		if !done[gridLabel(p)] {
			out = append(out, p)
		}
	}
	return out
}

// nearestDoneNeighbor finds the completed grid point closest to target,
// so the next optimization is seeded from the nearest converged geometry
// (spec.md §4.5: "using neighbor grid points as starting geometries").
func nearestDoneNeighbor(points []float64, done map[string]bool, target float64) string {
	best := ""
	bestDist := -1.0
	for _, p := range points {
		label := gridLabel(p)
		if !done[label] {
			continue
		}
		d := p - target
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			bestDist, best = d, label
		}
	}
	return best
}
