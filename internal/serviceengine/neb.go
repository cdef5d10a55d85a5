package serviceengine

import (
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// NEB iterates a chain of images, spawning one singlepoint-gradient child
// per image each round, until the maximum force norm across the chain
// drops under a convergence threshold (spec.md §4.5).
type NEB struct{}

type nebState struct {
	Images               []int64 `json:"images"`
	Iteration            int     `json:"iteration"`
	ConvergenceThreshold float64 `json:"convergence_threshold"`
	MaxIterations        int     `json:"max_iterations"`
	LastForceNorm        float64 `json:"last_force_norm"`
}

func (n *NEB) Initialize(rec *domain.Record, spec domain.Specification) (Outcome, error) {
	if len(rec.MoleculeIDs) < 2 {
		return Outcome{}, fmt.Errorf("neb: requires at least two chain images")
	}
	st := nebState{
		Images:               rec.MoleculeIDs,
		ConvergenceThreshold: floatKeyword(spec.ServiceKeywords, "convergence_threshold", 0.01),
		MaxIterations:        intKeyword(spec.ServiceKeywords, "max_iterations", 50),
	}
	return Outcome{State: marshalState(st), Children: n.gradientChildren(rec, spec, st.Images, 0)}, nil
}

func (n *NEB) Iterate(rec *domain.Record, spec domain.Specification, state []byte, completed []*domain.Record) (Outcome, error) {
	var st nebState
	if err := unmarshalState(state, &st); err != nil {
		return Outcome{}, err
	}
	if len(completed) != len(st.Images) {
		return Outcome{}, fmt.Errorf("neb: expected %d image gradients, got %d", len(st.Images), len(completed))
	}

	maxForce := 0.0
	for _, child := range completed {
		norm, err := extractFloat(child.Properties, "$.gradient_norm")
		if err != nil {
			norm = child.ReturnResult
		}
		if norm < 0 {
			norm = -norm
		}
		if norm > maxForce {
			maxForce = norm
		}
	}
	st.LastForceNorm = maxForce

	if maxForce <= st.ConvergenceThreshold {
		mid := st.Images[len(st.Images)/2]
		return Outcome{
			State: marshalState(st), Done: true,
			FinalMoleculeID: mid,
			TrajectoryIDs:   st.Images,
			ReturnResult:    maxForce,
		}, nil
	}

	st.Iteration++
	if st.Iteration >= st.MaxIterations {
		return Outcome{}, fmt.Errorf("neb: exceeded max_iterations (%d) without convergence (force norm %.6g)", st.MaxIterations, maxForce)
	}

	return Outcome{
		State:    marshalState(st),
		Children: n.gradientChildren(rec, spec, st.Images, st.Iteration),
	}, nil
}

// ToleratesChildOutcome: a failed gradient evaluation invalidates the
// whole chain for this round.
func (n *NEB) ToleratesChildOutcome(status domain.Status) bool { return false }

func (n *NEB) gradientChildren(rec *domain.Record, spec domain.Specification, images []int64, iteration int) []ChildRequest {
	children := make([]ChildRequest, 0, len(images))
	for _, imgID := range images {
		inner := spec
		inner.ServiceKeywords = nil
		inner.Driver = "gradient"
		if inner.OptimizerKeywords == nil {
			inner.OptimizerKeywords = map[string]interface{}{}
		}
		// Distinguishes the same image's spec hash round over round (SpecHash
		// includes non-empty optimizer keywords), since
		// each round perturbs the chain geometry in a real NEB driver.
		inner.OptimizerKeywords = map[string]interface{}{"neb_iteration": float64(iteration)}
		children = append(children, ChildRequest{
			Type: domain.RecordSinglepoint, Spec: inner, MoleculeIDs: []int64{imgID},
			Tag: rec.Tag, Priority: rec.Priority,
		})
	}
	return children
}

func floatKeyword(kw map[string]interface{}, key string, def float64) float64 {
	if v, ok := kw[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func intKeyword(kw map[string]interface{}, key string, def int) int {
	if v, ok := kw[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return def
}
