package serviceengine

import (
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// Manybody implements the static-expansion service variants — manybody
// expansion and reaction energetics — which spawn every child in a single
// round and complete as soon as they all return (spec.md §4.5: "static
// expansions; may spawn all children in one iteration and complete on
// their return").
type Manybody struct{}

type manybodyState struct {
	Coefficients []float64 `json:"coefficients"` // per-molecule sign/weight, e.g. products +1, reactants -1
}

func (m *Manybody) Initialize(rec *domain.Record, spec domain.Specification) (Outcome, error) {
	if len(rec.MoleculeIDs) == 0 {
		return Outcome{}, fmt.Errorf("manybody: requires at least one expansion member")
	}
	coeffs := coefficientsFromKeywords(spec.ServiceKeywords, len(rec.MoleculeIDs))
	st := manybodyState{Coefficients: coeffs}

	children := make([]ChildRequest, 0, len(rec.MoleculeIDs))
	for _, molID := range rec.MoleculeIDs {
		inner := spec
		inner.ServiceKeywords = nil
		children = append(children, ChildRequest{
			Type: domain.RecordSinglepoint, Spec: inner, MoleculeIDs: []int64{molID},
			Tag: rec.Tag, Priority: rec.Priority,
		})
	}
	return Outcome{State: marshalState(st), Children: children}, nil
}

func (m *Manybody) Iterate(rec *domain.Record, spec domain.Specification, state []byte, completed []*domain.Record) (Outcome, error) {
	var st manybodyState
	if err := unmarshalState(state, &st); err != nil {
		return Outcome{}, err
	}
	if len(completed) != len(st.Coefficients) {
		return Outcome{}, fmt.Errorf("manybody: expected %d expansion members, got %d", len(st.Coefficients), len(completed))
	}

	total := 0.0
	for i, child := range completed {
		energy, err := extractFloat(child.Properties, "$.return_energy")
		if err != nil {
			energy = child.ReturnResult
		}
		total += st.Coefficients[i] * energy
	}

	return Outcome{
		State: marshalState(st), Done: true,
		ReturnResult: total,
	}, nil
}

// ToleratesChildOutcome: every expansion member is required for the
// energetics sum to be meaningful.
func (m *Manybody) ToleratesChildOutcome(status domain.Status) bool { return false }

func coefficientsFromKeywords(kw map[string]interface{}, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0
	}
	raw, ok := kw["coefficients"]
	if !ok {
		return out
	}
	list, ok := raw.([]interface{})
	if !ok {
		return out
	}
	for i := 0; i < n && i < len(list); i++ {
		if f, ok := list[i].(float64); ok {
			out[i] = f
		}
	}
	return out
}
