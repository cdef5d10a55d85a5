package serviceengine

import (
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// extractFloat reads one numeric field out of a child record's outputs
// via a jsonpath expression, grounded on the teacher's use of
// PaesslerAG/jsonpath+gval to pick fields out of opaque upstream JSON
// payloads. Drivers use this rather than hand-rolled field access so a
// variant can be written against whatever shape of child output it
// expects (e.g. "$.properties.return_energy" or "$.return_result")
// without every driver re-implementing traversal.
func extractFloat(payload interface{}, path string) (float64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, err
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0, fmt.Errorf("jsonpath %q: %w", path, err)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("jsonpath %q did not resolve to a number, got %T", path, v)
	}
}
