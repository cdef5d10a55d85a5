// Package hashing implements canonical, deterministic hashing of
// molecules, keyword sets and specifications (spec.md §4.1). Hashes are
// sha256 hex digests (256 bits, comfortably over the required 160-bit
// floor) of a canonical JSON projection of each entity.
//
// There is no ecosystem library in the retrieval pack for
// canonicalize-then-hash content addressing; this is a pure stdlib
// concern (crypto/sha256 + encoding/json with pre-sorted map keys), so no
// third-party dependency is justified here (see DESIGN.md).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/r3e-network/qcbroker/internal/domain"
)

const (
	geometryTolerance = 1e-8
	massTolerance     = 1e-6
	chargeTolerance   = 1e-4
)

func round(v, tolerance float64) float64 {
	if tolerance <= 0 {
		return v
	}
	return math.Round(v/tolerance) * tolerance
}

func roundAll(vs []float64, tolerance float64) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = round(v, tolerance)
	}
	return out
}

// canonicalJSON produces a stable byte encoding: map keys are sorted
// recursively, and numbers are passed through encoding/json, which emits
// the shortest round-trippable representation (json.Marshal of a float64
// 1.0 emits "1", with no trailing ".0").
func canonicalJSON(v interface{}) []byte {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		// canonicalization must never fail for the internal types we feed
		// it; a failure here indicates a programming error upstream.
		panic(err)
	}
	return b
}

// normalize walks a value built from maps/slices/scalars and returns an
// equivalent structure where map keys will marshal in sorted order. Go's
// encoding/json already sorts map[string]X keys on Marshal, so the only
// real work is making sure nested maps are map[string]interface{} (not a
// concrete struct that would preserve field-declaration order instead of
// the canonical sorted order the spec requires).
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func sumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MoleculeHash computes the canonical hash of a molecule per spec.md §4.1:
// rounded geometry/masses/charge, atom order preserved (not canonicalized).
func MoleculeHash(m domain.Molecule) string {
	proj := map[string]interface{}{
		"symbols":       m.Symbols,
		"geometry":      roundAll(m.Geometry, geometryTolerance),
		"masses":        roundAll(m.Masses, massTolerance),
		"charge":        round(m.Charge, chargeTolerance),
		"multiplicity":  m.Multiplicity,
		"real":          m.RealAtoms,
		"fragments":     m.FragmentAtoms,
		"frag_charges":  roundAll(m.FragmentCharges, chargeTolerance),
		"frag_mult":     m.FragmentMultiplicity,
		"connectivity":  canonicalizeConnectivity(m.Connectivity),
	}
	return sumHex(jsonRoundTrip(proj))
}

// canonicalizeConnectivity sorts each bond's two endpoint indices so that
// (i,j,order) and (j,i,order) hash identically, per spec.md's "sorted
// endpoints" rule.
func canonicalizeConnectivity(conn [][3]float64) [][3]float64 {
	out := make([][3]float64, len(conn))
	for i, c := range conn {
		if c[0] > c[1] {
			c[0], c[1] = c[1], c[0]
		}
		out[i] = c
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		if out[i][1] != out[j][1] {
			return out[i][1] < out[j][1]
		}
		return out[i][2] < out[j][2]
	})
	return out
}

// jsonRoundTrip marshals then unmarshals into generic map/slice/scalar
// form so canonicalJSON's key-sorting applies uniformly, then re-marshals.
// This guarantees idempotence: hashing the canonical form of an already
// canonical value yields the same bytes (spec.md testable property #7).
func jsonRoundTrip(v interface{}) []byte {
	first := canonicalJSON(v)
	var generic interface{}
	if err := json.Unmarshal(first, &generic); err != nil {
		panic(err)
	}
	return canonicalJSON(generic)
}

// caseFold lower-cases fields documented as case-insensitive: program,
// method, basis (spec.md §4.1, §9 Open Question resolution).
func caseFold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// KeywordSetHash computes the canonical hash of a keyword set: sorted
// keys at every level, numbers normalized by JSON's own float handling.
func KeywordSetHash(values map[string]interface{}) string {
	return sumHex(jsonRoundTrip(values))
}

// noBasisSentinel is emitted when a specification has no basis set, so
// that submissions omitting basis collapse to the same hash whether the
// field was absent, empty, or whitespace only. A literal "none" is hashed
// as an ordinary basis name.
const noBasisSentinel = "__no_basis__"

// SpecHash computes the canonical hash of a specification: struct-of-fields
// canonical form, lower-cased program/method/basis, recursive sub-spec
// hashing via the layered fields, missing basis normalized to a sentinel.
func SpecHash(s domain.Specification) string {
	basis := caseFold(s.Basis)
	if basis == "" {
		basis = noBasisSentinel
	}

	proj := map[string]interface{}{
		"program":       caseFold(s.Program),
		"driver":        s.Driver,
		"method":        caseFold(s.Method),
		"basis":         basis,
		"keywords_hash": s.KeywordsHash,
		"protocols":     s.Protocols,
	}
	if s.OptimizerProgram != "" || len(s.OptimizerKeywords) > 0 {
		proj["optimizer_program"] = caseFold(s.OptimizerProgram)
		proj["optimizer_keywords"] = normalizeKeywords(s.OptimizerKeywords)
	}
	if s.ServiceKeywords != nil {
		proj["service_keywords"] = normalizeKeywords(s.ServiceKeywords)
	}
	return sumHex(jsonRoundTrip(proj))
}

func normalizeKeywords(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// InputsHash canonicalizes an ordered set of input molecule ids into the
// "inputs_hash" half of a record's dedup key, per spec.md §3
// ("(spec_hash, inputs_hash) is globally unique").
func InputsHash(moleculeIDs []int64) string {
	return sumHex(jsonRoundTrip(moleculeIDs))
}
