// Package serviceengine implements the Service Engine (spec.md §4.5):
// per-variant drivers for the iterative, child-spawning workflows
// (torsion drive, grid optimization, nudged elastic band, manybody /
// reaction). Each driver is a small state machine operating on an opaque,
// variant-owned iterate-state blob, grounded on the teacher's
// internal/app/services/automation's JobDispatcher interface (one
// implementation selected by a type tag, driven by an outer scheduler).
package serviceengine

import (
	"encoding/json"
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// ChildRequest describes one child record a driver wants created. The
// caller (internal/jobrunner, via internal/records) is responsible for
// deduplicating it through the normal add_record path (spec.md §4.2) and
// linking it as a dependency of the owning service's record.
type ChildRequest struct {
	Type        domain.RecordType
	Spec        domain.Specification
	MoleculeIDs []int64
	Tag         string
	Priority    domain.Priority
}

// Outcome is the non-error result of one Iterate call: either a new
// opaque state and the children to submit next, or, with Done set, the
// outputs that finalize the record.
type Outcome struct {
	State    []byte
	Children []ChildRequest
	Done     bool
	// FinalMoleculeID/ReturnResult/Properties/TrajectoryIDs are populated
	// only when Done is true, to finalize the owning record's outputs.
	FinalMoleculeID int64
	ReturnResult    float64
	Properties      map[string]float64
	TrajectoryIDs   []int64
}

// Driver is the per-variant Service Engine implementation (spec.md §4.5:
// "Each service variant implements initialize/iterate").
type Driver interface {
	// Initialize is called once at service creation. spec is the owning
	// record's specification, carrying the variant's ServiceKeywords.
	Initialize(rec *domain.Record, spec domain.Specification) (Outcome, error)
	// Iterate is called each time all of a service's pending children have
	// reached a terminal state. completed must be ordered by
	// domain.RecordDependency.Position, matching the order the previous
	// Outcome.Children were submitted in.
	Iterate(rec *domain.Record, spec domain.Specification, state []byte, completed []*domain.Record) (Outcome, error)
	// ToleratesChildOutcome reports whether the variant can still make
	// progress after a child reaches the given terminal, non-complete
	// status (spec.md §4.4: "unless it can still make progress without
	// that child, the service variant decides" — SPEC_FULL.md §C.3).
	ToleratesChildOutcome(status domain.Status) bool
}

// Registry maps a service-based RecordType to its Driver.
type Registry map[domain.RecordType]Driver

// NewRegistry builds the default registry with one driver per
// service-based record type named in spec.md §4.5.
func NewRegistry() Registry {
	return Registry{
		domain.RecordTorsionDrive:     &TorsionDrive{},
		domain.RecordGridOptimization: &GridOptimization{},
		domain.RecordNEB:              &NEB{},
		domain.RecordManybody:         &Manybody{},
		domain.RecordReaction:         &Manybody{}, // reaction: same static-expansion shape (spec.md §4.5)
	}
}

// For looks up the driver for a record type, erroring if the type is not
// service-based or has no registered driver.
func (r Registry) For(t domain.RecordType) (Driver, error) {
	if !t.IsServiceBased() {
		return nil, fmt.Errorf("record type %q is not service-based", t)
	}
	d, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("no service driver registered for %q", t)
	}
	return d, nil
}

// marshalState/unmarshalState are the shared opaque-state codec every
// driver uses — plain JSON, since the blob is only ever interpreted by
// the driver that wrote it (spec.md §2: "serialized iterate-state, opaque
// to queue").
func marshalState(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("serviceengine: state must be JSON-marshalable: %v", err))
	}
	return b
}

func unmarshalState(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
