// Package records implements the Record Store business logic (spec.md
// §4.2): add_molecule/add_record deduplication, get/query, and the full
// mutation surface (reset, cancel, uncancel, invalidate, uninvalidate,
// soft_delete, undelete, hard_delete, modify, add_comment), enforcing the
// record state machine (spec.md §4.4) and its cascading semantics.
// Grounded on the teacher's internal/app/services/*/store.go CRUD-plus-
// validation shape, fronted by a go-redis read-through cache on
// GetRecords the way the teacher caches account reads.
package records

import (
	"fmt"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// transition is one allowed (from, event) -> to edge of spec.md §4.4's
// table, kept as an explicit map rather than scattered if-statements so
// the whole state machine is visible in one place.
type transition struct {
	from  domain.Status
	event string
}

var transitions = map[transition]domain.Status{
	{domain.StatusWaiting, "claim"}:          domain.StatusRunning,
	{domain.StatusRunning, "heartbeat_lost"}: domain.StatusWaiting,
	{domain.StatusRunning, "success"}:        domain.StatusComplete,
	{domain.StatusRunning, "error"}:          domain.StatusError,
	{domain.StatusWaiting, "cancel"}:         domain.StatusCancelled,
	{domain.StatusRunning, "cancel"}:         domain.StatusCancelled,
	{domain.StatusCancelled, "uncancel"}:     domain.StatusWaiting,
	{domain.StatusError, "reset"}:            domain.StatusWaiting,
	{domain.StatusComplete, "invalidate"}:    domain.StatusInvalid,
	{domain.StatusInvalid, "uninvalidate"}:   domain.StatusComplete,
}

// applyTransition validates and returns the destination status for
// (from, event), per spec.md §4.4. soft_delete/undelete/hard_delete are
// handled separately since soft_delete applies from "any" status and
// undelete restores a stored previous status rather than a fixed one.
func applyTransition(from domain.Status, event string) (domain.Status, error) {
	to, ok := transitions[transition{from, event}]
	if !ok {
		return "", fmt.Errorf("invalid transition: %s from status %q", event, from)
	}
	return to, nil
}
