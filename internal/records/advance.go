package records

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/metrics"
)

// AdvanceService runs one Service Engine driver step for svc (spec.md
// §4.5 step 2): if any pending child is error (or cancelled) and the
// variant doesn't tolerate it, the service record goes to error (or
// cancelled) and its service row is deleted; otherwise Iterate runs and either
// finalizes the record or submits the next round of children. Called by
// internal/jobrunner once per due service, inside its own transaction.
func (s *Store) AdvanceService(ctx context.Context, svc *domain.Service) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, svc.RecordID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return s.db.DeleteService(ctx, svc.ID)
		}
		spec, err := s.db.GetSpecification(ctx, rec.SpecificationID)
		if err != nil {
			return err
		}
		driver, err := s.drivers.For(rec.Type)
		if err != nil {
			return err
		}

		// Only the round submitted last, in submission order.
		completed := make([]*domain.Record, 0, len(svc.PendingChildren))
		for _, childID := range svc.PendingChildren {
			child, err := s.db.GetRecord(ctx, childID)
			if err != nil {
				return err
			}
			completed = append(completed, child)
		}

		for _, child := range completed {
			if child.Status == domain.StatusError && !driver.ToleratesChildOutcome(child.Status) {
				return s.failService(ctx, rec, svc, fmt.Sprintf("child record %d errored: %s", child.ID, child.ErrorMessage))
			}
			if child.Status == domain.StatusCancelled && !driver.ToleratesChildOutcome(child.Status) {
				rec.PreviousStatus = rec.Status
				rec.Status = domain.StatusCancelled
				rec.ModifiedAt = time.Now()
				s.cacheInvalidate(ctx, rec.ID)
				if err := s.db.UpdateRecord(ctx, rec); err != nil {
					return err
				}
				return s.db.DeleteService(ctx, svc.ID)
			}
		}

		out, err := driver.Iterate(rec, *spec, svc.IterateState, completed)
		if err != nil {
			return s.failService(ctx, rec, svc, err.Error())
		}
		metrics.ServiceIterations.Inc()

		if out.Done {
			rec.Status = domain.StatusComplete
			rec.FinalMoleculeID = out.FinalMoleculeID
			rec.ReturnResult = out.ReturnResult
			rec.HasReturnResult = true
			rec.Properties = out.Properties
			rec.TrajectoryIDs = out.TrajectoryIDs
			rec.ModifiedAt = time.Now()
			s.cacheInvalidate(ctx, rec.ID)
			if err := s.db.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			return s.db.DeleteService(ctx, svc.ID)
		}

		svc.IterateState = out.State
		svc.Iteration++
		// Re-driven as soon as the new children are all terminal; the tick
		// loop's own interval bounds how often that's actually checked.
		svc.NextIterationDueAt = time.Now()
		if err := s.db.UpdateService(ctx, svc); err != nil {
			return err
		}
		return s.submitChildren(ctx, svc.ID, rec.ID, out.Children)
	})
}

// failService transitions the owning record to error and removes the
// service row (spec.md §4.5: "set the service record to error ..., delete
// the service row").
func (s *Store) failService(ctx context.Context, rec *domain.Record, svc *domain.Service, message string) error {
	rec.Status = domain.StatusError
	rec.ErrorMessage = message
	rec.ModifiedAt = time.Now()
	s.cacheInvalidate(ctx, rec.ID)
	if err := s.db.UpdateRecord(ctx, rec); err != nil {
		return err
	}
	return s.db.DeleteService(ctx, svc.ID)
}

// orderedChildren returns every child ever linked to parentRecordID, from
// all rounds, as full records sorted by dependency Position. Positions
// restart at 0 each round, so the order across rounds is not defined.
func (s *Store) orderedChildren(ctx context.Context, parentRecordID int64) ([]*domain.Record, error) {
	edges, err := s.db.Children(ctx, parentRecordID)
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Position < edges[j].Position })

	out := make([]*domain.Record, 0, len(edges))
	for _, e := range edges {
		child, err := s.db.GetRecord(ctx, e.ChildID)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// AllChildrenTerminal reports whether every child linked to parentRecordID
// has reached a terminal status, the precondition the Internal Job Runner
// checks before calling AdvanceService (spec.md §4.5 step 1).
func (s *Store) AllChildrenTerminal(ctx context.Context, parentRecordID int64) (bool, error) {
	children, err := s.orderedChildren(ctx, parentRecordID)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if !c.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}
