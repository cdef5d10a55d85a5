package jobrunner

import (
	"context"
	"time"
)

// serviceTick drives every due service whose pending children have all
// reached a terminal state (spec.md §4.5 step 1-2), bounded by
// max_active_services. Services whose children are still in flight are
// left for a later tick — DueServices will keep surfacing them since
// their next_iteration_due_at has already passed.
func (r *Runner) serviceTick(ctx context.Context) error {
	due, err := r.db.DueServices(ctx, time.Now(), r.cfg.MaxActiveServices)
	if err != nil {
		return err
	}
	for _, svc := range due {
		ready, err := r.records.AllChildrenTerminal(ctx, svc.RecordID)
		if err != nil {
			r.log.WithField("error", err).WithField("service_id", svc.ID).Error("checking service children")
			continue
		}
		if !ready {
			continue
		}
		if err := r.records.AdvanceService(ctx, svc); err != nil {
			r.log.WithField("error", err).WithField("service_id", svc.ID).Error("advancing service")
		}
	}
	return nil
}
