package jobrunner

import (
	"context"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/metrics"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/store"
)

// autoResetTick transitions error records back to waiting when the error
// matches the configured whitelist of retriable substrings and the
// record hasn't already exhausted its automatic reset budget (spec.md
// §4.6: "for records in error with error.retriable == true and
// resets_used < auto_reset_limit, transition to waiting").
func (r *Runner) autoResetTick(ctx context.Context) error {
	errored, err := r.db.QueryRecords(ctx, store.RecordQuery{Status: []domain.Status{domain.StatusError}})
	if err != nil {
		return err
	}
	for _, rec := range errored {
		if !rec.Retriable {
			continue
		}
		if rec.ResetsUsed >= r.cfg.AutoResetLimit {
			continue
		}
		if !records.RetriableByPolicy(rec.ErrorMessage, r.cfg.RetriableSubstrings) {
			continue
		}
		if err := r.records.Reset(ctx, rec.ID); err != nil {
			r.log.WithField("error", err).WithField("record_id", rec.ID).Error("auto-reset failed")
			continue
		}
		metrics.AutoResets.Inc()
	}
	return nil
}
