// Package queue implements the Task Queue (spec.md §4.3): claim with
// tag/capability matching and priority+FIFO ordering, heartbeat lease
// extension, manager return handling, and cancellation — grounded on the
// teacher's pkg/storage/postgres/base_store.go transaction idiom for
// atomicity and internal/app/services/automation/scheduler.go's dispatch
// shape for the surrounding service struct.
package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/errs"
	"github.com/r3e-network/qcbroker/internal/metrics"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Queue is the Task Queue's business logic, built on a store.Store.
type Queue struct {
	store store.Store
	cfg   config.QueueConfig
	log   *logger.Logger
}

// New constructs a Queue.
func New(s store.Store, cfg config.QueueConfig, log *logger.Logger) *Queue {
	return &Queue{store: s, cfg: cfg, log: log}
}

// ClaimedTask is what a manager receives for each task claimed.
type ClaimedTask struct {
	ID               int64                        `json:"id"`
	RecordID         int64                        `json:"record_id"`
	Payload          domain.TaskPayload           `json:"payload"`
	RequiredPrograms []domain.ProgramRequirement  `json:"required_programs,omitempty"`
}

// Claim implements the manager claim protocol (spec.md §4.3): filter by
// tag/program-capability, order by priority desc then created-at asc,
// claim atomically, set lease = now + heartbeat_timeout*k.
func (q *Queue) Claim(ctx context.Context, manager *domain.Manager, limit int) ([]ClaimedTask, error) {
	if limit <= 0 {
		limit = q.cfg.ClaimBatchDefault
	}
	var claimed []ClaimedTask

	err := q.store.WithTx(ctx, func(ctx context.Context) error {
		candidates, err := q.store.ClaimCandidates(ctx, manager.Tags, limit*4) // overfetch: capability filter below may reject some
		if err != nil {
			return err
		}
		lease := time.Now().Add(time.Duration(q.cfg.LeaseMultiplier) * q.cfg.HeartbeatTimeout)
		for _, t := range candidates {
			if len(claimed) >= limit {
				break
			}
			if !satisfiesPrograms(manager.Programs, t.RequiredPrograms) {
				continue
			}
			if err := q.store.MarkClaimed(ctx, t.ID, manager.Name, lease); err != nil {
				return err
			}
			rec, err := q.store.GetRecord(ctx, t.RecordID)
			if err != nil {
				return err
			}
			rec.Status = domain.StatusRunning
			rec.ManagerName = manager.Name
			rec.ComputeHistory = append(rec.ComputeHistory, domain.ComputeHistoryEntry{
				ManagerName: manager.Name,
				StartedAt:   time.Now(),
			})
			if err := q.store.UpdateRecord(ctx, rec); err != nil {
				return err
			}
			claimed = append(claimed, ClaimedTask{
				ID: t.ID, RecordID: t.RecordID, Payload: t.Payload, RequiredPrograms: t.RequiredPrograms,
			})
		}
		if len(claimed) > 0 {
			if err := q.store.IncrementCounters(ctx, manager.Name, int64(len(claimed)), 0, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueClaims.Add(float64(len(claimed)))
	return claimed, nil
}

// satisfiesPrograms reports whether every required program is present in
// the manager's declared programs at a version >= the requirement
// (spec.md §4.3: "version constraint >= by semver-like order").
func satisfiesPrograms(declared map[string]string, required []domain.ProgramRequirement) bool {
	for _, req := range required {
		have, ok := declared[req.Name]
		if !ok {
			return false
		}
		if versionLess(have, req.MinVersion) {
			return false
		}
	}
	return true
}

// versionLess compares dotted-integer version strings component-wise
// (spec.md §9 Open Question: a plain dotted-integer compare, not full
// semver with pre-release tags, since program versions in this domain are
// plain dotted numbers — see DESIGN.md).
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// Heartbeat extends the lease of every task currently leased by manager,
// per spec.md §4.3.
func (q *Queue) Heartbeat(ctx context.Context, managerName string) (int64, error) {
	if err := q.store.Touch(ctx, managerName, time.Now()); err != nil {
		return 0, err
	}
	lease := time.Now().Add(time.Duration(q.cfg.LeaseMultiplier) * q.cfg.HeartbeatTimeout)
	return q.store.ExtendLeases(ctx, managerName, lease)
}

// ReturnResult is what a manager posts back for one claimed task.
type ReturnResult struct {
	TaskID       int64              `json:"-"` // set by the httpapi layer from the results map key
	Success      bool               `json:"success"`
	ReturnResult float64            `json:"return_result,omitempty"`
	Properties   map[string]float64 `json:"properties,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Retriable    bool               `json:"retriable,omitempty"`
}

// Return processes one manager return (spec.md §4.3): validates the
// manager still holds the lease, persists outputs or error, transitions
// the record, and deletes the task row. Service parents are not notified
// here; the job runner's service tick picks up the child's new status.
func (q *Queue) Return(ctx context.Context, managerName string, result ReturnResult) error {
	return q.store.WithTx(ctx, func(ctx context.Context) error {
		task, err := q.store.GetTask(ctx, result.TaskID)
		if err == store.ErrNotFound {
			return errs.New(errs.KindTaskNotLeased, "task is not leased by this manager")
		}
		if err != nil {
			return err
		}
		if task.ManagerName != managerName {
			return errs.New(errs.KindTaskNotLeased, "task is not leased by this manager")
		}

		rec, err := q.store.GetRecord(ctx, task.RecordID)
		if err != nil {
			return err
		}

		if rec.Status == domain.StatusCancelled {
			// Accepted but ignored: recorded in history, status stays
			// cancelled (spec.md §4.3 "Cancellation while leased").
			rec.ComputeHistory = append(rec.ComputeHistory, domain.ComputeHistoryEntry{
				ManagerName: managerName, EndedAt: time.Now(), Success: result.Success,
			})
			return q.store.UpdateRecord(ctx, rec)
		}

		now := time.Now()
		if len(rec.ComputeHistory) > 0 {
			rec.ComputeHistory[len(rec.ComputeHistory)-1].EndedAt = now
			rec.ComputeHistory[len(rec.ComputeHistory)-1].Success = result.Success
		}

		if result.Success {
			rec.Status = domain.StatusComplete
			rec.ReturnResult = result.ReturnResult
			rec.HasReturnResult = true
			rec.Properties = result.Properties
			if err := q.store.IncrementCounters(ctx, managerName, 0, 1, 0); err != nil {
				return err
			}
		} else {
			rec.Status = domain.StatusError
			rec.ErrorMessage = result.ErrorMessage
			rec.Retriable = result.Retriable
			if err := q.store.IncrementCounters(ctx, managerName, 0, 0, 1); err != nil {
				return err
			}
		}
		if err := q.store.UpdateRecord(ctx, rec); err != nil {
			return err
		}
		return q.store.DeleteTask(ctx, task.ID)
	})
}

// Cancel removes a task's row and transitions its record to cancelled
// (spec.md §4.2, §4.3). Valid from waiting or running.
func (q *Queue) Cancel(ctx context.Context, recordID int64) error {
	return q.store.WithTx(ctx, func(ctx context.Context) error {
		rec, err := q.store.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusWaiting && rec.Status != domain.StatusRunning {
			return errs.InvalidTransition(string(rec.Status), string(domain.StatusCancelled), "record")
		}
		task, err := q.store.GetTaskByRecordID(ctx, recordID)
		if err == nil {
			_ = q.store.DeleteTask(ctx, task.ID)
		} else if err != store.ErrNotFound {
			return err
		}
		rec.PreviousStatus = rec.Status
		rec.Status = domain.StatusCancelled
		return q.store.UpdateRecord(ctx, rec)
	})
}

// Depth reports the current queue depth for stats snapshots (spec §4.6).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.QueueDepth(ctx)
}
