package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/errs"
	"github.com/r3e-network/qcbroker/internal/hashing"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Store is the Record Store's business logic, composing a persistence
// store.Store, the Service Engine's driver registry (to initialize
// service-based records atomically with their service row), and an
// optional read-through cache.
type Store struct {
	db       store.Store
	drivers  serviceengine.Registry
	cache    *redis.Client
	cacheTTL time.Duration
	log      *logger.Logger
}

// New constructs a Store. cache may be nil, in which case GetRecords
// always reads through to db.
func New(db store.Store, drivers serviceengine.Registry, cache *redis.Client, cacheTTL time.Duration, log *logger.Logger) *Store {
	return &Store{db: db, drivers: drivers, cache: cache, cacheTTL: cacheTTL, log: log}
}

// AddMolecule inserts m if its molecule hash is absent, otherwise returns
// the existing id (spec.md §4.2).
func (s *Store) AddMolecule(ctx context.Context, m domain.Molecule) (id int64, existed bool, err error) {
	hash := hashing.MoleculeHash(m)
	if existing, err := s.db.FindMoleculeByHash(ctx, hash); err == nil {
		return existing.ID, true, nil
	} else if err != store.ErrNotFound {
		return 0, false, err
	}
	m.Hash = hash
	id, err = s.db.InsertMolecule(ctx, &m)
	return id, false, err
}

// AddMolecules is the bulk form of AddMolecule (spec.md §4.2: "Bulk form
// takes a sequence and returns parallel ids plus per-element metadata").
func (s *Store) AddMolecules(ctx context.Context, ms []domain.Molecule) ([]int64, []bool, []error) {
	ids := make([]int64, len(ms))
	existed := make([]bool, len(ms))
	errsOut := make([]error, len(ms))
	for i, m := range ms {
		ids[i], existed[i], errsOut[i] = s.AddMolecule(ctx, m)
	}
	return ids, existed, errsOut
}

// AddKeywordSet dedups a keyword bag by its canonical hash.
func (s *Store) AddKeywordSet(ctx context.Context, values map[string]interface{}) (int64, bool, error) {
	hash := hashing.KeywordSetHash(values)
	if existing, err := s.db.FindKeywordSetByHash(ctx, hash); err == nil {
		return existing.ID, true, nil
	} else if err != store.ErrNotFound {
		return 0, false, err
	}
	id, err := s.db.InsertKeywordSet(ctx, &domain.KeywordSet{Hash: hash, Values: values})
	return id, false, err
}

// resolveSpecification fills in spec.KeywordsHash from the keyword values
// (the caller supplies the keyword values, not a pre-computed hash),
// dedupes/inserts the keyword set, and stamps spec.Hash.
func (s *Store) resolveSpecification(ctx context.Context, spec domain.Specification, keywordValues map[string]interface{}) (domain.Specification, error) {
	if keywordValues != nil {
		kwID, _, err := s.AddKeywordSet(ctx, keywordValues)
		if err != nil {
			return spec, err
		}
		kw, err := s.db.GetKeywordSet(ctx, kwID)
		if err != nil {
			return spec, err
		}
		spec.KeywordsHash = kw.Hash
	}
	spec.Hash = hashing.SpecHash(spec)
	return spec, nil
}

// AddRecord implements add_record (spec.md §4.2): dedup on
// (type, spec_hash, inputs_hash); new records begin waiting; task-based
// records atomically enqueue a task, service-based records atomically
// create the service row (by calling the variant's Initialize).
func (s *Store) AddRecord(ctx context.Context, req AddRecordRequest) (id int64, existed bool, err error) {
	spec, err := s.resolveSpecification(ctx, req.Spec, req.KeywordValues)
	if err != nil {
		return 0, false, err
	}
	inputsHash := hashing.InputsHash(req.MoleculeIDs)

	if existing, err := s.db.FindRecordByDedupKey(ctx, req.Type, spec.Hash, inputsHash); err == nil {
		return existing.ID, true, nil
	} else if err != store.ErrNotFound {
		return 0, false, err
	}

	var specID int64
	if existing, err := s.db.FindSpecificationByHash(ctx, spec.Hash); err == nil {
		specID = existing.ID
	} else if err == store.ErrNotFound {
		specID, err = s.db.InsertSpecification(ctx, &spec)
		if err != nil {
			return 0, false, err
		}
	} else {
		return 0, false, err
	}

	now := time.Now()
	rec := &domain.Record{
		Type: req.Type, Status: domain.StatusWaiting,
		SpecificationID: specID, SpecHash: spec.Hash,
		MoleculeIDs: req.MoleculeIDs, InputsHash: inputsHash,
		Tag: req.Tag, Priority: req.Priority, Owner: req.Owner,
		CreatedAt: now, ModifiedAt: now,
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		id, err = s.db.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = id

		if req.Type.IsServiceBased() {
			driver, err := s.drivers.For(req.Type)
			if err != nil {
				return err
			}
			out, err := driver.Initialize(rec, spec)
			if err != nil {
				return err
			}
			svc := &domain.Service{
				RecordID: id, Tag: req.Tag, Priority: req.Priority,
				IterateState: out.State, NextIterationDueAt: now,
			}
			svcID, err := s.db.InsertService(ctx, svc)
			if err != nil {
				return err
			}
			return s.submitChildren(ctx, svcID, id, out.Children)
		}

		_, err = s.db.InsertTask(ctx, &domain.Task{
			RecordID: id, Tag: req.Tag, Priority: req.Priority,
			RequiredPrograms: req.RequiredPrograms, Payload: req.Payload,
		})
		return err
	})
	return id, false, err
}

// submitChildren dedups and inserts each requested child record, then
// links it as a dependency of the owning service's record and records the
// full pending-child set on the service row.
func (s *Store) submitChildren(ctx context.Context, serviceID, parentRecordID int64, children []serviceengine.ChildRequest) error {
	childIDs := make([]int64, 0, len(children))
	for pos, c := range children {
		childID, _, err := s.AddRecord(ctx, AddRecordRequest{
			Type: c.Type, Spec: c.Spec, MoleculeIDs: c.MoleculeIDs,
			Tag: c.Tag, Priority: c.Priority,
		})
		if err != nil {
			return fmt.Errorf("submitting child %d: %w", pos, err)
		}
		if err := s.db.AddDependency(ctx, domain.RecordDependency{
			ParentID: parentRecordID, ChildID: childID, Position: pos,
		}); err != nil {
			return err
		}
		childIDs = append(childIDs, childID)
	}
	return s.db.SetPendingChildren(ctx, serviceID, childIDs)
}

// AddRecordRequest is the argument struct for AddRecord.
type AddRecordRequest struct {
	Type             domain.RecordType
	Spec             domain.Specification
	KeywordValues    map[string]interface{} // optional; resolved into Spec.KeywordsHash
	MoleculeIDs      []int64
	Tag              string
	Priority         domain.Priority
	Owner            string
	RequiredPrograms []domain.ProgramRequirement
	Payload          domain.TaskPayload
}

// GetRecords returns records in request order, nil entries for misses
// when missingOK, reading through an optional cache (spec.md §4.2).
func (s *Store) GetRecords(ctx context.Context, ids []int64, missingOK bool) ([]*domain.Record, error) {
	out := make([]*domain.Record, len(ids))
	var uncached []int64
	uncachedIdx := map[int64]int{}
	for i, id := range ids {
		if rec := s.cacheGet(ctx, id); rec != nil {
			out[i] = rec
			continue
		}
		uncached = append(uncached, id)
		uncachedIdx[id] = i
	}
	if len(uncached) > 0 {
		recs, err := s.db.GetRecords(ctx, uncached)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec == nil {
				continue
			}
			out[uncachedIdx[rec.ID]] = rec
			s.cacheSet(ctx, rec)
		}
	}
	if !missingOK {
		for i, rec := range out {
			if rec == nil {
				return nil, errs.NotFound("record", ids[i])
			}
		}
	}
	return out, nil
}

func (s *Store) cacheKey(id int64) string { return fmt.Sprintf("qcbroker:record:%d", id) }

func (s *Store) cacheGet(ctx context.Context, id int64) *domain.Record {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, s.cacheKey(id)).Bytes()
	if err != nil {
		return nil
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func (s *Store) cacheSet(ctx context.Context, rec *domain.Record) {
	if s.cache == nil || rec.Status == domain.StatusRunning || rec.Status == domain.StatusWaiting {
		return // don't cache mutable in-flight records
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.cache.Set(ctx, s.cacheKey(rec.ID), data, s.cacheTTL)
}

func (s *Store) cacheInvalidate(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, s.cacheKey(id))
}

// QueryRecords passes filters straight through to the persistence layer
// (spec.md §4.2: "cursor-like stream, unspecified order").
func (s *Store) QueryRecords(ctx context.Context, q store.RecordQuery) ([]*domain.Record, error) {
	return s.db.QueryRecords(ctx, q)
}

// Reset transitions error -> waiting and repairs the task/service row
// (spec.md §4.2).
func (s *Store) Reset(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		to, terr := applyTransition(rec.Status, "reset")
		if terr != nil {
			return errs.New(errs.KindInvalidTransition, terr.Error())
		}
		rec.Status = to
		rec.ErrorMessage = ""
		rec.ResetsUsed++
		rec.ModifiedAt = time.Now()

		if err := s.recreateTaskOrService(ctx, rec); err != nil {
			return err
		}
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// recreateTaskOrService re-inserts the task row (task-based records) or
// the service row plus its child set (service-based records) that Cancel
// deleted, landing the record back in a claimable/iterable state. Shared
// by Reset and Uncancel — both flip a record back to waiting and must
// restore the exact same invariant: a waiting/running record always owns
// exactly one task or service row (spec.md §3).
func (s *Store) recreateTaskOrService(ctx context.Context, rec *domain.Record) error {
	if rec.Type.IsServiceBased() {
		spec, err := s.db.GetSpecification(ctx, rec.SpecificationID)
		if err != nil {
			return err
		}
		driver, err := s.drivers.For(rec.Type)
		if err != nil {
			return err
		}
		out, err := driver.Initialize(rec, *spec)
		if err != nil {
			return err
		}
		svc := &domain.Service{
			RecordID: rec.ID, Tag: rec.Tag, Priority: rec.Priority,
			IterateState: out.State, NextIterationDueAt: time.Now(),
		}
		svcID, err := s.db.InsertService(ctx, svc)
		if err != nil {
			return err
		}
		return s.submitChildren(ctx, svcID, rec.ID, out.Children)
	}
	_, err := s.db.InsertTask(ctx, &domain.Task{RecordID: rec.ID, Tag: rec.Tag, Priority: rec.Priority})
	return err
}

// Cancel applies from waiting or running (spec.md §4.2, §4.4). The
// record's task or service row is deleted and the status flips to
// cancelled.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		var to domain.Status
		switch rec.Status {
		case domain.StatusWaiting:
			to, err = applyTransition(domain.StatusWaiting, "cancel")
		case domain.StatusRunning:
			to, err = applyTransition(domain.StatusRunning, "cancel")
		default:
			return errs.InvalidTransition(string(rec.Status), string(domain.StatusCancelled), "record")
		}
		if err != nil {
			return errs.New(errs.KindInvalidTransition, err.Error())
		}
		if task, terr := s.db.GetTaskByRecordID(ctx, id); terr == nil {
			_ = s.db.DeleteTask(ctx, task.ID)
		}
		if svc, serr := s.db.GetServiceByRecordID(ctx, id); serr == nil {
			_ = s.db.DeleteService(ctx, svc.ID)
		}
		rec.PreviousStatus = rec.Status
		rec.Status = to
		rec.ModifiedAt = time.Now()
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// Uncancel reverses Cancel, always landing in waiting (spec.md §4.4).
// Cancel deletes the record's task/service row outright (records.go
// Cancel), so reversing it must recreate that row — otherwise the record
// lands in waiting with nothing to claim or iterate, unclaimable forever
// and in violation of the one-task-or-service invariant (spec.md §3).
func (s *Store) Uncancel(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, "uncancel", func(ctx context.Context, rec *domain.Record) error {
		return s.recreateTaskOrService(ctx, rec)
	})
}

// Invalidate applies only to complete (spec.md §4.2).
func (s *Store) Invalidate(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, "invalidate", nil)
}

// Uninvalidate reverses Invalidate.
func (s *Store) Uninvalidate(ctx context.Context, id int64) error {
	return s.mutate(ctx, id, "uninvalidate", nil)
}

// SoftDelete marks status deleted from any status, retaining the row
// (spec.md §4.4).
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		rec.PreviousStatus = rec.Status
		rec.Status = domain.StatusDeleted
		rec.ModifiedAt = time.Now()
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// Undelete restores the status stored at soft-delete time.
func (s *Store) Undelete(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusDeleted {
			return errs.InvalidTransition(string(rec.Status), "undelete", "record")
		}
		rec.Status = rec.PreviousStatus
		rec.ModifiedAt = time.Now()
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// HardDelete removes the row entirely. Fails if any record references it
// (spec.md §4.2: "fails if any record or dataset references it").
func (s *Store) HardDelete(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != domain.StatusDeleted {
			return errs.New(errs.KindInvalidTransition, "hard_delete requires the record to already be soft-deleted")
		}
		referenced, err := s.db.HasInboundReferences(ctx, id)
		if err != nil {
			return err
		}
		if referenced {
			return errs.New(errs.KindConflict, "record is referenced as a dependency and cannot be hard-deleted")
		}
		s.cacheInvalidate(ctx, id)
		return s.db.DeleteRecord(ctx, id)
	})
}

// Modify changes tag/priority; allowed only while a task or service row
// exists (spec.md §4.2).
func (s *Store) Modify(ctx context.Context, id int64, tag string, priority domain.Priority) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		hasTask := false
		if _, err := s.db.GetTaskByRecordID(ctx, id); err == nil {
			hasTask = true
		} else if err != store.ErrNotFound {
			return err
		}
		hasService := false
		if _, err := s.db.GetServiceByRecordID(ctx, id); err == nil {
			hasService = true
		} else if err != store.ErrNotFound {
			return err
		}
		if !hasTask && !hasService {
			return errs.New(errs.KindInvalidInput, "modify requires an existing task or service row")
		}
		if tag != "" {
			rec.Tag = tag
		}
		rec.Priority = priority
		rec.ModifiedAt = time.Now()
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// AddComment appends a user-authored comment (spec.md §3).
func (s *Store) AddComment(ctx context.Context, id int64, user, text string) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		rec.Comments = append(rec.Comments, domain.Comment{Time: time.Now(), User: user, Text: text})
		rec.ModifiedAt = time.Now()
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// mutate is the shared helper for the simple, fixed-destination
// transitions (uncancel, invalidate, uninvalidate); extra runs
// inside the same transaction after the status flip, if non-nil, and is
// handed the transaction-scoped context (not the outer one mutate was
// called with) so its store calls participate in the same transaction.
func (s *Store) mutate(ctx context.Context, id int64, event string, extra func(ctx context.Context, rec *domain.Record) error) error {
	return s.db.WithTx(ctx, func(ctx context.Context) error {
		rec, err := s.db.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		to, err := applyTransition(rec.Status, event)
		if err != nil {
			return errs.New(errs.KindInvalidTransition, err.Error())
		}
		rec.Status = to
		rec.ModifiedAt = time.Now()
		if extra != nil {
			if err := extra(ctx, rec); err != nil {
				return err
			}
		}
		s.cacheInvalidate(ctx, id)
		return s.db.UpdateRecord(ctx, rec)
	})
}

// RetriableByPolicy reports whether an error message matches the
// configured auto-reset whitelist of substrings (SPEC_FULL.md §C.4), used
// by internal/jobrunner's auto-reset scan.
func RetriableByPolicy(message string, substrings []string) bool {
	lower := strings.ToLower(message)
	for _, s := range substrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
