// Package memory is an in-process Store implementation backing fast unit
// tests of queue/service-engine/record business logic without a database,
// grounded on the teacher's internal/app/storage/memory fallback pattern.
// Production deployments use internal/store/postgres; `server start` falls
// back to this store when no database DSN is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

// Store is a mutex-guarded, map-backed store.Store.
type Store struct {
	mu sync.Mutex

	nextID map[string]int64

	records     map[int64]*domain.Record
	molecules   map[int64]*domain.Molecule
	moleculeByHash map[string]int64
	keywordSets map[int64]*domain.KeywordSet
	keywordSetByHash map[string]int64
	specs       map[int64]*domain.Specification
	specByHash  map[string]int64

	tasks        map[int64]*domain.Task
	taskByRecord map[int64]int64

	services        map[int64]*domain.Service
	serviceByRecord map[int64]int64

	managers map[string]*domain.Manager
	blobs    map[int64]*domain.Blob
	users    map[string]*store.User

	deps []domain.RecordDependency
}

// New returns an empty memory store.
func New() *Store {
	return &Store{
		nextID:           map[string]int64{},
		records:          map[int64]*domain.Record{},
		molecules:        map[int64]*domain.Molecule{},
		moleculeByHash:   map[string]int64{},
		keywordSets:      map[int64]*domain.KeywordSet{},
		keywordSetByHash: map[string]int64{},
		specs:            map[int64]*domain.Specification{},
		specByHash:       map[string]int64{},
		tasks:            map[int64]*domain.Task{},
		taskByRecord:     map[int64]int64{},
		services:         map[int64]*domain.Service{},
		serviceByRecord:  map[int64]int64{},
		managers:         map[string]*domain.Manager{},
		blobs:            map[int64]*domain.Blob{},
		users:            map[string]*store.User{},
	}
}

func (s *Store) allocID(kind string) int64 {
	s.nextID[kind]++
	return s.nextID[kind]
}

// WithTx runs fn with the same ctx: the memory store is single-process and
// mutex-guarded, so every call is already atomic with respect to other
// Store methods; there is no separate transaction object to thread through.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ---- Molecules ----

func (s *Store) FindMoleculeByHash(ctx context.Context, hash string) (*domain.Molecule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.moleculeByHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	m := *s.molecules[id]
	return &m, nil
}

func (s *Store) InsertMolecule(ctx context.Context, m *domain.Molecule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.moleculeByHash[m.Hash]; ok {
		return id, nil
	}
	id := s.allocID("molecule")
	m.ID = id
	m.CreatedAt = time.Now()
	clone := *m
	s.molecules[id] = &clone
	s.moleculeByHash[m.Hash] = id
	return id, nil
}

func (s *Store) GetMolecule(ctx context.Context, id int64) (*domain.Molecule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.molecules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *Store) GetMolecules(ctx context.Context, ids []int64) ([]*domain.Molecule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Molecule, len(ids))
	for i, id := range ids {
		if m, ok := s.molecules[id]; ok {
			clone := *m
			out[i] = &clone
		}
	}
	return out, nil
}

// ---- Keyword sets ----

func (s *Store) FindKeywordSetByHash(ctx context.Context, hash string) (*domain.KeywordSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keywordSetByHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	k := *s.keywordSets[id]
	return &k, nil
}

func (s *Store) InsertKeywordSet(ctx context.Context, k *domain.KeywordSet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.keywordSetByHash[k.Hash]; ok {
		return id, nil
	}
	id := s.allocID("keywordset")
	k.ID = id
	k.CreatedAt = time.Now()
	clone := *k
	s.keywordSets[id] = &clone
	s.keywordSetByHash[k.Hash] = id
	return id, nil
}

func (s *Store) GetKeywordSet(ctx context.Context, id int64) (*domain.KeywordSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keywordSets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *k
	return &clone, nil
}

// ---- Specifications ----

func (s *Store) FindSpecificationByHash(ctx context.Context, hash string) (*domain.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.specByHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	sp := *s.specs[id]
	return &sp, nil
}

func (s *Store) InsertSpecification(ctx context.Context, sp *domain.Specification) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.specByHash[sp.Hash]; ok {
		return id, nil
	}
	id := s.allocID("spec")
	sp.ID = id
	sp.CreatedAt = time.Now()
	clone := *sp
	s.specs[id] = &clone
	s.specByHash[sp.Hash] = id
	return id, nil
}

func (s *Store) GetSpecification(ctx context.Context, id int64) (*domain.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *sp
	return &clone, nil
}

// ---- Records ----

func dedupKey(typ domain.RecordType, specHash, inputsHash string) string {
	return string(typ) + "|" + specHash + "|" + inputsHash
}

func (s *Store) InsertRecord(ctx context.Context, r *domain.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocID("record")
	r.ID = id
	now := time.Now()
	r.CreatedAt, r.ModifiedAt = now, now
	clone := *r
	s.records[id] = &clone
	return id, nil
}

func (s *Store) FindRecordByDedupKey(ctx context.Context, typ domain.RecordType, specHash, inputsHash string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupKey(typ, specHash, inputsHash)
	for _, r := range s.records {
		if r.Status == domain.StatusDeleted {
			continue
		}
		if dedupKey(r.Type, r.SpecHash, r.InputsHash) == key {
			clone := *r
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetRecord(ctx context.Context, id int64) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *Store) GetRecords(ctx context.Context, ids []int64) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Record, len(ids))
	for i, id := range ids {
		if r, ok := s.records[id]; ok {
			clone := *r
			out[i] = &clone
		}
	}
	return out, nil
}

func matchesQuery(r *domain.Record, q store.RecordQuery) bool {
	if len(q.Status) > 0 && !containsStatus(q.Status, r.Status) {
		return false
	}
	if len(q.Type) > 0 && !containsType(q.Type, r.Type) {
		return false
	}
	if q.ManagerName != "" && r.ManagerName != q.ManagerName {
		return false
	}
	if q.Tag != "" && r.Tag != q.Tag {
		return false
	}
	if q.OwnerUser != "" && r.Owner != q.OwnerUser {
		return false
	}
	if !q.CreatedBefore.IsZero() && !r.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if !q.CreatedAfter.IsZero() && !r.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	return true
}

func containsStatus(list []domain.Status, v domain.Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsType(list []domain.RecordType, v domain.RecordType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func (s *Store) QueryRecords(ctx context.Context, q store.RecordQuery) ([]*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.Record
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			if r, ok := s.records[id]; ok && matchesQuery(r, q) {
				clone := *r
				matched = append(matched, &clone)
			}
		}
	} else {
		for _, r := range s.records {
			if matchesQuery(r, q) {
				clone := *r
				matched = append(matched, &clone)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	skip := q.Skip
	if skip > len(matched) {
		skip = len(matched)
	}
	matched = matched[skip:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *Store) UpdateRecord(ctx context.Context, r *domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; !ok {
		return store.ErrNotFound
	}
	r.ModifiedAt = time.Now()
	clone := *r
	s.records[r.ID] = &clone
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) AddDependency(ctx context.Context, dep domain.RecordDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps = append(s.deps, dep)
	return nil
}

func (s *Store) Children(ctx context.Context, parentID int64) ([]domain.RecordDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RecordDependency
	for _, d := range s.deps {
		if d.ParentID == parentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) Parents(ctx context.Context, childID int64) ([]domain.RecordDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RecordDependency
	for _, d := range s.deps {
		if d.ChildID == childID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) HasInboundReferences(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		if d.ChildID == id {
			return true, nil
		}
	}
	return false, nil
}

// ---- Tasks ----

func (s *Store) InsertTask(ctx context.Context, t *domain.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocID("task")
	t.ID = id
	t.CreatedAt = time.Now()
	clone := *t
	s.tasks[id] = &clone
	s.taskByRecord[t.RecordID] = id
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *Store) GetTaskByRecordID(ctx context.Context, recordID int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.taskByRecord[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *s.tasks[id]
	return &clone, nil
}

func tagMatches(managerTags []string, taskTag string) bool {
	for _, mt := range managerTags {
		if mt == taskTag {
			return true
		}
		if mt == "*" && taskTag != "*" {
			return true
		}
	}
	return false
}

// ClaimCandidates returns waiting tasks whose tag is claimable by a
// manager declaring the given tags, honoring the wildcard rule from
// spec.md §4.3: a task tagged "*" is only claimable by a manager that
// explicitly declares "*".
func (s *Store) ClaimCandidates(ctx context.Context, tags []string, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*domain.Task
	for _, t := range s.tasks {
		if !t.LeaseDeadline.IsZero() {
			continue // already leased
		}
		if tagMatches(tags, t.Tag) {
			clone := *t
			candidates = append(candidates, &clone)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *Store) MarkClaimed(ctx context.Context, taskID int64, managerName string, leaseDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.ManagerName = managerName
	t.LeaseDeadline = leaseDeadline
	return nil
}

func (s *Store) ExtendLeases(ctx context.Context, managerName string, leaseDeadline time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.ManagerName == managerName {
			t.LeaseDeadline = leaseDeadline
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if !t.LeaseDeadline.IsZero() && t.LeaseDeadline.Before(now) {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		delete(s.taskByRecord, t.RecordID)
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *Store) RequeueTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.ManagerName = ""
	t.LeaseDeadline = time.Time{}
	return nil
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.tasks)), nil
}

// ---- Services ----

func (s *Store) InsertService(ctx context.Context, svc *domain.Service) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocID("service")
	svc.ID = id
	svc.CreatedAt = time.Now()
	clone := *svc
	s.services[id] = &clone
	s.serviceByRecord[svc.RecordID] = id
	return id, nil
}

func (s *Store) GetServiceByRecordID(ctx context.Context, recordID int64) (*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.serviceByRecord[recordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *s.services[id]
	return &clone, nil
}

func (s *Store) DueServices(ctx context.Context, now time.Time, limit int) ([]*domain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Service
	for _, svc := range s.services {
		if svc.NextIterationDueAt.After(now) {
			continue
		}
		clone := *svc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateService(ctx context.Context, svc *domain.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *svc
	s.services[svc.ID] = &clone
	return nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[serviceID]; ok {
		delete(s.serviceByRecord, svc.RecordID)
	}
	delete(s.services, serviceID)
	return nil
}

func (s *Store) SetPendingChildren(ctx context.Context, serviceID int64, childRecordIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return store.ErrNotFound
	}
	svc.PendingChildren = childRecordIDs
	return nil
}

// ---- Managers ----

func (s *Store) Register(ctx context.Context, m *domain.Manager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.RegisteredAt = time.Now()
	m.LastHeartbeatAt = m.RegisteredAt
	m.Status = domain.ManagerActive
	clone := *m
	s.managers[m.Name] = &clone
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (*domain.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *Store) Touch(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[name]
	if !ok {
		return store.ErrNotFound
	}
	m.LastHeartbeatAt = at
	m.Status = domain.ManagerActive
	return nil
}

func (s *Store) SetStatus(ctx context.Context, name string, status domain.ManagerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[name]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *Store) IncrementCounters(ctx context.Context, name string, claimed, completed, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[name]
	if !ok {
		return store.ErrNotFound
	}
	m.ClaimedCount += claimed
	m.CompletedCount += completed
	m.FailedCount += failed
	return nil
}

func (s *Store) ActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Manager
	for _, m := range s.managers {
		if m.Status == domain.ManagerActive && m.LastHeartbeatAt.Before(cutoff) {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Manager, 0, len(s.managers))
	for _, m := range s.managers {
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Deregister(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.managers, name)
	return nil
}

// ---- Blobs ----

func (s *Store) Put(ctx context.Context, b *domain.Blob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocID("blob")
	b.ID = id
	b.SizeBytes = len(b.Data)
	clone := *b
	s.blobs[id] = &clone
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

// ---- Users ----

func (s *Store) PutUser(ctx context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *u
	clone.Permissions = append([]string(nil), u.Permissions...)
	s.users[u.Username] = &clone
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *u
	clone.Permissions = append([]string(nil), u.Permissions...)
	return &clone, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.User, 0, len(s.users))
	for _, u := range s.users {
		clone := *u
		clone.Permissions = append([]string(nil), u.Permissions...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	return nil
}

var _ store.Store = (*Store)(nil)
