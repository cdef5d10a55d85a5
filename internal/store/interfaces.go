// Package store defines the persistence interfaces the broker is built
// against, grounded on the teacher's internal/app/storage/interfaces.go
// (one interface per domain concern, e.g. GasBankStore's shape of
// create/get/list/update methods reused here for RecordStore etc).
// Two implementations exist: internal/store/postgres (production) and
// internal/store/memory (tests, grounded on the teacher's
// internal/app/storage/memory fallback).
package store

import (
	"context"
	"time"

	"github.com/r3e-network/qcbroker/internal/domain"
)

// ErrNotFound is returned by single-item lookups when nothing matches.
// Implementations must return this sentinel (or wrap it) so callers in
// internal/records/internal/queue can translate it into errs.KindNotFound
// uniformly.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

// RecordQuery describes the filters accepted by query_records (spec §4.2,
// §6.1).
type RecordQuery struct {
	IDs             []int64
	Status          []domain.Status
	Type            []domain.RecordType
	ManagerName     string
	Tag             string
	OwnerUser       string
	CreatedBefore   time.Time
	CreatedAfter    time.Time
	ModifiedBefore  time.Time
	ModifiedAfter   time.Time
	Limit           int
	Skip            int
}

// RecordStore persists Records and their dependency edges.
type RecordStore interface {
	// InsertRecord inserts a new record row, returning its assigned id.
	InsertRecord(ctx context.Context, r *domain.Record) (int64, error)
	// FindRecordByDedupKey looks up an existing record by (type, spec_hash,
	// inputs_hash); returns ErrNotFound if absent.
	FindRecordByDedupKey(ctx context.Context, typ domain.RecordType, specHash, inputsHash string) (*domain.Record, error)
	GetRecord(ctx context.Context, id int64) (*domain.Record, error)
	GetRecords(ctx context.Context, ids []int64) ([]*domain.Record, error)
	QueryRecords(ctx context.Context, q RecordQuery) ([]*domain.Record, error)
	UpdateRecord(ctx context.Context, r *domain.Record) error
	DeleteRecord(ctx context.Context, id int64) error // hard delete

	AddDependency(ctx context.Context, dep domain.RecordDependency) error
	Children(ctx context.Context, parentID int64) ([]domain.RecordDependency, error)
	Parents(ctx context.Context, childID int64) ([]domain.RecordDependency, error)
	HasInboundReferences(ctx context.Context, id int64) (bool, error)
}

// MoleculeStore persists immutable, hash-deduplicated molecules.
type MoleculeStore interface {
	FindMoleculeByHash(ctx context.Context, hash string) (*domain.Molecule, error)
	InsertMolecule(ctx context.Context, m *domain.Molecule) (int64, error)
	GetMolecule(ctx context.Context, id int64) (*domain.Molecule, error)
	GetMolecules(ctx context.Context, ids []int64) ([]*domain.Molecule, error)
}

// KeywordSetStore persists immutable, hash-deduplicated keyword sets.
type KeywordSetStore interface {
	FindKeywordSetByHash(ctx context.Context, hash string) (*domain.KeywordSet, error)
	InsertKeywordSet(ctx context.Context, k *domain.KeywordSet) (int64, error)
	GetKeywordSet(ctx context.Context, id int64) (*domain.KeywordSet, error)
}

// SpecificationStore persists immutable, hash-deduplicated specifications.
type SpecificationStore interface {
	FindSpecificationByHash(ctx context.Context, hash string) (*domain.Specification, error)
	InsertSpecification(ctx context.Context, s *domain.Specification) (int64, error)
	GetSpecification(ctx context.Context, id int64) (*domain.Specification, error)
}

// TaskQueueStore persists Task rows and implements the atomic claim
// primitive (spec §4.3, §5: "select ... for update skip locked" or
// equivalent).
type TaskQueueStore interface {
	InsertTask(ctx context.Context, t *domain.Task) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	GetTaskByRecordID(ctx context.Context, recordID int64) (*domain.Task, error)
	// ClaimCandidates returns unleased tasks claimable by a manager that
	// declares the given tags; the implementation resolves the wildcard (a
	// "*" entry in tags matches every task tag). The postgres store also
	// locks them for the duration of the enclosing transaction.
	ClaimCandidates(ctx context.Context, tags []string, limit int) ([]*domain.Task, error)
	MarkClaimed(ctx context.Context, taskID int64, managerName string, leaseDeadline time.Time) error
	ExtendLeases(ctx context.Context, managerName string, leaseDeadline time.Time) (int64, error)
	ExpiredLeases(ctx context.Context, now time.Time) ([]*domain.Task, error)
	DeleteTask(ctx context.Context, taskID int64) error
	RequeueTask(ctx context.Context, taskID int64) error
	QueueDepth(ctx context.Context) (int64, error)
}

// ServiceQueueStore persists Service rows (spec §4.5).
type ServiceQueueStore interface {
	InsertService(ctx context.Context, s *domain.Service) (int64, error)
	GetServiceByRecordID(ctx context.Context, recordID int64) (*domain.Service, error)
	// DueServices returns services whose next_iteration_due_at has passed,
	// in id order. It checks neither the record's status nor its children:
	// the job runner calls records.AllChildrenTerminal before advancing a
	// service. The postgres store also locks each row for the duration of
	// the enclosing transaction (at-most-one-driver-in-flight, spec §4.5).
	DueServices(ctx context.Context, now time.Time, limit int) ([]*domain.Service, error)
	UpdateService(ctx context.Context, s *domain.Service) error
	DeleteService(ctx context.Context, serviceID int64) error
	SetPendingChildren(ctx context.Context, serviceID int64, childRecordIDs []int64) error
}

// ManagerStore persists Manager rows (spec §3, §4.3).
type ManagerStore interface {
	Register(ctx context.Context, m *domain.Manager) error
	Get(ctx context.Context, name string) (*domain.Manager, error)
	Touch(ctx context.Context, name string, at time.Time) error
	SetStatus(ctx context.Context, name string, status domain.ManagerStatus) error
	IncrementCounters(ctx context.Context, name string, claimed, completed, failed int64) error
	ActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Manager, error)
	List(ctx context.Context) ([]*domain.Manager, error)
	Deregister(ctx context.Context, name string) error
}

// BlobStore persists content-addressed opaque binary payloads.
type BlobStore interface {
	Put(ctx context.Context, b *domain.Blob) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Blob, error)
}

// User is a CLI-managed principal with a set of permission grants (spec
// §4.7: read, write, compute, queue, admin).
type User struct {
	Username     string   `json:"username" db:"username"`
	PasswordHash string   `json:"-" db:"password_hash"`
	Permissions  []string `json:"permissions" db:"-"`
}

// UserStore backs `server user add|show|modify|remove` (spec §6.2).
type UserStore interface {
	PutUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, username string) error
}

// TxRunner runs fn inside a single database transaction, matching the
// teacher's pkg/storage/postgres/base_store.go tx-in-context idiom:
// callers pass a ctx through to store methods, and a transaction begun by
// TxRunner.WithTx is picked up implicitly by those same methods.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store aggregates every store interface plus the transaction runner,
// matching the shape the rest of the broker is constructed against.
type Store interface {
	RecordStore
	MoleculeStore
	KeywordSetStore
	SpecificationStore
	TaskQueueStore
	ServiceQueueStore
	ManagerStore
	BlobStore
	UserStore
	TxRunner
}
