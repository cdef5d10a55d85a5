package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

type serviceRow struct {
	ID                 int64     `db:"id"`
	RecordID           int64     `db:"record_id"`
	Tag                string    `db:"tag"`
	Priority           int       `db:"priority"`
	IterateState       []byte    `db:"iterate_state"`
	PendingChildren    []byte    `db:"pending_children"`
	Iteration          int       `db:"iteration"`
	NextIterationDueAt time.Time `db:"next_iteration_due_at"`
	CreatedAt          time.Time `db:"created_at"`
}

func (row serviceRow) toDomain() (*domain.Service, error) {
	var pending []int64
	if len(row.PendingChildren) > 0 {
		if err := json.Unmarshal(row.PendingChildren, &pending); err != nil {
			return nil, err
		}
	}
	return &domain.Service{
		ID: row.ID, RecordID: row.RecordID, Tag: row.Tag, Priority: domain.Priority(row.Priority),
		IterateState: row.IterateState, PendingChildren: pending, Iteration: row.Iteration,
		NextIterationDueAt: row.NextIterationDueAt, CreatedAt: row.CreatedAt,
	}, nil
}

const serviceCols = `id, record_id, tag, priority, iterate_state, pending_children, iteration, next_iteration_due_at, created_at`

func (s *Store) InsertService(ctx context.Context, svc *domain.Service) (int64, error) {
	pending, err := json.Marshal(svc.PendingChildren)
	if err != nil {
		return 0, err
	}
	if len(svc.IterateState) == 0 {
		svc.IterateState = []byte("{}")
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id, `
		INSERT INTO services (record_id, tag, priority, iterate_state, pending_children, iteration, next_iteration_due_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		svc.RecordID, svc.Tag, int(svc.Priority), svc.IterateState, pending, svc.Iteration, svc.NextIterationDueAt)
	return id, err
}

func (s *Store) GetServiceByRecordID(ctx context.Context, recordID int64) (*domain.Service, error) {
	var row serviceRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT `+serviceCols+` FROM services WHERE record_id = $1`, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// DueServices selects and row-locks services ready for the next driver
// iteration (at-most-one-driver-in-flight per spec.md §4.5).
func (s *Store) DueServices(ctx context.Context, now time.Time, limit int) ([]*domain.Service, error) {
	var rows []serviceRow
	err := s.queryer(ctx).SelectContext(ctx, &rows, `
		SELECT `+serviceCols+` FROM services
		WHERE next_iteration_due_at <= $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Service, 0, len(rows))
	for _, row := range rows {
		svc, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

func (s *Store) UpdateService(ctx context.Context, svc *domain.Service) error {
	pending, err := json.Marshal(svc.PendingChildren)
	if err != nil {
		return err
	}
	res, err := s.queryer(ctx).ExecContext(ctx, `
		UPDATE services SET iterate_state=$1, pending_children=$2, iteration=$3, next_iteration_due_at=$4, tag=$5, priority=$6
		WHERE id=$7`,
		svc.IterateState, pending, svc.Iteration, svc.NextIterationDueAt, svc.Tag, int(svc.Priority), svc.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID int64) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `DELETE FROM services WHERE id = $1`, serviceID)
	return err
}

func (s *Store) SetPendingChildren(ctx context.Context, serviceID int64, childRecordIDs []int64) error {
	pending, err := json.Marshal(childRecordIDs)
	if err != nil {
		return err
	}
	_, err = s.queryer(ctx).ExecContext(ctx, `UPDATE services SET pending_children = $1 WHERE id = $2`, pending, serviceID)
	return err
}
