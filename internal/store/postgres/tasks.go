package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

type taskRow struct {
	ID               int64          `db:"id"`
	RecordID         int64          `db:"record_id"`
	Tag              string         `db:"tag"`
	Priority         int            `db:"priority"`
	RequiredPrograms []byte         `db:"required_programs"`
	Payload          []byte         `db:"payload"`
	ManagerName      sql.NullString `db:"manager_name"`
	LeaseDeadline    sql.NullTime   `db:"lease_deadline"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (row taskRow) toDomain() (*domain.Task, error) {
	var reqs []domain.ProgramRequirement
	if len(row.RequiredPrograms) > 0 {
		if err := json.Unmarshal(row.RequiredPrograms, &reqs); err != nil {
			return nil, err
		}
	}
	var payload domain.TaskPayload
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return &domain.Task{
		ID: row.ID, RecordID: row.RecordID, Tag: row.Tag, Priority: domain.Priority(row.Priority),
		RequiredPrograms: reqs, Payload: payload, ManagerName: row.ManagerName.String,
		LeaseDeadline: row.LeaseDeadline.Time, CreatedAt: row.CreatedAt,
	}, nil
}

func (s *Store) InsertTask(ctx context.Context, t *domain.Task) (int64, error) {
	reqs, err := json.Marshal(t.RequiredPrograms)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id, `
		INSERT INTO tasks (record_id, tag, priority, required_programs, payload)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		t.RecordID, t.Tag, int(t.Priority), reqs, payload)
	return id, err
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	var row taskRow
	err := s.queryer(ctx).GetContext(ctx, &row, `
		SELECT id, record_id, tag, priority, required_programs, payload, manager_name, lease_deadline, created_at
		FROM tasks WHERE id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetTaskByRecordID(ctx context.Context, recordID int64) (*domain.Task, error) {
	var row taskRow
	err := s.queryer(ctx).GetContext(ctx, &row, `
		SELECT id, record_id, tag, priority, required_programs, payload, manager_name, lease_deadline, created_at
		FROM tasks WHERE record_id = $1`, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// ClaimCandidates selects and row-locks waiting tasks matching any of the
// given tags (a "*" entry matches every task tag), in priority desc / created-at asc order, using "SELECT ...
// FOR UPDATE SKIP LOCKED" per spec.md §4.3/§5 — the standard Postgres
// idiom for an atomic, non-blocking claim under concurrent managers. Must
// be called inside Store.WithTx so the lock is held only for the duration
// of the claim transaction (internal/queue pairs this with MarkClaimed in
// the same transaction).
func (s *Store) ClaimCandidates(ctx context.Context, tags []string, limit int) ([]*domain.Task, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(tags))
	args := make([]interface{}, 0, len(tags)+1)
	for i, tag := range tags {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, tag)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, record_id, tag, priority, required_programs, payload, manager_name, lease_deadline, created_at
		FROM tasks
		WHERE lease_deadline IS NULL AND (tag IN (%s) OR '*' IN (%s))
		ORDER BY priority DESC, created_at ASC
		LIMIT $%d
		FOR UPDATE SKIP LOCKED`, strings.Join(placeholders, ","), strings.Join(placeholders, ","), len(tags)+1)

	var rows []taskRow
	if err := s.queryer(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) MarkClaimed(ctx context.Context, taskID int64, managerName string, leaseDeadline time.Time) error {
	res, err := s.queryer(ctx).ExecContext(ctx,
		`UPDATE tasks SET manager_name = $1, lease_deadline = $2 WHERE id = $3`,
		managerName, leaseDeadline, taskID)
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

func (s *Store) ExtendLeases(ctx context.Context, managerName string, leaseDeadline time.Time) (int64, error) {
	res, err := s.queryer(ctx).ExecContext(ctx,
		`UPDATE tasks SET lease_deadline = $1 WHERE manager_name = $2`, leaseDeadline, managerName)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	var rows []taskRow
	err := s.queryer(ctx).SelectContext(ctx, &rows, `
		SELECT id, record_id, tag, priority, required_programs, payload, manager_name, lease_deadline, created_at
		FROM tasks WHERE lease_deadline IS NOT NULL AND lease_deadline < $1
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	return err
}

func (s *Store) RequeueTask(ctx context.Context, taskID int64) error {
	_, err := s.queryer(ctx).ExecContext(ctx,
		`UPDATE tasks SET manager_name = NULL, lease_deadline = NULL WHERE id = $1`, taskID)
	return err
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryer(ctx).GetContext(ctx, &n, `SELECT count(*) FROM tasks`)
	return n, err
}
