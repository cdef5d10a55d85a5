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

type managerRow struct {
	Name            string    `db:"name"`
	Cluster         string    `db:"cluster"`
	Host            string    `db:"host"`
	Version         string    `db:"version"`
	Tags            []byte    `db:"tags"`
	Programs        []byte    `db:"programs"`
	Status          string    `db:"status"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at"`
	ClaimedCount    int64     `db:"claimed_count"`
	CompletedCount  int64     `db:"completed_count"`
	FailedCount     int64     `db:"failed_count"`
	RegisteredAt    time.Time `db:"registered_at"`
}

const managerCols = `name, cluster, host, version, tags, programs, status, last_heartbeat_at, claimed_count, completed_count, failed_count, registered_at`

func (row managerRow) toDomain() (*domain.Manager, error) {
	var tags []string
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return nil, err
		}
	}
	programs := map[string]string{}
	if len(row.Programs) > 0 {
		if err := json.Unmarshal(row.Programs, &programs); err != nil {
			return nil, err
		}
	}
	return &domain.Manager{
		Name: row.Name, Cluster: row.Cluster, Host: row.Host, Version: row.Version,
		Tags: tags, Programs: programs, Status: domain.ManagerStatus(row.Status),
		LastHeartbeatAt: row.LastHeartbeatAt, ClaimedCount: row.ClaimedCount,
		CompletedCount: row.CompletedCount, FailedCount: row.FailedCount, RegisteredAt: row.RegisteredAt,
	}, nil
}

func (s *Store) Register(ctx context.Context, m *domain.Manager) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return err
	}
	programs, err := json.Marshal(m.Programs)
	if err != nil {
		return err
	}
	_, err = s.queryer(ctx).ExecContext(ctx, `
		INSERT INTO managers (name, cluster, host, version, tags, programs, status, last_heartbeat_at, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,'active', now(), now())
		ON CONFLICT (name) DO UPDATE SET cluster=$2, host=$3, version=$4, tags=$5, programs=$6, status='active', last_heartbeat_at=now()`,
		m.Name, m.Cluster, m.Host, m.Version, tags, programs)
	return err
}

func (s *Store) Get(ctx context.Context, name string) (*domain.Manager, error) {
	var row managerRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT `+managerCols+` FROM managers WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) Touch(ctx context.Context, name string, at time.Time) error {
	res, err := s.queryer(ctx).ExecContext(ctx,
		`UPDATE managers SET last_heartbeat_at = $1, status = 'active' WHERE name = $2`, at, name)
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

func (s *Store) SetStatus(ctx context.Context, name string, status domain.ManagerStatus) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `UPDATE managers SET status = $1 WHERE name = $2`, string(status), name)
	return err
}

func (s *Store) IncrementCounters(ctx context.Context, name string, claimed, completed, failed int64) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `
		UPDATE managers SET claimed_count = claimed_count + $1, completed_count = completed_count + $2, failed_count = failed_count + $3
		WHERE name = $4`, claimed, completed, failed, name)
	return err
}

func (s *Store) ActiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Manager, error) {
	var rows []managerRow
	err := s.queryer(ctx).SelectContext(ctx, &rows, `
		SELECT `+managerCols+` FROM managers WHERE status = 'active' AND last_heartbeat_at < $1
		FOR UPDATE SKIP LOCKED`, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Manager, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]*domain.Manager, error) {
	var rows []managerRow
	if err := s.queryer(ctx).SelectContext(ctx, &rows, `SELECT `+managerCols+` FROM managers ORDER BY name ASC`); err != nil {
		return nil, err
	}
	out := make([]*domain.Manager, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Deregister(ctx context.Context, name string) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `DELETE FROM managers WHERE name = $1`, name)
	return err
}
