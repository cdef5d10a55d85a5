package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/r3e-network/qcbroker/internal/store"
)

type userRow struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	Permissions  []byte `db:"permissions"`
}

func (row userRow) toDomain() (*store.User, error) {
	var perms []string
	if len(row.Permissions) > 0 {
		if err := json.Unmarshal(row.Permissions, &perms); err != nil {
			return nil, err
		}
	}
	return &store.User{Username: row.Username, PasswordHash: row.PasswordHash, Permissions: perms}, nil
}

func (s *Store) PutUser(ctx context.Context, u *store.User) error {
	perms, err := json.Marshal(u.Permissions)
	if err != nil {
		return err
	}
	_, err = s.queryer(ctx).ExecContext(ctx, `
		INSERT INTO users (username, password_hash, permissions) VALUES ($1,$2,$3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, permissions = EXCLUDED.permissions`,
		u.Username, u.PasswordHash, perms)
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (*store.User, error) {
	var row userRow
	err := s.queryer(ctx).GetContext(ctx, &row,
		`SELECT username, password_hash, permissions FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	var rows []userRow
	if err := s.queryer(ctx).SelectContext(ctx, &rows, `SELECT username, password_hash, permissions FROM users ORDER BY username ASC`); err != nil {
		return nil, err
	}
	out := make([]*store.User, 0, len(rows))
	for _, row := range rows {
		u, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	return err
}
