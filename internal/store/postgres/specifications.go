package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

type specRow struct {
	ID   int64  `db:"id"`
	Hash string `db:"hash"`
	Data []byte `db:"data"`
}

func (r specRow) toDomain() (*domain.Specification, error) {
	var sp domain.Specification
	if err := json.Unmarshal(r.Data, &sp); err != nil {
		return nil, err
	}
	sp.ID = r.ID
	sp.Hash = r.Hash
	return &sp, nil
}

func (s *Store) FindSpecificationByHash(ctx context.Context, hash string) (*domain.Specification, error) {
	var row specRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM specifications WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) InsertSpecification(ctx context.Context, sp *domain.Specification) (int64, error) {
	if existing, err := s.FindSpecificationByHash(ctx, sp.Hash); err == nil {
		return existing.ID, nil
	} else if err != store.ErrNotFound {
		return 0, err
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id,
		`INSERT INTO specifications (hash, data) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING id`, sp.Hash, data)
	return id, err
}

func (s *Store) GetSpecification(ctx context.Context, id int64) (*domain.Specification, error) {
	var row specRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM specifications WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}
