package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

type keywordSetRow struct {
	ID   int64  `db:"id"`
	Hash string `db:"hash"`
	Data []byte `db:"data"`
}

func (r keywordSetRow) toDomain() (*domain.KeywordSet, error) {
	var k domain.KeywordSet
	if err := json.Unmarshal(r.Data, &k); err != nil {
		return nil, err
	}
	k.ID = r.ID
	k.Hash = r.Hash
	return &k, nil
}

func (s *Store) FindKeywordSetByHash(ctx context.Context, hash string) (*domain.KeywordSet, error) {
	var row keywordSetRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM keyword_sets WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) InsertKeywordSet(ctx context.Context, k *domain.KeywordSet) (int64, error) {
	if existing, err := s.FindKeywordSetByHash(ctx, k.Hash); err == nil {
		return existing.ID, nil
	} else if err != store.ErrNotFound {
		return 0, err
	}
	data, err := json.Marshal(k)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id,
		`INSERT INTO keyword_sets (hash, data) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING id`, k.Hash, data)
	return id, err
}

func (s *Store) GetKeywordSet(ctx context.Context, id int64) (*domain.KeywordSet, error) {
	var row keywordSetRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM keyword_sets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}
