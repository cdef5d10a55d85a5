package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

func (s *Store) Put(ctx context.Context, b *domain.Blob) (int64, error) {
	var id int64
	err := s.queryer(ctx).GetContext(ctx, &id, `
		INSERT INTO blobs (hash, content_type, compressed, data, size_bytes)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		b.Hash, b.ContentType, b.Compressed, b.Data, len(b.Data))
	return id, err
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.Blob, error) {
	var b domain.Blob
	err := s.queryer(ctx).GetContext(ctx, &b, `
		SELECT id, hash, content_type, compressed, data, size_bytes FROM blobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return &b, err
}

var _ store.Store = (*Store)(nil)
