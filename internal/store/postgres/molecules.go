package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/store"
)

type moleculeRow struct {
	ID   int64  `db:"id"`
	Hash string `db:"hash"`
	Data []byte `db:"data"`
}

func (r moleculeRow) toDomain() (*domain.Molecule, error) {
	var m domain.Molecule
	if err := json.Unmarshal(r.Data, &m); err != nil {
		return nil, err
	}
	m.ID = r.ID
	m.Hash = r.Hash
	return &m, nil
}

func (s *Store) FindMoleculeByHash(ctx context.Context, hash string) (*domain.Molecule, error) {
	var row moleculeRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM molecules WHERE hash = $1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) InsertMolecule(ctx context.Context, m *domain.Molecule) (int64, error) {
	if existing, err := s.FindMoleculeByHash(ctx, m.Hash); err == nil {
		return existing.ID, nil
	} else if err != store.ErrNotFound {
		return 0, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id,
		`INSERT INTO molecules (hash, data) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		 RETURNING id`, m.Hash, data)
	return id, err
}

func (s *Store) GetMolecule(ctx context.Context, id int64) (*domain.Molecule, error) {
	var row moleculeRow
	err := s.queryer(ctx).GetContext(ctx, &row, `SELECT id, hash, data FROM molecules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetMolecules(ctx context.Context, ids []int64) ([]*domain.Molecule, error) {
	out := make([]*domain.Molecule, len(ids))
	for i, id := range ids {
		m, err := s.GetMolecule(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}
