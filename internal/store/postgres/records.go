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

// recordExtra carries the fields not already represented by scalar
// columns in the records table (outputs, comments, compute history, …).
type recordExtra struct {
	MoleculeIDs        []int64                `json:"molecule_ids"`
	ReturnResult       float64                `json:"return_result,omitempty"`
	HasReturnResult    bool                   `json:"has_return_result,omitempty"`
	Properties         map[string]float64     `json:"properties,omitempty"`
	FinalMoleculeID    int64                  `json:"final_molecule_id,omitempty"`
	TrajectoryIDs      []int64                `json:"trajectory_ids,omitempty"`
	WavefunctionBlobID int64                  `json:"wavefunction_blob_id,omitempty"`
	NativeFiles        []domain.NativeFile    `json:"native_files,omitempty"`
	StdoutBlobID       int64                  `json:"stdout_blob_id,omitempty"`
	StderrBlobID       int64                  `json:"stderr_blob_id,omitempty"`
	ErrorBlobID        int64                  `json:"error_blob_id,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	Retriable          bool                   `json:"retriable,omitempty"`
	Comments           []domain.Comment       `json:"comments,omitempty"`
	ComputeHistory     []domain.ComputeHistoryEntry `json:"compute_history,omitempty"`
}

func toExtra(r *domain.Record) recordExtra {
	return recordExtra{
		MoleculeIDs: r.MoleculeIDs, ReturnResult: r.ReturnResult, HasReturnResult: r.HasReturnResult,
		Properties: r.Properties, FinalMoleculeID: r.FinalMoleculeID, TrajectoryIDs: r.TrajectoryIDs,
		WavefunctionBlobID: r.WavefunctionBlobID, NativeFiles: r.NativeFiles,
		StdoutBlobID: r.StdoutBlobID, StderrBlobID: r.StderrBlobID, ErrorBlobID: r.ErrorBlobID,
		ErrorMessage: r.ErrorMessage, Retriable: r.Retriable, Comments: r.Comments, ComputeHistory: r.ComputeHistory,
	}
}

func applyExtra(r *domain.Record, e recordExtra) {
	r.MoleculeIDs, r.ReturnResult, r.HasReturnResult = e.MoleculeIDs, e.ReturnResult, e.HasReturnResult
	r.Properties, r.FinalMoleculeID, r.TrajectoryIDs = e.Properties, e.FinalMoleculeID, e.TrajectoryIDs
	r.WavefunctionBlobID, r.NativeFiles = e.WavefunctionBlobID, e.NativeFiles
	r.StdoutBlobID, r.StderrBlobID, r.ErrorBlobID = e.StdoutBlobID, e.StderrBlobID, e.ErrorBlobID
	r.ErrorMessage, r.Retriable = e.ErrorMessage, e.Retriable
	r.Comments, r.ComputeHistory = e.Comments, e.ComputeHistory
}

type recordRow struct {
	ID              int64          `db:"id"`
	RecordType      string         `db:"record_type"`
	Status          string         `db:"status"`
	SpecificationID int64          `db:"specification_id"`
	SpecHash        string         `db:"spec_hash"`
	InputsHash      string         `db:"inputs_hash"`
	Tag             string         `db:"tag"`
	Priority        int            `db:"priority"`
	Owner           sql.NullString `db:"owner"`
	ManagerName     sql.NullString `db:"manager_name"`
	ResetsUsed      int            `db:"resets_used"`
	PreviousStatus  sql.NullString `db:"previous_status"`
	Data            []byte         `db:"data"`
	CreatedAt       time.Time      `db:"created_at"`
	ModifiedAt      time.Time      `db:"modified_at"`
}

func (row recordRow) toDomain() (*domain.Record, error) {
	var e recordExtra
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &e); err != nil {
			return nil, err
		}
	}
	r := &domain.Record{
		ID:              row.ID,
		Type:            domain.RecordType(row.RecordType),
		Status:          domain.Status(row.Status),
		SpecificationID: row.SpecificationID,
		SpecHash:        row.SpecHash,
		InputsHash:      row.InputsHash,
		Tag:             row.Tag,
		Priority:        domain.Priority(row.Priority),
		Owner:           row.Owner.String,
		ManagerName:     row.ManagerName.String,
		ResetsUsed:      row.ResetsUsed,
		PreviousStatus:  domain.Status(row.PreviousStatus.String),
		CreatedAt:       row.CreatedAt,
		ModifiedAt:      row.ModifiedAt,
	}
	applyExtra(r, e)
	return r, nil
}

func (s *Store) InsertRecord(ctx context.Context, r *domain.Record) (int64, error) {
	data, err := json.Marshal(toExtra(r))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryer(ctx).GetContext(ctx, &id, `
		INSERT INTO records (record_type, status, specification_id, spec_hash, inputs_hash, tag, priority, owner, manager_name, resets_used, previous_status, data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		string(r.Type), string(r.Status), r.SpecificationID, r.SpecHash, r.InputsHash, r.Tag, int(r.Priority),
		nullableString(r.Owner), nullableString(r.ManagerName), r.ResetsUsed, nullableString(string(r.PreviousStatus)), data)
	return id, err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) FindRecordByDedupKey(ctx context.Context, typ domain.RecordType, specHash, inputsHash string) (*domain.Record, error) {
	var row recordRow
	err := s.queryer(ctx).GetContext(ctx, &row, `
		SELECT id, record_type, status, specification_id, spec_hash, inputs_hash, tag, priority, owner, manager_name, resets_used, previous_status, data, created_at, modified_at
		FROM records WHERE record_type = $1 AND spec_hash = $2 AND inputs_hash = $3 AND status <> 'deleted'`,
		string(typ), specHash, inputsHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetRecord(ctx context.Context, id int64) (*domain.Record, error) {
	var row recordRow
	err := s.queryer(ctx).GetContext(ctx, &row, `
		SELECT id, record_type, status, specification_id, spec_hash, inputs_hash, tag, priority, owner, manager_name, resets_used, previous_status, data, created_at, modified_at
		FROM records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetRecords(ctx context.Context, ids []int64) ([]*domain.Record, error) {
	out := make([]*domain.Record, len(ids))
	for i, id := range ids {
		r, err := s.GetRecord(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s *Store) QueryRecords(ctx context.Context, q store.RecordQuery) ([]*domain.Record, error) {
	var clauses []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.IDs) > 0 {
		placeholders := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			placeholders[i] = arg(id)
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(q.Status) > 0 {
		placeholders := make([]string, len(q.Status))
		for i, st := range q.Status {
			placeholders[i] = arg(string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(q.Type) > 0 {
		placeholders := make([]string, len(q.Type))
		for i, t := range q.Type {
			placeholders[i] = arg(string(t))
		}
		clauses = append(clauses, fmt.Sprintf("record_type IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.ManagerName != "" {
		clauses = append(clauses, "manager_name = "+arg(q.ManagerName))
	}
	if q.Tag != "" {
		clauses = append(clauses, "tag = "+arg(q.Tag))
	}
	if q.OwnerUser != "" {
		clauses = append(clauses, "owner = "+arg(q.OwnerUser))
	}
	if !q.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < "+arg(q.CreatedBefore))
	}
	if !q.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at > "+arg(q.CreatedAfter))
	}
	if !q.ModifiedBefore.IsZero() {
		clauses = append(clauses, "modified_at < "+arg(q.ModifiedBefore))
	}
	if !q.ModifiedAfter.IsZero() {
		clauses = append(clauses, "modified_at > "+arg(q.ModifiedAfter))
	}

	query := `SELECT id, record_type, status, specification_id, spec_hash, inputs_hash, tag, priority, owner, manager_name, resets_used, previous_status, data, created_at, modified_at FROM records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(limit), arg(q.Skip))

	var rows []recordRow
	if err := s.queryer(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpdateRecord(ctx context.Context, r *domain.Record) error {
	data, err := json.Marshal(toExtra(r))
	if err != nil {
		return err
	}
	res, err := s.queryer(ctx).ExecContext(ctx, `
		UPDATE records SET status=$1, tag=$2, priority=$3, owner=$4, manager_name=$5, resets_used=$6,
			previous_status=$7, data=$8, modified_at=now()
		WHERE id=$9`,
		string(r.Status), r.Tag, int(r.Priority), nullableString(r.Owner), nullableString(r.ManagerName),
		r.ResetsUsed, nullableString(string(r.PreviousStatus)), data, r.ID)
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

func (s *Store) DeleteRecord(ctx context.Context, id int64) error {
	_, err := s.queryer(ctx).ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	return err
}

func (s *Store) AddDependency(ctx context.Context, dep domain.RecordDependency) error {
	_, err := s.queryer(ctx).ExecContext(ctx,
		`INSERT INTO record_dependencies (parent_id, child_id, position) VALUES ($1,$2,$3)
		 ON CONFLICT (parent_id, child_id) DO UPDATE SET position = EXCLUDED.position`,
		dep.ParentID, dep.ChildID, dep.Position)
	return err
}

func (s *Store) Children(ctx context.Context, parentID int64) ([]domain.RecordDependency, error) {
	var out []domain.RecordDependency
	err := s.queryer(ctx).SelectContext(ctx, &out,
		`SELECT parent_id, child_id, position FROM record_dependencies WHERE parent_id = $1 ORDER BY position ASC`, parentID)
	return out, err
}

func (s *Store) Parents(ctx context.Context, childID int64) ([]domain.RecordDependency, error) {
	var out []domain.RecordDependency
	err := s.queryer(ctx).SelectContext(ctx, &out,
		`SELECT parent_id, child_id, position FROM record_dependencies WHERE child_id = $1`, childID)
	return out, err
}

func (s *Store) HasInboundReferences(ctx context.Context, id int64) (bool, error) {
	var count int
	err := s.queryer(ctx).GetContext(ctx, &count, `SELECT count(*) FROM record_dependencies WHERE child_id = $1`, id)
	return count > 0, err
}
