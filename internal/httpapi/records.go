package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/errs"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/store"
)

// addRecordBody is the body of POST /records/{type} (spec.md §6.1).
type addRecordBody struct {
	MoleculeIDs      []int64                `json:"molecule_ids"`
	Specification    domain.Specification   `json:"specification"`
	KeywordValues    map[string]interface{} `json:"keyword_values,omitempty"`
	Tag              string                 `json:"tag,omitempty"`
	Priority         string                 `json:"priority,omitempty"`
	Owner            string                 `json:"owner,omitempty"`
	RequiredPrograms []domain.ProgramRequirement `json:"required_programs,omitempty"`
}

type addRecordResponse struct {
	ID       int64 `json:"id"`
	Existing bool  `json:"existing"`
}

// handleAddRecord implements POST /records/{type}: a distinct record type
// is accepted per path segment, and spec.md §4.2's dedup-on-insert applies
// uniformly regardless of type.
func (s *Service) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permCompute) {
		return
	}
	typ := domain.RecordType(mux.Vars(r)["type"])
	var body addRecordBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, existed, err := s.deps.Records.AddRecord(r.Context(), records.AddRecordRequest{
		Type: typ, Spec: body.Specification, KeywordValues: body.KeywordValues,
		MoleculeIDs: body.MoleculeIDs, Tag: body.Tag,
		Priority: domain.ParsePriority(body.Priority), Owner: body.Owner,
		RequiredPrograms: body.RequiredPrograms,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, addRecordResponse{ID: id, Existing: existed})
}

// handleGetRecord implements GET /records/{id}.
func (s *Service) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidInput, "record id must be an integer"))
		return
	}
	recs, err := s.deps.Records.GetRecords(r.Context(), []int64{id}, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs[0])
}

type bulkGetBody struct {
	IDs       []int64 `json:"ids"`
	MissingOK bool    `json:"missing_ok"`
}

// handleBulkGetRecords implements POST /records/bulkGet.
func (s *Service) handleBulkGetRecords(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	var body bulkGetBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.deps.Records.GetRecords(r.Context(), body.IDs, body.MissingOK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type queryRecordsBody struct {
	IDs            []int64            `json:"ids,omitempty"`
	Status         []domain.Status    `json:"status,omitempty"`
	Type           []domain.RecordType `json:"type,omitempty"`
	ManagerName    string             `json:"manager_name,omitempty"`
	Tag            string             `json:"tag,omitempty"`
	OwnerUser      string             `json:"owner_user,omitempty"`
	CreatedBefore  *time.Time         `json:"created_before,omitempty"`
	CreatedAfter   *time.Time         `json:"created_after,omitempty"`
	ModifiedBefore *time.Time         `json:"modified_before,omitempty"`
	ModifiedAfter  *time.Time         `json:"modified_after,omitempty"`
	Limit          int                `json:"limit,omitempty"`
	Skip           int                `json:"skip,omitempty"`
}

type queryRecordsResponse struct {
	Records    []*domain.Record `json:"records"`
	NextCursor int               `json:"next_cursor,omitempty"`
}

// handleQueryRecords implements POST /records/query (spec.md §6.1).
func (s *Service) handleQueryRecords(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	var body queryRecordsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	q := store.RecordQuery{
		IDs: body.IDs, Status: body.Status, Type: body.Type,
		ManagerName: body.ManagerName, Tag: body.Tag, OwnerUser: body.OwnerUser,
		Limit: body.Limit, Skip: body.Skip,
	}
	if body.CreatedBefore != nil {
		q.CreatedBefore = *body.CreatedBefore
	}
	if body.CreatedAfter != nil {
		q.CreatedAfter = *body.CreatedAfter
	}
	if body.ModifiedBefore != nil {
		q.ModifiedBefore = *body.ModifiedBefore
	}
	if body.ModifiedAfter != nil {
		q.ModifiedAfter = *body.ModifiedAfter
	}
	recs, err := s.deps.Records.QueryRecords(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := queryRecordsResponse{Records: recs}
	if q.Limit > 0 && len(recs) == q.Limit {
		resp.NextCursor = q.Skip + q.Limit
	}
	writeJSON(w, http.StatusOK, resp)
}

type modifyRecordBody struct {
	NewTag      *string `json:"new_tag,omitempty"`
	NewPriority *string `json:"new_priority,omitempty"`
}

// handleModifyRecord implements POST /records/{id}/modify.
func (s *Service) handleModifyRecord(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permWrite) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidInput, "record id must be an integer"))
		return
	}
	var body modifyRecordBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.deps.Records.GetRecords(r.Context(), []int64{id}, false)
	if err != nil {
		writeError(w, err)
		return
	}
	tag := rec[0].Tag
	if body.NewTag != nil {
		tag = *body.NewTag
	}
	priority := rec[0].Priority
	if body.NewPriority != nil {
		priority = domain.ParsePriority(*body.NewPriority)
	}
	if err := s.deps.Records.Modify(r.Context(), id, tag, priority); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordAction is one of the status-transition verbs named in spec.md
// §6.1 (reset|cancel|uncancel|invalidate|uninvalidate|delete|undelete).
var recordActions = map[string]func(*records.Store, http.ResponseWriter, *http.Request, int64){
	"reset":        func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Reset(r.Context(), id)) },
	"cancel":       func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Cancel(r.Context(), id)) },
	"uncancel":     func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Uncancel(r.Context(), id)) },
	"invalidate":   func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Invalidate(r.Context(), id)) },
	"uninvalidate": func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Uninvalidate(r.Context(), id)) },
	"delete":       func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.SoftDelete(r.Context(), id)) },
	"undelete":     func(s *records.Store, w http.ResponseWriter, r *http.Request, id int64) { finishAction(w, s.Undelete(r.Context(), id)) },
}

func finishAction(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordAction dispatches POST /records/{id}/{action}.
func (s *Service) handleRecordAction(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permWrite) {
		return
	}
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidInput, "record id must be an integer"))
		return
	}
	action, ok := recordActions[vars["action"]]
	if !ok {
		writeError(w, errs.New(errs.KindInvalidInput, "unknown record action"))
		return
	}
	action(s.deps.Records, w, r, id)
}
