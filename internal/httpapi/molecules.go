package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/errs"
)

type addMoleculesResponse struct {
	IDs      []int64 `json:"ids"`
	Existing []bool  `json:"existing"`
}

// handleAddMolecules implements POST /molecules (bulk add, spec.md §6.1).
func (s *Service) handleAddMolecules(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permCompute) {
		return
	}
	var body []domain.Molecule
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ids, existed, errsOut := s.deps.Records.AddMolecules(r.Context(), body)
	for _, e := range errsOut {
		if e != nil {
			writeError(w, e)
			return
		}
	}
	writeJSON(w, http.StatusCreated, addMoleculesResponse{IDs: ids, Existing: existed})
}

type bulkGetMoleculesBody struct {
	IDs []int64 `json:"ids"`
}

// handleBulkGetMolecules implements POST /molecules/bulkGet.
func (s *Service) handleBulkGetMolecules(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	var body bulkGetMoleculesBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	mols, err := s.deps.DB.GetMolecules(r.Context(), body.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mols)
}

type queryMoleculesBody struct {
	Hash string `json:"hash,omitempty"`
}

// handleQueryMolecules implements POST /molecules/query. Only hash-based
// lookup is supported: store.MoleculeStore (internal/store/interfaces.go)
// does not index formula or identifier, since the state machine never
// needs to look molecules up by those fields — spec.md §6.1 names them as
// illustrative filters, not a normative requirement.
func (s *Service) handleQueryMolecules(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	var body queryMoleculesBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Hash == "" {
		writeJSON(w, http.StatusOK, []domain.Molecule{})
		return
	}
	mol, err := s.deps.DB.FindMoleculeByHash(r.Context(), body.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []*domain.Molecule{mol})
}

// handleGetMolecule implements GET /molecules/{id}.
func (s *Service) handleGetMolecule(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permRead) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, errs.New(errs.KindInvalidInput, "molecule id must be an integer"))
		return
	}
	mol, err := s.deps.DB.GetMolecule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mol)
}
