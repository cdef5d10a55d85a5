package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/errs"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
)

// handleRegisterManager implements POST /managers/register (spec.md §6.1).
// This endpoint is itself public-ish: a manager has no token yet, so it
// authenticates with whatever credential the operator configured out of
// band (the static bootstrap token checked by withAuth's user-token path)
// and receives back the queue-scoped bearer token used for every
// subsequent call.
func (s *Service) handleRegisterManager(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permQueue) {
		return
	}
	var body managerreg.RegisterRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Managers.Register(r.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type claimBody struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
}

type claimResponse struct {
	Tasks []queue.ClaimedTask `json:"tasks"`
}

// findSelf looks up the authenticated manager's own registration so Claim
// can match its tags/programs against waiting tasks.
func (s *Service) findSelf(r *http.Request, name string) (*domain.Manager, error) {
	managers, err := s.deps.Managers.List(r.Context())
	if err != nil {
		return nil, err
	}
	for _, m := range managers {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, errs.New(errs.KindManagerUnknown, "manager not registered")
}

// handleClaim implements POST /managers/claim.
func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permQueue) {
		return
	}
	var body claimBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	name := managerNameFromCtx(r.Context())
	if name == "" || name != body.Name {
		writeError(w, errs.New(errs.KindManagerUnknown, "claim name does not match authenticated manager"))
		return
	}
	self, err := s.findSelf(r, name)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.deps.Queue.Claim(r.Context(), self, body.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Tasks: tasks})
}

type heartbeatBody struct {
	Name         string         `json:"name"`
	StatusCounts map[string]int `json:"status_counts,omitempty"`
}

type heartbeatResponse struct {
	LeasesExtended int64 `json:"leases_extended"`
}

// handleHeartbeat implements POST /managers/heartbeat.
func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permQueue) {
		return
	}
	var body heartbeatBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	name := managerNameFromCtx(r.Context())
	if name == "" || name != body.Name {
		writeError(w, errs.New(errs.KindManagerUnknown, "heartbeat name does not match authenticated manager"))
		return
	}
	n, err := s.deps.Managers.Heartbeat(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{LeasesExtended: n})
}

type returnBody struct {
	Name    string                        `json:"name"`
	Results map[string]queue.ReturnResult `json:"results"`
}

// handleReturn implements POST /managers/return. results is keyed by
// task id as a string (JSON object keys are always strings).
func (s *Service) handleReturn(w http.ResponseWriter, r *http.Request) {
	if !requirePermission(w, r, permQueue) {
		return
	}
	var body returnBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	name := managerNameFromCtx(r.Context())
	if name == "" || name != body.Name {
		writeError(w, errs.New(errs.KindManagerUnknown, "return name does not match authenticated manager"))
		return
	}
	for taskIDStr, result := range body.Results {
		taskID, err := strconv.ParseInt(taskIDStr, 10, 64)
		if err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "result key must be a task id"))
			return
		}
		result.TaskID = taskID
		if err := s.deps.Queue.Return(r.Context(), name, result); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeregisterManager implements POST /managers/{name}/deregister
// (SPEC_FULL.md §C.5): immediate requeue of the manager's leased tasks and
// removal from the registry, rather than waiting out the lease via Reap.
// A manager may deregister itself, or an admin credential may deregister
// any manager (e.g. during a planned drain).
func (s *Service) handleDeregisterManager(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	self := managerNameFromCtx(r.Context())
	if self != name && !requirePermission(w, r, permAdmin) {
		return
	}
	if err := s.deps.Managers.Deregister(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
