package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/r3e-network/qcbroker/internal/config"
	"github.com/r3e-network/qcbroker/internal/domain"
	"github.com/r3e-network/qcbroker/internal/managerreg"
	"github.com/r3e-network/qcbroker/internal/queue"
	"github.com/r3e-network/qcbroker/internal/records"
	"github.com/r3e-network/qcbroker/internal/serviceengine"
	"github.com/r3e-network/qcbroker/internal/store"
	"github.com/r3e-network/qcbroker/internal/store/memory"
	"github.com/r3e-network/qcbroker/pkg/logger"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	db := memory.New()
	log := logger.NewDefault("test")
	cfg := config.Default()
	cfg.Auth.JWTSigningKey = "test-signing-key"

	drivers := serviceengine.NewRegistry()
	rec := records.New(db, drivers, nil, 0, log)
	q := queue.New(db, cfg.Queue, log)
	mgrs := managerreg.New(db, cfg.Queue, cfg.Auth, log)

	svc, err := New(Dependencies{Records: rec, Queue: q, Managers: mgrs, DB: db, Config: cfg, Log: log})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, db
}

func doRequest(t *testing.T, svc *Service, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	svc.handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	svc, _ := newTestService(t)
	rec := doRequest(t, svc, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordsRejectedWithoutCredential(t *testing.T) {
	svc, _ := newTestService(t)
	rec := doRequest(t, svc, http.MethodPost, "/records/query", "", map[string]interface{}{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 permission_denied, got %d: %s", rec.Code, rec.Body.String())
	}
	var e wireError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if e.Kind != "permission_denied" {
		t.Fatalf("expected permission_denied kind, got %q", e.Kind)
	}
}

func TestAddAndGetRecordRoundtrip(t *testing.T) {
	svc, db := newTestService(t)
	if err := db.PutUser(context.Background(), &store.User{Username: "tester", PasswordHash: "x", Permissions: []string{"read", "write", "compute"}}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	addBody := addRecordBody{
		MoleculeIDs:   []int64{},
		Specification: domain.Specification{Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g"},
		Tag:           "default",
		Priority:      "normal",
	}
	rec := doRequest(t, svc, http.MethodPost, "/records/singlepoint", "tester", addBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created addRecordResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected nonzero record id")
	}

	getRec := doRequest(t, svc, http.MethodGet, "/records/"+strconv.FormatInt(created.ID, 10), "tester", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching record, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestManagerRegisterClaimHeartbeatFlow(t *testing.T) {
	svc, db := newTestService(t)
	if err := db.PutUser(context.Background(), &store.User{Username: "operator", PasswordHash: "x", Permissions: []string{"queue"}}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	regBody := managerreg.RegisterRequest{Name: "worker-1", Cluster: "local", Tags: []string{"*"}}
	regRec := doRequest(t, svc, http.MethodPost, "/managers/register", "operator", regBody)
	if regRec.Code != http.StatusOK {
		t.Fatalf("expected 200 registering manager, got %d: %s", regRec.Code, regRec.Body.String())
	}
	var regResp managerreg.RegisterResponse
	if err := json.Unmarshal(regRec.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if regResp.Token == "" {
		t.Fatalf("expected nonempty manager token")
	}

	hbRec := doRequest(t, svc, http.MethodPost, "/managers/heartbeat", regResp.Token, heartbeatBody{Name: "worker-1"})
	if hbRec.Code != http.StatusOK {
		t.Fatalf("expected 200 heartbeat, got %d: %s", hbRec.Code, hbRec.Body.String())
	}

	claimRec := doRequest(t, svc, http.MethodPost, "/managers/claim", regResp.Token, claimBody{Name: "worker-1", Limit: 5})
	if claimRec.Code != http.StatusOK {
		t.Fatalf("expected 200 claim, got %d: %s", claimRec.Code, claimRec.Body.String())
	}
}

func TestManagerClaimRejectsMismatchedName(t *testing.T) {
	svc, db := newTestService(t)
	if err := db.PutUser(context.Background(), &store.User{Username: "operator", PasswordHash: "x", Permissions: []string{"queue"}}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	regRec := doRequest(t, svc, http.MethodPost, "/managers/register", "operator", managerreg.RegisterRequest{Name: "worker-1"})
	var regResp managerreg.RegisterResponse
	_ = json.Unmarshal(regRec.Body.Bytes(), &regResp)

	claimRec := doRequest(t, svc, http.MethodPost, "/managers/claim", regResp.Token, claimBody{Name: "someone-else", Limit: 1})
	if claimRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 manager_unknown, got %d: %s", claimRec.Code, claimRec.Body.String())
	}
}

func TestManagerCanDeregisterItself(t *testing.T) {
	svc, db := newTestService(t)
	if err := db.PutUser(context.Background(), &store.User{Username: "operator", PasswordHash: "x", Permissions: []string{"queue"}}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	regRec := doRequest(t, svc, http.MethodPost, "/managers/register", "operator", managerreg.RegisterRequest{Name: "worker-1"})
	var regResp managerreg.RegisterResponse
	if err := json.Unmarshal(regRec.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	regRec2 := doRequest(t, svc, http.MethodPost, "/managers/register", "operator", managerreg.RegisterRequest{Name: "worker-2"})
	var regResp2 managerreg.RegisterResponse
	if err := json.Unmarshal(regRec2.Body.Bytes(), &regResp2); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	// worker-1's token may not deregister a DIFFERENT manager without
	// admin permission.
	forbiddenRec := doRequest(t, svc, http.MethodPost, "/managers/worker-2/deregister", regResp.Token, nil)
	if forbiddenRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 deregistering another manager, got %d: %s", forbiddenRec.Code, forbiddenRec.Body.String())
	}

	deregRec := doRequest(t, svc, http.MethodPost, "/managers/worker-2/deregister", regResp2.Token, nil)
	if deregRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 self-deregister, got %d: %s", deregRec.Code, deregRec.Body.String())
	}
}
