package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes registers every endpoint named in spec.md §6.1.
func (s *Service) routes() {
	r := s.router

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/records/bulkGet", s.handleBulkGetRecords).Methods(http.MethodPost)
	r.HandleFunc("/records/query", s.handleQueryRecords).Methods(http.MethodPost)
	r.HandleFunc("/records/{type}", s.handleAddRecord).Methods(http.MethodPost)
	r.HandleFunc("/records/{id}", s.handleGetRecord).Methods(http.MethodGet)
	r.HandleFunc("/records/{id}/modify", s.handleModifyRecord).Methods(http.MethodPost)
	r.HandleFunc("/records/{id}/{action}", s.handleRecordAction).Methods(http.MethodPost)

	r.HandleFunc("/molecules", s.handleAddMolecules).Methods(http.MethodPost)
	r.HandleFunc("/molecules/query", s.handleQueryMolecules).Methods(http.MethodPost)
	r.HandleFunc("/molecules/bulkGet", s.handleBulkGetMolecules).Methods(http.MethodPost)
	r.HandleFunc("/molecules/{id}", s.handleGetMolecule).Methods(http.MethodGet)

	r.HandleFunc("/managers/register", s.handleRegisterManager).Methods(http.MethodPost)
	r.HandleFunc("/managers/claim", s.handleClaim).Methods(http.MethodPost)
	r.HandleFunc("/managers/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/managers/return", s.handleReturn).Methods(http.MethodPost)
	r.HandleFunc("/managers/{name}/deregister", s.handleDeregisterManager).Methods(http.MethodPost)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
