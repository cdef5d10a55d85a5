package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/r3e-network/qcbroker/internal/errs"
)

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindInvalidInput, "decoding request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wireError is the §6.1 error response shape: {kind, message, context}.
type wireError struct {
	Kind    errs.Kind              `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// writeError renders err as the wire error shape, translating any
// non-ServiceError into an internal_error so handlers never need to
// special-case unexpected failures.
func writeError(w http.ResponseWriter, err error) {
	se, ok := errs.As(err)
	if !ok {
		se = errs.Wrap(errs.KindInternal, "unexpected error", err)
	}
	writeJSON(w, se.HTTPStatus(), wireError{Kind: se.Kind, Message: se.Message, Context: se.Details})
}
