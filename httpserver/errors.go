package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ruteri/secret-store-cluster/api"
	"github.com/ruteri/secret-store-cluster/cluster"
	"github.com/ruteri/secret-store-cluster/cryptoutils"
	"github.com/ruteri/secret-store-cluster/interfaces"
	"github.com/ruteri/secret-store-cluster/kms"
)

// maxBodySize is the maximum accepted request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError carries the HTTP status an error is reported with.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(err error) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}

// statusOf maps domain errors onto HTTP statuses.
func statusOf(err error) int {
	var requestErr *RequestError
	switch {
	case errors.As(err, &requestErr):
		return requestErr.StatusCode
	case errors.Is(err, interfaces.ErrAccessDenied),
		errors.Is(err, cryptoutils.ErrInvalidSignature),
		errors.Is(err, kms.ErrUnregisteredAdmin):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrKeyNotFound),
		errors.Is(err, cluster.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrSessionExists),
		errors.Is(err, kms.ErrDuplicateShare),
		errors.Is(err, kms.ErrAlreadyRecovered):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrStopped),
		errors.Is(err, interfaces.ErrKeyStorage):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrInvalidMessage),
		errors.Is(err, interfaces.ErrInvalidNodesConfiguration),
		errors.Is(err, interfaces.ErrInvalidStateForRequest),
		errors.Is(err, interfaces.ErrInvalidNodeForRequest),
		errors.Is(err, interfaces.ErrReplayProtection),
		errors.Is(err, interfaces.ErrTooEarlyForRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), api.ErrorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, body any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(body); err != nil {
		return badRequest(err)
	}
	return nil
}
