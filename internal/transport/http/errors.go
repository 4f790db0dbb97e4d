package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/domain"
)

// APIError is an error with the HTTP status and stable code it is
// answered with.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func newAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// fail answers err. Validation errors map to 400 with their code, API
// errors to their own status; anything else is logged and answered 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &apiErr):
		writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, "An internal error occurred")
	}
}

func deviceNotFound(deviceID string) *APIError {
	return newAPIError(http.StatusNotFound, domain.CodeDeviceNotFound, "Device "+deviceID+" not found")
}

// notFoundAs turns domain.ErrNotFound into the given API error and passes
// every other error through.
func notFoundAs(err error, apiErr *APIError) error {
	if errors.Is(err, domain.ErrNotFound) {
		return apiErr
	}
	return err
}
