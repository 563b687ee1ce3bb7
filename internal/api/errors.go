package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/iotmanager/internal/device"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeTransport      = "transport_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// Messages for device errors.
const (
	msgSerialRequired   = "serial is required"
	msgSerialExists     = "a device with this serial already exists"
	msgSerialInUse      = "another device already uses this serial"
	msgDeviceNotFound   = "device not found"
	msgTransportFailure = "messaging backend unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps a registry or dispatcher error to a response.
// conflictMsg is used for ErrSerialConflict since create and update word
// it differently. It returns the status written.
func (s *Server) writeDeviceError(w http.ResponseWriter, r *http.Request, err error, conflictMsg string) int {
	var status int
	switch {
	case errors.Is(err, device.ErrInvalidSerial):
		status = http.StatusBadRequest
		writeError(w, status, ErrCodeValidation, msgSerialRequired)
	case errors.Is(err, device.ErrSerialConflict):
		status = http.StatusConflict
		writeError(w, status, ErrCodeConflict, conflictMsg)
	case errors.Is(err, device.ErrDeviceNotFound):
		status = http.StatusNotFound
		writeNotFound(w, msgDeviceNotFound)
	case errors.Is(err, device.ErrTransport):
		status = http.StatusBadGateway
		s.logger.Error("messaging backend failure",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
		)
		writeError(w, status, ErrCodeTransport, msgTransportFailure)
	default:
		status = http.StatusInternalServerError
		s.logger.Error("device operation failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
		)
		writeInternalError(w, "internal server error")
	}
	return status
}
