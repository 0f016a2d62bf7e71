// Package respond writes JSON responses and maps engine errors to status
// codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/state"
)

// JSON encodes v with the given status code.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as {"error": "..."} with a status derived from it.
func Error(w http.ResponseWriter, err error) {
	JSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

// StatusFor maps known errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, dispatch.ErrUnknownBin),
		errors.Is(err, dispatch.ErrUnknownVehicle):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNotEnRoute):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrBadStatus):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
