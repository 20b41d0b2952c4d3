package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/care-scheduling/internal/redis"
	"github.com/hackgods/care-scheduling/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// decodeJSON rejects oversized bodies and unknown trailing data as well as
// malformed JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "body must contain a single JSON object")
		return false
	}
	return true
}

// handleServiceError maps the scheduling error taxonomy onto HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve  *scheduling.ValidationError
		ce  *scheduling.ConflictError
		ite *scheduling.InvalidTransitionError
		pe  *scheduling.PermissionError
		nfe *scheduling.NotFoundError
	)

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: err.Error(),
			Fields:  ve.Fields,
		})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:                 "conflict",
			Details:               ce.Reason,
			Conflicts:             toAppointmentResponses(ce.Conflicts),
			SuggestedAlternatives: toAvailableSlots(ce.Alternatives),
		})
	case errors.As(err, &ite):
		writeError(w, http.StatusForbidden, "invalid_status_transition", err.Error())
	case errors.As(err, &pe):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.As(err, &nfe):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, scheduling.ErrUnavailable):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("storage unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "storage is temporarily unavailable, retry later")
	case errors.Is(err, redisclient.ErrRequestInFlight):
		writeError(w, http.StatusConflict, "request_in_flight", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
