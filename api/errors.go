package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, attest.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, pki.ErrCertificateNotFound),
		errors.Is(err, entry.ErrNotFound),
		errors.Is(err, membership.ErrUserNotFound),
		errors.Is(err, membership.ErrClubNotFound),
		errors.Is(err, membership.ErrRangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, pki.ErrAlreadyExists),
		errors.Is(err, pki.ErrDuplicateCertificate),
		errors.Is(err, pki.ErrAlreadyRevoked),
		errors.Is(err, entry.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, pki.ErrCertificateRevoked),
		errors.Is(err, pki.ErrCertificateExpired),
		errors.Is(err, pki.ErrChainBroken),
		errors.Is(err, pki.ErrProtectedCertificate),
		errors.Is(err, attest.ErrNoCertificate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, attest.ErrReasonRequired),
		errors.Is(err, attest.ErrInvalidEntry),
		errors.Is(err, pki.ErrInvalidKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	if status == http.StatusForbidden {
		writeError(w, status, attest.ErrUnauthorized.Error())
		return
	}
	writeError(w, status, err.Error())
}
