package api

import (
	"errors"
	"net/http"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"` // Retryable is set when the caller should re-read state and retry
}

// statusOf maps a coordinator error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auction.ErrRejected), errors.Is(err, timelock.ErrUnavailable):
		return http.StatusServiceUnavailable
	}

	switch auction.KindOf(err) {
	case auction.KindValidation:
		return http.StatusBadRequest
	case auction.KindSequencing, auction.KindIdempotency:
		return http.StatusConflict
	case auction.KindAuthorization:
		return http.StatusForbidden
	case auction.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the status its kind maps to.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusOf(err)

	resp := ErrorResponse{
		Error:     err.Error(),
		Kind:      auction.KindOf(err).String(),
		Code:      auction.CodeOf(err),
		Retryable: status == http.StatusServiceUnavailable,
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, resp)
}

// writeError writes a request-level validation error.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Kind:  auction.KindValidation.String(),
	})
}
