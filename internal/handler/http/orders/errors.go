package orders_http

import (
	"encoding/json"
	"errors"
	"net/http"

	"reconciler/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func renderJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: statusCode})
}

// statusFor maps service errors onto HTTP status codes. Order matters:
// specific validation errors are checked before ErrValidation.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrReservationInProgress),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error details behind a generic message.
func publicMessage(err error, status int) string {
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		return "internal server error"
	}
	return err.Error()
}
