package ledger

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Error taxonomy. Component errors wrap one of these with %w so callers can
// classify with errors.Is.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStateConflict     = errors.New("state conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPlatformInactive  = errors.New("platform inactive")
	ErrExternal          = errors.New("external dependency failure")
	ErrNotFound          = errors.New("not found")

	// ErrPaymentNotDue and ErrStale are StateConflict refinements.
	ErrPaymentNotDue = fmt.Errorf("%w: payment not due", ErrStateConflict)
	ErrStale         = fmt.Errorf("%w: stale state, resubmit", ErrStateConflict)
)

// Kind returns a short label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPaymentNotDue):
		return "payment_not_due"
	case errors.Is(err, ErrStale):
		return "stale"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrPlatformInactive):
		return "platform_inactive"
	case errors.Is(err, ErrExternal):
		return "external"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "ok":
		return http.StatusOK
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_input":
		return http.StatusBadRequest
	case "payment_not_due", "stale", "state_conflict":
		return http.StatusConflict
	case "insufficient_funds":
		return http.StatusPaymentRequired
	case "platform_inactive":
		return http.StatusServiceUnavailable
	case "external":
		return http.StatusBadGateway
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Length caps for persisted string fields.
const (
	MaxIDLen         = 64
	MaxMerchantIDLen = 32
	MaxMemoLen       = 128
)

// ValidateID checks that id is non-empty and at most max bytes. Oversized
// input is rejected, never truncated.
func ValidateID(field, id string, max int) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidInput, field)
	}
	if len(id) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, field, max)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %s is not valid utf-8", ErrInvalidInput, field)
	}
	return nil
}

// ValidateText checks an optional free-text field against max bytes.
func ValidateText(field, s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, field, max)
	}
	return nil
}
