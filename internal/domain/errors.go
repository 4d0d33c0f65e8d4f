package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every input error. Validation errors are
// returned synchronously and never leave side effects behind.
var ErrValidation = errors.New("validation error")

var (
	ErrEmptyCart           = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrInvalidQuantity     = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrProductUnavailable  = fmt.Errorf("%w: product unavailable", ErrValidation)
	ErrInvalidAmount       = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrUnsupportedCurrency = fmt.Errorf("%w: unsupported currency", ErrValidation)
	ErrUnknownGateway      = fmt.Errorf("%w: unknown gateway", ErrValidation)
	ErrSessionMismatch     = fmt.Errorf("%w: session does not belong to order", ErrValidation)
)

var (
	ErrGatewayUnavailable    = errors.New("gateway unavailable")
	ErrSignatureInvalid      = errors.New("webhook signature invalid")
	ErrAmountMismatch        = errors.New("captured amount does not match order total")
	ErrDuplicateEvent        = errors.New("duplicate event")
	ErrInvalidState          = errors.New("invalid state transition")
	ErrOrderNotFound         = errors.New("order not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrForbidden             = errors.New("forbidden")
	ErrReservationInProgress = errors.New("idempotent operation still in progress")
)
