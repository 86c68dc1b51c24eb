// Package apperr defines the stable business error codes returned to agents.
//
// Domain packages declare their sentinels with New so that the protocol layer
// can recover a code from any wrapped error via CodeOf.
package apperr

import (
	"errors"
)

// Code is a machine-readable business error code.
type Code string

const (
	ProductNotFound      Code = "PRODUCT_NOT_FOUND"
	OutOfStock           Code = "OUT_OF_STOCK"
	BelowMinimumQuantity Code = "BELOW_MINIMUM_QUANTITY"
	InsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	OrderNotFound        Code = "ORDER_NOT_FOUND"
	OrderTerminal        Code = "ORDER_TERMINAL"
	InvalidTransition    Code = "INVALID_TRANSITION"
	Forbidden            Code = "FORBIDDEN"
	NegotiationNotFound  Code = "NEGOTIATION_NOT_FOUND"
	NegotiationClosed    Code = "NEGOTIATION_CLOSED"
	RoundLimitExceeded   Code = "ROUND_LIMIT_EXCEEDED"
	InvalidArgument      Code = "INVALID_ARGUMENT"
	GatewayUnavailable   Code = "GATEWAY_UNAVAILABLE"
	DuplicateReference   Code = "DUPLICATE_REFERENCE"
	AccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	Conflict             Code = "CONFLICT"
	Internal             Code = "INTERNAL_ERROR"
)

// Error is a sentinel carrying a business code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// New creates a sentinel error with a code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsBusiness reports whether err carries a business code.
func IsBusiness(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Detailed attaches structured details to an error without losing its code.
type Detailed struct {
	Err     error
	Details map[string]any
}

func (d *Detailed) Error() string { return d.Err.Error() }
func (d *Detailed) Unwrap() error { return d.Err }

// WithDetails wraps err with details surfaced in the failure payload.
func WithDetails(err error, details map[string]any) error {
	return &Detailed{Err: err, Details: details}
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) map[string]any {
	var d *Detailed
	if errors.As(err, &d) {
		return d.Details
	}
	return nil
}
