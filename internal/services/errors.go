package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a payment failure for the HTTP boundary and for logging.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindNotFound           ErrorKind = "not_found"
	KindStateConflict      ErrorKind = "state_conflict"
	KindExpired            ErrorKind = "expired"
	KindGatewayUnreachable ErrorKind = "gateway_unreachable"
	KindGatewayDeclined    ErrorKind = "gateway_declined"
	KindPersistence        ErrorKind = "persistence"
	KindDuplicateOrder     ErrorKind = "duplicate_order"
)

// User-facing messages.
const (
	MsgLinkNotFound       = "Payment link not found"
	MsgLinkUnavailable    = "Payment link has already been used or expired"
	MsgLinkInProgress     = "A payment for this link is already in progress"
	MsgLinkExpired        = "Payment link has expired"
	MsgGatewayUnreachable = "Payment gateway connection failed"
	MsgPersistence        = "Payment was processed but could not be recorded; support has been notified"
	MsgPaymentSuccessful  = "Payment successful"
	MsgAwaitingReconcile  = "A previous payment for this case is awaiting reconciliation"
)

// PaymentError is a classified failure raised by the payment services.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

func newPaymentError(kind ErrorKind, msg string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the classification of err, or "" when err is not a PaymentError.
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a PaymentError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
