package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrAlreadyTerminal      = errors.New("reservation already terminal")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrReservationExists    = errors.New("reservation already exists")
	ErrVersionConflict      = errors.New("account version conflict")
	ErrDuplicateEntry       = errors.New("duplicate ledger entry")
	ErrNegativeBalance      = errors.New("negative balance")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidOperationID   = errors.New("invalid operation id")
	ErrInvalidPaymentID     = errors.New("invalid payment id")
	ErrInvalidReservationID = errors.New("invalid reservation id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
