package types

import "fmt"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeDenomMismatch   Code = "DENOM_MISMATCH"
	CodeAlreadyTerminal Code = "ALREADY_TERMINAL"
	CodeNotDue          Code = "NOT_DUE"
	CodeInFlight        Code = "IN_FLIGHT"
	CodeNotEligible     Code = "NOT_ELIGIBLE"
)

// Error is the domain error type. Two errors match under errors.Is when their
// codes are equal.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthorized    = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidInput    = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrDenomMismatch   = &Error{Code: CodeDenomMismatch, Message: "denom mismatch"}
	ErrAlreadyTerminal = &Error{Code: CodeAlreadyTerminal, Message: "vault is already terminal"}
	ErrNotDue          = &Error{Code: CodeNotDue, Message: "trigger is not due"}
	ErrInFlight        = &Error{Code: CodeInFlight, Message: "venue request in flight"}
	ErrNotEligible     = &Error{Code: CodeNotEligible, Message: "not eligible"}
)

// Errorf creates a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
