package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by the admission core.
type ErrorCode string

const (
	CodeDimensionMismatch    ErrorCode = "DIMENSION_MISMATCH"
	CodeEmptyTrajectory      ErrorCode = "EMPTY_TRAJECTORY"
	CodeInvalidGenesis       ErrorCode = "INVALID_GENESIS"
	CodeInvalidObservation   ErrorCode = "INVALID_OBSERVATION"
	CodeIdentityViolation    ErrorCode = "IDENTITY_VIOLATION"
	CodeTerminalState        ErrorCode = "TERMINAL_STATE"
	CodeGateTimeout          ErrorCode = "GATE_TIMEOUT"
	CodeIntegrityViolation   ErrorCode = "INTEGRITY_VIOLATION"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeAlreadyRegistered    ErrorCode = "ALREADY_REGISTERED"
	CodeUnauthorizedReviewer ErrorCode = "UNAUTHORIZED_REVIEWER"
	CodeNotCancellable       ErrorCode = "NOT_CANCELLABLE"
	CodeNoPendingReview      ErrorCode = "NO_PENDING_REVIEW"
	CodeStageMismatch        ErrorCode = "STAGE_MISMATCH"
	CodeInvalidConfig        ErrorCode = "INVALID_CONFIG"
)

// Error is a coded failure with structured context.
//
// Two Errors match under errors.Is when their codes are equal, so callers
// can test against the sentinels below regardless of message or node.
type Error struct {
	Code    ErrorCode
	Message string
	NodeID  string
	Details map[string]string
	Err     error
}

// Sentinels for errors.Is.
var (
	ErrDimensionMismatch    = &Error{Code: CodeDimensionMismatch}
	ErrEmptyTrajectory      = &Error{Code: CodeEmptyTrajectory}
	ErrInvalidGenesis       = &Error{Code: CodeInvalidGenesis}
	ErrInvalidObservation   = &Error{Code: CodeInvalidObservation}
	ErrIdentityViolation    = &Error{Code: CodeIdentityViolation}
	ErrTerminalState        = &Error{Code: CodeTerminalState}
	ErrGateTimeout          = &Error{Code: CodeGateTimeout}
	ErrIntegrityViolation   = &Error{Code: CodeIntegrityViolation}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrAlreadyRegistered    = &Error{Code: CodeAlreadyRegistered}
	ErrUnauthorizedReviewer = &Error{Code: CodeUnauthorizedReviewer}
	ErrNotCancellable       = &Error{Code: CodeNotCancellable}
	ErrNoPendingReview      = &Error{Code: CodeNoPendingReview}
	ErrStageMismatch        = &Error{Code: CodeStageMismatch}
	ErrInvalidConfig        = &Error{Code: CodeInvalidConfig}
)

// NewError creates an Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode returns a copy of e bound to nodeID.
func (e *Error) WithNode(nodeID string) *Error {
	c := *e
	c.NodeID = nodeID
	return &c
}

// WithDetail returns a copy of e with an extra detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	c := *e
	c.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "error"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node=%s)", e.Code, msg, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTerminalState reports whether err is a TERMINAL_STATE error.
func IsTerminalState(err error) bool {
	return errors.Is(err, ErrTerminalState)
}

// IsIntegrityViolation reports whether err is an INTEGRITY_VIOLATION error.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}
