package world

import "errors"

// Code is a machine-readable failure class.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeUnknownGame   Code = "UNKNOWN_GAME"
	CodeContention    Code = "CONTENTION"
	CodeLaunchFailure Code = "LAUNCH_FAILURE"
	CodeHealthTimeout Code = "HEALTH_TIMEOUT"
	CodeStartTimeout  Code = "START_TIMEOUT"
	CodeUnhealthy     Code = "UNHEALTHY"
	CodeInternal      Code = "INTERNAL"
)

// Error is a coded domain error. Two Errors match under errors.Is when their
// codes are equal.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var (
	ErrNotFound   = New(CodeNotFound, "world not found")
	ErrContention = New(CodeContention, "claim lost to a concurrent start")
)
