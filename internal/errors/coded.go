package errors

import (
	"errors"
	"net/http"
)

// Error is a coded error carried from services up to the HTTP layer.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the error code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// WriteCoded maps err onto the standard response envelope: coded errors use
// their own code and message, anything else becomes an opaque internal error.
func WriteCoded(w http.ResponseWriter, err error) {
	if code, ok := CodeOf(err); ok {
		var coded *Error
		errors.As(err, &coded)
		WriteSimpleError(w, code, coded.Message)
		return
	}
	WriteSimpleError(w, ErrCodeInternalError, "internal error")
}
