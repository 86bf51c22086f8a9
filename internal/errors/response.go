package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the envelope every error leaves the server in. Clients
// branch on the machine-readable code; the message is for humans and logs.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code, the message, and the retry hint.
type ErrorDetail struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"` // quoteId, upgrade hints, etc.
}

// NewErrorResponse builds the envelope for a code. The retryable hint always
// comes from the code table, never from the caller.
func NewErrorResponse(code ErrorCode, message string, details map[string]interface{}) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteSimpleError writes the envelope with the HTTP status the code maps to.
// Marshals before touching the writer so an encoding failure degrades to a
// clean 500 instead of a broken 2xx body.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	body, err := json.Marshal(NewErrorResponse(code, message, nil))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_, _ = w.Write(body)
}
