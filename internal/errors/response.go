package errors

import (
	"encoding/json"
	"net/http"
)

// envelope is the wire shape of every rejection: a single "error" object
// carrying the machine code, a human message, and a retry hint. The IPN
// gateway and the ops scripts both key on error.code.
type envelope struct {
	Error detail `json:"error"`
}

type detail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// WriteSimpleError writes a rejection with the status mapped from code.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	body := envelope{Error: detail{
		Code:      code,
		Message:   message,
		Retryable: code.IsRetryable(),
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}
