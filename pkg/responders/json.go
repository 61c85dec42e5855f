// Package responders writes the HTTP surface's success payloads. Error
// payloads go through internal/errors so every rejection carries a code.
package responders

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// JSON marshals payload and writes it with the given status. The body is
// buffered before any header goes out, so a marshal failure still yields
// a well-formed 500 instead of a truncated 200.
func JSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	body = append(body, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
