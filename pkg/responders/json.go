// Package responders holds the success-path response writers shared by the
// HTTP handlers. Error envelopes live with the error codes instead.
package responders

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSON writes payload as an application/json response. The payload is
// marshalled before the status line goes out, so an encoding failure turns
// into a clean 500 rather than a truncated 2xx body. HTML escaping is off:
// responses carry map URLs and file names, not markup.
func JSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		return
	}
	body, err := marshalUnescaped(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func marshalUnescaped(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
