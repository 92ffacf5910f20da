package httpapi

import (
    "encoding/json"
    "net/http"
)

// envelopeError is the error half of the response envelope.
type envelopeError struct {
    Code       string   `json:"code"`
    Message    string   `json:"message"`
    Violations []string `json:"violations,omitempty"`
}

// toJSON writes a JSON response with status code.
func toJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

// writeData wraps v in the success envelope.
func writeData(w http.ResponseWriter, status int, v any) {
    toJSON(w, status, struct {
        Data any `json:"data"`
    }{Data: v})
}

// writeError wraps code and message in the failure envelope.
func writeError(w http.ResponseWriter, status int, code, msg string, violations ...string) {
    toJSON(w, status, struct {
        Error envelopeError `json:"error"`
    }{Error: envelopeError{Code: code, Message: msg, Violations: violations}})
}
