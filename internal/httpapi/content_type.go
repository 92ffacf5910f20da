package httpapi

import (
    "net/http"
    "strings"
)

// requireJSON ensures the request has Content-Type application/json (optionally with params).
// Writes 415 if not JSON and returns false; otherwise returns true.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
    ct := r.Header.Get("Content-Type")
    // allow charset or other params after ; and case-insensitive match
    if ct == "" { writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedMediaType, "Content-Type must be application/json"); return false }
    mime := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
    if mime != "application/json" { writeError(w, http.StatusUnsupportedMediaType, codeUnsupportedMediaType, "Content-Type must be application/json"); return false }
    return true
}
