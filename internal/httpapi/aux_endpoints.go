package httpapi

import (
    "context"
    "net/http"
    "time"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

// readyz pings the store when it exposes a readiness check.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
    defer cancel()
    if rc, ok := any(s.idem).(ReadyChecker); ok {
        if err := rc.Ready(ctx); err != nil { w.WriteHeader(http.StatusServiceUnavailable); return }
    }
    w.WriteHeader(http.StatusOK)
}
