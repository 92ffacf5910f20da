package httpapi

import (
    "context"
    "net/http"
    "runtime/debug"
    "strings"
    "time"

    chimw "github.com/go-chi/chi/v5/middleware"
    "github.com/google/uuid"
    "log/slog"
)

type ctxKey string

const ctxKeyCorrelation ctxKey = "correlationID"

const correlationHeader = "X-Correlation-ID"

// correlationID accepts the caller's correlation id or generates one,
// echoes it on the response and stashes it for the request logger.
func correlationID(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        cid := strings.TrimSpace(r.Header.Get(correlationHeader))
        if cid == "" {
            cid = uuid.NewString()
        }
        w.Header().Set(correlationHeader, cid)
        ctx := context.WithValue(r.Context(), ctxKeyCorrelation, cid)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

func correlationFrom(ctx context.Context) string {
    if v, ok := ctx.Value(ctxKeyCorrelation).(string); ok {
        return v
    }
    return ""
}

// requestLogger logs basic request info at INFO and panics at ERROR.
func requestLogger(l *slog.Logger) func(next http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
            start := time.Now()

            reqID := chimw.GetReqID(r.Context())
            cid := correlationFrom(r.Context())
            l.Info("request started", "req_id", reqID, "correlation_id", cid, "method", r.Method, "path", r.URL.Path)

            next.ServeHTTP(ww, r)

            l.Info("request complete",
                "req_id", reqID,
                "correlation_id", cid,
                "status", ww.Status(),
                "bytes", ww.BytesWritten(),
                "duration", time.Since(start).String(),
            )
        })
    }
}

// recoverer logs panics as ERROR and returns 500.
func recoverer(l *slog.Logger) func(next http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            defer func() {
                if rec := recover(); rec != nil {
                    reqID := chimw.GetReqID(r.Context())
                    l.Error("panic", "req_id", reqID, "err", rec, "stack", string(debug.Stack()))
                    w.WriteHeader(http.StatusInternalServerError)
                }
            }()
            next.ServeHTTP(w, r)
        })
    }
}
