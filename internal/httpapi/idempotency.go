package httpapi

import (
    "bytes"
    "crypto/sha256"
    "encoding/hex"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/veslink/transferd/internal/ledger"
)

const idempotencyHeader = "X-Idempotency-Key"

// idempotent wraps a mutating route with the idempotency protocol. When
// required is false a request without a key passes straight through.
//
// A keyed request is fingerprinted as sha256(method|path|body). A stored
// record with the same key and fingerprint replays its status and body
// verbatim; the same key with a different fingerprint is rejected. First
// requests run the handler under a per-key lock, re-checking the store
// once inside the lock so a concurrent twin that committed first is
// replayed instead of re-executed. Responses below 500 are stored;
// server errors are not, so the client's retry re-runs the handler.
func (s *Server) idempotent(required bool) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
            if key == "" {
                if required {
                    writeError(w, http.StatusBadRequest, codeIdempotencyKeyRequired, idempotencyHeader+" header is required")
                    return
                }
                next.ServeHTTP(w, r)
                return
            }
            if len(key) > ledger.MaxIdempotencyKeyLen {
                writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("idempotency key exceeds %d characters", ledger.MaxIdempotencyKeyLen))
                return
            }

            body, err := io.ReadAll(r.Body)
            if err != nil {
                writeError(w, http.StatusBadRequest, codeValidation, "unreadable request body")
                return
            }
            r.Body = io.NopCloser(bytes.NewReader(body))
            hash := requestHash(r.Method, r.URL.Path, body)

            if s.replayIdempotent(w, r, key, hash) {
                return
            }

            unlock, err := s.idem.LockIdempotencyKey(r.Context(), key)
            if err != nil {
                s.writeDomainErr(w, r, err)
                return
            }
            defer unlock()
            // A concurrent first request may have stored a response while
            // we waited for the lock.
            if s.replayIdempotent(w, r, key, hash) {
                return
            }

            cw := &captureWriter{ResponseWriter: w}
            next.ServeHTTP(cw, r)

            status := cw.status
            if status == 0 {
                status = http.StatusOK
            }
            if status >= http.StatusInternalServerError {
                return
            }
            now := time.Now().UTC()
            rec := ledger.IdempotencyRecord{
                Key:            key,
                RequestHash:    hash,
                ResponseStatus: status,
                ResponseBody:   append([]byte(nil), cw.buf...),
                CreatedAt:      now,
                ExpiresAt:      now.Add(s.idemTTL),
            }
            if err := s.idem.PutIdempotencyRecord(r.Context(), rec); err != nil {
                s.log.Error("idempotency record not stored", "key", key, "err", err)
            }
        })
    }
}

// replayIdempotent reports whether it wrote a response: either a stored
// replay or a key-reuse rejection.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, key, hash string) bool {
    rec, ok, err := s.idem.GetIdempotencyRecord(r.Context(), key)
    if err != nil {
        s.writeDomainErr(w, r, err)
        return true
    }
    if !ok {
        return false
    }
    if rec.RequestHash != hash {
        writeError(w, http.StatusUnprocessableEntity, codeIdempotencyKeyReuse, "idempotency key was already used for a different request")
        return true
    }
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(rec.ResponseStatus)
    _, _ = w.Write(rec.ResponseBody)
    return true
}

func requestHash(method, path string, body []byte) string {
    fp := make([]byte, 0, len(method)+len(path)+len(body)+2)
    fp = append(fp, method...)
    fp = append(fp, '|')
    fp = append(fp, path...)
    fp = append(fp, '|')
    fp = append(fp, body...)
    return hashBytes(fp)
}

func hashBytes(b []byte) string {
    h := sha256.Sum256(b)
    return hex.EncodeToString(h[:])
}

type captureWriter struct {
    http.ResponseWriter
    status int
    buf    []byte
}

func (w *captureWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }
func (w *captureWriter) Write(b []byte) (int, error) {
    w.buf = append(w.buf, b...)
    return w.ResponseWriter.Write(b)
}
