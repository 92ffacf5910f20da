// Package httpapi wires the HTTP surface of the transfer service.
// It keeps handlers thin, delegating business rules to the service layer.
package httpapi

import (
    "net/http"
    "time"

    chi "github.com/go-chi/chi/v5"
    chimw "github.com/go-chi/chi/v5/middleware"
    "log/slog"

    "github.com/veslink/transferd/internal/service/account"
    "github.com/veslink/transferd/internal/service/transfer"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Server wires handlers and middleware using Chi. Mutating routes pass
// through the idempotency protocol before their handler runs.
type Server struct {
    accounts  account.Service
    transfers transfer.Service
    idem      IdempotencyStore
    idemTTL   time.Duration
    log       *slog.Logger
    rt        *chi.Mux
}

// New constructs the HTTP server with routes and middleware. idemTTL
// bounds how long stored idempotent responses replay; zero or negative
// selects the 24h default.
func New(accounts account.Service, transfers transfer.Service, idem IdempotencyStore, logger *slog.Logger, idemTTL time.Duration) *Server {
    if idemTTL <= 0 {
        idemTTL = defaultIdempotencyTTL
    }
    r := chi.NewRouter()
    r.Use(chimw.RequestID)
    r.Use(correlationID)
    r.Use(requestLogger(logger))
    r.Use(recoverer(logger))
    r.Use(metricsMiddleware)

    s := &Server{
        accounts:  accounts,
        transfers: transfers,
        idem:      idem,
        idemTTL:   idemTTL,
        log:       logger,
        rt:        r,
    }
    s.routes()
    return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints and attaches any per-route middleware.
func (s *Server) routes() {
    // Accounts (v1). Creation requires an idempotency key; lifecycle
    // transitions honour one when present.
    s.rt.With(s.idempotent(true)).Post("/v1/accounts", s.postAccount)
    s.rt.Get("/v1/accounts/{id}", s.getAccount)
    s.rt.With(s.idempotent(false)).Post("/v1/accounts/{id}/freeze", s.freezeAccount)
    s.rt.With(s.idempotent(false)).Post("/v1/accounts/{id}/unfreeze", s.unfreezeAccount)
    s.rt.With(s.idempotent(false)).Post("/v1/accounts/{id}/close", s.closeAccount)
    s.rt.Get("/v1/accounts/{id}/transfers", s.listAccountTransfers)
    s.rt.Get("/v1/accounts/{id}/statement", s.getStatement)
    // Transfers (v1)
    s.rt.With(s.idempotent(true)).Post("/v1/transfers", s.postTransfer)
    s.rt.Get("/v1/transfers", s.listTransfers)
    s.rt.Get("/v1/transfers/{id}", s.getTransfer)
    s.rt.Get("/v1/transfers/{id}/entries", s.getTransferEntries)
    s.rt.With(s.idempotent(false)).Post("/v1/transfers/{id}/reverse", s.reverseTransfer)
    // Probes and metrics (unversioned)
    s.rt.Get("/healthz", s.healthz)
    s.rt.Get("/readyz", s.readyz)
    s.rt.Handle("/metrics", metricsHandler())
}
