package httpapi

import (
    "errors"
    "net/http"

    "github.com/veslink/transferd/internal/errs"
)

// Error codes surfaced in the error envelope.
const (
    codeValidation             = "VALIDATION_ERROR"
    codeIdempotencyKeyRequired = "IDEMPOTENCY_KEY_REQUIRED"
    codeIdempotencyKeyReuse    = "IDEMPOTENCY_KEY_REUSE"
    codeUnsupportedMediaType   = "UNSUPPORTED_MEDIA_TYPE"
    codeAccountNotFound        = "ACCOUNT_NOT_FOUND"
    codeTransferNotFound       = "TRANSFER_NOT_FOUND"
    codeAccountFrozen          = "ACCOUNT_FROZEN"
    codeAccountClosed          = "ACCOUNT_CLOSED"
    codeInvalidAccountState    = "INVALID_ACCOUNT_STATE"
    codeNonZeroBalanceOnClose  = "NON_ZERO_BALANCE_ON_CLOSE"
    codeInvalidTransferState   = "INVALID_TRANSFER_STATE"
    codeInsufficientFunds      = "INSUFFICIENT_FUNDS"
    codeCurrencyMismatch       = "CURRENCY_MISMATCH"
    codeSameAccountTransfer    = "SAME_ACCOUNT_TRANSFER"
    codeInvalidTransferAmount  = "INVALID_TRANSFER_AMOUNT"
    codeInternal               = "INTERNAL"
)

// writeDomainErr maps a service error onto the envelope. Unrecognised
// errors (including balance overflow, which indicates an upstream bug)
// become opaque 500s; their detail goes to the log only.
func (s *Server) writeDomainErr(w http.ResponseWriter, r *http.Request, err error) {
    status, code := classifyErr(err)
    if status == http.StatusInternalServerError {
        s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
        writeError(w, status, codeInternal, "internal error")
        return
    }
    writeError(w, status, code, err.Error())
}

func classifyErr(err error) (int, string) {
    switch {
    case errors.Is(err, errs.ErrValidation):
        return http.StatusBadRequest, codeValidation
    case errors.Is(err, errs.ErrIdempotencyKeyRequired):
        return http.StatusBadRequest, codeIdempotencyKeyRequired
    case errors.Is(err, errs.ErrAccountNotFound):
        return http.StatusNotFound, codeAccountNotFound
    case errors.Is(err, errs.ErrTransferNotFound):
        return http.StatusNotFound, codeTransferNotFound
    case errors.Is(err, errs.ErrAccountFrozen):
        return http.StatusConflict, codeAccountFrozen
    case errors.Is(err, errs.ErrAccountClosed):
        return http.StatusConflict, codeAccountClosed
    case errors.Is(err, errs.ErrInvalidAccountState):
        return http.StatusConflict, codeInvalidAccountState
    case errors.Is(err, errs.ErrNonZeroBalanceOnClose):
        return http.StatusConflict, codeNonZeroBalanceOnClose
    case errors.Is(err, errs.ErrInvalidTransferState):
        return http.StatusConflict, codeInvalidTransferState
    case errors.Is(err, errs.ErrInsufficientFunds):
        return http.StatusUnprocessableEntity, codeInsufficientFunds
    case errors.Is(err, errs.ErrCurrencyMismatch):
        return http.StatusUnprocessableEntity, codeCurrencyMismatch
    case errors.Is(err, errs.ErrSameAccountTransfer):
        return http.StatusUnprocessableEntity, codeSameAccountTransfer
    case errors.Is(err, errs.ErrInvalidTransferAmount):
        return http.StatusUnprocessableEntity, codeInvalidTransferAmount
    case errors.Is(err, errs.ErrIdempotencyKeyReuse):
        return http.StatusUnprocessableEntity, codeIdempotencyKeyReuse
    }
    return http.StatusInternalServerError, codeInternal
}
