package errs

import "errors"

// Sentinel errors for cross-layer signaling. Services wrap them with
// context via fmt.Errorf("...: %w", err); the HTTP layer maps them to
// public error codes with errors.Is.
var (
    ErrAccountNotFound  = errors.New("account_not_found")
    ErrTransferNotFound = errors.New("transfer_not_found")

    // Account state machine
    ErrAccountFrozen         = errors.New("account_frozen")
    ErrAccountClosed         = errors.New("account_closed")
    ErrInvalidAccountState   = errors.New("invalid_account_state")
    ErrNonZeroBalanceOnClose = errors.New("non_zero_balance_on_close")

    // Money rules
    ErrInsufficientFunds = errors.New("insufficient_funds")
    ErrBalanceOverflow   = errors.New("balance_overflow")
    ErrCurrencyMismatch  = errors.New("currency_mismatch")

    // Transfer rules
    ErrSameAccountTransfer   = errors.New("same_account_transfer")
    ErrInvalidTransferAmount = errors.New("invalid_transfer_amount")
    ErrInvalidTransferState  = errors.New("invalid_transfer_state")

    // HTTP idempotency protocol
    ErrIdempotencyKeyRequired = errors.New("idempotency_key_required")
    ErrIdempotencyKeyReuse    = errors.New("idempotency_key_reuse")

    // Outbox maintenance
    ErrOutboxEventNotFound = errors.New("outbox_event_not_found")

    // ErrValidation marks malformed input that never reaches the domain.
    ErrValidation = errors.New("validation_error")
)
