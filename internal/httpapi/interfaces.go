package httpapi

import (
    "context"

    "github.com/veslink/transferd/internal/ledger"
)

// IdempotencyStore persists request fingerprints and their responses so
// keyed retries replay instead of re-executing.
type IdempotencyStore interface {
    // GetIdempotencyRecord returns the live record for key; expired
    // records are misses.
    GetIdempotencyRecord(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error)
    // PutIdempotencyRecord stores rec unless a live record already holds
    // the key (first writer wins).
    PutIdempotencyRecord(ctx context.Context, rec ledger.IdempotencyRecord) error
    // LockIdempotencyKey serialises concurrent first requests on one key.
    // The returned func releases the lock and is always safe to call.
    LockIdempotencyKey(ctx context.Context, key string) (func(), error)
}

// ReadyChecker is optionally implemented by stores to indicate readiness.
type ReadyChecker interface {
    Ready(ctx context.Context) error
}
