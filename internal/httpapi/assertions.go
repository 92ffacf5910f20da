package httpapi

import (
    "github.com/veslink/transferd/internal/storage/memory"
    "github.com/veslink/transferd/internal/storage/postgres"
)

// Compile-time interface assertions for both storage backends against
// the HTTP API's idempotency surface.
var (
    _ IdempotencyStore = (*memory.Store)(nil)
    _ IdempotencyStore = (*postgres.Store)(nil)
    _ ReadyChecker     = (*memory.Store)(nil)
    _ ReadyChecker     = (*postgres.Store)(nil)
)
