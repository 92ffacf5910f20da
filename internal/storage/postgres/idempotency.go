package postgres

import (
    "context"
    "errors"
    "time"

    "github.com/jackc/pgx/v5"

    "github.com/veslink/transferd/internal/ledger"
)

// GetIdempotencyRecord returns the stored response for a key. Expired
// rows are treated as absent; a later Put is allowed to overwrite them.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
    var rec ledger.IdempotencyRecord
    err := s.db(ctx).QueryRow(ctx, `
        select key, request_hash, response_status, response_body, created_at, expires_at
        from idempotency_keys
        where key = $1 and expires_at > now()
    `, key).Scan(&rec.Key, &rec.RequestHash, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
    if errors.Is(err, pgx.ErrNoRows) { return ledger.IdempotencyRecord{}, false, nil }
    if err != nil { return ledger.IdempotencyRecord{}, false, err }
    return rec, true, nil
}

// PutIdempotencyRecord stores a response for replay. The conditional
// upsert keeps a live row in place (first writer wins) and only replaces
// rows whose TTL has lapsed.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec ledger.IdempotencyRecord) error {
    _, err := s.db(ctx).Exec(ctx, `
        insert into idempotency_keys (key, request_hash, response_status, response_body, created_at, expires_at)
        values ($1,$2,$3,$4,$5,$6)
        on conflict (key) do update set
            request_hash = excluded.request_hash,
            response_status = excluded.response_status,
            response_body = excluded.response_body,
            created_at = excluded.created_at,
            expires_at = excluded.expires_at
        where idempotency_keys.expires_at <= now()
    `, rec.Key, rec.RequestHash, rec.ResponseStatus, rec.ResponseBody, rec.CreatedAt, rec.ExpiresAt)
    return err
}

// LockIdempotencyKey serialises concurrent requests carrying the same
// key with a session advisory lock held on a dedicated connection. The
// lock spans the handler, so it deliberately does not ride on the
// request's work transaction. The returned func releases the lock and
// must always be called.
func (s *Store) LockIdempotencyKey(ctx context.Context, key string) (func(), error) {
    conn, err := s.pool.Acquire(ctx)
    if err != nil { return nil, err }
    if _, err := conn.Exec(ctx, `select pg_advisory_lock(hashtext($1))`, key); err != nil {
        conn.Release()
        return nil, err
    }
    unlock := func() {
        // Unlock on a fresh context: the request context may already be
        // cancelled and the lock must still be released.
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _, _ = conn.Exec(ctx, `select pg_advisory_unlock(hashtext($1))`, key)
        conn.Release()
    }
    return unlock, nil
}

// PurgeExpiredIdempotency deletes rows past their TTL and reports how
// many were removed. Run it from cron or an operator shell; nothing in
// the request path depends on it.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
    ct, err := s.db(ctx).Exec(ctx, `delete from idempotency_keys where expires_at <= now()`)
    if err != nil { return 0, err }
    return ct.RowsAffected(), nil
}
