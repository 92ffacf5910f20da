package postgres

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, occurred_at, created_at, published_at, attempt_count, last_error`

func scanOutboxEvent(row pgx.Row) (ledger.OutboxEvent, error) {
    var ev ledger.OutboxEvent
    var payload []byte
    err := row.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &payload,
        &ev.OccurredAt, &ev.CreatedAt, &ev.PublishedAt, &ev.AttemptCount, &ev.LastError)
    if err != nil { return ledger.OutboxEvent{}, err }
    if len(payload) > 0 {
        if err := json.Unmarshal(payload, &ev.Payload); err != nil {
            return ledger.OutboxEvent{}, fmt.Errorf("outbox %s: decode payload: %w", ev.ID, err)
        }
    }
    return ev, nil
}

// EnqueueOutbox writes the event row. It runs on the caller's context so
// that enqueues inside WithinTx commit or roll back with the business
// state they describe.
func (s *Store) EnqueueOutbox(ctx context.Context, ev ledger.OutboxEvent) error {
    payload, err := json.Marshal(ev.Payload)
    if err != nil { return fmt.Errorf("outbox %s: encode payload: %w", ev.ID, err) }
    _, err = s.db(ctx).Exec(ctx, `
        insert into outbox_events (id, aggregate_type, aggregate_id, event_type, payload, occurred_at, created_at, attempt_count, last_error)
        values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, payload, ev.OccurredAt, ev.CreatedAt, ev.AttemptCount, ev.LastError)
    return err
}

// ClaimUnpublished locks up to limit unpublished events with fewer than
// maxAttempts delivery attempts, oldest first. SKIP LOCKED lets several
// processors run against the same table without ever sharing a row; the
// claim must happen inside WithinTx so the locks live until the caller
// marks the batch and commits.
func (s *Store) ClaimUnpublished(ctx context.Context, limit, maxAttempts int) ([]ledger.OutboxEvent, error) {
    rows, err := s.db(ctx).Query(ctx, `
        select `+outboxColumns+` from outbox_events
        where published_at is null and attempt_count < $2
        order by created_at asc
        limit $1
        for update skip locked
    `, limit, maxAttempts)
    if err != nil { return nil, err }
    defer rows.Close()
    out := make([]ledger.OutboxEvent, 0, limit)
    for rows.Next() {
        ev, err := scanOutboxEvent(rows)
        if err != nil { return nil, err }
        out = append(out, ev)
    }
    return out, rows.Err()
}

// MarkPublished stamps the publication time. Publishing is terminal: an
// already-published row is left untouched.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
    _, err := s.db(ctx).Exec(ctx, `
        update outbox_events set published_at = now()
        where id = $1 and published_at is null
    `, id)
    return err
}

// MarkFailed increments the attempt count and records the truncated
// publisher error for the operator.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
    _, err := s.db(ctx).Exec(ctx, `
        update outbox_events
        set attempt_count = attempt_count + 1, last_error = $2
        where id = $1
    `, id, ledger.TruncateError(msg))
    return err
}

// FindDeadLettered lists unpublished events that exhausted their
// attempts, oldest first. A non-nil id narrows the search to one event.
func (s *Store) FindDeadLettered(ctx context.Context, minAttempts, limit int, id uuid.UUID) ([]ledger.OutboxEvent, error) {
    var rows pgx.Rows
    var err error
    if id == uuid.Nil {
        rows, err = s.db(ctx).Query(ctx, `
            select `+outboxColumns+` from outbox_events
            where published_at is null and attempt_count >= $1
            order by created_at asc
            limit $2
        `, minAttempts, limit)
    } else {
        rows, err = s.db(ctx).Query(ctx, `
            select `+outboxColumns+` from outbox_events
            where published_at is null and attempt_count >= $1 and id = $3
            order by created_at asc
            limit $2
        `, minAttempts, limit, id)
    }
    if err != nil { return nil, err }
    defer rows.Close()
    out := make([]ledger.OutboxEvent, 0)
    for rows.Next() {
        ev, err := scanOutboxEvent(rows)
        if err != nil { return nil, err }
        out = append(out, ev)
    }
    return out, rows.Err()
}

// ResetForRequeue zeroes the attempt counter of one unpublished event so
// the processor picks it up again. Published events cannot be requeued.
func (s *Store) ResetForRequeue(ctx context.Context, id uuid.UUID) error {
    ct, err := s.db(ctx).Exec(ctx, `
        update outbox_events
        set attempt_count = 0, last_error = ''
        where id = $1 and published_at is null
    `, id)
    if err != nil { return err }
    if ct.RowsAffected() == 0 {
        return fmt.Errorf("outbox event %s: %w", id, errs.ErrOutboxEventNotFound)
    }
    return nil
}

// ResetDeadLetters requeues every unpublished event with at least
// minAttempts attempts and reports how many were reset.
func (s *Store) ResetDeadLetters(ctx context.Context, minAttempts int) (int64, error) {
    ct, err := s.db(ctx).Exec(ctx, `
        update outbox_events
        set attempt_count = 0, last_error = ''
        where published_at is null and attempt_count >= $1
    `, minAttempts)
    if err != nil { return 0, err }
    return ct.RowsAffected(), nil
}

// CountStuck counts unpublished events created before the cutoff.
// Monitoring alerts on this going non-zero.
func (s *Store) CountStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
    cutoff := time.Now().UTC().Add(-olderThan)
    var n int64
    err := s.db(ctx).QueryRow(ctx, `
        select count(*) from outbox_events
        where published_at is null and created_at < $1
    `, cutoff).Scan(&n)
    return n, err
}

// OutboxStats summarises queue health for the operator CLI. Dead letters
// are unpublished rows at or past minAttempts.
type OutboxStats struct {
    Unpublished int64
    Published   int64
    DeadLetters int64
}

func (s *Store) OutboxStats(ctx context.Context, minAttempts int) (OutboxStats, error) {
    var st OutboxStats
    err := s.db(ctx).QueryRow(ctx, `
        select
            count(*) filter (where published_at is null),
            count(*) filter (where published_at is not null),
            count(*) filter (where published_at is null and attempt_count >= $1)
        from outbox_events
    `, minAttempts).Scan(&st.Unpublished, &st.Published, &st.DeadLetters)
    return st, err
}
