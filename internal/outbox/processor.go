package outbox

import (
    "context"
    "errors"
    "log/slog"
    "time"

    "github.com/google/uuid"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"

    "github.com/veslink/transferd/internal/ledger"
)

var (
    publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
        Namespace: "transferd",
        Subsystem: "outbox",
        Name:      "published_total",
        Help:      "Outbox events acked by the broker and marked published",
    })
    publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
        Namespace: "transferd",
        Subsystem: "outbox",
        Name:      "publish_failures_total",
        Help:      "Publish attempts the broker rejected or that errored",
    })
    deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
        Namespace: "transferd",
        Subsystem: "outbox",
        Name:      "dead_letters_total",
        Help:      "Outbox events that exhausted their delivery attempts",
    })
)

// Store is the slice of the storage layer the processor drives. Claims
// must run inside WithinTx so row locks (or the in-memory transaction
// mutex) hold until the batch is marked and committed.
type Store interface {
    WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
    ClaimUnpublished(ctx context.Context, limit, maxAttempts int) ([]ledger.OutboxEvent, error)
    MarkPublished(ctx context.Context, id uuid.UUID) error
    MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
}

// Options tune one processor. Zero values fall back to the defaults the
// config package also uses.
type Options struct {
    Batch       int
    MaxAttempts int
    Sleep       time.Duration
}

func (o Options) normalized() Options {
    if o.Batch < 1 { o.Batch = 50 }
    if o.MaxAttempts < 1 { o.MaxAttempts = 5 }
    if o.Sleep <= 0 { o.Sleep = 5 * time.Second }
    return o
}

// Processor drains the outbox table: claim a batch, hand each event to
// the publisher, mark the row published or failed, commit. Several
// processors may run against the same table; claims never overlap.
type Processor struct {
    store Store
    pub   Publisher
    log   *slog.Logger
    opts  Options
}

func NewProcessor(store Store, pub Publisher, log *slog.Logger, opts Options) *Processor {
    return &Processor{store: store, pub: pub, log: log, opts: opts.normalized()}
}

// Run loops until the context is cancelled. Full batches drain
// back-to-back; an empty pass sleeps before polling again. Errors are
// logged and retried on the next pass rather than crashing the daemon.
func (p *Processor) Run(ctx context.Context) error {
    p.log.Info("outbox processor started",
        slog.Int("batch", p.opts.Batch),
        slog.Int("max_attempts", p.opts.MaxAttempts),
        slog.Duration("sleep", p.opts.Sleep),
    )
    for {
        n, err := p.RunOnce(ctx)
        if err != nil {
            if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
                p.log.Info("outbox processor stopped")
                return nil
            }
            p.log.Error("outbox pass failed", slog.String("error", err.Error()))
        }
        if err == nil && n == p.opts.Batch {
            continue // backlog: keep draining without sleeping
        }
        select {
        case <-ctx.Done():
            p.log.Info("outbox processor stopped")
            return nil
        case <-time.After(p.opts.Sleep):
        }
    }
}

// RunOnce performs a single claim-publish-mark pass and reports how many
// events were published. Publish failures mark the row failed and move
// on; storage failures abort the transaction so the whole batch is
// retried later.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
    published := 0
    err := p.store.WithinTx(ctx, func(ctx context.Context) error {
        events, err := p.store.ClaimUnpublished(ctx, p.opts.Batch, p.opts.MaxAttempts)
        if err != nil { return err }
        for _, ev := range events {
            if err := p.pub.Publish(ctx, ev); err != nil {
                publishFailuresTotal.Inc()
                if markErr := p.store.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil { return markErr }
                attempts := ev.AttemptCount + 1
                if attempts >= p.opts.MaxAttempts {
                    deadLettersTotal.Inc()
                    p.log.Error("outbox event dead-lettered; manual requeue required",
                        slog.String("event_id", ev.ID.String()),
                        slog.String("event_type", ev.EventType),
                        slog.Int("attempts", attempts),
                        slog.String("error", err.Error()),
                    )
                } else {
                    p.log.Warn("publish failed",
                        slog.String("event_id", ev.ID.String()),
                        slog.String("event_type", ev.EventType),
                        slog.Int("attempts", attempts),
                        slog.String("error", err.Error()),
                    )
                }
                continue
            }
            if err := p.store.MarkPublished(ctx, ev.ID); err != nil { return err }
            publishedTotal.Inc()
            published++
        }
        return nil
    })
    if err != nil { return 0, err }
    if published > 0 {
        p.log.Debug("outbox pass complete", slog.Int("published", published))
    }
    return published, nil
}
