package outbox

import (
    "context"
    "errors"
    "io"
    "log/slog"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/ledger"
    "github.com/veslink/transferd/internal/storage/memory"
)

func testLogger() *slog.Logger {
    return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
    mu     sync.Mutex
    events []ledger.OutboxEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev ledger.OutboxEvent) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.events = append(p.events, ev)
    return nil
}

func (p *recordingPublisher) snapshot() []ledger.OutboxEvent {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]ledger.OutboxEvent, len(p.events))
    copy(out, p.events)
    return out
}

type failingPublisher struct{ msg string }

func (p *failingPublisher) Publish(context.Context, ledger.OutboxEvent) error {
    return errors.New(p.msg)
}

func enqueueEvents(t *testing.T, store *memory.Store, n int) []ledger.OutboxEvent {
    t.Helper()
    ctx := context.Background()
    base := time.Now().UTC()
    out := make([]ledger.OutboxEvent, 0, n)
    for i := 0; i < n; i++ {
        id, err := uuid.NewV7()
        if err != nil {
            t.Fatalf("uuid: %v", err)
        }
        ev := ledger.OutboxEvent{
            ID:            id,
            AggregateType: "transfer",
            AggregateID:   uuid.New(),
            EventType:     "transfer.completed",
            Payload:       map[string]any{"transfer_id": uuid.NewString()},
            OccurredAt:    base.Add(time.Duration(i) * time.Millisecond),
            CreatedAt:     base.Add(time.Duration(i) * time.Millisecond),
        }
        if err := store.EnqueueOutbox(ctx, ev); err != nil {
            t.Fatalf("enqueue: %v", err)
        }
        out = append(out, ev)
    }
    return out
}

func TestProcessorPublishesBatchInOrder(t *testing.T) {
    store := memory.New()
    events := enqueueEvents(t, store, 3)
    rec := &recordingPublisher{}
    p := NewProcessor(store, rec, testLogger(), Options{Batch: 10, MaxAttempts: 5, Sleep: time.Millisecond})

    n, err := p.RunOnce(context.Background())
    if err != nil {
        t.Fatalf("run once: %v", err)
    }
    if n != 3 {
        t.Fatalf("published %d, want 3", n)
    }

    got := rec.snapshot()
    if len(got) != 3 {
        t.Fatalf("publisher saw %d events", len(got))
    }
    for i := range got {
        if got[i].ID != events[i].ID {
            t.Fatalf("event %d out of order: %s != %s", i, got[i].ID, events[i].ID)
        }
    }

    st, _ := store.OutboxStats(context.Background(), 5)
    if st.Published != 3 || st.Unpublished != 0 {
        t.Fatalf("stats after pass: %+v", st)
    }

    // Nothing left: the next pass is a no-op.
    n, err = p.RunOnce(context.Background())
    if err != nil || n != 0 {
        t.Fatalf("drained pass: n=%d err=%v", n, err)
    }
}

func TestProcessorMarksFailuresAndDeadLetters(t *testing.T) {
    store := memory.New()
    events := enqueueEvents(t, store, 1)
    pub := &failingPublisher{msg: strings.Repeat("broker down ", 100)}
    p := NewProcessor(store, pub, testLogger(), Options{Batch: 10, MaxAttempts: 3, Sleep: time.Millisecond})

    for i := 0; i < 3; i++ {
        n, err := p.RunOnce(context.Background())
        if err != nil {
            t.Fatalf("pass %d: %v", i, err)
        }
        if n != 0 {
            t.Fatalf("pass %d published %d events through a dead broker", i, n)
        }
    }

    // Exhausted: the claim skips it now.
    dead, err := store.FindDeadLettered(context.Background(), 3, 10, uuid.Nil)
    if err != nil {
        t.Fatalf("find dead: %v", err)
    }
    if len(dead) != 1 || dead[0].ID != events[0].ID {
        t.Fatalf("dead letters: %+v", dead)
    }
    if dead[0].AttemptCount != 3 {
        t.Fatalf("attempts = %d, want 3", dead[0].AttemptCount)
    }
    if len(dead[0].LastError) > ledger.MaxOutboxErrorBytes {
        t.Fatalf("stored error too long: %d bytes", len(dead[0].LastError))
    }

    n, err := p.RunOnce(context.Background())
    if err != nil || n != 0 {
        t.Fatalf("exhausted event still processed: n=%d err=%v", n, err)
    }
    if st, _ := store.OutboxStats(context.Background(), 3); st.DeadLetters != 1 {
        t.Fatalf("stats: %+v", st)
    }
}

func TestProcessorRecoversAfterRequeue(t *testing.T) {
    store := memory.New()
    events := enqueueEvents(t, store, 1)
    pub := &failingPublisher{msg: "no route to broker"}
    p := NewProcessor(store, pub, testLogger(), Options{Batch: 10, MaxAttempts: 2, Sleep: time.Millisecond})

    for i := 0; i < 2; i++ {
        if _, err := p.RunOnce(context.Background()); err != nil {
            t.Fatal(err)
        }
    }
    if err := store.ResetForRequeue(context.Background(), events[0].ID); err != nil {
        t.Fatalf("requeue: %v", err)
    }

    rec := &recordingPublisher{}
    healthy := NewProcessor(store, rec, testLogger(), Options{Batch: 10, MaxAttempts: 2, Sleep: time.Millisecond})
    n, err := healthy.RunOnce(context.Background())
    if err != nil || n != 1 {
        t.Fatalf("after requeue: n=%d err=%v", n, err)
    }
    if len(rec.snapshot()) != 1 {
        t.Fatal("requeued event not delivered")
    }
}

func TestConcurrentProcessorsPublishExactlyOnce(t *testing.T) {
    store := memory.New()
    events := enqueueEvents(t, store, 100)
    rec := &recordingPublisher{}

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    var wg sync.WaitGroup
    for i := 0; i < 2; i++ {
        p := NewProcessor(store, rec, testLogger(), Options{Batch: 10, MaxAttempts: 5, Sleep: time.Millisecond})
        wg.Add(1)
        go func() {
            defer wg.Done()
            _ = p.Run(ctx)
        }()
    }

    deadline := time.After(10 * time.Second)
    for {
        st, _ := store.OutboxStats(context.Background(), 5)
        if st.Published == 100 {
            break
        }
        select {
        case <-deadline:
            t.Fatalf("timed out: %+v", st)
        case <-time.After(5 * time.Millisecond):
        }
    }
    cancel()
    wg.Wait()

    counts := map[uuid.UUID]int{}
    for _, ev := range rec.snapshot() {
        counts[ev.ID]++
    }
    if len(counts) != 100 {
        t.Fatalf("published %d distinct events, want 100", len(counts))
    }
    for _, ev := range events {
        if counts[ev.ID] != 1 {
            t.Fatalf("event %s published %d times", ev.ID, counts[ev.ID])
        }
    }
}

func TestRunStopsOnCancel(t *testing.T) {
    store := memory.New()
    p := NewProcessor(store, &recordingPublisher{}, testLogger(), Options{Batch: 10, MaxAttempts: 5, Sleep: 50 * time.Millisecond})

    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() { done <- p.Run(ctx) }()

    time.Sleep(10 * time.Millisecond)
    cancel()
    select {
    case err := <-done:
        if err != nil {
            t.Fatalf("run returned %v on cancel", err)
        }
    case <-time.After(2 * time.Second):
        t.Fatal("run did not stop after cancel")
    }
}
