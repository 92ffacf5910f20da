package ledger

import (
    "time"
    "unicode/utf8"

    "github.com/google/uuid"
)

// MaxOutboxErrorBytes caps the stored lastError. Truncation happens on a
// rune boundary so the stored text stays valid UTF-8.
const MaxOutboxErrorBytes = 500

// OutboxEvent is a domain event persisted in the same transaction as the
// business state it describes, then dispatched asynchronously. The v7 id
// keeps claim scans in write order.
type OutboxEvent struct {
    ID            uuid.UUID
    AggregateType string
    AggregateID   uuid.UUID
    EventType     string
    Payload       map[string]any
    OccurredAt    time.Time
    CreatedAt     time.Time
    PublishedAt   *time.Time
    AttemptCount  int
    LastError     string
}

// NewOutboxEvent wraps a released domain event for the outbox, tagging it
// with the aggregate it came from.
func NewOutboxEvent(e Event) (OutboxEvent, error) {
    id, err := uuid.NewV7()
    if err != nil { return OutboxEvent{}, err }
    return OutboxEvent{
        ID:            id,
        AggregateType: e.AggregateType(),
        AggregateID:   e.AggregateID(),
        EventType:     e.EventName(),
        Payload:       e.Payload(),
        OccurredAt:    e.EventOccurredAt().UTC(),
        CreatedAt:     time.Now().UTC(),
    }, nil
}

// Published reports whether the event has been delivered.
func (e OutboxEvent) Published() bool { return e.PublishedAt != nil }

// TruncateError shortens msg to at most MaxOutboxErrorBytes, cutting on
// a rune boundary.
func TruncateError(msg string) string {
    if len(msg) <= MaxOutboxErrorBytes { return msg }
    i := MaxOutboxErrorBytes
    for i > 0 && !utf8.RuneStart(msg[i]) { i-- }
    return msg[:i]
}
