package ledger

import (
    "crypto/rand"
    "encoding/hex"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/meta"
)

// TransferStatus is the state-machine position of a transfer.
// pending -> processing -> {completed, failed}; completed -> reversed.
type TransferStatus string

const (
    TransferStatusPending    TransferStatus = "pending"
    TransferStatusProcessing TransferStatus = "processing"
    TransferStatusCompleted  TransferStatus = "completed"
    TransferStatusFailed     TransferStatus = "failed"
    TransferStatusReversed   TransferStatus = "reversed"
)

// ValidTransferStatus reports whether s names a known status (used to
// validate list filters at the HTTP boundary).
func ValidTransferStatus(s string) bool {
    switch TransferStatus(s) {
    case TransferStatusPending, TransferStatusProcessing, TransferStatusCompleted, TransferStatusFailed, TransferStatusReversed:
        return true
    }
    return false
}

// Transfer moves an amount between two distinct accounts. Its identity
// is a time-ordered UUID so index scans stay sequential; Reference is
// the human-readable handle surfaced to callers.
type Transfer struct {
    ID                   uuid.UUID
    Reference            string
    SourceAccountID      uuid.UUID
    DestinationAccountID uuid.UUID
    Amount               Money
    Status               TransferStatus
    Description          string
    Metadata             meta.Metadata
    FailureCode          string
    FailureReason        string
    CompletedAt          *time.Time
    FailedAt             *time.Time
    ReversedAt           *time.Time
    Version              int64
    CreatedAt            time.Time
    UpdatedAt            time.Time

    events []Event
}

// InitiateTransfer validates the pair, amount and metadata, generates the
// identity and reference, and buffers TransferInitiated. The transfer
// starts pending.
func InitiateTransfer(source, destination uuid.UUID, amount Money, description string, metadata meta.Metadata) (*Transfer, error) {
    if source == uuid.Nil || destination == uuid.Nil {
        return nil, fmt.Errorf("%w: source and destination account ids are required", errs.ErrValidation)
    }
    if source == destination {
        return nil, fmt.Errorf("%w: %s", errs.ErrSameAccountTransfer, source)
    }
    if !amount.IsPositive() {
        return nil, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidTransferAmount)
    }
    if err := metadata.Validate(); err != nil {
        return nil, err
    }
    id, err := uuid.NewV7()
    if err != nil { return nil, err }
    now := time.Now().UTC()
    t := &Transfer{
        ID:                   id,
        Reference:            NewTransferReference(now),
        SourceAccountID:      source,
        DestinationAccountID: destination,
        Amount:               amount,
        Status:               TransferStatusPending,
        Description:          description,
        Metadata:             metadata.Clone(),
        Version:              0,
        CreatedAt:            now,
        UpdatedAt:            now,
    }
    t.record(TransferInitiated{
        TransferID:    t.ID,
        Reference:     t.Reference,
        SourceID:      source,
        DestinationID: destination,
        AmountMinor:   amount.MinorUnits,
        Currency:      amount.Currency,
        Description:   description,
        At:            now,
    })
    return t, nil
}

// NewTransferReference builds a reference like TXN-20240131-9f2ab4c1d0e7.
func NewTransferReference(now time.Time) string {
    var b [6]byte
    _, _ = rand.Read(b[:])
    return "TXN-" + now.UTC().Format("20060102") + "-" + hex.EncodeToString(b[:])
}

// MarkProcessing moves pending -> processing.
func (t *Transfer) MarkProcessing() error {
    if t.Status != TransferStatusPending {
        return fmt.Errorf("%w: cannot process %s transfer", errs.ErrInvalidTransferState, t.Status)
    }
    t.Status = TransferStatusProcessing
    t.touch(time.Now().UTC())
    return nil
}

// Complete moves processing -> completed and buffers TransferCompleted.
func (t *Transfer) Complete() error {
    if t.Status != TransferStatusProcessing {
        return fmt.Errorf("%w: cannot complete %s transfer", errs.ErrInvalidTransferState, t.Status)
    }
    now := time.Now().UTC()
    t.Status = TransferStatusCompleted
    t.CompletedAt = &now
    t.touch(now)
    t.record(TransferCompleted{
        TransferID:    t.ID,
        Reference:     t.Reference,
        SourceID:      t.SourceAccountID,
        DestinationID: t.DestinationAccountID,
        AmountMinor:   t.Amount.MinorUnits,
        Currency:      t.Amount.Currency,
        At:            now,
    })
    return nil
}

// Fail moves pending/processing -> failed, records the domain code and
// reason, and buffers TransferFailed. Failed transfers are durable
// business records, not discarded attempts.
func (t *Transfer) Fail(code, reason string) error {
    if t.Status != TransferStatusPending && t.Status != TransferStatusProcessing {
        return fmt.Errorf("%w: cannot fail %s transfer", errs.ErrInvalidTransferState, t.Status)
    }
    now := time.Now().UTC()
    t.Status = TransferStatusFailed
    t.FailureCode = code
    t.FailureReason = reason
    t.FailedAt = &now
    t.touch(now)
    t.record(TransferFailed{
        TransferID:    t.ID,
        Reference:     t.Reference,
        SourceID:      t.SourceAccountID,
        DestinationID: t.DestinationAccountID,
        AmountMinor:   t.Amount.MinorUnits,
        Currency:      t.Amount.Currency,
        FailureCode:   code,
        FailureReason: reason,
        At:            now,
    })
    return nil
}

// Reverse moves completed -> reversed and buffers TransferReversed. Only
// completed transfers can be reversed, and only once.
func (t *Transfer) Reverse() error {
    if t.Status != TransferStatusCompleted {
        return fmt.Errorf("%w: cannot reverse %s transfer", errs.ErrInvalidTransferState, t.Status)
    }
    now := time.Now().UTC()
    t.Status = TransferStatusReversed
    t.ReversedAt = &now
    t.touch(now)
    t.record(TransferReversed{
        TransferID:    t.ID,
        Reference:     t.Reference,
        SourceID:      t.SourceAccountID,
        DestinationID: t.DestinationAccountID,
        AmountMinor:   t.Amount.MinorUnits,
        Currency:      t.Amount.Currency,
        At:            now,
    })
    return nil
}

// ReleaseEvents drains and returns the buffered domain events.
func (t *Transfer) ReleaseEvents() []Event {
    out := t.events
    t.events = nil
    return out
}

func (t *Transfer) touch(now time.Time) {
    t.Version++
    t.UpdatedAt = now
}

func (t *Transfer) record(e Event) { t.events = append(t.events, e) }
