package ledger

import (
    "encoding/json"
    "fmt"
    "strconv"
    "time"

    "github.com/google/uuid"
)

// Aggregate type tags used for outbox attribution.
const (
    AggregateAccount  = "account"
    AggregateTransfer = "transfer"
)

// Fully-qualified event names. The name alone drives decoding; payloads
// are additive key-value maps.
const (
    EventAccountCreated    = "account.created"
    EventAccountDebited    = "account.debited"
    EventAccountCredited   = "account.credited"
    EventAccountFrozen     = "account.frozen"
    EventAccountUnfrozen   = "account.unfrozen"
    EventAccountClosed     = "account.closed"
    EventTransferInitiated = "transfer.initiated"
    EventTransferCompleted = "transfer.completed"
    EventTransferFailed    = "transfer.failed"
    EventTransferReversed  = "transfer.reversed"
)

// Event is a domain event buffered inside an aggregate until released.
// Payload returns the wire map; every payload carries occurred_at in
// RFC3339 UTC.
type Event interface {
    EventName() string
    AggregateType() string
    AggregateID() uuid.UUID
    EventOccurredAt() time.Time
    Payload() map[string]any
}

// --- Account events ---

type AccountCreated struct {
    AccountID    uuid.UUID
    OwnerName    string
    Currency     string
    BalanceMinor int64
    At           time.Time
}

func (e AccountCreated) EventName() string          { return EventAccountCreated }
func (e AccountCreated) AggregateType() string      { return AggregateAccount }
func (e AccountCreated) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountCreated) EventOccurredAt() time.Time { return e.At }
func (e AccountCreated) Payload() map[string]any {
    return map[string]any{
        "account_id":    e.AccountID.String(),
        "owner_name":    e.OwnerName,
        "currency":      e.Currency,
        "balance_minor": e.BalanceMinor,
        "occurred_at":   isoUTC(e.At),
    }
}

// movement carries the shared shape of debit/credit events.
type movement struct {
    AccountID         uuid.UUID
    CounterpartyID    uuid.UUID
    TransferID        uuid.UUID
    Kind              EntryKind
    AmountMinor       int64
    Currency          string
    BalanceAfterMinor int64
    At                time.Time
}

func (e movement) payload() map[string]any {
    return map[string]any{
        "account_id":              e.AccountID.String(),
        "counterparty_account_id": e.CounterpartyID.String(),
        "transfer_id":             e.TransferID.String(),
        "kind":                    string(e.Kind),
        "amount_minor":            e.AmountMinor,
        "currency":                e.Currency,
        "balance_after_minor":     e.BalanceAfterMinor,
        "occurred_at":             isoUTC(e.At),
    }
}

type AccountDebited movement

func (e AccountDebited) EventName() string          { return EventAccountDebited }
func (e AccountDebited) AggregateType() string      { return AggregateAccount }
func (e AccountDebited) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountDebited) EventOccurredAt() time.Time { return e.At }
func (e AccountDebited) Payload() map[string]any    { return movement(e).payload() }

type AccountCredited movement

func (e AccountCredited) EventName() string          { return EventAccountCredited }
func (e AccountCredited) AggregateType() string      { return AggregateAccount }
func (e AccountCredited) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountCredited) EventOccurredAt() time.Time { return e.At }
func (e AccountCredited) Payload() map[string]any    { return movement(e).payload() }

type AccountFrozen struct {
    AccountID uuid.UUID
    At        time.Time
}

func (e AccountFrozen) EventName() string          { return EventAccountFrozen }
func (e AccountFrozen) AggregateType() string      { return AggregateAccount }
func (e AccountFrozen) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountFrozen) EventOccurredAt() time.Time { return e.At }
func (e AccountFrozen) Payload() map[string]any {
    return map[string]any{"account_id": e.AccountID.String(), "occurred_at": isoUTC(e.At)}
}

type AccountUnfrozen struct {
    AccountID uuid.UUID
    At        time.Time
}

func (e AccountUnfrozen) EventName() string          { return EventAccountUnfrozen }
func (e AccountUnfrozen) AggregateType() string      { return AggregateAccount }
func (e AccountUnfrozen) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountUnfrozen) EventOccurredAt() time.Time { return e.At }
func (e AccountUnfrozen) Payload() map[string]any {
    return map[string]any{"account_id": e.AccountID.String(), "occurred_at": isoUTC(e.At)}
}

type AccountClosed struct {
    AccountID uuid.UUID
    At        time.Time
}

func (e AccountClosed) EventName() string          { return EventAccountClosed }
func (e AccountClosed) AggregateType() string      { return AggregateAccount }
func (e AccountClosed) AggregateID() uuid.UUID     { return e.AccountID }
func (e AccountClosed) EventOccurredAt() time.Time { return e.At }
func (e AccountClosed) Payload() map[string]any {
    return map[string]any{"account_id": e.AccountID.String(), "occurred_at": isoUTC(e.At)}
}

// --- Transfer events ---

type TransferInitiated struct {
    TransferID    uuid.UUID
    Reference     string
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    Description   string
    At            time.Time
}

func (e TransferInitiated) EventName() string          { return EventTransferInitiated }
func (e TransferInitiated) AggregateType() string      { return AggregateTransfer }
func (e TransferInitiated) AggregateID() uuid.UUID     { return e.TransferID }
func (e TransferInitiated) EventOccurredAt() time.Time { return e.At }
func (e TransferInitiated) Payload() map[string]any {
    return map[string]any{
        "transfer_id":            e.TransferID.String(),
        "reference":              e.Reference,
        "source_account_id":      e.SourceID.String(),
        "destination_account_id": e.DestinationID.String(),
        "amount_minor":           e.AmountMinor,
        "currency":               e.Currency,
        "description":            e.Description,
        "occurred_at":            isoUTC(e.At),
    }
}

type TransferCompleted struct {
    TransferID    uuid.UUID
    Reference     string
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    At            time.Time
}

func (e TransferCompleted) EventName() string          { return EventTransferCompleted }
func (e TransferCompleted) AggregateType() string      { return AggregateTransfer }
func (e TransferCompleted) AggregateID() uuid.UUID     { return e.TransferID }
func (e TransferCompleted) EventOccurredAt() time.Time { return e.At }
func (e TransferCompleted) Payload() map[string]any {
    return map[string]any{
        "transfer_id":            e.TransferID.String(),
        "reference":              e.Reference,
        "source_account_id":      e.SourceID.String(),
        "destination_account_id": e.DestinationID.String(),
        "amount_minor":           e.AmountMinor,
        "currency":               e.Currency,
        "occurred_at":            isoUTC(e.At),
    }
}

type TransferFailed struct {
    TransferID    uuid.UUID
    Reference     string
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    FailureCode   string
    FailureReason string
    At            time.Time
}

func (e TransferFailed) EventName() string          { return EventTransferFailed }
func (e TransferFailed) AggregateType() string      { return AggregateTransfer }
func (e TransferFailed) AggregateID() uuid.UUID     { return e.TransferID }
func (e TransferFailed) EventOccurredAt() time.Time { return e.At }
func (e TransferFailed) Payload() map[string]any {
    return map[string]any{
        "transfer_id":            e.TransferID.String(),
        "reference":              e.Reference,
        "source_account_id":      e.SourceID.String(),
        "destination_account_id": e.DestinationID.String(),
        "amount_minor":           e.AmountMinor,
        "currency":               e.Currency,
        "failure_code":           e.FailureCode,
        "failure_reason":         e.FailureReason,
        "occurred_at":            isoUTC(e.At),
    }
}

type TransferReversed struct {
    TransferID    uuid.UUID
    Reference     string
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    At            time.Time
}

func (e TransferReversed) EventName() string          { return EventTransferReversed }
func (e TransferReversed) AggregateType() string      { return AggregateTransfer }
func (e TransferReversed) AggregateID() uuid.UUID     { return e.TransferID }
func (e TransferReversed) EventOccurredAt() time.Time { return e.At }
func (e TransferReversed) Payload() map[string]any {
    return map[string]any{
        "transfer_id":            e.TransferID.String(),
        "reference":              e.Reference,
        "source_account_id":      e.SourceID.String(),
        "destination_account_id": e.DestinationID.String(),
        "amount_minor":           e.AmountMinor,
        "currency":               e.Currency,
        "occurred_at":            isoUTC(e.At),
    }
}

// --- Decoding ---

var eventDecoders = map[string]func(payloadReader) (Event, error){
    EventAccountCreated: func(p payloadReader) (Event, error) {
        return AccountCreated{
            AccountID:    p.id("account_id"),
            OwnerName:    p.str("owner_name"),
            Currency:     p.str("currency"),
            BalanceMinor: p.i64("balance_minor"),
            At:           p.at(),
        }, p.err
    },
    EventAccountDebited:  func(p payloadReader) (Event, error) { return AccountDebited(p.movement()), p.err },
    EventAccountCredited: func(p payloadReader) (Event, error) { return AccountCredited(p.movement()), p.err },
    EventAccountFrozen: func(p payloadReader) (Event, error) {
        return AccountFrozen{AccountID: p.id("account_id"), At: p.at()}, p.err
    },
    EventAccountUnfrozen: func(p payloadReader) (Event, error) {
        return AccountUnfrozen{AccountID: p.id("account_id"), At: p.at()}, p.err
    },
    EventAccountClosed: func(p payloadReader) (Event, error) {
        return AccountClosed{AccountID: p.id("account_id"), At: p.at()}, p.err
    },
    EventTransferInitiated: func(p payloadReader) (Event, error) {
        return TransferInitiated{
            TransferID:    p.id("transfer_id"),
            Reference:     p.str("reference"),
            SourceID:      p.id("source_account_id"),
            DestinationID: p.id("destination_account_id"),
            AmountMinor:   p.i64("amount_minor"),
            Currency:      p.str("currency"),
            Description:   p.str("description"),
            At:            p.at(),
        }, p.err
    },
    EventTransferCompleted: func(p payloadReader) (Event, error) {
        return TransferCompleted{
            TransferID:    p.id("transfer_id"),
            Reference:     p.str("reference"),
            SourceID:      p.id("source_account_id"),
            DestinationID: p.id("destination_account_id"),
            AmountMinor:   p.i64("amount_minor"),
            Currency:      p.str("currency"),
            At:            p.at(),
        }, p.err
    },
    EventTransferFailed: func(p payloadReader) (Event, error) {
        return TransferFailed{
            TransferID:    p.id("transfer_id"),
            Reference:     p.str("reference"),
            SourceID:      p.id("source_account_id"),
            DestinationID: p.id("destination_account_id"),
            AmountMinor:   p.i64("amount_minor"),
            Currency:      p.str("currency"),
            FailureCode:   p.str("failure_code"),
            FailureReason: p.str("failure_reason"),
            At:            p.at(),
        }, p.err
    },
    EventTransferReversed: func(p payloadReader) (Event, error) {
        return TransferReversed{
            TransferID:    p.id("transfer_id"),
            Reference:     p.str("reference"),
            SourceID:      p.id("source_account_id"),
            DestinationID: p.id("destination_account_id"),
            AmountMinor:   p.i64("amount_minor"),
            Currency:      p.str("currency"),
            At:            p.at(),
        }, p.err
    },
}

// DecodeEvent reconstructs a domain event from its stored name and
// payload map. Unknown names fail; they are never silently dropped.
func DecodeEvent(name string, payload map[string]any) (Event, error) {
    dec, ok := eventDecoders[name]
    if !ok {
        return nil, fmt.Errorf("unknown event type %q", name)
    }
    return dec(payloadReader{m: payload})
}

// payloadReader accumulates the first conversion error instead of
// forcing error checks on every field.
type payloadReader struct {
    m   map[string]any
    err error
}

func (p *payloadReader) fail(key string, v any) {
    if p.err == nil {
        p.err = fmt.Errorf("payload field %q has unexpected value %v", key, v)
    }
}

func (p *payloadReader) str(key string) string {
    if s, ok := p.m[key].(string); ok { return s }
    if p.m[key] == nil { return "" }
    p.fail(key, p.m[key])
    return ""
}

func (p *payloadReader) id(key string) uuid.UUID {
    s, ok := p.m[key].(string)
    if !ok { p.fail(key, p.m[key]); return uuid.Nil }
    id, err := uuid.Parse(s)
    if err != nil { p.fail(key, s); return uuid.Nil }
    return id
}

func (p *payloadReader) i64(key string) int64 {
    switch v := p.m[key].(type) {
    case int64:
        return v
    case int:
        return int64(v)
    case float64:
        return int64(v)
    case json.Number:
        n, err := v.Int64()
        if err != nil { p.fail(key, v); return 0 }
        return n
    case string:
        n, err := strconv.ParseInt(v, 10, 64)
        if err != nil { p.fail(key, v); return 0 }
        return n
    default:
        p.fail(key, v)
        return 0
    }
}

func (p *payloadReader) at() time.Time {
    s, ok := p.m["occurred_at"].(string)
    if !ok { p.fail("occurred_at", p.m["occurred_at"]); return time.Time{} }
    t, err := time.Parse(time.RFC3339Nano, s)
    if err != nil { p.fail("occurred_at", s); return time.Time{} }
    return t.UTC()
}

func (p *payloadReader) movement() movement {
    return movement{
        AccountID:         p.id("account_id"),
        CounterpartyID:    p.id("counterparty_account_id"),
        TransferID:        p.id("transfer_id"),
        Kind:              EntryKind(p.str("kind")),
        AmountMinor:       p.i64("amount_minor"),
        Currency:          p.str("currency"),
        BalanceAfterMinor: p.i64("balance_after_minor"),
        At:                p.at(),
    }
}

func isoUTC(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
