package ledger

import (
    "encoding/json"
    "reflect"
    "testing"
    "time"

    "github.com/google/uuid"
)

// roundTrip pushes an event payload through JSON the way the outbox
// stores it, then decodes it back by name.
func roundTrip(t *testing.T, e Event) Event {
    t.Helper()
    raw, err := json.Marshal(e.Payload())
    if err != nil {
        t.Fatalf("marshal payload: %v", err)
    }
    var m map[string]any
    if err := json.Unmarshal(raw, &m); err != nil {
        t.Fatalf("unmarshal payload: %v", err)
    }
    out, err := DecodeEvent(e.EventName(), m)
    if err != nil {
        t.Fatalf("decode %s: %v", e.EventName(), err)
    }
    return out
}

func checkRoundTrip(t *testing.T, e Event) {
    t.Helper()
    got := roundTrip(t, e)
    if got.EventName() != e.EventName() || got.AggregateID() != e.AggregateID() {
        t.Fatalf("identity mismatch: got %s/%s want %s/%s", got.EventName(), got.AggregateID(), e.EventName(), e.AggregateID())
    }
    if !reflect.DeepEqual(got.Payload(), e.Payload()) {
        t.Fatalf("payload mismatch:\n got %+v\nwant %+v", got.Payload(), e.Payload())
    }
}

func TestDecodeEvent_RoundTrip(t *testing.T) {
    at := time.Date(2024, 3, 1, 10, 30, 0, 123456000, time.UTC)
    checkRoundTrip(t, AccountCreated{AccountID: uuid.New(), OwnerName: "Ada Lovelace", Currency: "USD", BalanceMinor: 1000, At: at})
    checkRoundTrip(t, AccountDebited{
        AccountID:         uuid.New(),
        CounterpartyID:    uuid.New(),
        TransferID:        uuid.New(),
        Kind:              KindTransfer,
        AmountMinor:       1500,
        Currency:          "USD",
        BalanceAfterMinor: 8500,
        At:                at,
    })
    checkRoundTrip(t, AccountCredited{
        AccountID:         uuid.New(),
        CounterpartyID:    uuid.New(),
        TransferID:        uuid.New(),
        Kind:              KindReversal,
        AmountMinor:       1500,
        Currency:          "USD",
        BalanceAfterMinor: 10000,
        At:                at,
    })
    checkRoundTrip(t, AccountFrozen{AccountID: uuid.New(), At: at})
    checkRoundTrip(t, AccountUnfrozen{AccountID: uuid.New(), At: at})
    checkRoundTrip(t, AccountClosed{AccountID: uuid.New(), At: at})
    checkRoundTrip(t, TransferInitiated{
        TransferID:    uuid.New(),
        Reference:     "TXN-20240301-0123456789ab",
        SourceID:      uuid.New(),
        DestinationID: uuid.New(),
        AmountMinor:   999,
        Currency:      "GBP",
        Description:   "rent",
        At:            at,
    })
    checkRoundTrip(t, TransferCompleted{TransferID: uuid.New(), Reference: "TXN-20240301-0123456789ab", SourceID: uuid.New(), DestinationID: uuid.New(), AmountMinor: 999, Currency: "GBP", At: at})
    checkRoundTrip(t, TransferFailed{TransferID: uuid.New(), Reference: "TXN-20240301-0123456789ab", SourceID: uuid.New(), DestinationID: uuid.New(), AmountMinor: 999, Currency: "GBP", FailureCode: "INSUFFICIENT_FUNDS", FailureReason: "have 0, need 999", At: at})
    checkRoundTrip(t, TransferReversed{TransferID: uuid.New(), Reference: "TXN-20240301-0123456789ab", SourceID: uuid.New(), DestinationID: uuid.New(), AmountMinor: 999, Currency: "GBP", At: at})
}

func TestDecodeEvent_UnknownName(t *testing.T) {
    if _, err := DecodeEvent("account.exploded", map[string]any{}); err == nil {
        t.Fatalf("expected error for unknown event name")
    }
}

func TestDecodeEvent_BadField(t *testing.T) {
    payload := map[string]any{
        "account_id":  "not-a-uuid",
        "occurred_at": time.Now().UTC().Format(time.RFC3339Nano),
    }
    if _, err := DecodeEvent(EventAccountFrozen, payload); err == nil {
        t.Fatalf("expected error for malformed account_id")
    }
}

func TestEventPayload_CarriesOccurredAt(t *testing.T) {
    evs := []Event{
        AccountCreated{AccountID: uuid.New(), OwnerName: "Ada", Currency: "USD", At: time.Now()},
        AccountClosed{AccountID: uuid.New(), At: time.Now()},
        TransferCompleted{TransferID: uuid.New(), SourceID: uuid.New(), DestinationID: uuid.New(), At: time.Now()},
        TransferReversed{TransferID: uuid.New(), SourceID: uuid.New(), DestinationID: uuid.New(), At: time.Now()},
    }
    for _, e := range evs {
        p := e.Payload()
        raw, ok := p["occurred_at"].(string)
        if !ok {
            t.Fatalf("%s payload missing occurred_at", e.EventName())
        }
        if _, err := time.Parse(time.RFC3339Nano, raw); err != nil {
            t.Fatalf("%s occurred_at not RFC3339: %v", e.EventName(), err)
        }
    }
}
