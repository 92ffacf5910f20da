package ledger

import (
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
)

// EntryType is the accounting side of a ledger entry.
type EntryType string

const (
    EntryDebit  EntryType = "debit"
    EntryCredit EntryType = "credit"
)

// EntryKind classifies what produced the entry.
type EntryKind string

const (
    KindTransfer  EntryKind = "transfer"
    KindReversal  EntryKind = "reversal"
    KindBootstrap EntryKind = "bootstrap"
)

// Entry is one immutable ledger row. Exactly two entries exist per
// executed transfer leg (a debit and a credit), and the triple
// (AccountID, TransferID, Type) is unique so retried appends are no-ops.
type Entry struct {
    ID                     uuid.UUID
    AccountID              uuid.UUID
    CounterpartyAccountID  uuid.UUID
    TransferID             uuid.UUID
    Type                   EntryType
    Kind                   EntryKind
    AmountMinorUnits       int64
    Currency               string
    BalanceAfterMinorUnits int64
    OccurredAt             time.Time
    CreatedAt              time.Time
}

// NewEntry builds a ledger entry, rejecting non-positive amounts.
func NewEntry(accountID, counterpartyID, transferID uuid.UUID, typ EntryType, kind EntryKind, amount Money, balanceAfterMinor int64, occurredAt time.Time) (Entry, error) {
    if accountID == uuid.Nil || transferID == uuid.Nil {
        return Entry{}, fmt.Errorf("%w: account id and transfer id are required", errs.ErrValidation)
    }
    if typ != EntryDebit && typ != EntryCredit {
        return Entry{}, fmt.Errorf("%w: entry type must be debit or credit", errs.ErrValidation)
    }
    switch kind {
    case KindTransfer, KindReversal, KindBootstrap:
    default:
        return Entry{}, fmt.Errorf("%w: unknown entry kind %q", errs.ErrValidation, kind)
    }
    if !amount.IsPositive() {
        return Entry{}, fmt.Errorf("%w: entry amount must be positive", errs.ErrInvalidTransferAmount)
    }
    return Entry{
        ID:                     uuid.New(),
        AccountID:              accountID,
        CounterpartyAccountID:  counterpartyID,
        TransferID:             transferID,
        Type:                   typ,
        Kind:                   kind,
        AmountMinorUnits:       amount.MinorUnits,
        Currency:               amount.Currency,
        BalanceAfterMinorUnits: balanceAfterMinor,
        OccurredAt:             occurredAt.UTC(),
        CreatedAt:              time.Now().UTC(),
    }, nil
}
