package posting

import (
    "context"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

// Accounts is the locked account access a posting needs. Loads take row
// locks that the surrounding transaction holds until it ends.
type Accounts interface {
    GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    SaveAccount(ctx context.Context, a ledger.Account) error
}

// Entries appends immutable ledger rows. AppendEntry is idempotent on
// (account, transfer, type) so a retried posting cannot double-write.
type Entries interface {
    AppendEntry(ctx context.Context, e ledger.Entry) error
}

// Input describes one double-entry movement between two accounts.
type Input struct {
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    TransferID    uuid.UUID
    Kind          ledger.EntryKind
}

// Result reports a completed movement. Events carries the debit and
// credit account events in that order, already drained from the
// aggregates and ready for the outbox.
type Result struct {
    SourceBalanceAfter      int64
    DestinationBalanceAfter int64
    Events                  []ledger.Event
}

// Service posts double-entry movements. It never opens a transaction;
// callers run Post inside one so the locks, balance updates and entry
// rows commit together.
type Service interface {
    Post(ctx context.Context, in Input) (Result, error)
}

type service struct {
    accounts Accounts
    entries  Entries
}

func New(accounts Accounts, entries Entries) Service {
    return &service{accounts: accounts, entries: entries}
}

func (s *service) Post(ctx context.Context, in Input) (Result, error) {
    if in.SourceID == uuid.Nil || in.DestinationID == uuid.Nil || in.TransferID == uuid.Nil {
        return Result{}, fmt.Errorf("%w: source, destination and transfer ids are required", errs.ErrValidation)
    }
    if in.SourceID == in.DestinationID {
        return Result{}, fmt.Errorf("%w: account %s", errs.ErrSameAccountTransfer, in.SourceID)
    }
    if in.AmountMinor <= 0 {
        return Result{}, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidTransferAmount)
    }
    amount, err := ledger.NewMoney(in.AmountMinor, in.Currency)
    if err != nil {
        return Result{}, err
    }

    // Locks are always taken in id order so two opposite-direction
    // postings over the same pair cannot deadlock.
    first, second := in.SourceID, in.DestinationID
    if second.String() < first.String() {
        first, second = second, first
    }
    loaded := make(map[uuid.UUID]*ledger.Account, 2)
    for _, id := range []uuid.UUID{first, second} {
        a, err := s.accounts.GetAccountForUpdate(ctx, id)
        if err != nil {
            return Result{}, err
        }
        loaded[id] = &a
    }
    src, dst := loaded[in.SourceID], loaded[in.DestinationID]

    // Guards raise before anything is written, so a rejected movement
    // leaves both accounts untouched.
    if err := src.Debit(amount, in.TransferID, in.Kind, dst.ID); err != nil {
        return Result{}, err
    }
    if err := dst.Credit(amount, in.TransferID, in.Kind, src.ID); err != nil {
        return Result{}, err
    }

    now := time.Now().UTC()
    debit, err := ledger.NewEntry(src.ID, dst.ID, in.TransferID, ledger.EntryDebit, in.Kind, amount, src.Balance.MinorUnits, now)
    if err != nil { return Result{}, err }
    credit, err := ledger.NewEntry(dst.ID, src.ID, in.TransferID, ledger.EntryCredit, in.Kind, amount, dst.Balance.MinorUnits, now)
    if err != nil { return Result{}, err }
    if err := s.entries.AppendEntry(ctx, debit); err != nil { return Result{}, err }
    if err := s.entries.AppendEntry(ctx, credit); err != nil { return Result{}, err }

    events := append(src.ReleaseEvents(), dst.ReleaseEvents()...)
    if err := s.accounts.SaveAccount(ctx, *src); err != nil { return Result{}, err }
    if err := s.accounts.SaveAccount(ctx, *dst); err != nil { return Result{}, err }

    return Result{
        SourceBalanceAfter:      src.Balance.MinorUnits,
        DestinationBalanceAfter: dst.Balance.MinorUnits,
        Events:                  events,
    }, nil
}
