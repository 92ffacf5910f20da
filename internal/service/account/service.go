// Package account implements the account lifecycle rules: open with an
// optional bootstrap balance, freeze/unfreeze, and close only at zero.
package account

import (
    "context"
    "fmt"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

// TxManager runs a closure inside one storage transaction.
type TxManager interface {
    WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the account persistence the service needs.
type Store interface {
    GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    SaveAccount(ctx context.Context, a ledger.Account) error
    AppendEntry(ctx context.Context, e ledger.Entry) error
    EnqueueOutbox(ctx context.Context, ev ledger.OutboxEvent) error
    EntriesByAccountAndRange(ctx context.Context, accountID uuid.UUID, from, to *time.Time, page, perPage int) ([]ledger.Entry, error)
    LastEntryBefore(ctx context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error)
    LastEntryAtOrBefore(ctx context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error)
}

// OpenInput is the request to open an account.
type OpenInput struct {
    OwnerName           string
    Currency            string
    InitialBalanceMinor int64
}

// StatementQuery selects a window of account activity. Nil bounds mean
// open-ended; both bounds are inclusive.
type StatementQuery struct {
    AccountID uuid.UUID
    From      *time.Time
    To        *time.Time
    Page      int
    PerPage   int
}

// Statement is a page of entries plus the balances bracketing the
// window. Each line already carries its running balance.
type Statement struct {
    Account      ledger.Account
    OpeningMinor int64
    ClosingMinor int64
    Lines        []ledger.Entry
}

const (
    defaultPerPage = 20
    maxPerPage     = 100
)

// Service manages account lifecycle and reads.
type Service interface {
    Open(ctx context.Context, in OpenInput) (ledger.Account, error)
    Get(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    Freeze(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    Unfreeze(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    Close(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    Statement(ctx context.Context, q StatementQuery) (Statement, error)
}

type service struct {
    tx    TxManager
    store Store
}

func New(tx TxManager, store Store) Service { return &service{tx: tx, store: store} }

// Open creates an active account. A positive opening balance is backed
// by a bootstrap credit entry so the ledger and the balance agree from
// the first row.
func (s *service) Open(ctx context.Context, in OpenInput) (ledger.Account, error) {
    initial, err := ledger.NewMoney(in.InitialBalanceMinor, in.Currency)
    if err != nil {
        return ledger.Account{}, err
    }

    var out ledger.Account
    err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
        a, err := ledger.OpenAccount(uuid.New(), in.OwnerName, initial)
        if err != nil {
            return err
        }
        evs := a.ReleaseEvents()
        // Account row first: the bootstrap entry references it.
        if err := s.store.SaveAccount(ctx, *a); err != nil {
            return err
        }
        if initial.IsPositive() {
            entry, err := ledger.NewEntry(a.ID, ledger.SystemAccountID, ledger.BootstrapTransferID,
                ledger.EntryCredit, ledger.KindBootstrap, initial, a.Balance.MinorUnits, a.CreatedAt)
            if err != nil {
                return err
            }
            if err := s.store.AppendEntry(ctx, entry); err != nil {
                return err
            }
        }
        if err := s.enqueue(ctx, evs); err != nil {
            return err
        }
        out = *a
        return nil
    })
    if err != nil {
        return ledger.Account{}, err
    }
    return out, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    if id == uuid.Nil {
        return ledger.Account{}, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    return s.store.GetAccount(ctx, id)
}

func (s *service) Freeze(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    return s.mutate(ctx, id, func(a *ledger.Account) error { return a.Freeze() })
}

func (s *service) Unfreeze(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    return s.mutate(ctx, id, func(a *ledger.Account) error { return a.Unfreeze() })
}

func (s *service) Close(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    return s.mutate(ctx, id, func(a *ledger.Account) error { return a.Close() })
}

// Statement reads the entries in the window plus the balances at its
// edges. Opening is the running balance just before From; closing is
// the running balance at To, or the live balance when To is open.
func (s *service) Statement(ctx context.Context, q StatementQuery) (Statement, error) {
    if q.AccountID == uuid.Nil {
        return Statement{}, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    if q.From != nil && q.To != nil && q.From.After(*q.To) {
        return Statement{}, fmt.Errorf("%w: statement window is inverted", errs.ErrValidation)
    }
    a, err := s.store.GetAccount(ctx, q.AccountID)
    if err != nil {
        return Statement{}, err
    }

    page, perPage := q.Page, q.PerPage
    if page < 1 {
        page = 1
    }
    if perPage < 1 {
        perPage = defaultPerPage
    }
    if perPage > maxPerPage {
        perPage = maxPerPage
    }
    lines, err := s.store.EntriesByAccountAndRange(ctx, q.AccountID, q.From, q.To, page, perPage)
    if err != nil {
        return Statement{}, err
    }

    var opening int64
    if q.From != nil {
        e, ok, err := s.store.LastEntryBefore(ctx, q.AccountID, *q.From)
        if err != nil {
            return Statement{}, err
        }
        if ok {
            opening = e.BalanceAfterMinorUnits
        }
    }
    closing := a.Balance.MinorUnits
    if q.To != nil {
        closing = opening
        e, ok, err := s.store.LastEntryAtOrBefore(ctx, q.AccountID, *q.To)
        if err != nil {
            return Statement{}, err
        }
        if ok {
            closing = e.BalanceAfterMinorUnits
        }
    }

    return Statement{Account: a, OpeningMinor: opening, ClosingMinor: closing, Lines: lines}, nil
}

func (s *service) mutate(ctx context.Context, id uuid.UUID, op func(a *ledger.Account) error) (ledger.Account, error) {
    if id == uuid.Nil {
        return ledger.Account{}, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    var out ledger.Account
    err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
        a, err := s.store.GetAccountForUpdate(ctx, id)
        if err != nil {
            return err
        }
        if err := op(&a); err != nil {
            return err
        }
        evs := a.ReleaseEvents()
        if err := s.store.SaveAccount(ctx, a); err != nil {
            return err
        }
        if err := s.enqueue(ctx, evs); err != nil {
            return err
        }
        out = a
        return nil
    })
    if err != nil {
        return ledger.Account{}, err
    }
    return out, nil
}

func (s *service) enqueue(ctx context.Context, events []ledger.Event) error {
    for _, ev := range events {
        ob, err := ledger.NewOutboxEvent(ev)
        if err != nil {
            return err
        }
        if err := s.store.EnqueueOutbox(ctx, ob); err != nil {
            return err
        }
    }
    return nil
}
