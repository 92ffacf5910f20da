package transfer

import (
    "context"
    "errors"
    "fmt"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
    "github.com/veslink/transferd/internal/meta"
    "github.com/veslink/transferd/internal/service/posting"
)

// TxManager runs a closure inside one storage transaction. The closure
// may run more than once when the backend retries serialization
// failures, so it must be safe to replay from the top.
type TxManager interface {
    WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the transfer persistence the service needs.
type Store interface {
    GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    GetTransfer(ctx context.Context, id uuid.UUID) (ledger.Transfer, error)
    GetTransferForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transfer, error)
    SaveTransfer(ctx context.Context, tr ledger.Transfer) error
    ListTransfers(ctx context.Context, status string, page, perPage int) ([]ledger.Transfer, error)
    ListAccountTransfers(ctx context.Context, accountID uuid.UUID, page, perPage int) ([]ledger.Transfer, error)
    EntriesByTransfer(ctx context.Context, transferID uuid.UUID) ([]ledger.Entry, error)
    EnqueueOutbox(ctx context.Context, ev ledger.OutboxEvent) error
}

// Poster executes the double-entry movement for a transfer.
type Poster interface {
    Post(ctx context.Context, in posting.Input) (posting.Result, error)
}

// InitiateInput is the request to move funds between two accounts.
// Metadata is optional caller annotation carried on the transfer row.
type InitiateInput struct {
    SourceID      uuid.UUID
    DestinationID uuid.UUID
    AmountMinor   int64
    Currency      string
    Description   string
    Metadata      map[string]string
}

// ListQuery narrows and pages transfer listings.
type ListQuery struct {
    Status  string
    Page    int
    PerPage int
}

const (
    defaultPerPage = 20
    maxPerPage     = 100
)

func (q ListQuery) normalized() ListQuery {
    if q.Page < 1 {
        q.Page = 1
    }
    if q.PerPage < 1 {
        q.PerPage = defaultPerPage
    }
    if q.PerPage > maxPerPage {
        q.PerPage = maxPerPage
    }
    return q
}

// Service executes and reads transfers.
type Service interface {
    Initiate(ctx context.Context, in InitiateInput) (ledger.Transfer, error)
    Reverse(ctx context.Context, transferID uuid.UUID) (ledger.Transfer, error)
    Get(ctx context.Context, transferID uuid.UUID) (ledger.Transfer, error)
    Entries(ctx context.Context, transferID uuid.UUID) ([]ledger.Entry, error)
    List(ctx context.Context, q ListQuery) ([]ledger.Transfer, error)
    ListByAccount(ctx context.Context, accountID uuid.UUID, q ListQuery) ([]ledger.Transfer, error)
}

type service struct {
    tx     TxManager
    store  Store
    poster Poster
}

func New(tx TxManager, store Store, poster Poster) Service {
    return &service{tx: tx, store: store, poster: poster}
}

// Initiate runs the whole movement in one transaction. Rule violations
// (frozen or closed accounts, currency mismatch, insufficient funds) do
// not roll back: the transfer commits as failed with a TransferFailed
// event, and the violation is returned to the caller afterwards.
func (s *service) Initiate(ctx context.Context, in InitiateInput) (ledger.Transfer, error) {
    if in.SourceID == uuid.Nil || in.DestinationID == uuid.Nil {
        return ledger.Transfer{}, fmt.Errorf("%w: source and destination account ids are required", errs.ErrValidation)
    }
    if in.SourceID == in.DestinationID {
        return ledger.Transfer{}, fmt.Errorf("%w: account %s", errs.ErrSameAccountTransfer, in.SourceID)
    }
    if in.AmountMinor <= 0 {
        return ledger.Transfer{}, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidTransferAmount)
    }
    amount, err := ledger.NewMoney(in.AmountMinor, in.Currency)
    if err != nil {
        return ledger.Transfer{}, err
    }
    md := meta.New(in.Metadata)
    if err := md.Validate(); err != nil {
        return ledger.Transfer{}, err
    }

    var out ledger.Transfer
    var failErr error
    err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
        failErr = nil

        // Unknown accounts abort before anything is written.
        if _, err := s.store.GetAccount(ctx, in.SourceID); err != nil {
            return err
        }
        if _, err := s.store.GetAccount(ctx, in.DestinationID); err != nil {
            return err
        }

        tr, err := ledger.InitiateTransfer(in.SourceID, in.DestinationID, amount, in.Description, md)
        if err != nil {
            return err
        }
        evs := tr.ReleaseEvents()
        if err := s.store.SaveTransfer(ctx, *tr); err != nil {
            return err
        }
        if err := s.enqueue(ctx, evs); err != nil {
            return err
        }

        if err := tr.MarkProcessing(); err != nil {
            return err
        }
        if err := s.store.SaveTransfer(ctx, *tr); err != nil {
            return err
        }

        res, err := s.poster.Post(ctx, posting.Input{
            SourceID:      in.SourceID,
            DestinationID: in.DestinationID,
            AmountMinor:   in.AmountMinor,
            Currency:      in.Currency,
            TransferID:    tr.ID,
            Kind:          ledger.KindTransfer,
        })
        if err != nil {
            code, business := failureCode(err)
            if !business {
                return err
            }
            // Commit the failed transfer so the attempt is auditable,
            // then surface the violation after the transaction.
            if ferr := tr.Fail(code, err.Error()); ferr != nil {
                return ferr
            }
            fevs := tr.ReleaseEvents()
            if serr := s.store.SaveTransfer(ctx, *tr); serr != nil {
                return serr
            }
            if eerr := s.enqueue(ctx, fevs); eerr != nil {
                return eerr
            }
            out = *tr
            failErr = err
            return nil
        }

        if err := tr.Complete(); err != nil {
            return err
        }
        cevs := tr.ReleaseEvents()
        if err := s.store.SaveTransfer(ctx, *tr); err != nil {
            return err
        }
        if err := s.enqueue(ctx, cevs); err != nil {
            return err
        }
        if err := s.enqueue(ctx, res.Events); err != nil {
            return err
        }
        out = *tr
        return nil
    })
    if err != nil {
        return ledger.Transfer{}, err
    }
    if failErr != nil {
        return ledger.Transfer{}, failErr
    }
    return out, nil
}

// Reverse compensates a completed transfer by posting the opposite
// movement under the same transfer id. The original entries stay put;
// a reversal appends two more.
func (s *service) Reverse(ctx context.Context, transferID uuid.UUID) (ledger.Transfer, error) {
    if transferID == uuid.Nil {
        return ledger.Transfer{}, fmt.Errorf("%w: transfer id is required", errs.ErrValidation)
    }

    var out ledger.Transfer
    err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
        tr, err := s.store.GetTransferForUpdate(ctx, transferID)
        if err != nil {
            return err
        }
        if err := tr.Reverse(); err != nil {
            return err
        }

        res, err := s.poster.Post(ctx, posting.Input{
            SourceID:      tr.DestinationAccountID,
            DestinationID: tr.SourceAccountID,
            AmountMinor:   tr.Amount.MinorUnits,
            Currency:      tr.Amount.Currency,
            TransferID:    tr.ID,
            Kind:          ledger.KindReversal,
        })
        if err != nil {
            return err
        }

        evs := tr.ReleaseEvents()
        if err := s.store.SaveTransfer(ctx, tr); err != nil {
            return err
        }
        if err := s.enqueue(ctx, evs); err != nil {
            return err
        }
        if err := s.enqueue(ctx, res.Events); err != nil {
            return err
        }
        out = tr
        return nil
    })
    if err != nil {
        return ledger.Transfer{}, err
    }
    return out, nil
}

func (s *service) Get(ctx context.Context, transferID uuid.UUID) (ledger.Transfer, error) {
    if transferID == uuid.Nil {
        return ledger.Transfer{}, fmt.Errorf("%w: transfer id is required", errs.ErrValidation)
    }
    return s.store.GetTransfer(ctx, transferID)
}

// Entries returns the ledger rows written for a transfer: two for an
// executed transfer, four once reversed, none for a failed one.
func (s *service) Entries(ctx context.Context, transferID uuid.UUID) ([]ledger.Entry, error) {
    if _, err := s.Get(ctx, transferID); err != nil {
        return nil, err
    }
    return s.store.EntriesByTransfer(ctx, transferID)
}

func (s *service) List(ctx context.Context, q ListQuery) ([]ledger.Transfer, error) {
    if q.Status != "" && !ledger.ValidTransferStatus(q.Status) {
        return nil, fmt.Errorf("%w: unknown status %q", errs.ErrValidation, q.Status)
    }
    q = q.normalized()
    return s.store.ListTransfers(ctx, q.Status, q.Page, q.PerPage)
}

func (s *service) ListByAccount(ctx context.Context, accountID uuid.UUID, q ListQuery) ([]ledger.Transfer, error) {
    if accountID == uuid.Nil {
        return nil, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    if _, err := s.store.GetAccount(ctx, accountID); err != nil {
        return nil, err
    }
    q = q.normalized()
    return s.store.ListAccountTransfers(ctx, accountID, q.Page, q.PerPage)
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

// failureCode classifies rule violations that fail the transfer durably
// instead of rolling it back.
func failureCode(err error) (string, bool) {
    switch {
    case errors.Is(err, errs.ErrInsufficientFunds):
        return "INSUFFICIENT_FUNDS", true
    case errors.Is(err, errs.ErrAccountFrozen):
        return "ACCOUNT_FROZEN", true
    case errors.Is(err, errs.ErrAccountClosed):
        return "ACCOUNT_CLOSED", true
    case errors.Is(err, errs.ErrCurrencyMismatch):
        return "CURRENCY_MISMATCH", true
    }
    return "", false
}
