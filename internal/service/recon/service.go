package recon

import (
    "context"
    "fmt"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

// Repo is the read surface reconciliation needs. LedgerBalance returns
// the replayed balance (credits minus debits) and the entry count.
type Repo interface {
    IterateAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]ledger.Account, error)
    GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
    LedgerBalance(ctx context.Context, accountID uuid.UUID) (int64, int64, error)
}

// Status classifies one account check.
type Status string

const (
    StatusMatch Status = "match"
    // StatusMismatch means the stored balance and the replayed ledger
    // balance disagree.
    StatusMismatch Status = "mismatch"
    // StatusNoLedgerEntry means the account carries a balance with no
    // entries behind it.
    StatusNoLedgerEntry Status = "no_ledger_entry"
)

// Result is the outcome of checking one account.
type Result struct {
    AccountID    uuid.UUID
    Status       Status
    BalanceMinor int64
    LedgerMinor  int64
    EntryCount   int64
    Currency     string
}

// Summary aggregates a full sweep. Problems holds every non-matching
// result so the caller can report them.
type Summary struct {
    Checked  int
    Matched  int
    Problems []Result
}

// Service compares stored balances against the replayed ledger.
type Service interface {
    Account(ctx context.Context, accountID uuid.UUID) (Result, error)
    All(ctx context.Context, batch int) (Summary, error)
}

type service struct {
    repo Repo
}

func New(repo Repo) Service { return &service{repo: repo} }

func (s *service) Account(ctx context.Context, accountID uuid.UUID) (Result, error) {
    if accountID == uuid.Nil {
        return Result{}, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    a, err := s.repo.GetAccount(ctx, accountID)
    if err != nil {
        return Result{}, err
    }
    return s.check(ctx, a)
}

// All sweeps every account in id order, batch rows at a time. The walk
// is keyset-paged so new accounts appearing mid-sweep are picked up at
// most once.
func (s *service) All(ctx context.Context, batch int) (Summary, error) {
    if batch < 1 {
        batch = 500
    }
    var sum Summary
    after := uuid.Nil
    for {
        accounts, err := s.repo.IterateAccounts(ctx, after, batch)
        if err != nil {
            return Summary{}, err
        }
        if len(accounts) == 0 {
            return sum, nil
        }
        for _, a := range accounts {
            res, err := s.check(ctx, a)
            if err != nil {
                return Summary{}, err
            }
            sum.Checked++
            if res.Status == StatusMatch {
                sum.Matched++
            } else {
                sum.Problems = append(sum.Problems, res)
            }
        }
        after = accounts[len(accounts)-1].ID
        if len(accounts) < batch {
            return sum, nil
        }
    }
}

func (s *service) check(ctx context.Context, a ledger.Account) (Result, error) {
    ledgerMinor, count, err := s.repo.LedgerBalance(ctx, a.ID)
    if err != nil {
        return Result{}, err
    }
    res := Result{
        AccountID:    a.ID,
        BalanceMinor: a.Balance.MinorUnits,
        LedgerMinor:  ledgerMinor,
        EntryCount:   count,
        Currency:     a.Currency,
    }
    switch {
    case count == 0 && a.Balance.MinorUnits != 0:
        res.Status = StatusNoLedgerEntry
    case a.Balance.MinorUnits == ledgerMinor:
        res.Status = StatusMatch
    default:
        res.Status = StatusMismatch
    }
    return res, nil
}
