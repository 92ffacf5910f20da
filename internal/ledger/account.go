package ledger

import (
    "fmt"
    "strings"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
    AccountStatusActive AccountStatus = "active"
    AccountStatusFrozen AccountStatus = "frozen"
    AccountStatusClosed AccountStatus = "closed"
)

const maxOwnerNameLen = 255

// SystemAccountID is the sentinel counterparty recorded on bootstrap
// entries. It is not a real account row.
var SystemAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// BootstrapTransferID is the sentinel transfer id recorded on bootstrap
// entries written when an account opens with a non-zero balance.
var BootstrapTransferID = uuid.MustParse("00000000-0000-0000-0000-0000000000b0")

// Account is the balance-holding aggregate. Mutations go through the
// methods below; each successful mutation bumps Version by exactly one
// and buffers a domain event until ReleaseEvents is called.
type Account struct {
    ID        uuid.UUID
    OwnerName string
    Currency  string
    Balance   Money
    Status    AccountStatus
    Version   int64
    CreatedAt time.Time
    UpdatedAt time.Time

    events []Event
}

// OpenAccount creates an active account and buffers AccountCreated.
// The initial balance may be zero; a positive initial balance is backed
// by a bootstrap ledger entry written by the account service.
func OpenAccount(id uuid.UUID, ownerName string, initial Money) (*Account, error) {
    ownerName = strings.TrimSpace(ownerName)
    if id == uuid.Nil {
        return nil, fmt.Errorf("%w: account id is required", errs.ErrValidation)
    }
    if ownerName == "" {
        return nil, fmt.Errorf("%w: owner name is required", errs.ErrValidation)
    }
    if len(ownerName) > maxOwnerNameLen {
        return nil, fmt.Errorf("%w: owner name exceeds %d characters", errs.ErrValidation, maxOwnerNameLen)
    }
    now := time.Now().UTC()
    a := &Account{
        ID:        id,
        OwnerName: ownerName,
        Currency:  initial.Currency,
        Balance:   initial,
        Status:    AccountStatusActive,
        Version:   0,
        CreatedAt: now,
        UpdatedAt: now,
    }
    a.record(AccountCreated{AccountID: a.ID, OwnerName: a.OwnerName, Currency: a.Currency, BalanceMinor: a.Balance.MinorUnits, At: now})
    return a, nil
}

// Debit subtracts amount from the balance. Only active accounts may be
// debited; the currency must match and funds must cover the amount.
func (a *Account) Debit(amount Money, transferID uuid.UUID, kind EntryKind, counterpartyID uuid.UUID) error {
    if err := a.canMove(amount); err != nil { return err }
    next, err := a.Balance.Sub(amount)
    if err != nil { return err }
    now := time.Now().UTC()
    a.Balance = next
    a.touch(now)
    a.record(AccountDebited{
        AccountID:         a.ID,
        CounterpartyID:    counterpartyID,
        TransferID:        transferID,
        Kind:              kind,
        AmountMinor:       amount.MinorUnits,
        Currency:          amount.Currency,
        BalanceAfterMinor: next.MinorUnits,
        At:                now,
    })
    return nil
}

// Credit adds amount to the balance with the same status and currency
// guards as Debit. Fails with ErrBalanceOverflow past int64.
func (a *Account) Credit(amount Money, transferID uuid.UUID, kind EntryKind, counterpartyID uuid.UUID) error {
    if err := a.canMove(amount); err != nil { return err }
    next, err := a.Balance.Add(amount)
    if err != nil { return err }
    now := time.Now().UTC()
    a.Balance = next
    a.touch(now)
    a.record(AccountCredited{
        AccountID:         a.ID,
        CounterpartyID:    counterpartyID,
        TransferID:        transferID,
        Kind:              kind,
        AmountMinor:       amount.MinorUnits,
        Currency:          amount.Currency,
        BalanceAfterMinor: next.MinorUnits,
        At:                now,
    })
    return nil
}

// Freeze suspends an active account.
func (a *Account) Freeze() error {
    if a.Status != AccountStatusActive {
        return fmt.Errorf("%w: cannot freeze %s account", errs.ErrInvalidAccountState, a.Status)
    }
    now := time.Now().UTC()
    a.Status = AccountStatusFrozen
    a.touch(now)
    a.record(AccountFrozen{AccountID: a.ID, At: now})
    return nil
}

// Unfreeze reactivates a frozen account.
func (a *Account) Unfreeze() error {
    if a.Status != AccountStatusFrozen {
        return fmt.Errorf("%w: cannot unfreeze %s account", errs.ErrInvalidAccountState, a.Status)
    }
    now := time.Now().UTC()
    a.Status = AccountStatusActive
    a.touch(now)
    a.record(AccountUnfrozen{AccountID: a.ID, At: now})
    return nil
}

// Close terminates the account. Allowed from active or frozen with a
// zero balance; closed is terminal.
func (a *Account) Close() error {
    if a.Status == AccountStatusClosed {
        return fmt.Errorf("%w: account already closed", errs.ErrInvalidAccountState)
    }
    if !a.Balance.IsZero() {
        return fmt.Errorf("%w: balance is %s", errs.ErrNonZeroBalanceOnClose, a.Balance.Format())
    }
    now := time.Now().UTC()
    a.Status = AccountStatusClosed
    a.touch(now)
    a.record(AccountClosed{AccountID: a.ID, At: now})
    return nil
}

// ReleaseEvents drains and returns the buffered domain events. After the
// call the aggregate behaves as freshly loaded.
func (a *Account) ReleaseEvents() []Event {
    out := a.events
    a.events = nil
    return out
}

func (a *Account) canMove(amount Money) error {
    switch a.Status {
    case AccountStatusClosed:
        return fmt.Errorf("%w: account %s", errs.ErrAccountClosed, a.ID)
    case AccountStatusFrozen:
        return fmt.Errorf("%w: account %s", errs.ErrAccountFrozen, a.ID)
    }
    if !a.Balance.SameCurrency(amount) {
        return fmt.Errorf("%w: account holds %s, amount is %s", errs.ErrCurrencyMismatch, a.Currency, amount.Currency)
    }
    if !amount.IsPositive() {
        return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidTransferAmount)
    }
    return nil
}

func (a *Account) touch(now time.Time) {
    a.Version++
    a.UpdatedAt = now
}

func (a *Account) record(e Event) { a.events = append(a.events, e) }
