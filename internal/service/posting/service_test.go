package posting

import (
    "context"
    "errors"
    "fmt"
    "testing"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

type fakeStore struct {
    accounts  map[uuid.UUID]ledger.Account
    entries   []ledger.Entry
    lockOrder []uuid.UUID
    saved     []uuid.UUID
}

func newFakeStore() *fakeStore {
    return &fakeStore{accounts: make(map[uuid.UUID]ledger.Account)}
}

func (f *fakeStore) GetAccountForUpdate(_ context.Context, id uuid.UUID) (ledger.Account, error) {
    f.lockOrder = append(f.lockOrder, id)
    a, ok := f.accounts[id]
    if !ok {
        return ledger.Account{}, fmt.Errorf("%w: %s", errs.ErrAccountNotFound, id)
    }
    return a, nil
}

func (f *fakeStore) SaveAccount(_ context.Context, a ledger.Account) error {
    f.accounts[a.ID] = a
    f.saved = append(f.saved, a.ID)
    return nil
}

func (f *fakeStore) AppendEntry(_ context.Context, e ledger.Entry) error {
    f.entries = append(f.entries, e)
    return nil
}

func (f *fakeStore) add(t *testing.T, id uuid.UUID, balanceMinor int64, currency string) ledger.Account {
    t.Helper()
    a, err := ledger.OpenAccount(id, "owner "+id.String()[:8], ledger.MustMoney(balanceMinor, currency))
    if err != nil {
        t.Fatalf("open account: %v", err)
    }
    a.ReleaseEvents()
    f.accounts[id] = *a
    return *a
}

func TestPost_MovesFundsAndWritesEntries(t *testing.T) {
    store := newFakeStore()
    srcID, dstID := uuid.New(), uuid.New()
    store.add(t, srcID, 10000, "USD")
    store.add(t, dstID, 5000, "USD")
    transferID := uuid.New()

    svc := New(store, store)
    res, err := svc.Post(context.Background(), Input{
        SourceID:      srcID,
        DestinationID: dstID,
        AmountMinor:   2500,
        Currency:      "USD",
        TransferID:    transferID,
        Kind:          ledger.KindTransfer,
    })
    if err != nil {
        t.Fatalf("post: %v", err)
    }
    if res.SourceBalanceAfter != 7500 || res.DestinationBalanceAfter != 7500 {
        t.Fatalf("unexpected balances: src=%d dst=%d", res.SourceBalanceAfter, res.DestinationBalanceAfter)
    }

    if len(store.entries) != 2 {
        t.Fatalf("expected 2 entries, got %d", len(store.entries))
    }
    debit, credit := store.entries[0], store.entries[1]
    if debit.Type != ledger.EntryDebit || debit.AccountID != srcID || debit.CounterpartyAccountID != dstID {
        t.Fatalf("unexpected debit entry: %+v", debit)
    }
    if credit.Type != ledger.EntryCredit || credit.AccountID != dstID || credit.CounterpartyAccountID != srcID {
        t.Fatalf("unexpected credit entry: %+v", credit)
    }
    if debit.TransferID != transferID || credit.TransferID != transferID {
        t.Fatalf("entries not stamped with transfer id")
    }
    if debit.AmountMinorUnits != 2500 || credit.AmountMinorUnits != 2500 {
        t.Fatalf("entry amounts wrong: %d/%d", debit.AmountMinorUnits, credit.AmountMinorUnits)
    }
    if debit.BalanceAfterMinorUnits != 7500 || credit.BalanceAfterMinorUnits != 7500 {
        t.Fatalf("balance-after wrong: %d/%d", debit.BalanceAfterMinorUnits, credit.BalanceAfterMinorUnits)
    }
    if !debit.OccurredAt.Equal(credit.OccurredAt) {
        t.Fatalf("entry pair must share a timestamp")
    }

    if len(res.Events) != 2 {
        t.Fatalf("expected 2 account events, got %d", len(res.Events))
    }
    if res.Events[0].EventName() != ledger.EventAccountDebited || res.Events[1].EventName() != ledger.EventAccountCredited {
        t.Fatalf("unexpected events: %s, %s", res.Events[0].EventName(), res.Events[1].EventName())
    }

    if store.accounts[srcID].Balance.MinorUnits != 7500 || store.accounts[dstID].Balance.MinorUnits != 7500 {
        t.Fatalf("saved balances wrong")
    }
    if store.accounts[srcID].Version != 1 || store.accounts[dstID].Version != 1 {
        t.Fatalf("expected one version bump per account, got %d and %d", store.accounts[srcID].Version, store.accounts[dstID].Version)
    }
}

func TestPost_LocksInIDOrder(t *testing.T) {
    store := newFakeStore()
    low := uuid.MustParse("11111111-1111-1111-1111-111111111111")
    high := uuid.MustParse("22222222-2222-2222-2222-222222222222")
    store.add(t, low, 10000, "USD")
    store.add(t, high, 10000, "USD")

    svc := New(store, store)
    // Source sorts after destination; the lock order must not care.
    _, err := svc.Post(context.Background(), Input{
        SourceID:      high,
        DestinationID: low,
        AmountMinor:   100,
        Currency:      "USD",
        TransferID:    uuid.New(),
        Kind:          ledger.KindTransfer,
    })
    if err != nil {
        t.Fatalf("post: %v", err)
    }
    if len(store.lockOrder) != 2 || store.lockOrder[0] != low || store.lockOrder[1] != high {
        t.Fatalf("expected lock order [low high], got %v", store.lockOrder)
    }
}

func TestPost_RejectsWithoutWriting(t *testing.T) {
    cases := []struct {
        name    string
        prepare func(t *testing.T, store *fakeStore, srcID, dstID uuid.UUID)
        in      func(srcID, dstID uuid.UUID) Input
        wantErr error
    }{
        {
            name: "insufficient funds",
            in: func(s, d uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: d, AmountMinor: 99999, Currency: "USD", TransferID: uuid.New(), Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrInsufficientFunds,
        },
        {
            name: "frozen destination after debit passes",
            prepare: func(t *testing.T, store *fakeStore, _, dstID uuid.UUID) {
                a := store.accounts[dstID]
                if err := a.Freeze(); err != nil {
                    t.Fatalf("freeze: %v", err)
                }
                a.ReleaseEvents()
                store.accounts[dstID] = a
            },
            in: func(s, d uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: d, AmountMinor: 100, Currency: "USD", TransferID: uuid.New(), Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrAccountFrozen,
        },
        {
            name: "currency mismatch",
            in: func(s, d uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: d, AmountMinor: 100, Currency: "GBP", TransferID: uuid.New(), Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrCurrencyMismatch,
        },
        {
            name: "same account",
            in: func(s, _ uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: s, AmountMinor: 100, Currency: "USD", TransferID: uuid.New(), Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrSameAccountTransfer,
        },
        {
            name: "zero amount",
            in: func(s, d uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: d, AmountMinor: 0, Currency: "USD", TransferID: uuid.New(), Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrInvalidTransferAmount,
        },
        {
            name: "missing transfer id",
            in: func(s, d uuid.UUID) Input {
                return Input{SourceID: s, DestinationID: d, AmountMinor: 100, Currency: "USD", Kind: ledger.KindTransfer}
            },
            wantErr: errs.ErrValidation,
        },
    }

    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            store := newFakeStore()
            srcID, dstID := uuid.New(), uuid.New()
            store.add(t, srcID, 10000, "USD")
            store.add(t, dstID, 5000, "USD")
            if tc.prepare != nil {
                tc.prepare(t, store, srcID, dstID)
            }

            svc := New(store, store)
            _, err := svc.Post(context.Background(), tc.in(srcID, dstID))
            if !errors.Is(err, tc.wantErr) {
                t.Fatalf("expected %v, got %v", tc.wantErr, err)
            }
            if len(store.entries) != 0 {
                t.Fatalf("rejected posting wrote %d entries", len(store.entries))
            }
            if len(store.saved) != 0 {
                t.Fatalf("rejected posting saved accounts: %v", store.saved)
            }
            if store.accounts[srcID].Balance.MinorUnits != 10000 {
                t.Fatalf("source balance mutated to %d", store.accounts[srcID].Balance.MinorUnits)
            }
        })
    }
}

func TestPost_UnknownAccount(t *testing.T) {
    store := newFakeStore()
    srcID := uuid.New()
    store.add(t, srcID, 10000, "USD")

    svc := New(store, store)
    _, err := svc.Post(context.Background(), Input{
        SourceID:      srcID,
        DestinationID: uuid.New(),
        AmountMinor:   100,
        Currency:      "USD",
        TransferID:    uuid.New(),
        Kind:          ledger.KindTransfer,
    })
    if !errors.Is(err, errs.ErrAccountNotFound) {
        t.Fatalf("expected account not found, got %v", err)
    }
}
