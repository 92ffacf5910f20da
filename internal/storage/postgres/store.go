package postgres

// Package postgres provides a pgx-backed storage implementation that satisfies
// the repository and transaction-manager interfaces used by the HTTP/API and
// services.
//
// It is intentionally small and explicit. Migrations that create the expected
// schema live under db/migrations. This package focuses on mapping between the
// domain entities and SQL rows and running the necessary statements/transactions.
//
// Transactions are carried in the context: WithinTx opens a pgx.Tx, stashes it
// in the context it hands to the closure, and every store method resolves its
// executor from the context so the same method works inside and outside a
// transaction. Deadlocks (SQLSTATE 40P01) and serialization failures (40001)
// retry the whole closure with randomized exponential backoff, which is why
// closures must be safe to replay from the top.

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "math/rand"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgconn"
    "github.com/jackc/pgx/v5/pgxpool"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

const defaultTxRetries = 3

// Store holds a pgx connection pool and implements the read/write interfaces
// used across the service layer. All methods are safe for concurrent use.
type Store struct {
    pool      *pgxpool.Pool
    txRetries int
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string) (*Store, error) {
    cfg, err := pgxpool.ParseConfig(dsn)
    if err != nil { return nil, err }
    pool, err := pgxpool.NewWithConfig(ctx, cfg)
    if err != nil { return nil, err }
    // Verify connection
    if err := pool.Ping(ctx); err != nil { pool.Close(); return nil, err }
    return &Store{pool: pool, txRetries: defaultTxRetries}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { if s.pool != nil { s.pool.Close() } }

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// SetTxRetries overrides how many times WithinTx runs a closure before
// giving up on deadlocks. Minimum one attempt.
func (s *Store) SetTxRetries(n int) {
    if n < 1 { n = 1 }
    s.txRetries = n
}

type txKey struct{}

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx.
type querier interface {
    Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
    Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
    QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func txFrom(ctx context.Context) pgx.Tx {
    tx, _ := ctx.Value(txKey{}).(pgx.Tx)
    return tx
}

// db resolves the executor for the current context: the open transaction
// when one is in flight, the pool otherwise.
func (s *Store) db(ctx context.Context) querier {
    if tx := txFrom(ctx); tx != nil { return tx }
    return s.pool
}

// WithinTx runs fn inside one transaction. A nested call joins the open
// transaction instead of starting a second one. Deadlock and
// serialization errors retry the closure up to the configured attempt
// count; any other error rolls back and propagates immediately.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
    if txFrom(ctx) != nil { return fn(ctx) }

    var last error
    for attempt := 0; attempt < s.txRetries; attempt++ {
        if attempt > 0 {
            select {
            case <-time.After(retryBackoff(attempt)):
            case <-ctx.Done():
                return ctx.Err()
            }
        }
        err := s.runTx(ctx, fn)
        if err == nil { return nil }
        if !retryableTxError(err) { return err }
        last = err
    }
    return fmt.Errorf("transaction retries exhausted after %d attempts: %w", s.txRetries, last)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
    tx, err := s.pool.Begin(ctx)
    if err != nil { return err }
    defer func() { _ = tx.Rollback(ctx) }()
    if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil { return err }
    return tx.Commit(ctx)
}

// retryableTxError reports whether the transaction failed in a way that
// a replay can fix: deadlock_detected or serialization_failure.
func retryableTxError(err error) bool {
    var pgErr *pgconn.PgError
    if !errors.As(err, &pgErr) { return false }
    return pgErr.Code == "40P01" || pgErr.Code == "40001"
}

// retryBackoff doubles per attempt from a 25ms base with up to 50%
// jitter so colliding workers do not retry in lockstep.
func retryBackoff(attempt int) time.Duration {
    base := time.Duration(1<<uint(attempt)) * 25 * time.Millisecond
    return base + time.Duration(rand.Int63n(int64(base)))/2
}

// --- Accounts ---

const accountColumns = `id, owner_name, currency, balance_minor_units, status, version, created_at, updated_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
    var a ledger.Account
    var minor int64
    err := row.Scan(&a.ID, &a.OwnerName, &a.Currency, &minor, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
    if err != nil { return ledger.Account{}, err }
    a.Balance = ledger.Money{MinorUnits: minor, Currency: a.Currency}
    return a, nil
}

// GetAccount returns the account or errs.ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    row := s.db(ctx).QueryRow(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
    a, err := scanAccount(row)
    if errors.Is(err, pgx.ErrNoRows) {
        return ledger.Account{}, fmt.Errorf("account %s: %w", id, errs.ErrAccountNotFound)
    }
    return a, err
}

// GetAccountForUpdate locks the account row for the open transaction.
// Callers lock accounts in ascending ID order to stay deadlock-free.
func (s *Store) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    row := s.db(ctx).QueryRow(ctx, `select `+accountColumns+` from accounts where id = $1 for update`, id)
    a, err := scanAccount(row)
    if errors.Is(err, pgx.ErrNoRows) {
        return ledger.Account{}, fmt.Errorf("account %s: %w", id, errs.ErrAccountNotFound)
    }
    return a, err
}

// SaveAccount upserts the account. Updates must carry a version strictly
// above the stored one; a zero-row update means the caller raced past
// the row lock with a stale aggregate, which is a bug worth a loud error.
func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
    ct, err := s.db(ctx).Exec(ctx, `
        insert into accounts (id, owner_name, currency, balance_minor_units, status, version, created_at, updated_at)
        values ($1,$2,$3,$4,$5,$6,$7,$8)
        on conflict (id) do update set
            balance_minor_units = excluded.balance_minor_units,
            status = excluded.status,
            version = excluded.version,
            updated_at = excluded.updated_at
        where accounts.version < excluded.version
    `, a.ID, a.OwnerName, a.Currency, a.Balance.MinorUnits, a.Status, a.Version, a.CreatedAt, a.UpdatedAt)
    if err != nil { return err }
    if ct.RowsAffected() == 0 {
        return fmt.Errorf("account %s: stale version %d not applied", a.ID, a.Version)
    }
    return nil
}

// IterateAccounts pages all accounts in ID order using keyset pagination:
// pass the last ID of the previous batch as afterID, uuid.Nil to start.
func (s *Store) IterateAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]ledger.Account, error) {
    var rows pgx.Rows
    var err error
    if afterID == uuid.Nil {
        rows, err = s.db(ctx).Query(ctx, `select `+accountColumns+` from accounts order by id limit $1`, limit)
    } else {
        rows, err = s.db(ctx).Query(ctx, `select `+accountColumns+` from accounts where id > $1 order by id limit $2`, afterID, limit)
    }
    if err != nil { return nil, err }
    defer rows.Close()
    out := make([]ledger.Account, 0, limit)
    for rows.Next() {
        a, err := scanAccount(rows)
        if err != nil { return nil, err }
        out = append(out, a)
    }
    return out, rows.Err()
}

// --- Transfers ---

const transferColumns = `id, reference, source_account_id, destination_account_id, amount_minor_units, currency,
        status, description, metadata, failure_code, failure_reason, completed_at, failed_at, reversed_at, version, created_at, updated_at`

func scanTransfer(row pgx.Row) (ledger.Transfer, error) {
    var t ledger.Transfer
    var minor int64
    var currency string
    var metadata []byte
    err := row.Scan(&t.ID, &t.Reference, &t.SourceAccountID, &t.DestinationAccountID, &minor, &currency,
        &t.Status, &t.Description, &metadata, &t.FailureCode, &t.FailureReason, &t.CompletedAt, &t.FailedAt, &t.ReversedAt,
        &t.Version, &t.CreatedAt, &t.UpdatedAt)
    if err != nil { return ledger.Transfer{}, err }
    t.Amount = ledger.Money{MinorUnits: minor, Currency: currency}
    if len(metadata) > 0 {
        if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
            return ledger.Transfer{}, fmt.Errorf("transfer %s: decode metadata: %w", t.ID, err)
        }
    }
    return t, nil
}

// GetTransfer returns the transfer or errs.ErrTransferNotFound.
func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (ledger.Transfer, error) {
    row := s.db(ctx).QueryRow(ctx, `select `+transferColumns+` from transfers where id = $1`, id)
    t, err := scanTransfer(row)
    if errors.Is(err, pgx.ErrNoRows) {
        return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, errs.ErrTransferNotFound)
    }
    return t, err
}

// GetTransferForUpdate locks the transfer row so concurrent reversals of
// the same transfer serialise instead of double-posting.
func (s *Store) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transfer, error) {
    row := s.db(ctx).QueryRow(ctx, `select `+transferColumns+` from transfers where id = $1 for update`, id)
    t, err := scanTransfer(row)
    if errors.Is(err, pgx.ErrNoRows) {
        return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, errs.ErrTransferNotFound)
    }
    return t, err
}

// SaveTransfer upserts the transfer with the same stale-version guard as
// SaveAccount. The first save of each transfer carries version 0.
func (s *Store) SaveTransfer(ctx context.Context, t ledger.Transfer) error {
    metadata, err := t.Metadata.MarshalStableJSON()
    if err != nil { return fmt.Errorf("transfer %s: encode metadata: %w", t.ID, err) }
    ct, err := s.db(ctx).Exec(ctx, `
        insert into transfers (id, reference, source_account_id, destination_account_id, amount_minor_units, currency,
            status, description, metadata, failure_code, failure_reason, completed_at, failed_at, reversed_at, version, created_at, updated_at)
        values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
        on conflict (id) do update set
            status = excluded.status,
            failure_code = excluded.failure_code,
            failure_reason = excluded.failure_reason,
            completed_at = excluded.completed_at,
            failed_at = excluded.failed_at,
            reversed_at = excluded.reversed_at,
            version = excluded.version,
            updated_at = excluded.updated_at
        where transfers.version < excluded.version
    `, t.ID, t.Reference, t.SourceAccountID, t.DestinationAccountID, t.Amount.MinorUnits, t.Amount.Currency,
        t.Status, t.Description, metadata, t.FailureCode, t.FailureReason, t.CompletedAt, t.FailedAt, t.ReversedAt,
        t.Version, t.CreatedAt, t.UpdatedAt)
    if err != nil { return err }
    if ct.RowsAffected() == 0 {
        return fmt.Errorf("transfer %s: stale version %d not applied", t.ID, t.Version)
    }
    return nil
}

// ListTransfers returns transfers newest-first (UUIDv7 IDs order by
// creation time), optionally filtered by status, paged 1-based.
func (s *Store) ListTransfers(ctx context.Context, status string, page, perPage int) ([]ledger.Transfer, error) {
    offset := (page - 1) * perPage
    var rows pgx.Rows
    var err error
    if status == "" {
        rows, err = s.db(ctx).Query(ctx, `
            select `+transferColumns+` from transfers
            order by id desc limit $1 offset $2
        `, perPage, offset)
    } else {
        rows, err = s.db(ctx).Query(ctx, `
            select `+transferColumns+` from transfers
            where status = $1
            order by id desc limit $2 offset $3
        `, status, perPage, offset)
    }
    if err != nil { return nil, err }
    defer rows.Close()
    return collectTransfers(rows, perPage)
}

// ListAccountTransfers returns transfers where the account is either leg,
// newest-first.
func (s *Store) ListAccountTransfers(ctx context.Context, accountID uuid.UUID, page, perPage int) ([]ledger.Transfer, error) {
    offset := (page - 1) * perPage
    rows, err := s.db(ctx).Query(ctx, `
        select `+transferColumns+` from transfers
        where source_account_id = $1 or destination_account_id = $1
        order by id desc limit $2 offset $3
    `, accountID, perPage, offset)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectTransfers(rows, perPage)
}

func collectTransfers(rows pgx.Rows, capHint int) ([]ledger.Transfer, error) {
    out := make([]ledger.Transfer, 0, capHint)
    for rows.Next() {
        t, err := scanTransfer(rows)
        if err != nil { return nil, err }
        out = append(out, t)
    }
    return out, rows.Err()
}

// --- Ledger entries ---

const entryColumns = `id, account_id, counterparty_account_id, transfer_id, entry_type, transfer_kind,
        amount_minor_units, currency, balance_after_minor_units, occurred_at, created_at`

func scanEntry(row pgx.Row) (ledger.Entry, error) {
    var e ledger.Entry
    err := row.Scan(&e.ID, &e.AccountID, &e.CounterpartyAccountID, &e.TransferID, &e.Type, &e.Kind,
        &e.AmountMinorUnits, &e.Currency, &e.BalanceAfterMinorUnits, &e.OccurredAt, &e.CreatedAt)
    if err != nil { return ledger.Entry{}, err }
    return e, nil
}

// AppendEntry inserts an immutable ledger row. The unique
// (account, transfer, entry_type) index turns a retried append into a
// no-op, so the posting path cannot double-write a leg. There is no
// update or delete counterpart on purpose.
func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
    if e.AmountMinorUnits <= 0 {
        return fmt.Errorf("entry %s: amount %d: %w", e.ID, e.AmountMinorUnits, errs.ErrInvalidTransferAmount)
    }
    _, err := s.db(ctx).Exec(ctx, `
        insert into ledger_entries (id, account_id, counterparty_account_id, transfer_id, entry_type, transfer_kind,
            amount_minor_units, currency, balance_after_minor_units, occurred_at, created_at)
        values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        on conflict (account_id, transfer_id, entry_type) do nothing
    `, e.ID, e.AccountID, e.CounterpartyAccountID, e.TransferID, e.Type, e.Kind,
        e.AmountMinorUnits, e.Currency, e.BalanceAfterMinorUnits, e.OccurredAt, e.CreatedAt)
    return err
}

// EntriesByTransfer returns every leg written under a transfer id, in
// posting order: by occurrence, debit before credit on ties.
func (s *Store) EntriesByTransfer(ctx context.Context, transferID uuid.UUID) ([]ledger.Entry, error) {
    rows, err := s.db(ctx).Query(ctx, `
        select `+entryColumns+` from ledger_entries
        where transfer_id = $1
        order by occurred_at, (entry_type = 'debit') desc
    `, transferID)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectEntries(rows)
}

// EntriesByAccountAndRange pages an account's entries newest-first,
// bounded by the optional [from, to] occurrence window.
func (s *Store) EntriesByAccountAndRange(ctx context.Context, accountID uuid.UUID, from, to *time.Time, page, perPage int) ([]ledger.Entry, error) {
    offset := (page - 1) * perPage
    rows, err := s.db(ctx).Query(ctx, `
        select `+entryColumns+` from ledger_entries
        where account_id = $1
          and ($2::timestamptz is null or occurred_at >= $2)
          and ($3::timestamptz is null or occurred_at <= $3)
        order by occurred_at desc, id desc
        limit $4 offset $5
    `, accountID, from, to, perPage, offset)
    if err != nil { return nil, err }
    defer rows.Close()
    return collectEntries(rows)
}

// LastEntryBefore returns the newest entry strictly before at.
func (s *Store) LastEntryBefore(ctx context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error) {
    row := s.db(ctx).QueryRow(ctx, `
        select `+entryColumns+` from ledger_entries
        where account_id = $1 and occurred_at < $2
        order by occurred_at desc, id desc
        limit 1
    `, accountID, at)
    e, err := scanEntry(row)
    if errors.Is(err, pgx.ErrNoRows) { return ledger.Entry{}, false, nil }
    if err != nil { return ledger.Entry{}, false, err }
    return e, true, nil
}

// LastEntryAtOrBefore returns the newest entry at or before at.
func (s *Store) LastEntryAtOrBefore(ctx context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error) {
    row := s.db(ctx).QueryRow(ctx, `
        select `+entryColumns+` from ledger_entries
        where account_id = $1 and occurred_at <= $2
        order by occurred_at desc, id desc
        limit 1
    `, accountID, at)
    e, err := scanEntry(row)
    if errors.Is(err, pgx.ErrNoRows) { return ledger.Entry{}, false, nil }
    if err != nil { return ledger.Entry{}, false, err }
    return e, true, nil
}

// LedgerBalance folds an account's entries into (credits - debits) and
// reports how many rows were folded. Reconciliation compares the sum to
// the cached account balance.
func (s *Store) LedgerBalance(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
    var sum, n int64
    err := s.db(ctx).QueryRow(ctx, `
        select
            coalesce(sum(case when entry_type = 'credit' then amount_minor_units else -amount_minor_units end), 0),
            count(*)
        from ledger_entries
        where account_id = $1
    `, accountID).Scan(&sum, &n)
    return sum, n, err
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
    out := make([]ledger.Entry, 0)
    for rows.Next() {
        e, err := scanEntry(rows)
        if err != nil { return nil, err }
        out = append(out, e)
    }
    return out, rows.Err()
}

// SeedDev inserts two demo accounts (a funded Alice, an empty Bob) plus
// Alice's bootstrap credit for quick local testing. Fixed IDs and
// conflict-free inserts make reruns harmless.
func (s *Store) SeedDev(ctx context.Context) (ledger.Account, ledger.Account, error) {
    now := time.Now().UTC()
    alice := ledger.Account{
        ID:        uuid.MustParse("11111111-1111-1111-1111-111111111111"),
        OwnerName: "Alice Demo",
        Currency:  "USD",
        Balance:   ledger.Money{MinorUnits: 1_000_00, Currency: "USD"},
        Status:    ledger.AccountStatusActive,
        CreatedAt: now,
        UpdatedAt: now,
    }
    bob := ledger.Account{
        ID:        uuid.MustParse("22222222-2222-2222-2222-222222222222"),
        OwnerName: "Bob Demo",
        Currency:  "USD",
        Balance:   ledger.Money{Currency: "USD"},
        Status:    ledger.AccountStatusActive,
        CreatedAt: now,
        UpdatedAt: now,
    }
    tx, err := s.pool.Begin(ctx)
    if err != nil { return ledger.Account{}, ledger.Account{}, err }
    defer func() { _ = tx.Rollback(ctx) }()
    for _, a := range []ledger.Account{alice, bob} {
        if _, err := tx.Exec(ctx, `
            insert into accounts (id, owner_name, currency, balance_minor_units, status, version, created_at, updated_at)
            values ($1,$2,$3,$4,$5,$6,$7,$8)
            on conflict (id) do nothing
        `, a.ID, a.OwnerName, a.Currency, a.Balance.MinorUnits, a.Status, a.Version, a.CreatedAt, a.UpdatedAt); err != nil {
            return ledger.Account{}, ledger.Account{}, err
        }
    }
    if _, err := tx.Exec(ctx, `
        insert into ledger_entries (id, account_id, counterparty_account_id, transfer_id, entry_type, transfer_kind,
            amount_minor_units, currency, balance_after_minor_units, occurred_at, created_at)
        values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        on conflict (account_id, transfer_id, entry_type) do nothing
    `, uuid.New(), alice.ID, ledger.SystemAccountID, ledger.BootstrapTransferID, ledger.EntryCredit, ledger.KindBootstrap,
        alice.Balance.MinorUnits, alice.Currency, alice.Balance.MinorUnits, now, now); err != nil {
        return ledger.Account{}, ledger.Account{}, err
    }
    if err := tx.Commit(ctx); err != nil { return ledger.Account{}, ledger.Account{}, err }
    return alice, bob, nil
}
