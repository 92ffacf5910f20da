package memory

// Package memory provides a simple in-memory implementation used for development and tests.
// It keeps code paths easy to follow while mirroring the semantics of the postgres store:
// transactional closures roll back on error, entry appends are idempotent, and outbox
// claims hand disjoint batches to concurrent processors.
import (
    "context"
    "fmt"
    "maps"
    "slices"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/errs"
    "github.com/veslink/transferd/internal/ledger"
)

// entryKey is the idempotency triple for ledger rows: one debit and one
// credit per (account, transfer).
type entryKey struct {
    AccountID  uuid.UUID
    TransferID uuid.UUID
    Type       ledger.EntryType
}

// Store is an in-memory implementation of every repository the services
// and the HTTP layer consume. It is guarded by an RWMutex for concurrent
// reads/writes; transactions serialise on a second mutex and roll back by
// restoring a snapshot taken at WithinTx entry.
type Store struct {
    mu        sync.RWMutex
    accounts  map[uuid.UUID]ledger.Account
    transfers map[uuid.UUID]ledger.Transfer
    entries   []ledger.Entry
    entrySet  map[entryKey]struct{}
    outbox    []ledger.OutboxEvent
    idem      map[string]ledger.IdempotencyRecord

    txMu sync.Mutex

    idemLockMu sync.Mutex
    idemLocks  map[string]*sync.Mutex
}

// New constructs an empty in-memory store.
func New() *Store {
    return &Store{
        accounts:  make(map[uuid.UUID]ledger.Account),
        transfers: make(map[uuid.UUID]ledger.Transfer),
        entrySet:  make(map[entryKey]struct{}),
        idem:      make(map[string]ledger.IdempotencyRecord),
        idemLocks: make(map[string]*sync.Mutex),
    }
}

// Seed helpers for local dev/tests.
func (s *Store) SeedAccount(a ledger.Account)   { s.mu.Lock(); s.accounts[a.ID] = a; s.mu.Unlock() }
func (s *Store) SeedTransfer(t ledger.Transfer) { s.mu.Lock(); s.transfers[t.ID] = t; s.mu.Unlock() }
func (s *Store) Reset() {
    s.mu.Lock()
    s.accounts = map[uuid.UUID]ledger.Account{}
    s.transfers = map[uuid.UUID]ledger.Transfer{}
    s.entries = nil
    s.entrySet = map[entryKey]struct{}{}
    s.outbox = nil
    s.idem = map[string]ledger.IdempotencyRecord{}
    s.mu.Unlock()
}

// Ready reports whether the store can serve requests. Always true for
// the in-memory backend; it exists so readiness probes can duck-type it.
func (s *Store) Ready(_ context.Context) error { return nil }

type snapshot struct {
    accounts  map[uuid.UUID]ledger.Account
    transfers map[uuid.UUID]ledger.Transfer
    entries   []ledger.Entry
    entrySet  map[entryKey]struct{}
    outbox    []ledger.OutboxEvent
    idem      map[string]ledger.IdempotencyRecord
}

// WithinTx serialises the closure against all other transactions and
// restores the pre-transaction state when it returns an error. The
// closure must be safe to replay: the postgres twin retries it on
// deadlock, so callers cannot rely on single execution.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
    s.txMu.Lock()
    defer s.txMu.Unlock()

    s.mu.Lock()
    snap := snapshot{
        accounts:  maps.Clone(s.accounts),
        transfers: maps.Clone(s.transfers),
        entries:   slices.Clone(s.entries),
        entrySet:  maps.Clone(s.entrySet),
        outbox:    slices.Clone(s.outbox),
        idem:      maps.Clone(s.idem),
    }
    s.mu.Unlock()

    if err := fn(ctx); err != nil {
        s.mu.Lock()
        s.accounts = snap.accounts
        s.transfers = snap.transfers
        s.entries = snap.entries
        s.entrySet = snap.entrySet
        s.outbox = snap.outbox
        s.idem = snap.idem
        s.mu.Unlock()
        return err
    }
    return nil
}

// GetAccount returns the account or errs.ErrAccountNotFound.
func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (ledger.Account, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    a, ok := s.accounts[id]
    if !ok {
        return ledger.Account{}, fmt.Errorf("account %s: %w", id, errs.ErrAccountNotFound)
    }
    return a, nil
}

// GetAccountForUpdate is GetAccount for the in-memory backend: row locks
// are meaningless here because WithinTx already serialises writers.
func (s *Store) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
    return s.GetAccount(ctx, id)
}

// SaveAccount upserts by ID. Saves must carry a version strictly above
// the stored one; a stale save means a caller skipped the lock.
func (s *Store) SaveAccount(_ context.Context, a ledger.Account) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if prev, ok := s.accounts[a.ID]; ok && a.Version <= prev.Version {
        return fmt.Errorf("account %s: stale version %d (stored %d)", a.ID, a.Version, prev.Version)
    }
    s.accounts[a.ID] = a
    return nil
}

// GetTransfer returns the transfer or errs.ErrTransferNotFound.
func (s *Store) GetTransfer(_ context.Context, id uuid.UUID) (ledger.Transfer, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    t, ok := s.transfers[id]
    if !ok {
        return ledger.Transfer{}, fmt.Errorf("transfer %s: %w", id, errs.ErrTransferNotFound)
    }
    return t, nil
}

func (s *Store) GetTransferForUpdate(ctx context.Context, id uuid.UUID) (ledger.Transfer, error) {
    return s.GetTransfer(ctx, id)
}

// SaveTransfer upserts by ID with the same stale-version guard as
// SaveAccount. The first save of a transfer carries version 0. Metadata
// is cloned so stored rows never alias a caller's map.
func (s *Store) SaveTransfer(_ context.Context, tr ledger.Transfer) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if prev, ok := s.transfers[tr.ID]; ok && tr.Version <= prev.Version {
        return fmt.Errorf("transfer %s: stale version %d (stored %d)", tr.ID, tr.Version, prev.Version)
    }
    tr.Metadata = tr.Metadata.Clone()
    s.transfers[tr.ID] = tr
    return nil
}

// ListTransfers returns transfers newest-first, optionally filtered by
// status, paged 1-based.
func (s *Store) ListTransfers(_ context.Context, status string, page, perPage int) ([]ledger.Transfer, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return pageTransfers(s.collectTransfers(func(t ledger.Transfer) bool {
        return status == "" || string(t.Status) == status
    }), page, perPage), nil
}

// ListAccountTransfers returns transfers where the account is source or
// destination, newest-first.
func (s *Store) ListAccountTransfers(_ context.Context, accountID uuid.UUID, page, perPage int) ([]ledger.Transfer, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return pageTransfers(s.collectTransfers(func(t ledger.Transfer) bool {
        return t.SourceAccountID == accountID || t.DestinationAccountID == accountID
    }), page, perPage), nil
}

// collectTransfers filters under the caller's read lock and sorts
// newest-first. Transfer IDs are UUIDv7 so ID order is time order.
func (s *Store) collectTransfers(keep func(ledger.Transfer) bool) []ledger.Transfer {
    out := make([]ledger.Transfer, 0, len(s.transfers))
    for _, t := range s.transfers {
        if keep(t) { out = append(out, t) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID.String() > out[j].ID.String() })
    return out
}

func pageTransfers(all []ledger.Transfer, page, perPage int) []ledger.Transfer {
    start := (page - 1) * perPage
    if start >= len(all) {
        return []ledger.Transfer{}
    }
    end := start + perPage
    if end > len(all) { end = len(all) }
    return slices.Clone(all[start:end])
}

// AppendEntry inserts an immutable ledger row. A second append with the
// same (account, transfer, type) triple is a silent no-op so retried
// postings cannot double-write. Amounts must be positive.
func (s *Store) AppendEntry(_ context.Context, e ledger.Entry) error {
    if e.AmountMinorUnits <= 0 {
        return fmt.Errorf("entry %s: amount %d: %w", e.ID, e.AmountMinorUnits, errs.ErrInvalidTransferAmount)
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    k := entryKey{AccountID: e.AccountID, TransferID: e.TransferID, Type: e.Type}
    if _, dup := s.entrySet[k]; dup {
        return nil
    }
    s.entrySet[k] = struct{}{}
    s.entries = append(s.entries, e)
    return nil
}

// EntriesByTransfer returns both legs of a transfer (and of its
// reversal) ordered by occurrence, debit leg first on ties.
func (s *Store) EntriesByTransfer(_ context.Context, transferID uuid.UUID) ([]ledger.Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := []ledger.Entry{}
    for _, e := range s.entries {
        if e.TransferID == transferID { out = append(out, e) }
    }
    sortEntriesAsc(out)
    return out, nil
}

// EntriesByAccountAndRange pages an account's entries newest-first,
// bounded by the optional [from, to] occurrence window.
func (s *Store) EntriesByAccountAndRange(_ context.Context, accountID uuid.UUID, from, to *time.Time, page, perPage int) ([]ledger.Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    all := []ledger.Entry{}
    for _, e := range s.entries {
        if e.AccountID != accountID {
            continue
        }
        if from != nil && e.OccurredAt.Before(*from) {
            continue
        }
        if to != nil && e.OccurredAt.After(*to) {
            continue
        }
        all = append(all, e)
    }
    sort.Slice(all, func(i, j int) bool {
        if !all[i].OccurredAt.Equal(all[j].OccurredAt) {
            return all[i].OccurredAt.After(all[j].OccurredAt)
        }
        return all[i].ID.String() > all[j].ID.String()
    })
    start := (page - 1) * perPage
    if start >= len(all) {
        return []ledger.Entry{}, nil
    }
    end := start + perPage
    if end > len(all) { end = len(all) }
    return slices.Clone(all[start:end]), nil
}

// LastEntryBefore returns the newest entry strictly before at.
func (s *Store) LastEntryBefore(_ context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.lastEntry(accountID, func(t time.Time) bool { return t.Before(at) })
}

// LastEntryAtOrBefore returns the newest entry at or before at.
func (s *Store) LastEntryAtOrBefore(_ context.Context, accountID uuid.UUID, at time.Time) (ledger.Entry, bool, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.lastEntry(accountID, func(t time.Time) bool { return !t.After(at) })
}

func (s *Store) lastEntry(accountID uuid.UUID, in func(time.Time) bool) (ledger.Entry, bool, error) {
    var best ledger.Entry
    found := false
    for _, e := range s.entries {
        if e.AccountID != accountID || !in(e.OccurredAt) {
            continue
        }
        if !found || e.OccurredAt.After(best.OccurredAt) ||
            (e.OccurredAt.Equal(best.OccurredAt) && e.ID.String() > best.ID.String()) {
            best, found = e, true
        }
    }
    return best, found, nil
}

// LedgerBalance folds an account's entries into (credits - debits) and
// reports how many rows were folded. Reconciliation compares the sum to
// the cached account balance.
func (s *Store) LedgerBalance(_ context.Context, accountID uuid.UUID) (int64, int64, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    var sum, n int64
    for _, e := range s.entries {
        if e.AccountID != accountID {
            continue
        }
        n++
        if e.Type == ledger.EntryCredit {
            sum += e.AmountMinorUnits
        } else {
            sum -= e.AmountMinorUnits
        }
    }
    return sum, n, nil
}

// IterateAccounts pages the account set in ID order using keyset
// pagination: pass the last ID of the previous batch as afterID.
func (s *Store) IterateAccounts(_ context.Context, afterID uuid.UUID, limit int) ([]ledger.Account, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    ids := make([]string, 0, len(s.accounts))
    byID := make(map[string]ledger.Account, len(s.accounts))
    for id, a := range s.accounts {
        ids = append(ids, id.String())
        byID[id.String()] = a
    }
    sort.Strings(ids)
    out := []ledger.Account{}
    for _, id := range ids {
        if afterID != uuid.Nil && id <= afterID.String() {
            continue
        }
        out = append(out, byID[id])
        if len(out) == limit {
            break
        }
    }
    return out, nil
}

func sortEntriesAsc(entries []ledger.Entry) {
    sort.Slice(entries, func(i, j int) bool {
        if !entries[i].OccurredAt.Equal(entries[j].OccurredAt) {
            return entries[i].OccurredAt.Before(entries[j].OccurredAt)
        }
        return entries[i].Type == ledger.EntryDebit && entries[j].Type == ledger.EntryCredit
    })
}

// EnqueueOutbox appends an event row awaiting publication.
func (s *Store) EnqueueOutbox(_ context.Context, ev ledger.OutboxEvent) error {
    s.mu.Lock()
    s.outbox = append(s.outbox, ev)
    s.mu.Unlock()
    return nil
}

// ClaimUnpublished returns up to limit unpublished events with fewer
// than maxAttempts delivery attempts, oldest first. Callers must claim
// inside WithinTx; the transaction mutex is what keeps two processors
// from claiming the same rows, standing in for FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimUnpublished(_ context.Context, limit, maxAttempts int) ([]ledger.OutboxEvent, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := []ledger.OutboxEvent{}
    for _, ev := range s.unpublishedAsc() {
        if ev.AttemptCount >= maxAttempts {
            continue
        }
        out = append(out, ev)
        if len(out) == limit {
            break
        }
    }
    return out, nil
}

// MarkPublished stamps the publication time. Publishing is terminal: a
// second call is a no-op.
func (s *Store) MarkPublished(_ context.Context, id uuid.UUID) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    for i := range s.outbox {
        if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil {
            now := time.Now().UTC()
            s.outbox[i].PublishedAt = &now
            return nil
        }
    }
    return nil
}

// MarkFailed increments the attempt count and records the truncated
// publisher error.
func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    for i := range s.outbox {
        if s.outbox[i].ID == id {
            s.outbox[i].AttemptCount++
            s.outbox[i].LastError = ledger.TruncateError(msg)
            return nil
        }
    }
    return nil
}

// FindDeadLettered lists unpublished events that exhausted their
// attempts, oldest first. A non-nil id narrows the search to one event.
func (s *Store) FindDeadLettered(_ context.Context, minAttempts, limit int, id uuid.UUID) ([]ledger.OutboxEvent, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := []ledger.OutboxEvent{}
    for _, ev := range s.unpublishedAsc() {
        if ev.AttemptCount < minAttempts {
            continue
        }
        if id != uuid.Nil && ev.ID != id {
            continue
        }
        out = append(out, ev)
        if len(out) == limit {
            break
        }
    }
    return out, nil
}

// ResetForRequeue zeroes the attempt counter of one unpublished event so
// the processor picks it up again. Published events cannot be requeued.
func (s *Store) ResetForRequeue(_ context.Context, id uuid.UUID) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    for i := range s.outbox {
        if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil {
            s.outbox[i].AttemptCount = 0
            s.outbox[i].LastError = ""
            return nil
        }
    }
    return fmt.Errorf("outbox event %s: %w", id, errs.ErrOutboxEventNotFound)
}

// ResetDeadLetters requeues every unpublished event with at least
// minAttempts attempts and reports how many were reset.
func (s *Store) ResetDeadLetters(_ context.Context, minAttempts int) (int64, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    var n int64
    for i := range s.outbox {
        if s.outbox[i].PublishedAt == nil && s.outbox[i].AttemptCount >= minAttempts {
            s.outbox[i].AttemptCount = 0
            s.outbox[i].LastError = ""
            n++
        }
    }
    return n, nil
}

// CountStuck counts unpublished events older than the cutoff. Monitoring
// alerts on this going non-zero.
func (s *Store) CountStuck(_ context.Context, olderThan time.Duration) (int64, error) {
    cutoff := time.Now().UTC().Add(-olderThan)
    s.mu.RLock()
    defer s.mu.RUnlock()
    var n int64
    for _, ev := range s.outbox {
        if ev.PublishedAt == nil && ev.CreatedAt.Before(cutoff) {
            n++
        }
    }
    return n, nil
}

// OutboxStats summarises queue health for the operator CLI. Dead letters
// are unpublished rows at or past minAttempts.
type OutboxStats struct {
    Unpublished int64
    Published   int64
    DeadLetters int64
}

func (s *Store) OutboxStats(_ context.Context, minAttempts int) (OutboxStats, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    var st OutboxStats
    for _, ev := range s.outbox {
        if ev.PublishedAt != nil {
            st.Published++
            continue
        }
        st.Unpublished++
        if ev.AttemptCount >= minAttempts {
            st.DeadLetters++
        }
    }
    return st, nil
}

func (s *Store) unpublishedAsc() []ledger.OutboxEvent {
    out := make([]ledger.OutboxEvent, 0, len(s.outbox))
    for _, ev := range s.outbox {
        if ev.PublishedAt == nil {
            out = append(out, ev)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
    return out
}

// GetIdempotencyRecord returns the stored response for a key. Expired
// records are treated as absent.
func (s *Store) GetIdempotencyRecord(_ context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    rec, ok := s.idem[key]
    if !ok || rec.Expired(time.Now().UTC()) {
        return ledger.IdempotencyRecord{}, false, nil
    }
    return rec, true, nil
}

// PutIdempotencyRecord stores a response for replay. A live record wins
// over the new one (first writer keeps the slot); an expired record is
// overwritten.
func (s *Store) PutIdempotencyRecord(_ context.Context, rec ledger.IdempotencyRecord) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if prev, ok := s.idem[rec.Key]; ok && !prev.Expired(time.Now().UTC()) {
        return nil
    }
    s.idem[rec.Key] = rec
    return nil
}

// LockIdempotencyKey serialises concurrent requests carrying the same
// key. The returned func releases the lock and must always be called.
func (s *Store) LockIdempotencyKey(_ context.Context, key string) (func(), error) {
    s.idemLockMu.Lock()
    l, ok := s.idemLocks[key]
    if !ok {
        l = &sync.Mutex{}
        s.idemLocks[key] = l
    }
    s.idemLockMu.Unlock()
    l.Lock()
    return l.Unlock, nil
}

// PurgeExpiredIdempotency drops expired records so long-running dev
// processes do not grow without bound. The postgres twin relies on
// expires_at checks plus external cleanup instead.
func (s *Store) PurgeExpiredIdempotency(_ context.Context) int {
    now := time.Now().UTC()
    s.mu.Lock()
    defer s.mu.Unlock()
    n := 0
    for k, rec := range s.idem {
        if rec.Expired(now) {
            delete(s.idem, k)
            n++
        }
    }
    return n
}

// SeedDev loads two demo accounts so the API is usable out of the box: a
// funded source and an empty destination.
func (s *Store) SeedDev() (ledger.Account, ledger.Account) {
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
    seed := ledger.Entry{
        ID:                     uuid.New(),
        AccountID:              alice.ID,
        CounterpartyAccountID:  ledger.SystemAccountID,
        TransferID:             ledger.BootstrapTransferID,
        Type:                   ledger.EntryCredit,
        Kind:                   ledger.KindBootstrap,
        AmountMinorUnits:       alice.Balance.MinorUnits,
        Currency:               alice.Currency,
        BalanceAfterMinorUnits: alice.Balance.MinorUnits,
        OccurredAt:             now,
        CreatedAt:              now,
    }
    s.SeedAccount(alice)
    s.SeedAccount(bob)
    _ = s.AppendEntry(context.Background(), seed)
    return alice, bob
}
