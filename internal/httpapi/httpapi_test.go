package httpapi

import (
    "encoding/json"
    "fmt"
    "io"
    "log/slog"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/service/account"
    "github.com/veslink/transferd/internal/service/posting"
    "github.com/veslink/transferd/internal/service/transfer"
    "github.com/veslink/transferd/internal/storage/memory"
)

func testLogger() *slog.Logger {
    return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func setup(t *testing.T) (http.Handler, *memory.Store) {
    t.Helper()
    store := memory.New()
    accounts := account.New(store, store)
    transfers := transfer.New(store, store, posting.New(store, store))
    srv := New(accounts, transfers, store, testLogger(), time.Hour)
    return srv.Handler(), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
    t.Helper()
    var rd io.Reader
    if body != "" {
        rd = strings.NewReader(body)
    }
    req := httptest.NewRequest(method, path, rd)
    if body != "" {
        req.Header.Set("Content-Type", "application/json")
    }
    for k, v := range hdr {
        req.Header.Set(k, v)
    }
    rec := httptest.NewRecorder()
    h.ServeHTTP(rec, req)
    return rec
}

type apiAccount struct {
    ID           string `json:"id"`
    OwnerName    string `json:"owner_name"`
    Currency     string `json:"currency"`
    BalanceMinor int64  `json:"balance_minor"`
    Balance      string `json:"balance"`
    Status       string `json:"status"`
    Version      int64  `json:"version"`
}

type apiTransfer struct {
    ID            string            `json:"id"`
    Reference     string            `json:"reference"`
    Status        string            `json:"status"`
    AmountMinor   int64             `json:"amount_minor"`
    Metadata      map[string]string `json:"metadata"`
    FailureCode   string            `json:"failure_code"`
    FailureReason string            `json:"failure_reason"`
}

type apiEntry struct {
    AccountID         string `json:"account_id"`
    TransferID        string `json:"transfer_id"`
    Type              string `json:"type"`
    Kind              string `json:"kind"`
    AmountMinor       int64  `json:"amount_minor"`
    BalanceAfterMinor int64  `json:"balance_after_minor"`
}

type apiError struct {
    Code    string `json:"code"`
    Message string `json:"message"`
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
    t.Helper()
    var env struct {
        Data json.RawMessage `json:"data"`
    }
    if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
        t.Fatalf("decode envelope: %v: %s", err, rec.Body.String())
    }
    if err := json.Unmarshal(env.Data, v); err != nil {
        t.Fatalf("decode data: %v: %s", err, rec.Body.String())
    }
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) apiError {
    t.Helper()
    var env struct {
        Error apiError `json:"error"`
    }
    if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
        t.Fatalf("decode error envelope: %v: %s", err, rec.Body.String())
    }
    return env.Error
}

func openAccount(t *testing.T, h http.Handler, owner, currency string, initial int64) apiAccount {
    t.Helper()
    body := fmt.Sprintf(`{"owner_name":%q,"currency":%q,"initial_balance_minor":%d}`, owner, currency, initial)
    rec := doJSON(t, h, http.MethodPost, "/v1/accounts", body, map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("open account: %d: %s", rec.Code, rec.Body.String())
    }
    var a apiAccount
    decodeData(t, rec, &a)
    return a
}

func getAccount(t *testing.T, h http.Handler, id string) apiAccount {
    t.Helper()
    rec := doJSON(t, h, http.MethodGet, "/v1/accounts/"+id, "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("get account: %d: %s", rec.Code, rec.Body.String())
    }
    var a apiAccount
    decodeData(t, rec, &a)
    return a
}

func transferBody(src, dst string, amount int64, currency string) string {
    return fmt.Sprintf(`{"source_account_id":%q,"destination_account_id":%q,"amount_minor":%d,"currency":%q}`, src, dst, amount, currency)
}

func listTransfers(t *testing.T, h http.Handler, query string) []apiTransfer {
    t.Helper()
    rec := doJSON(t, h, http.MethodGet, "/v1/transfers"+query, "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("list transfers: %d: %s", rec.Code, rec.Body.String())
    }
    var out struct {
        Items []apiTransfer `json:"items"`
    }
    decodeData(t, rec, &out)
    return out.Items
}

func transferEntries(t *testing.T, h http.Handler, id string) []apiEntry {
    t.Helper()
    rec := doJSON(t, h, http.MethodGet, "/v1/transfers/"+id+"/entries", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("transfer entries: %d: %s", rec.Code, rec.Body.String())
    }
    var out struct {
        Items []apiEntry `json:"items"`
    }
    decodeData(t, rec, &out)
    return out.Items
}

func TestOpenAccountAndFetch(t *testing.T) {
    h, _ := setup(t)

    body := `{"owner_name":"Ada Lovelace","currency":"USD","initial_balance_minor":150000}`
    rec := doJSON(t, h, http.MethodPost, "/v1/accounts", body, map[string]string{idempotencyHeader: "open-ada-1"})
    if rec.Code != http.StatusCreated {
        t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
    }
    var a apiAccount
    decodeData(t, rec, &a)
    if a.OwnerName != "Ada Lovelace" || a.Currency != "USD" || a.BalanceMinor != 150000 || a.Status != "active" {
        t.Fatalf("unexpected account: %+v", a)
    }
    if !strings.Contains(a.Balance, "USD") || !strings.Contains(a.Balance, "1500.00") {
        t.Fatalf("formatted balance = %q", a.Balance)
    }
    if loc := rec.Header().Get("Location"); loc != "/v1/accounts/"+a.ID {
        t.Fatalf("location = %q", loc)
    }

    got := getAccount(t, h, a.ID)
    if got.ID != a.ID || got.BalanceMinor != 150000 {
        t.Fatalf("fetched account mismatch: %+v", got)
    }
}

func TestOpenAccountRequiresIdempotencyKey(t *testing.T) {
    h, _ := setup(t)
    rec := doJSON(t, h, http.MethodPost, "/v1/accounts", `{"owner_name":"X","currency":"USD"}`, nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("expected 400, got %d", rec.Code)
    }
    if e := decodeErr(t, rec); e.Code != "IDEMPOTENCY_KEY_REQUIRED" {
        t.Fatalf("code = %q", e.Code)
    }
}

func TestOpenAccountValidation(t *testing.T) {
    h, _ := setup(t)
    hdr := map[string]string{idempotencyHeader: uuid.NewString()}

    rec := doJSON(t, h, http.MethodPost, "/v1/accounts", `{"owner_name":"X","currency":"usd"}`, hdr)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("bad currency: expected 400, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "VALIDATION_ERROR" {
        t.Fatalf("code = %q", e.Code)
    }

    hdr[idempotencyHeader] = uuid.NewString()
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts", `{"owner_name":"X","currency":"USD","bogus":1}`, hdr)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("unknown field: expected 400, got %d", rec.Code)
    }

    // Missing content type
    hdr[idempotencyHeader] = uuid.NewString()
    req := httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(`{"owner_name":"X","currency":"USD"}`))
    req.Header.Set(idempotencyHeader, hdr[idempotencyHeader])
    w := httptest.NewRecorder()
    h.ServeHTTP(w, req)
    if w.Code != http.StatusUnsupportedMediaType {
        t.Fatalf("expected 415, got %d", w.Code)
    }

    // Oversized key
    long := strings.Repeat("k", 201)
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts", `{"owner_name":"X","currency":"USD"}`, map[string]string{idempotencyHeader: long})
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("long key: expected 400, got %d", rec.Code)
    }
}

func TestIdempotentRetryCreatesOneTransfer(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100000)
    dst := openAccount(t, h, "bob", "USD", 0)

    body := transferBody(src.ID, dst.ID, 1000, "USD")
    hdr := map[string]string{idempotencyHeader: "transfer-once"}

    var firstID string
    for i := 0; i < 20; i++ {
        rec := doJSON(t, h, http.MethodPost, "/v1/transfers", body, hdr)
        if rec.Code != http.StatusCreated {
            t.Fatalf("attempt %d: expected 201, got %d: %s", i, rec.Code, rec.Body.String())
        }
        var tr apiTransfer
        decodeData(t, rec, &tr)
        if tr.Status != "completed" {
            t.Fatalf("attempt %d: status %q", i, tr.Status)
        }
        if firstID == "" {
            firstID = tr.ID
        } else if tr.ID != firstID {
            t.Fatalf("attempt %d returned a different transfer id", i)
        }
    }

    if items := listTransfers(t, h, ""); len(items) != 1 {
        t.Fatalf("expected one transfer row, got %d", len(items))
    }
    if entries := transferEntries(t, h, firstID); len(entries) != 2 {
        t.Fatalf("expected two ledger entries, got %d", len(entries))
    }
    if a := getAccount(t, h, src.ID); a.BalanceMinor != 99000 {
        t.Fatalf("source balance = %d, want 99000", a.BalanceMinor)
    }
    if b := getAccount(t, h, dst.ID); b.BalanceMinor != 1000 {
        t.Fatalf("destination balance = %d, want 1000", b.BalanceMinor)
    }
}

func TestIdempotencyKeyReuseDifferentBody(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100000)
    dst := openAccount(t, h, "bob", "USD", 0)

    hdr := map[string]string{idempotencyHeader: "reused-key"}
    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 1000, "USD"), hdr)
    if rec.Code != http.StatusCreated {
        t.Fatalf("first request: %d", rec.Code)
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 2000, "USD"), hdr)
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "IDEMPOTENCY_KEY_REUSE" {
        t.Fatalf("code = %q", e.Code)
    }

    // The same key on a different path is also reuse, not a replay.
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts", `{"owner_name":"X","currency":"USD"}`, hdr)
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("cross-path: expected 422, got %d", rec.Code)
    }
}

func TestIdempotencyConcurrentSameKey(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100000)
    dst := openAccount(t, h, "bob", "USD", 0)

    body := transferBody(src.ID, dst.ID, 500, "USD")
    hdr := map[string]string{idempotencyHeader: "race-key"}

    const n = 8
    ids := make(chan string, n)
    var wg sync.WaitGroup
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            rec := doJSON(t, h, http.MethodPost, "/v1/transfers", body, hdr)
            if rec.Code != http.StatusCreated {
                ids <- fmt.Sprintf("status %d", rec.Code)
                return
            }
            var tr apiTransfer
            var env struct {
                Data json.RawMessage `json:"data"`
            }
            if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
                ids <- "decode error"
                return
            }
            if err := json.Unmarshal(env.Data, &tr); err != nil {
                ids <- "decode error"
                return
            }
            ids <- tr.ID
        }()
    }
    wg.Wait()
    close(ids)

    var first string
    for id := range ids {
        if first == "" {
            first = id
        }
        if id != first {
            t.Fatalf("diverging responses: %q vs %q", first, id)
        }
    }
    if _, err := uuid.Parse(first); err != nil {
        t.Fatalf("expected a transfer id, got %q", first)
    }
    if items := listTransfers(t, h, ""); len(items) != 1 {
        t.Fatalf("expected one transfer, got %d", len(items))
    }
    if a := getAccount(t, h, src.ID); a.BalanceMinor != 99500 {
        t.Fatalf("source balance = %d, want 99500", a.BalanceMinor)
    }
}

func TestTransferMetadataRoundTrip(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100000)
    dst := openAccount(t, h, "bob", "USD", 0)

    body := fmt.Sprintf(`{"source_account_id":%q,"destination_account_id":%q,"amount_minor":1000,"currency":"USD","metadata":{"order_id":"o-42","invoice":"INV-7"}}`, src.ID, dst.ID)
    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", body,
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
    }
    var tr apiTransfer
    decodeData(t, rec, &tr)
    if tr.Metadata["order_id"] != "o-42" || tr.Metadata["invoice"] != "INV-7" {
        t.Fatalf("metadata not echoed: %v", tr.Metadata)
    }

    rec = doJSON(t, h, http.MethodGet, "/v1/transfers/"+tr.ID, "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("get transfer: %d", rec.Code)
    }
    var fetched apiTransfer
    decodeData(t, rec, &fetched)
    if fetched.Metadata["order_id"] != "o-42" {
        t.Fatalf("metadata lost on read: %v", fetched.Metadata)
    }
}

func TestTransferMetadataLimits(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100000)
    dst := openAccount(t, h, "bob", "USD", 0)

    huge := strings.Repeat("x", 300)
    body := fmt.Sprintf(`{"source_account_id":%q,"destination_account_id":%q,"amount_minor":1000,"currency":"USD","metadata":{"note":%q}}`, src.ID, dst.ID, huge)
    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", body,
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "VALIDATION_ERROR" {
        t.Fatalf("code = %q", e.Code)
    }
    // Rejected before execution: no transfer row, balances untouched.
    if items := listTransfers(t, h, ""); len(items) != 0 {
        t.Fatalf("expected no transfer rows, got %d", len(items))
    }
    if a := getAccount(t, h, src.ID); a.BalanceMinor != 100000 {
        t.Fatalf("source balance = %d, want 100000", a.BalanceMinor)
    }
}

func TestTransferInsufficientFundsIsDurable(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 100)
    dst := openAccount(t, h, "bob", "USD", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 500, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "INSUFFICIENT_FUNDS" {
        t.Fatalf("code = %q", e.Code)
    }

    failed := listTransfers(t, h, "?status=failed")
    if len(failed) != 1 {
        t.Fatalf("expected one failed transfer, got %d", len(failed))
    }
    if failed[0].FailureCode != "INSUFFICIENT_FUNDS" || failed[0].FailureReason == "" {
        t.Fatalf("failure fields: %+v", failed[0])
    }
    if entries := transferEntries(t, h, failed[0].ID); len(entries) != 0 {
        t.Fatalf("failed transfer wrote %d entries", len(entries))
    }
    if a := getAccount(t, h, src.ID); a.BalanceMinor != 100 {
        t.Fatalf("source balance moved: %d", a.BalanceMinor)
    }
    if b := getAccount(t, h, dst.ID); b.BalanceMinor != 0 {
        t.Fatalf("destination balance moved: %d", b.BalanceMinor)
    }
}

func TestTransferToFrozenAccount(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 10000)
    dst := openAccount(t, h, "bob", "USD", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/accounts/"+dst.ID+"/freeze", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("freeze: %d: %s", rec.Code, rec.Body.String())
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 100, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusConflict {
        t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "ACCOUNT_FROZEN" {
        t.Fatalf("code = %q", e.Code)
    }
    if failed := listTransfers(t, h, "?status=failed"); len(failed) != 1 || failed[0].FailureCode != "ACCOUNT_FROZEN" {
        t.Fatalf("failed rows: %+v", failed)
    }
}

func TestTransferUnknownAccountAbortsCleanly(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 10000)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, uuid.NewString(), 100, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusNotFound {
        t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "ACCOUNT_NOT_FOUND" {
        t.Fatalf("code = %q", e.Code)
    }
    // Unlike rule violations, nothing was recorded.
    if items := listTransfers(t, h, ""); len(items) != 0 {
        t.Fatalf("unexpected transfer rows: %+v", items)
    }
}

func TestSameAccountTransferRejected(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 10000)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, src.ID, 100, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("expected 422, got %d", rec.Code)
    }
    if e := decodeErr(t, rec); e.Code != "SAME_ACCOUNT_TRANSFER" {
        t.Fatalf("code = %q", e.Code)
    }
}

func TestTransferCurrencyMismatch(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 10000)
    dst := openAccount(t, h, "bertha", "GBP", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 100, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "CURRENCY_MISMATCH" {
        t.Fatalf("code = %q", e.Code)
    }
    if failed := listTransfers(t, h, "?status=failed"); len(failed) != 1 {
        t.Fatalf("expected a durable failed transfer, got %d", len(failed))
    }
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
    h, _ := setup(t)
    a := openAccount(t, h, "carol", "USD", 500)
    sink := openAccount(t, h, "sink", "USD", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/freeze", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("freeze: %d", rec.Code)
    }
    var got apiAccount
    decodeData(t, rec, &got)
    if got.Status != "frozen" {
        t.Fatalf("status = %q", got.Status)
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/unfreeze", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("unfreeze: %d", rec.Code)
    }

    // Close refuses while funds remain.
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/close", "", nil)
    if rec.Code != http.StatusConflict {
        t.Fatalf("close with balance: expected 409, got %d", rec.Code)
    }
    if e := decodeErr(t, rec); e.Code != "NON_ZERO_BALANCE_ON_CLOSE" {
        t.Fatalf("code = %q", e.Code)
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(a.ID, sink.ID, 500, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("drain: %d: %s", rec.Code, rec.Body.String())
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/close", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("close: %d: %s", rec.Code, rec.Body.String())
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/freeze", "", nil)
    if rec.Code != http.StatusConflict {
        t.Fatalf("freeze closed: expected 409, got %d", rec.Code)
    }
    if e := decodeErr(t, rec); e.Code != "INVALID_ACCOUNT_STATE" {
        t.Fatalf("code = %q", e.Code)
    }
}

func TestLifecycleIdempotencyIsOptional(t *testing.T) {
    h, _ := setup(t)
    a := openAccount(t, h, "carol", "USD", 0)

    hdr := map[string]string{idempotencyHeader: "freeze-once"}
    rec := doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/freeze", "", hdr)
    if rec.Code != http.StatusOK {
        t.Fatalf("freeze: %d", rec.Code)
    }
    first := rec.Body.String()

    // The retry replays the stored response instead of hitting the
    // state machine again.
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/freeze", "", hdr)
    if rec.Code != http.StatusOK {
        t.Fatalf("replay: expected 200, got %d", rec.Code)
    }
    if rec.Body.String() != first {
        t.Fatalf("replayed body differs")
    }

    // Without a key the second freeze is a real request and conflicts.
    rec = doJSON(t, h, http.MethodPost, "/v1/accounts/"+a.ID+"/freeze", "", nil)
    if rec.Code != http.StatusConflict {
        t.Fatalf("expected 409, got %d", rec.Code)
    }
}

func TestReverseTransfer(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 5000)
    dst := openAccount(t, h, "bob", "USD", 2000)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 2000, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("transfer: %d", rec.Code)
    }
    var tr apiTransfer
    decodeData(t, rec, &tr)

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers/"+tr.ID+"/reverse", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("reverse: %d: %s", rec.Code, rec.Body.String())
    }
    var rev apiTransfer
    decodeData(t, rec, &rev)
    if rev.Status != "reversed" {
        t.Fatalf("status = %q", rev.Status)
    }

    if a := getAccount(t, h, src.ID); a.BalanceMinor != 5000 {
        t.Fatalf("source balance = %d, want 5000", a.BalanceMinor)
    }
    if b := getAccount(t, h, dst.ID); b.BalanceMinor != 2000 {
        t.Fatalf("destination balance = %d, want 2000", b.BalanceMinor)
    }

    entries := transferEntries(t, h, tr.ID)
    if len(entries) != 4 {
        t.Fatalf("expected 4 entries after reversal, got %d", len(entries))
    }
    kinds := map[string]int{}
    for _, e := range entries {
        kinds[e.Kind]++
    }
    if kinds["transfer"] != 2 || kinds["reversal"] != 2 {
        t.Fatalf("entry kinds: %v", kinds)
    }

    // A second reversal conflicts and changes nothing.
    rec = doJSON(t, h, http.MethodPost, "/v1/transfers/"+tr.ID+"/reverse", "", nil)
    if rec.Code != http.StatusConflict {
        t.Fatalf("second reverse: expected 409, got %d", rec.Code)
    }
    if e := decodeErr(t, rec); e.Code != "INVALID_TRANSFER_STATE" {
        t.Fatalf("code = %q", e.Code)
    }
    if entries := transferEntries(t, h, tr.ID); len(entries) != 4 {
        t.Fatalf("entries changed on rejected reversal: %d", len(entries))
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers/"+uuid.NewString()+"/reverse", "", nil)
    if rec.Code != http.StatusNotFound {
        t.Fatalf("unknown transfer: expected 404, got %d", rec.Code)
    }
}

func TestReverseFailsWhenDestinationDrained(t *testing.T) {
    h, _ := setup(t)
    a := openAccount(t, h, "alice", "USD", 1000)
    b := openAccount(t, h, "bob", "USD", 0)
    c := openAccount(t, h, "carol", "USD", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(a.ID, b.ID, 1000, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("first transfer: %d", rec.Code)
    }
    var t1 apiTransfer
    decodeData(t, rec, &t1)

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(b.ID, c.ID, 1000, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("second transfer: %d", rec.Code)
    }

    rec = doJSON(t, h, http.MethodPost, "/v1/transfers/"+t1.ID+"/reverse", "", nil)
    if rec.Code != http.StatusUnprocessableEntity {
        t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
    }
    if e := decodeErr(t, rec); e.Code != "INSUFFICIENT_FUNDS" {
        t.Fatalf("code = %q", e.Code)
    }
    // The rejected reversal rolled back: the transfer is still completed.
    rec = doJSON(t, h, http.MethodGet, "/v1/transfers/"+t1.ID, "", nil)
    var got apiTransfer
    decodeData(t, rec, &got)
    if got.Status != "completed" {
        t.Fatalf("status after failed reversal = %q", got.Status)
    }
}

func TestListTransfersFilters(t *testing.T) {
    h, _ := setup(t)
    src := openAccount(t, h, "alice", "USD", 10000)
    dst := openAccount(t, h, "bob", "USD", 0)

    for i := 0; i < 3; i++ {
        rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(src.ID, dst.ID, 100, "USD"),
            map[string]string{idempotencyHeader: uuid.NewString()})
        if rec.Code != http.StatusCreated {
            t.Fatalf("transfer %d: %d", i, rec.Code)
        }
    }

    if items := listTransfers(t, h, "?status=completed"); len(items) != 3 {
        t.Fatalf("completed filter: %d items", len(items))
    }
    if items := listTransfers(t, h, "?status=failed"); len(items) != 0 {
        t.Fatalf("failed filter: %d items", len(items))
    }
    if items := listTransfers(t, h, "?per_page=2"); len(items) != 2 {
        t.Fatalf("per_page: %d items", len(items))
    }
    if items := listTransfers(t, h, "?per_page=2&page=2"); len(items) != 1 {
        t.Fatalf("page 2: %d items", len(items))
    }

    rec := doJSON(t, h, http.MethodGet, "/v1/transfers?status=bogus", "", nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("bogus status: expected 400, got %d", rec.Code)
    }
    rec = doJSON(t, h, http.MethodGet, "/v1/transfers?page=x", "", nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("bad page: expected 400, got %d", rec.Code)
    }
    rec = doJSON(t, h, http.MethodGet, "/v1/transfers?per_page=1000", "", nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("oversized per_page: expected 400, got %d", rec.Code)
    }

    // Account-scoped listing sees the same three rows from either side.
    rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+dst.ID+"/transfers", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("account transfers: %d", rec.Code)
    }
    var out struct {
        Items []apiTransfer `json:"items"`
    }
    decodeData(t, rec, &out)
    if len(out.Items) != 3 {
        t.Fatalf("account transfers: %d items", len(out.Items))
    }
}

func TestAccountStatement(t *testing.T) {
    h, _ := setup(t)
    a := openAccount(t, h, "alice", "USD", 10000)
    b := openAccount(t, h, "bob", "USD", 0)

    rec := doJSON(t, h, http.MethodPost, "/v1/transfers", transferBody(a.ID, b.ID, 3000, "USD"),
        map[string]string{idempotencyHeader: uuid.NewString()})
    if rec.Code != http.StatusCreated {
        t.Fatalf("transfer: %d", rec.Code)
    }

    rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+a.ID+"/statement", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("statement: %d: %s", rec.Code, rec.Body.String())
    }
    var st struct {
        AccountID           string     `json:"account_id"`
        Currency            string     `json:"currency"`
        OpeningBalanceMinor int64      `json:"opening_balance_minor"`
        ClosingBalanceMinor int64      `json:"closing_balance_minor"`
        ClosingBalance      string     `json:"closing_balance"`
        Lines               []apiEntry `json:"lines"`
    }
    decodeData(t, rec, &st)
    if st.OpeningBalanceMinor != 0 || st.ClosingBalanceMinor != 7000 {
        t.Fatalf("opening/closing = %d/%d", st.OpeningBalanceMinor, st.ClosingBalanceMinor)
    }
    if !strings.Contains(st.ClosingBalance, "70.00") {
        t.Fatalf("closing = %q", st.ClosingBalance)
    }
    if len(st.Lines) != 2 {
        t.Fatalf("expected 2 lines (bootstrap + debit), got %d", len(st.Lines))
    }
    // Newest first: the debit leads, then the bootstrap credit.
    if st.Lines[0].Type != "debit" || st.Lines[0].BalanceAfterMinor != 7000 {
        t.Fatalf("line 0: %+v", st.Lines[0])
    }
    if st.Lines[1].Kind != "bootstrap" || st.Lines[1].BalanceAfterMinor != 10000 {
        t.Fatalf("line 1: %+v", st.Lines[1])
    }

    rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+a.ID+"/statement?from=yesterday", "", nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("bad from: expected 400, got %d", rec.Code)
    }
    from := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
    to := time.Now().UTC().Format(time.RFC3339)
    rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+a.ID+"/statement?from="+from+"&to="+to, "", nil)
    if rec.Code != http.StatusBadRequest {
        t.Fatalf("inverted window: expected 400, got %d", rec.Code)
    }

    rec = doJSON(t, h, http.MethodGet, "/v1/accounts/"+uuid.NewString()+"/statement", "", nil)
    if rec.Code != http.StatusNotFound {
        t.Fatalf("unknown account: expected 404, got %d", rec.Code)
    }
}

func TestCorrelationIDHeader(t *testing.T) {
    h, _ := setup(t)

    rec := doJSON(t, h, http.MethodGet, "/healthz", "", map[string]string{correlationHeader: "corr-123"})
    if got := rec.Header().Get(correlationHeader); got != "corr-123" {
        t.Fatalf("echoed correlation id = %q", got)
    }

    rec = doJSON(t, h, http.MethodGet, "/healthz", "", nil)
    if got := rec.Header().Get(correlationHeader); got == "" {
        t.Fatal("expected a generated correlation id")
    }
}

func TestProbesAndMetrics(t *testing.T) {
    h, _ := setup(t)

    if rec := doJSON(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
        t.Fatalf("healthz: %d", rec.Code)
    }
    if rec := doJSON(t, h, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
        t.Fatalf("readyz: %d", rec.Code)
    }
    rec := doJSON(t, h, http.MethodGet, "/metrics", "", nil)
    if rec.Code != http.StatusOK {
        t.Fatalf("metrics: %d", rec.Code)
    }
    if !strings.Contains(rec.Body.String(), "transferd_http_requests_total") {
        t.Fatal("metrics output missing request counter")
    }
}
