package httpapi

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/url"
    "strconv"
    "time"

    chi "github.com/go-chi/chi/v5"
    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/ledger"
    "github.com/veslink/transferd/internal/service/account"
)

// postAccount handles POST /v1/accounts.
func (s *Server) postAccount(w http.ResponseWriter, r *http.Request) {
    if !requireJSON(w, r) { return }
    var req openAccountRequest
    dec := json.NewDecoder(r.Body)
    dec.DisallowUnknownFields()
    if err := dec.Decode(&req); err != nil {
        writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON: "+err.Error())
        return
    }
    a, err := s.accounts.Open(r.Context(), account.OpenInput{
        OwnerName:           req.OwnerName,
        Currency:            req.Currency,
        InitialBalanceMinor: req.InitialBalanceMinor,
    })
    if err != nil { s.writeDomainErr(w, r, err); return }
    w.Header().Set("Location", "/v1/accounts/"+a.ID.String())
    writeData(w, http.StatusCreated, toAccountResponse(a))
}

// getAccount handles GET /v1/accounts/{id}.
func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    a, err := s.accounts.Get(r.Context(), id)
    if err != nil { s.writeDomainErr(w, r, err); return }
    writeData(w, http.StatusOK, toAccountResponse(a))
}

func (s *Server) freezeAccount(w http.ResponseWriter, r *http.Request) {
    s.mutateAccount(w, r, s.accounts.Freeze)
}

func (s *Server) unfreezeAccount(w http.ResponseWriter, r *http.Request) {
    s.mutateAccount(w, r, s.accounts.Unfreeze)
}

func (s *Server) closeAccount(w http.ResponseWriter, r *http.Request) {
    s.mutateAccount(w, r, s.accounts.Close)
}

func (s *Server) mutateAccount(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (ledger.Account, error)) {
    id, ok := parseID(w, r)
    if !ok { return }
    a, err := op(r.Context(), id)
    if err != nil { s.writeDomainErr(w, r, err); return }
    writeData(w, http.StatusOK, toAccountResponse(a))
}

// getStatement handles GET /v1/accounts/{id}/statement?from=&to=&page=&per_page=.
// Bounds are RFC3339 and inclusive; lines carry their running balance.
func (s *Server) getStatement(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    q := r.URL.Query()
    var from, to *time.Time
    if v := q.Get("from"); v != "" { if t, err := time.Parse(time.RFC3339, v); err == nil { tt := t.UTC(); from = &tt } else { writeError(w, http.StatusBadRequest, codeValidation, "invalid from"); return } }
    if v := q.Get("to"); v != "" { if t, err := time.Parse(time.RFC3339, v); err == nil { tt := t.UTC(); to = &tt } else { writeError(w, http.StatusBadRequest, codeValidation, "invalid to"); return } }
    page, perPage, err := parsePaging(q)
    if err != nil { writeError(w, http.StatusBadRequest, codeValidation, err.Error()); return }

    st, err := s.accounts.Statement(r.Context(), account.StatementQuery{AccountID: id, From: from, To: to, Page: page, PerPage: perPage})
    if err != nil { s.writeDomainErr(w, r, err); return }

    resp := statementResponse{
        AccountID:           st.Account.ID,
        Currency:            st.Account.Currency,
        From:                from,
        To:                  to,
        OpeningBalanceMinor: st.OpeningMinor,
        OpeningBalance:      ledger.FormatMinor(st.OpeningMinor, st.Account.Currency),
        ClosingBalanceMinor: st.ClosingMinor,
        ClosingBalance:      ledger.FormatMinor(st.ClosingMinor, st.Account.Currency),
        Page:                page,
        PerPage:             perPage,
        Lines:               make([]entryResponse, 0, len(st.Lines)),
    }
    for _, e := range st.Lines {
        resp.Lines = append(resp.Lines, toEntryResponse(e))
    }
    writeData(w, http.StatusOK, resp)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
    id, err := uuid.Parse(chi.URLParam(r, "id"))
    if err != nil {
        writeError(w, http.StatusBadRequest, codeValidation, "invalid id in path")
        return uuid.Nil, false
    }
    return id, true
}

// parsePaging reads page/per_page with the API defaults applied.
func parsePaging(q url.Values) (int, int, error) {
    page, perPage := 1, 20
    if v := q.Get("page"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n < 1 { return 0, 0, fmt.Errorf("invalid page %q", v) }
        page = n
    }
    if v := q.Get("per_page"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n < 1 || n > 100 { return 0, 0, fmt.Errorf("invalid per_page %q", v) }
        perPage = n
    }
    return page, perPage, nil
}
