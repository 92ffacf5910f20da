package httpapi

import (
    "encoding/json"
    "net/http"

    "github.com/veslink/transferd/internal/service/transfer"
)

// postTransfer handles POST /v1/transfers. A transfer rejected by a
// business rule is recorded as failed before the error surfaces, so the
// 4xx here still left a durable transfer row behind.
func (s *Server) postTransfer(w http.ResponseWriter, r *http.Request) {
    if !requireJSON(w, r) { return }
    var req createTransferRequest
    dec := json.NewDecoder(r.Body)
    dec.DisallowUnknownFields()
    if err := dec.Decode(&req); err != nil {
        writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON: "+err.Error())
        return
    }
    tr, err := s.transfers.Initiate(r.Context(), transfer.InitiateInput{
        SourceID:      req.SourceAccountID,
        DestinationID: req.DestinationAccountID,
        AmountMinor:   req.AmountMinor,
        Currency:      req.Currency,
        Description:   req.Description,
        Metadata:      req.Metadata,
    })
    if err != nil {
        transfersTotal.WithLabelValues("failed").Inc()
        s.writeDomainErr(w, r, err)
        return
    }
    transfersTotal.WithLabelValues("completed").Inc()
    w.Header().Set("Location", "/v1/transfers/"+tr.ID.String())
    writeData(w, http.StatusCreated, toTransferResponse(tr))
}

// getTransfer handles GET /v1/transfers/{id}.
func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    tr, err := s.transfers.Get(r.Context(), id)
    if err != nil { s.writeDomainErr(w, r, err); return }
    writeData(w, http.StatusOK, toTransferResponse(tr))
}

// listTransfers handles GET /v1/transfers?status=&page=&per_page=.
func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    page, perPage, err := parsePaging(q)
    if err != nil { writeError(w, http.StatusBadRequest, codeValidation, err.Error()); return }
    items, err := s.transfers.List(r.Context(), transfer.ListQuery{Status: q.Get("status"), Page: page, PerPage: perPage})
    if err != nil { s.writeDomainErr(w, r, err); return }
    writeData(w, http.StatusOK, toTransferListResponse(items, page, perPage))
}

// listAccountTransfers handles GET /v1/accounts/{id}/transfers.
func (s *Server) listAccountTransfers(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    page, perPage, err := parsePaging(r.URL.Query())
    if err != nil { writeError(w, http.StatusBadRequest, codeValidation, err.Error()); return }
    items, err := s.transfers.ListByAccount(r.Context(), id, transfer.ListQuery{Page: page, PerPage: perPage})
    if err != nil { s.writeDomainErr(w, r, err); return }
    writeData(w, http.StatusOK, toTransferListResponse(items, page, perPage))
}

// getTransferEntries handles GET /v1/transfers/{id}/entries: the ledger
// rows behind a transfer, two per executed leg.
func (s *Server) getTransferEntries(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    entries, err := s.transfers.Entries(r.Context(), id)
    if err != nil { s.writeDomainErr(w, r, err); return }
    items := make([]entryResponse, 0, len(entries))
    for _, e := range entries {
        items = append(items, toEntryResponse(e))
    }
    writeData(w, http.StatusOK, struct {
        Items []entryResponse `json:"items"`
    }{Items: items})
}

// reverseTransfer handles POST /v1/transfers/{id}/reverse.
func (s *Server) reverseTransfer(w http.ResponseWriter, r *http.Request) {
    id, ok := parseID(w, r)
    if !ok { return }
    tr, err := s.transfers.Reverse(r.Context(), id)
    if err != nil { s.writeDomainErr(w, r, err); return }
    transfersTotal.WithLabelValues("reversed").Inc()
    writeData(w, http.StatusOK, toTransferResponse(tr))
}
