package httpapi

import (
    "time"

    "github.com/google/uuid"

    "github.com/veslink/transferd/internal/ledger"
)

type openAccountRequest struct {
    OwnerName           string `json:"owner_name"`
    Currency            string `json:"currency"`
    InitialBalanceMinor int64  `json:"initial_balance_minor"`
}

type accountResponse struct {
    ID           uuid.UUID `json:"id"`
    OwnerName    string    `json:"owner_name"`
    Currency     string    `json:"currency"`
    BalanceMinor int64     `json:"balance_minor"`
    Balance      string    `json:"balance"`
    Status       string    `json:"status"`
    Version      int64     `json:"version"`
    CreatedAt    time.Time `json:"created_at"`
    UpdatedAt    time.Time `json:"updated_at"`
}

func toAccountResponse(a ledger.Account) accountResponse {
    return accountResponse{
        ID:           a.ID,
        OwnerName:    a.OwnerName,
        Currency:     a.Currency,
        BalanceMinor: a.Balance.MinorUnits,
        Balance:      a.Balance.Format(),
        Status:       string(a.Status),
        Version:      a.Version,
        CreatedAt:    a.CreatedAt,
        UpdatedAt:    a.UpdatedAt,
    }
}

type createTransferRequest struct {
    SourceAccountID      uuid.UUID         `json:"source_account_id"`
    DestinationAccountID uuid.UUID         `json:"destination_account_id"`
    AmountMinor          int64             `json:"amount_minor"`
    Currency             string            `json:"currency"`
    Description          string            `json:"description,omitempty"`
    Metadata             map[string]string `json:"metadata,omitempty"`
}

type transferResponse struct {
    ID                   uuid.UUID         `json:"id"`
    Reference            string            `json:"reference"`
    SourceAccountID      uuid.UUID         `json:"source_account_id"`
    DestinationAccountID uuid.UUID         `json:"destination_account_id"`
    AmountMinor          int64             `json:"amount_minor"`
    Amount               string            `json:"amount"`
    Currency             string            `json:"currency"`
    Status               string            `json:"status"`
    Description          string            `json:"description,omitempty"`
    Metadata             map[string]string `json:"metadata,omitempty"`
    FailureCode          string            `json:"failure_code,omitempty"`
    FailureReason        string            `json:"failure_reason,omitempty"`
    CompletedAt          *time.Time        `json:"completed_at,omitempty"`
    FailedAt             *time.Time        `json:"failed_at,omitempty"`
    ReversedAt           *time.Time        `json:"reversed_at,omitempty"`
    Version              int64             `json:"version"`
    CreatedAt            time.Time         `json:"created_at"`
}

func toTransferResponse(tr ledger.Transfer) transferResponse {
    return transferResponse{
        ID:                   tr.ID,
        Reference:            tr.Reference,
        SourceAccountID:      tr.SourceAccountID,
        DestinationAccountID: tr.DestinationAccountID,
        AmountMinor:          tr.Amount.MinorUnits,
        Amount:               tr.Amount.Format(),
        Currency:             tr.Amount.Currency,
        Status:               string(tr.Status),
        Description:          tr.Description,
        Metadata:             tr.Metadata,
        FailureCode:          tr.FailureCode,
        FailureReason:        tr.FailureReason,
        CompletedAt:          tr.CompletedAt,
        FailedAt:             tr.FailedAt,
        ReversedAt:           tr.ReversedAt,
        Version:              tr.Version,
        CreatedAt:            tr.CreatedAt,
    }
}

type transferListResponse struct {
    Items   []transferResponse `json:"items"`
    Page    int                `json:"page"`
    PerPage int                `json:"per_page"`
}

func toTransferListResponse(items []ledger.Transfer, page, perPage int) transferListResponse {
    out := transferListResponse{Items: make([]transferResponse, 0, len(items)), Page: page, PerPage: perPage}
    for _, tr := range items {
        out.Items = append(out.Items, toTransferResponse(tr))
    }
    return out
}

type entryResponse struct {
    ID                    uuid.UUID `json:"id"`
    AccountID             uuid.UUID `json:"account_id"`
    CounterpartyAccountID uuid.UUID `json:"counterparty_account_id"`
    TransferID            uuid.UUID `json:"transfer_id"`
    Type                  string    `json:"type"`
    Kind                  string    `json:"kind"`
    AmountMinor           int64     `json:"amount_minor"`
    Amount                string    `json:"amount"`
    Currency              string    `json:"currency"`
    BalanceAfterMinor     int64     `json:"balance_after_minor"`
    OccurredAt            time.Time `json:"occurred_at"`
}

func toEntryResponse(e ledger.Entry) entryResponse {
    return entryResponse{
        ID:                    e.ID,
        AccountID:             e.AccountID,
        CounterpartyAccountID: e.CounterpartyAccountID,
        TransferID:            e.TransferID,
        Type:                  string(e.Type),
        Kind:                  string(e.Kind),
        AmountMinor:           e.AmountMinorUnits,
        Amount:                ledger.FormatMinor(e.AmountMinorUnits, e.Currency),
        Currency:              e.Currency,
        BalanceAfterMinor:     e.BalanceAfterMinorUnits,
        OccurredAt:            e.OccurredAt,
    }
}

type statementResponse struct {
    AccountID           uuid.UUID       `json:"account_id"`
    Currency            string          `json:"currency"`
    From                *time.Time      `json:"from,omitempty"`
    To                  *time.Time      `json:"to,omitempty"`
    OpeningBalanceMinor int64           `json:"opening_balance_minor"`
    OpeningBalance      string          `json:"opening_balance"`
    ClosingBalanceMinor int64           `json:"closing_balance_minor"`
    ClosingBalance      string          `json:"closing_balance"`
    Page                int             `json:"page"`
    PerPage             int             `json:"per_page"`
    Lines               []entryResponse `json:"lines"`
}
