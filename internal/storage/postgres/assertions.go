package postgres

import (
	"github.com/veslink/transferd/internal/service/account"
	"github.com/veslink/transferd/internal/service/posting"
	"github.com/veslink/transferd/internal/service/recon"
	"github.com/veslink/transferd/internal/service/transfer"
)

// Compile-time interface assertions documenting which interfaces Store satisfies.
var (
	// Service layer stores and transaction managers
	_ account.Store      = (*Store)(nil)
	_ account.TxManager  = (*Store)(nil)
	_ transfer.Store     = (*Store)(nil)
	_ transfer.TxManager = (*Store)(nil)
	_ posting.Accounts   = (*Store)(nil)
	_ posting.Entries    = (*Store)(nil)
	_ recon.Repo         = (*Store)(nil)
)
