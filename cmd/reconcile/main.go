package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/veslink/transferd/internal/config"
	"github.com/veslink/transferd/internal/ledger"
	"github.com/veslink/transferd/internal/service/recon"
	pgstore "github.com/veslink/transferd/internal/storage/postgres"
)

// The reconcile job replays every account's ledger entries and compares
// the result with the stored balance. It exits non-zero when anything
// disagrees, so it can run under cron and page on failure.
func main() {
	accountFlag := flag.String("account", "", "check a single account id instead of sweeping all")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; reconciliation reads the postgres ledger")
		os.Exit(1)
	}
	pg, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	svc := recon.New(pg)

	if *accountFlag != "" {
		id, err := uuid.Parse(*accountFlag)
		if err != nil {
			logger.Error("-account needs an account id", "err", err)
			os.Exit(1)
		}
		res, err := svc.Account(ctx, id)
		if err != nil {
			logger.Error("reconciliation failed", "account_id", id.String(), "err", err)
			os.Exit(1)
		}
		printResult(res)
		if res.Status != recon.StatusMatch {
			os.Exit(1)
		}
		return
	}

	sum, err := svc.All(ctx, cfg.ReconcileBatch)
	if err != nil {
		logger.Error("reconciliation sweep failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("checked: %d  matched: %d  problems: %d\n", sum.Checked, sum.Matched, len(sum.Problems))
	for _, res := range sum.Problems {
		printResult(res)
	}
	if len(sum.Problems) > 0 {
		os.Exit(1)
	}
}

func printResult(res recon.Result) {
	fmt.Printf("%s  %-15s  stored=%s  ledger=%s  entries=%d\n",
		res.AccountID,
		res.Status,
		ledger.FormatMinor(res.BalanceMinor, res.Currency),
		ledger.FormatMinor(res.LedgerMinor, res.Currency),
		res.EntryCount,
	)
}
