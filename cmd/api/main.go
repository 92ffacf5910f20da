package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veslink/transferd/internal/config"
	"github.com/veslink/transferd/internal/httpapi"
	"github.com/veslink/transferd/internal/ledger"
	"github.com/veslink/transferd/internal/outbox"
	"github.com/veslink/transferd/internal/service/account"
	"github.com/veslink/transferd/internal/service/posting"
	"github.com/veslink/transferd/internal/service/transfer"
	"github.com/veslink/transferd/internal/storage/memory"
	pgstore "github.com/veslink/transferd/internal/storage/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	var srvMux http.Handler
	var closeFn func()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		pg.SetTxRetries(cfg.MaxDeadlockRetries)
		closeFn = func() { pg.Close() }
		// Optional dev seed for compose/local
		if cfg.DevSeed {
			alice, bob, err := pg.SeedDev(ctx)
			if err != nil {
				logger.Error("dev seed failed", "err", err)
			} else {
				logDevSeed(logger, "postgres", alice, bob)
				printDevSeedBanner(alice, bob)
			}
		}
		accounts := account.New(pg, pg)
		transfers := transfer.New(pg, pg, posting.New(pg, pg))
		srvMux = httpapi.New(accounts, transfers, pg, logger, cfg.IdempotencyTTL).Handler()
		go purgeIdempotencyLoop(ctx, logger, pg.PurgeExpiredIdempotency)
		logger.Info("storage backend: postgres")
	} else {
		// Default to the in-memory store. The outbox has no external
		// worker in this mode, so a processor drains it in-process.
		store := memory.New()
		if cfg.DevSeed {
			alice, bob := store.SeedDev()
			logDevSeed(logger, "memory", alice, bob)
			printDevSeedBanner(alice, bob)
		}
		accounts := account.New(store, store)
		transfers := transfer.New(store, store, posting.New(store, store))
		srvMux = httpapi.New(accounts, transfers, store, logger, cfg.IdempotencyTTL).Handler()
		proc := outbox.NewProcessor(store, outbox.NewLogPublisher(logger), logger, outbox.Options{
			Batch:       cfg.OutboxBatch,
			MaxAttempts: cfg.OutboxMaxAttempts,
			Sleep:       cfg.OutboxSleep,
		})
		go func() { _ = proc.Run(ctx) }()
		go purgeIdempotencyLoop(ctx, logger, func(ctx context.Context) (int64, error) {
			return int64(store.PurgeExpiredIdempotency(ctx)), nil
		})
		logger.Info("storage backend: memory")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srvMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("transfer service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
	if closeFn != nil {
		closeFn()
	}
}

// purgeIdempotencyLoop deletes expired idempotency records once an hour
// so the key space does not grow without bound.
func purgeIdempotencyLoop(ctx context.Context, l *slog.Logger, purge func(context.Context) (int64, error)) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := purge(ctx)
			if err != nil {
				l.Error("idempotency purge failed", "err", err)
				continue
			}
			if n > 0 {
				l.Info("expired idempotency records purged", "count", n)
			}
		}
	}
}

// logDevSeed emits structured logs with the seeded account ids
func logDevSeed(l *slog.Logger, backend string, alice, bob ledger.Account) {
	l.Info("DEV seed ("+backend+")",
		"alice_account_id", alice.ID.String(),
		"bob_account_id", bob.ID.String(),
	)
}

// printDevSeedBanner prints a simple banner to stdout for easy copy/paste of IDs
func printDevSeedBanner(alice, bob ledger.Account) {
	fmt.Println("==================== DEV SEED ====================")
	fmt.Printf("alice_account_id: %s  (%s)\n", alice.ID.String(), alice.Balance.Format())
	fmt.Printf("bob_account_id:   %s  (%s)\n", bob.ID.String(), bob.Balance.Format())
	fmt.Println("==================================================")
}
