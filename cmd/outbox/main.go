package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/veslink/transferd/internal/config"
	"github.com/veslink/transferd/internal/outbox"
	pgstore "github.com/veslink/transferd/internal/storage/postgres"
)

// The outbox worker drains outbox_events into the broker. Without flags
// it runs as a daemon; the flags below turn it into a one-shot operator
// tool for inspecting and requeuing dead-lettered events.
func main() {
	var (
		once        = flag.Bool("once", false, "run a single claim-publish pass and exit")
		stats       = flag.Bool("stats", false, "print outbox counters and exit")
		listDead    = flag.Bool("list-dead", false, "list dead-lettered events and exit")
		requeue     = flag.String("requeue", "", "reset one event (by id) for redelivery and exit")
		resetDead   = flag.Bool("reset-dead", false, "reset every dead-lettered event for redelivery and exit")
		minAttempts = flag.Int("min-attempts", 0, "dead-letter threshold; defaults to OUTBOX_MAX_ATTEMPTS")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; the outbox worker reads the postgres outbox table")
		os.Exit(1)
	}
	pg, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "err", err)
		os.Exit(1)
	}
	defer pg.Close()
	pg.SetTxRetries(cfg.MaxDeadlockRetries)

	threshold := cfg.OutboxMaxAttempts
	if *minAttempts > 0 {
		threshold = *minAttempts
	}

	switch {
	case *stats:
		st, err := pg.OutboxStats(ctx, threshold)
		if err != nil {
			logger.Error("outbox stats failed", "err", err)
			os.Exit(1)
		}
		stuck, err := pg.CountStuck(ctx, time.Hour)
		if err != nil {
			logger.Error("outbox stats failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("unpublished:     %d\n", st.Unpublished)
		fmt.Printf("published:       %d\n", st.Published)
		fmt.Printf("dead-lettered:   %d  (>= %d attempts)\n", st.DeadLetters, threshold)
		fmt.Printf("stuck over 1h:   %d\n", stuck)
		return
	case *listDead:
		events, err := pg.FindDeadLettered(ctx, threshold, 100, uuid.Nil)
		if err != nil {
			logger.Error("listing dead-lettered events failed", "err", err)
			os.Exit(1)
		}
		if len(events) == 0 {
			fmt.Println("no dead-lettered events")
			return
		}
		for _, ev := range events {
			fmt.Printf("%s  %-25s  attempts=%d  created=%s  last_error=%s\n",
				ev.ID, ev.EventType, ev.AttemptCount, ev.CreatedAt.Format(time.RFC3339), ev.LastError)
		}
		return
	case *requeue != "":
		id, err := uuid.Parse(*requeue)
		if err != nil {
			logger.Error("-requeue needs an event id", "err", err)
			os.Exit(1)
		}
		if err := pg.ResetForRequeue(ctx, id); err != nil {
			logger.Error("requeue failed", "event_id", id.String(), "err", err)
			os.Exit(1)
		}
		logger.Info("event requeued", "event_id", id.String())
		return
	case *resetDead:
		n, err := pg.ResetDeadLetters(ctx, threshold)
		if err != nil {
			logger.Error("resetting dead letters failed", "err", err)
			os.Exit(1)
		}
		logger.Info("dead letters requeued", "count", n)
		return
	}

	pub := outbox.Publisher(outbox.NewLogPublisher(logger))
	if cfg.AMQPURL != "" {
		ap, err := outbox.DialAMQP(cfg.AMQPURL, cfg.OutboxExchange)
		if err != nil {
			logger.Error("failed to connect to amqp", "err", err)
			os.Exit(1)
		}
		defer ap.Close()
		pub = ap
		logger.Info("publishing to amqp", "exchange", cfg.OutboxExchange)
	} else {
		logger.Info("AMQP_URL not set; events go to the log")
	}

	proc := outbox.NewProcessor(pg, pub, logger, outbox.Options{
		Batch:       cfg.OutboxBatch,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Sleep:       cfg.OutboxSleep,
	})
	if *once {
		n, err := proc.RunOnce(ctx)
		if err != nil {
			logger.Error("outbox pass failed", "err", err)
			os.Exit(1)
		}
		logger.Info("outbox pass complete", "published", n)
		return
	}
	if err := proc.Run(ctx); err != nil {
		logger.Error("outbox worker failed", "err", err)
		os.Exit(1)
	}
}
