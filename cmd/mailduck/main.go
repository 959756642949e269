package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailduck-io/mailduck/internal/config"
	"github.com/mailduck-io/mailduck/internal/gmail"
	"github.com/mailduck-io/mailduck/internal/rate"
	"github.com/mailduck-io/mailduck/internal/runtime"
	"github.com/mailduck-io/mailduck/internal/stats"
	"github.com/mailduck-io/mailduck/internal/store"
	msync "github.com/mailduck-io/mailduck/internal/sync"
)

func main() {
	log := runtime.DefaultLogger()
	if err := run(os.Args[1:], log); err != nil {
		log.Error("mailduck failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, log *slog.Logger) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "sync":
		return runSync(ctx, args[1:], log)
	case "sync-message":
		return runSyncMessage(ctx, args[1:], log)
	case "list":
		return runList(ctx, args[1:])
	case "stats":
		return runStats(ctx, args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mailduck <command> [flags]

commands:
  sync          reconcile the mailbox into the local replica
  sync-message  fetch one message and overwrite its row
  list          print the most recent messages in the replica
  stats         print totals, top senders and label counts`)
}

func runSync(ctx context.Context, args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "path where data is stored (required)")
	fullSync := fs.Bool("full-sync", false, "re-enumerate the entire mailbox")
	pageSize := fs.Int("page-size", 0, "Gmail list page size (<=500, default from config)")
	rps := fs.Int("rps", -1, "max requests per second, 0 disables limiting (default from config)")
	timeout := fs.Duration("timeout", 0, "per-call API timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return errors.New("--data-dir is required")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	if *pageSize != 0 {
		if err := config.ValidatePageSize(*pageSize); err != nil {
			return err
		}
		cfg.Sync.PageSize = *pageSize
	}
	if *rps >= 0 {
		cfg.Sync.RPS = *rps
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := runtime.NewGmailClient(ctx, *dataDir, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}

	svc, stop := newService(client, st, cfg.Sync.RPS, log)
	defer stop()

	rep, err := svc.Run(ctx, msync.Spec{Full: *fullSync, PageSize: cfg.Sync.PageSize})
	if err != nil {
		return fmt.Errorf("run sync: %w", err)
	}
	fmt.Printf("Total messages synced: %d (inserted %d, updated %d, skipped %d)\n",
		rep.Inserted+rep.Updated, rep.Inserted, rep.Updated, rep.Skipped)
	return nil
}

func runSyncMessage(ctx context.Context, args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("sync-message", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "path where data is stored (required)")
	messageID := fs.String("message-id", "", "the ID of the message to sync (required)")
	timeout := fs.Duration("timeout", 0, "per-call API timeout (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return errors.New("--data-dir is required")
	}
	if *messageID == "" {
		return errors.New("--message-id is required")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := runtime.NewGmailClient(ctx, *dataDir, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}

	svc, stop := newService(client, st, cfg.Sync.RPS, log)
	defer stop()

	if err := svc.SyncOne(ctx, gmail.MessageID(*messageID)); err != nil {
		return fmt.Errorf("sync message: %w", err)
	}
	return nil
}

func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "path where data is stored (required)")
	limit := fs.Int("limit", 10, "maximum number of messages to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return errors.New("--data-dir is required")
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	msgs, err := st.ListRecent(ctx, *limit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		marker := " "
		if !m.IsRead {
			marker = "*"
		}
		fmt.Printf("%s %s  %-30s  %s\n",
			marker, m.Timestamp.Format(time.DateTime), m.Sender.Email, m.Subject)
	}
	return nil
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dataDir := fs.String("data-dir", "", "path where data is stored (required)")
	top := fs.Int("top", 0, "how many senders to rank (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return errors.New("--data-dir is required")
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}
	if *top > 0 {
		cfg.Stats.Top = *top
	}

	st, err := store.Open(*dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rep, err := stats.Build(ctx, st, cfg.Stats.Top)
	if err != nil {
		return err
	}
	stats.Render(os.Stdout, rep)
	return nil
}

func newService(client gmail.Client, st msync.Store, rps int, log *slog.Logger) (*msync.Service, func()) {
	var limiter rate.Limiter
	stop := func() {}
	if rps > 0 {
		bucket := rate.NewTokenBucket(rps)
		limiter = bucket
		stop = bucket.Stop
	}
	return msync.NewService(client, st, limiter, log), stop
}
