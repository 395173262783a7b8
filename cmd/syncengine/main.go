// Command syncengine is the composition-root binary: it loads
// configuration, wires an engine.Context, and dispatches one of the
// subcommands named in spec.md §6. Flag parsing follows the teacher's
// own main.go — the standard library flag package plus a hand-rolled
// switch on the subcommand name, never a CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/detail"
	"github.com/syncengine/listingsync/engine"
	"github.com/syncengine/listingsync/httputil"
	"github.com/syncengine/listingsync/logging"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath)
	if err != nil {
		log.Printf("warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}
	logging.SetLevel(cfg.LogLevel)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	clients := httputil.NewClients(&cfg.Proxy, cfg.RequestTimeout)
	scraper := openScraper(cfg, clients)

	var media *detail.MediaUploader
	if cfg.HasMediaS3() {
		media, err = detail.NewMediaUploader(ctx, cfg.MediaS3)
		if err != nil {
			log.Fatalf("failed to set up media uploader: %v", err)
		}
	}

	ec := engine.New(cfg, store, scraper, media, nil)

	cmd := os.Args[1]
	args := os.Args[2:]

	var cmdErr error
	switch cmd {
	case "status":
		cmdErr = runStatus(ctx, ec)
	case "run-tier":
		cmdErr = runTier(ctx, ec, args)
	case "run-scheduled":
		cmdErr = runScheduled(ctx, ec)
	case "queue-stats":
		cmdErr = runQueueStats(ctx, ec)
	case "process-queue":
		cmdErr = runProcessQueue(ctx, ec, args)
	case "history":
		cmdErr = runHistory(ctx, ec, args)
	case "summary":
		cmdErr = runSummary(ctx, ec, args)
	case "queue":
		cmdErr = runQueueSubcommand(ctx, ec, args)
	case "daemon":
		cmdErr = runDaemon(ctx, ec, args)
	default:
		usage()
		os.Exit(1)
	}

	if cmdErr != nil {
		log.Fatalf("%s: %v", cmd, cmdErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: syncengine <command> [flags]

commands:
  status                              print schedule status
  run-tier N [--force]                run one tier now
  run-scheduled                       run every due tier in order
  queue-stats                         print scrape queue counts
  process-queue [--batch-size N] [--rate-limit D]
  history [--tier N] [--limit N]      print recent sync runs
  summary [--days N]                  print aggregate run counts
  queue retry [--max-attempts N] [--limit N]
  queue failed [--limit N]
  daemon [--interval D]               run continuously on a ticker`)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.HasPostgres() {
		log.Printf("connecting to postgres: %s", maskConnectionString(cfg.DB.PostgresDSN))
		return storage.NewPostgresStore(ctx, cfg.DB.PostgresDSN)
	}
	path := cfg.DB.SQLitePath
	if path == "" {
		path = "syncengine.db"
	}
	log.Printf("opening sqlite database: %s", path)
	return storage.NewSQLiteStore(path)
}

// openScraper picks the detail.Scraper implementation: PlaywrightScraper
// when a ScrapingBee key is configured (rendered pages behind anti-bot
// protection), HTTPScraper otherwise.
func openScraper(cfg *config.Config, clients *httputil.Clients) detail.Scraper {
	if key := os.Getenv("SCRAPINGBEE_API_KEY"); key != "" {
		log.Println("using playwright scraper (scrapingbee)")
		return detail.NewPlaywrightScraper(key, cfg.Proxy.URL)
	}
	return detail.NewHTTPScraper(clients, cfg)
}

func runStatus(ctx context.Context, ec *engine.Context) error {
	status, err := ec.Scheduler.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("running: %v\n", status.IsRunning)
	for _, t := range status.Tiers {
		fmt.Printf("tier %d (%s): due=%v running=%v last_run=%s last_success=%s\n",
			t.TierLevel, t.TierName, t.IsDue, t.IsRunning, formatTime(t.LastRun), formatTime(t.LastSuccess))
	}
	return nil
}

func runTier(ctx context.Context, ec *engine.Context, args []string) error {
	fs := flag.NewFlagSet("run-tier", flag.ExitOnError)
	force := fs.Bool("force", false, "run even if not due")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("run-tier requires a tier number")
	}
	n, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid tier number %q: %w", fs.Arg(0), err)
	}

	result, err := ec.Scheduler.RunSingle(ctx, models.TierLevel(n), *force)
	if err != nil {
		return err
	}
	printTierResult(result)
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

func runScheduled(ctx context.Context, ec *engine.Context) error {
	results, err := ec.Scheduler.RunScheduled(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		printTierResult(r)
	}
	return nil
}

func runQueueStats(ctx context.Context, ec *engine.Context) error {
	stats, err := ec.Store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending=%d in_progress=%d completed_today=%d failed_today=%d\n",
		stats.PendingCount, stats.InProgressCount, stats.CompletedToday, stats.FailedToday)
	for p, n := range stats.ByPriority {
		fmt.Printf("  priority %d: %d\n", p, n)
	}
	for r, n := range stats.ByReason {
		fmt.Printf("  reason %s: %d\n", r, n)
	}
	return nil
}

func runProcessQueue(ctx context.Context, ec *engine.Context, args []string) error {
	fs := flag.NewFlagSet("process-queue", flag.ExitOnError)
	maxItems := fs.Int("max-items", ec.Config.QueueMaxPending, "stop once this many entries have been processed")
	batchSize := fs.Int("batch-size", 20, "entries to claim per ClaimBatch call")
	rateLimit := fs.Duration("rate-limit", time.Second, "delay between scrapes")
	fs.Parse(args)

	result, err := ec.Worker.Drain(ctx, *maxItems, *batchSize, *rateLimit)
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d succeeded=%d failed=%d duration=%s\n",
		result.Processed, result.Succeeded, result.Failed, result.Duration)
	return nil
}

func runHistory(ctx context.Context, ec *engine.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	tier := fs.Int("tier", 0, "filter by tier level, 0 for all")
	limit := fs.Int("limit", 20, "max rows to print")
	fs.Parse(args)

	var tierFilter *models.TierLevel
	if *tier != 0 {
		t := models.TierLevel(*tier)
		tierFilter = &t
	}

	runs, err := ec.Store.History(ctx, tierFilter, *limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s tier=%d(%s) status=%s started=%s new=%d price_changes=%d removals=%d\n",
			r.ID, r.TierLevel, r.TierName, r.Status, r.StartedAt.Format(time.RFC3339),
			r.NewFound, r.PriceChanges, r.RemovalsConfirmed)
	}
	return nil
}

func runSummary(ctx context.Context, ec *engine.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	days := fs.Int("days", 7, "lookback window in days")
	fs.Parse(args)

	cutoff := time.Now().UTC().AddDate(0, 0, -*days)
	runs, err := ec.Store.History(ctx, nil, 10000)
	if err != nil {
		return err
	}

	var total, succeeded, newFound, priceChanges, removals int
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		total++
		if r.Status == models.RunCompleted {
			succeeded++
		}
		newFound += r.NewFound
		priceChanges += r.PriceChanges
		removals += r.RemovalsConfirmed
	}
	fmt.Printf("last %d days: runs=%d succeeded=%d new=%d price_changes=%d removals=%d\n",
		*days, total, succeeded, newFound, priceChanges, removals)
	return nil
}

func runQueueSubcommand(ctx context.Context, ec *engine.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("queue requires a subcommand: retry | failed")
	}
	switch args[0] {
	case "retry":
		fs := flag.NewFlagSet("queue retry", flag.ExitOnError)
		maxAttempts := fs.Int("max-attempts", 3, "only retry entries below this attempt count")
		limit := fs.Int("limit", 100, "max entries to requeue")
		fs.Parse(args[1:])

		n, err := ec.Store.RetryFailed(ctx, *maxAttempts, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d failed entries\n", n)
		return nil
	case "failed":
		fs := flag.NewFlagSet("queue failed", flag.ExitOnError)
		limit := fs.Int("limit", 50, "max entries to print")
		fs.Parse(args[1:])

		items, err := ec.Store.FailedItems(ctx, *limit)
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Printf("%s property=%s attempts=%d error=%q\n", it.ID, it.PropertyID, it.AttemptCount, it.LastError)
		}
		return nil
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

func runDaemon(ctx context.Context, ec *engine.Context, args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	interval := fs.Duration("interval", 15*time.Minute, "interval between scheduler passes")
	fs.Parse(args)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ec.Worker.Run(ctx, ec.Config.QueueMaxPending, 20, time.Second, time.Minute)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- ec.Scheduler.RunContinuous(ctx, *interval, 0)
	}()

	select {
	case <-sigCh:
		log.Println("shutting down...")
		cancel()
		<-done
	case err := <-done:
		return err
	}
	return nil
}

func printTierResult(r models.TierResult) {
	status := "ok"
	if !r.Success {
		status = "failed"
	}
	fmt.Printf("tier %d: %s run=%s new=%d price_changes=%d removals=%d queued=%d scraped=%d\n",
		r.Run.TierLevel, status, r.Run.ID, r.Run.NewFound, r.Run.PriceChanges,
		r.Run.RemovalsConfirmed, r.Run.Queued, r.Run.Scraped)
	for _, e := range r.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// maskConnectionString masks the password segment of a DSN for logging.
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx, atIdx := -1, -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
