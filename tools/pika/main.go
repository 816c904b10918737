package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Transports log every emitted event at debug level
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runCommand(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - changefeed fan-out benchmark tool

Usage:
  pika <command> [options]

Commands:
  run       Emit synthetic change events and measure subscriber delivery
  version   Print version
  help      Show this help

Run Options:
  --transport     Transport under test: memory|nats (default: memory)
  --nats-url      NATS server URL (default: nats://127.0.0.1:4222)
  --prefix        NATS subject prefix (default: changefeed)
  --format        Wire format for nats: json|msgpack[+zstd] (default: json)
  --schema        Schema of the synthetic tables (default: public)
  --tables        Comma-separated table names (default: permits)
  --subscribers   Callbacks registered per table (default: 10)
  --filter        Row filter applied by every subscriber, e.g. status=eq.open
  --workload      Workload type: mixed|insert-only|update-heavy (default: mixed)
  --events        Total events to emit (default: 50000)
  --duration      Duration to run (e.g., 60s), overrides --events
  --threads       Number of concurrent emitters (default: 4)
  --insert-pct    Insert percentage (overrides workload default)
  --update-pct    Update percentage (overrides workload default)
  --delete-pct    Delete percentage (overrides workload default)
  --verify        Fail unless every expected callback arrived (default: false)
  --settle        Time to wait for in-flight deliveries (default: 5s)

Examples:
  pika run --subscribers=100 --events=100000
  pika run --transport=nats --format=msgpack+zstd --tables=permits,documents --filter=status=eq.open --verify`)
}

func runCommand(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	fs.StringVar(&cfg.Transport, "transport", "memory", "Transport under test")
	fs.StringVar(&cfg.NatsURL, "nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	fs.StringVar(&cfg.Prefix, "prefix", "changefeed", "NATS subject prefix")
	fs.StringVar(&cfg.Format, "format", "json", "Wire format")
	fs.StringVar(&cfg.Schema, "schema", "public", "Schema name")
	fs.StringVar(&cfg.Tables, "tables", "permits", "Comma-separated table names")
	fs.IntVar(&cfg.Subscribers, "subscribers", 10, "Callbacks per table")
	fs.StringVar(&cfg.Filter, "filter", "", "Row filter")
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Events, "events", 50000, "Total events to emit")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --events)")
	fs.IntVar(&cfg.Threads, "threads", 4, "Number of concurrent emitters")
	fs.IntVar(&cfg.InsertPct, "insert-pct", -1, "Insert percentage (overrides workload)")
	fs.IntVar(&cfg.UpdatePct, "update-pct", -1, "Update percentage (overrides workload)")
	fs.IntVar(&cfg.DeletePct, "delete-pct", -1, "Delete percentage (overrides workload)")
	fs.BoolVar(&cfg.Verify, "verify", false, "Verify delivery counts")
	fs.DurationVar(&cfg.SettleTimeout, "settle", 5*time.Second, "Time to wait for in-flight deliveries")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	if err := executeRun(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
}
