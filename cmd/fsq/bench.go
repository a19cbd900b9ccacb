package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/bench"
	"github.com/lagoi/fieldsync/internal/store"
	"github.com/lagoi/fieldsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "ops",
	Short:   "Measure backend write throughput",
	Long: `Measure backend write throughput.

Replays a deterministic mix of find reports and media rows against an
embedded SQLite file and, when --dsn is given, against Postgres, then
prints a side-by-side comparison. The SQLite file defaults to a
throwaway in the system temp directory. Benchmark rows use sites
BEN01-BEN03 and bench/ media paths so they are easy to spot and delete
from a database you care about.

Examples:
  fsq bench --ops 1000 --workers 8
  fsq bench --dsn postgres://fsq@localhost/fieldsync_bench`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("ops", 500, "Write operations per backend")
	benchCmd.Flags().Int("workers", 8, "Concurrent writers")
	benchCmd.Flags().Int64("seed", 1, "Workload seed")
	benchCmd.Flags().String("db", "", "SQLite file to benchmark (default: throwaway temp file)")
	benchCmd.Flags().String("dsn", "", "Postgres DSN to benchmark for comparison")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	ops, _ := cmd.Flags().GetInt("ops")
	workers, _ := cmd.Flags().GetInt("workers")
	seed, _ := cmd.Flags().GetInt64("seed")
	dbPath, _ := cmd.Flags().GetString("db")
	dsn, _ := cmd.Flags().GetString("dsn")

	if ops <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --ops must be positive\n")
		os.Exit(1)
	}

	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), fmt.Sprintf("fsq-bench-%d.db", os.Getpid()))
		defer func() {
			os.Remove(dbPath)
			os.Remove(dbPath + "-wal")
			os.Remove(dbPath + "-shm")
		}()
	}

	bcfg := bench.Config{Ops: ops, Workers: workers, Seed: seed}
	ctx := context.Background()

	fmt.Printf("%s Benchmarking sqlite: %d ops, %d workers\n", ui.RenderAccent("🔄"), ops, workers)
	embedded := runBenchBackend(ctx, store.Config{Backend: store.TypeSQLite, Path: dbPath}, "sqlite", bcfg)

	if dsn == "" {
		printBenchResult(embedded)
		fmt.Println("\nPass --dsn to compare against Postgres.")
		return
	}

	fmt.Printf("%s Benchmarking postgres: %d ops, %d workers\n", ui.RenderAccent("🔄"), ops, workers)
	networked := runBenchBackend(ctx, store.Config{Backend: store.TypePostgres, DSN: dsn}, "postgres", bcfg)

	fmt.Println()
	fmt.Println(bench.Compare(*embedded, *networked).Render())
}

func runBenchBackend(ctx context.Context, scfg store.Config, label string, bcfg bench.Config) *bench.Result {
	st, err := store.Open(scfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s store: %v\n", label, err)
		os.Exit(1)
	}
	defer st.Close()

	result, err := bench.Run(ctx, st, label, bcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error benchmarking %s: %v\n", label, err)
		os.Exit(1)
	}
	return result
}

func printBenchResult(r *bench.Result) {
	fmt.Printf("\n%s: %d ops in %s (%.1f ops/sec)\n",
		strings.ToUpper(r.Backend), r.Ops, bench.FormatDuration(r.Duration), r.OpsPerSec)
	fmt.Printf("  latency min/p50/p95/max: %s / %s / %s / %s\n",
		bench.FormatDuration(r.Min), bench.FormatDuration(r.P50),
		bench.FormatDuration(r.P95), bench.FormatDuration(r.Max))
}
