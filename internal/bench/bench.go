// Package bench measures canonical-store write throughput.
//
// The harness backs the backend migration decision: it drives an identical
// synthetic find/media workload against each candidate backend with a pool
// of concurrent writers and reports latency percentiles and sustained
// ops/sec, so the embedded and networked backends can be compared on the
// dig-house hardware they will actually run on.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/store"
)

// benchSites are the synthetic sites the workload writes under. Seeded
// before the measured window so every op is a find or media write.
var benchSites = []string{"BEN01", "BEN02", "BEN03"}

// Config defines the parameters for a benchmark run.
type Config struct {
	// Ops is the number of write operations per backend.
	Ops int

	// Workers is the number of concurrent writers.
	Workers int

	// Seed fixes the synthetic workload so both backends see the same
	// records in the same shards.
	Seed int64
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ops:     500,
		Workers: 8,
		Seed:    1,
	}
}

// Result captures the metrics from one backend's run.
type Result struct {
	// Backend labels the run ("sqlite", "postgres").
	Backend string

	// Ops is the number of writes performed.
	Ops int

	// Duration is the wall time of the measured window.
	Duration time.Duration

	// OpsPerSec is the sustained write throughput.
	OpsPerSec float64

	// Per-write latency distribution.
	Min time.Duration
	P50 time.Duration
	P95 time.Duration
	Max time.Duration
}

// Run executes the synthetic workload against one backend.
//
// The store is initialized and the workload sites are seeded outside the
// measured window. Ops are sharded contiguously across the workers; the
// first write error aborts the whole run.
func Run(ctx context.Context, st store.Store, label string, cfg Config) (*Result, error) {
	defaults := DefaultConfig()
	if cfg.Ops <= 0 {
		cfg.Ops = defaults.Ops
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Workers > cfg.Ops {
		cfg.Workers = cfg.Ops
	}

	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", label, err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	siteIDs := make([]int64, 0, len(benchSites))
	for _, code := range benchSites {
		id, err := st.UpsertSite(ctx, &catalog.Site{
			SiteCode: code,
			SiteName: "Benchmark site " + code,
			Status:   "active",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed site %s: %w", code, err)
		}
		siteIDs = append(siteIDs, id)
	}

	ops := generateOps(rng, cfg.Ops, siteIDs)

	durCh := make(chan []time.Duration, cfg.Workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(ops) + cfg.Workers - 1) / cfg.Workers
	for w := 0; w < cfg.Workers; w++ {
		lo := w * chunk
		if lo >= len(ops) {
			break
		}
		hi := lo + chunk
		if hi > len(ops) {
			hi = len(ops)
		}
		shard := ops[lo:hi]

		g.Go(func() error {
			durations := make([]time.Duration, 0, len(shard))
			for _, op := range shard {
				opStart := time.Now()
				err := op.apply(gctx, st)
				durations = append(durations, time.Since(opStart))
				if err != nil {
					return fmt.Errorf("%s write failed: %w", label, err)
				}
			}
			durCh <- durations
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	close(durCh)

	var all []time.Duration
	for durations := range durCh {
		all = append(all, durations...)
	}

	result := computeStats(all)
	result.Backend = label
	result.Ops = len(all)
	result.Duration = elapsed
	if elapsed.Seconds() > 0 {
		result.OpsPerSec = float64(len(all)) / elapsed.Seconds()
	}
	return result, nil
}

// ===================
// Workload
// ===================

// writeOp is one unit of work: exactly one of find or media is set.
type writeOp struct {
	find  *catalog.Find
	media *catalog.Media
}

func (o writeOp) apply(ctx context.Context, st store.Store) error {
	if o.find != nil {
		_, err := st.UpsertFind(ctx, o.find)
		return err
	}
	_, _, err := st.InsertMedia(ctx, o.media)
	return err
}

var (
	benchMaterials = []string{"ceramic", "bronze", "glass", "stone", "wood"}
	benchObjects   = []string{"amphora", "coin", "nail", "ingot", "sherd"}
)

// generateOps builds n synthetic writes, two finds to every media row,
// round-robined across the seeded sites. Find numbers and checksums are
// unique so every op is a fresh insert.
func generateOps(rng *rand.Rand, n int, siteIDs []int64) []writeOp {
	ops := make([]writeOp, 0, n)
	for i := 0; i < n; i++ {
		if i%3 == 2 {
			ops = append(ops, writeOp{media: &catalog.Media{
				MediaType:     "photo",
				FileName:      fmt.Sprintf("img_%05d.jpg", i),
				FilePath:      fmt.Sprintf("bench/img_%05d.jpg", i),
				FileSizeBytes: int64(rng.Intn(4<<20) + 1024),
				MimeType:      "image/jpeg",
				Checksum:      fmt.Sprintf("bench-%05d-%016x", i, rng.Uint64()),
				SyncSource:    catalog.SyncSourceField,
			}})
			continue
		}

		depth := rng.Float64() * 40
		ops = append(ops, writeOp{find: &catalog.Find{
			SiteID:       siteIDs[i%len(siteIDs)],
			FindNumber:   fmt.Sprintf("F-B%04d", i),
			MaterialType: benchMaterials[rng.Intn(len(benchMaterials))],
			ObjectType:   benchObjects[rng.Intn(len(benchObjects))],
			DepthM:       &depth,
			Quantity:     rng.Intn(5) + 1,
			CreatedBy:    "bench",
			SyncSource:   catalog.SyncSourceField,
		}})
	}
	return ops
}

// ===================
// Statistics
// ===================

// computeStats calculates the latency distribution from raw durations.
func computeStats(durations []time.Duration) *Result {
	if len(durations) == 0 {
		return &Result{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return &Result{
		Min: sorted[0],
		P50: sorted[len(sorted)*50/100],
		P95: sorted[len(sorted)*95/100],
		Max: sorted[len(sorted)-1],
	}
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// ===================
// Comparison
// ===================

// Comparison holds the two runs and the verdict.
type Comparison struct {
	Embedded  Result
	Networked Result

	// ThroughputDeltaPct is positive when the embedded backend sustains
	// more writes per second.
	ThroughputDeltaPct float64

	// P95DeltaPct is positive when the embedded backend's tail latency
	// is lower.
	P95DeltaPct float64

	// Winner is the backend label with the higher throughput, or "tie".
	Winner string
}

// Compare computes the verdict between the embedded and networked runs.
func Compare(embedded, networked Result) *Comparison {
	c := &Comparison{
		Embedded:  embedded,
		Networked: networked,
		Winner:    "tie",
	}

	if networked.OpsPerSec > 0 {
		c.ThroughputDeltaPct = (embedded.OpsPerSec - networked.OpsPerSec) / networked.OpsPerSec * 100
	}
	if networked.P95 > 0 {
		c.P95DeltaPct = (networked.P95 - embedded.P95).Seconds() / networked.P95.Seconds() * 100
	}

	if embedded.OpsPerSec > networked.OpsPerSec {
		c.Winner = embedded.Backend
	} else if networked.OpsPerSec > embedded.OpsPerSec {
		c.Winner = networked.Backend
	}
	return c
}

// Render formats the comparison as a plain-text report.
func (c *Comparison) Render() string {
	var b strings.Builder

	left := strings.ToUpper(c.Embedded.Backend)
	right := strings.ToUpper(c.Networked.Backend)

	fmt.Fprintf(&b, "=== Backend write throughput ===\n\n")
	fmt.Fprintf(&b, "Workload: %d ops\n\n", c.Embedded.Ops)

	fmt.Fprintf(&b, "%-10s | %-12s | %-12s | %s\n", "Metric", left, right, "Delta")
	fmt.Fprintf(&b, "%s\n", strings.Repeat("-", 56))
	fmt.Fprintf(&b, "%-10s | %-12.2f | %-12.2f | %s%.1f%%\n", "Ops/sec",
		c.Embedded.OpsPerSec, c.Networked.OpsPerSec, formatSign(c.ThroughputDeltaPct), c.ThroughputDeltaPct)
	printLatencyRow(&b, "Min", c.Embedded.Min, c.Networked.Min)
	printLatencyRow(&b, "P50", c.Embedded.P50, c.Networked.P50)
	printLatencyRow(&b, "P95", c.Embedded.P95, c.Networked.P95)
	printLatencyRow(&b, "Max", c.Embedded.Max, c.Networked.Max)

	fmt.Fprintf(&b, "\nVerdict: ")
	switch c.Winner {
	case "tie":
		fmt.Fprintf(&b, "dead heat at %.2f ops/sec\n", c.Embedded.OpsPerSec)
	case c.Embedded.Backend:
		fmt.Fprintf(&b, "%s writes %.1f%% faster\n", left, c.ThroughputDeltaPct)
	default:
		fmt.Fprintf(&b, "%s writes %.1f%% faster\n", right, -c.ThroughputDeltaPct)
	}
	return b.String()
}

func printLatencyRow(b *strings.Builder, metric string, left, right time.Duration) {
	fmt.Fprintf(b, "%-10s | %-12s | %-12s |\n", metric, FormatDuration(left), FormatDuration(right))
}

func formatSign(value float64) string {
	if value > 0 {
		return "+"
	}
	return ""
}
