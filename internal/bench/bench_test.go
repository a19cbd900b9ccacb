package bench

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lagoi/fieldsync/internal/store"
	_ "github.com/lagoi/fieldsync/internal/store/sqlite"
)

func openBenchStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Backend: store.TypeSQLite,
		Path:    filepath.Join(t.TempDir(), "bench.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRun(t *testing.T) {
	st := openBenchStore(t)
	ctx := context.Background()

	res, err := Run(ctx, st, "sqlite", Config{Ops: 40, Workers: 4, Seed: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if res.Backend != "sqlite" {
		t.Errorf("backend = %q, want %q", res.Backend, "sqlite")
	}
	if res.Ops != 40 {
		t.Errorf("ops = %d, want 40", res.Ops)
	}
	if res.Duration <= 0 {
		t.Error("duration was not measured")
	}
	if res.OpsPerSec <= 0 {
		t.Error("throughput was not computed")
	}
	if res.Min > res.P50 || res.P50 > res.P95 || res.P95 > res.Max {
		t.Errorf("percentiles out of order: min=%v p50=%v p95=%v max=%v",
			res.Min, res.P50, res.P95, res.Max)
	}

	// The workload must have landed: two finds to every media row.
	finds, err := st.ListFinds(ctx, store.FindFilter{})
	if err != nil {
		t.Fatalf("failed to list finds: %v", err)
	}
	if len(finds) != 27 {
		t.Errorf("got %d finds, want 27", len(finds))
	}
	media, err := st.ListMedia(ctx, 100)
	if err != nil {
		t.Fatalf("failed to list media: %v", err)
	}
	if len(media) != 13 {
		t.Errorf("got %d media rows, want 13", len(media))
	}
}

func TestRun_ClampsWorkersToOps(t *testing.T) {
	st := openBenchStore(t)

	res, err := Run(context.Background(), st, "sqlite", Config{Ops: 3, Workers: 16, Seed: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Ops != 3 {
		t.Errorf("ops = %d, want 3", res.Ops)
	}
}

func TestComputeStats(t *testing.T) {
	durations := make([]time.Duration, 20)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}

	res := computeStats(durations)
	if res.Min != time.Millisecond {
		t.Errorf("min = %v, want 1ms", res.Min)
	}
	if res.P50 != 11*time.Millisecond {
		t.Errorf("p50 = %v, want 11ms", res.P50)
	}
	if res.P95 != 20*time.Millisecond {
		t.Errorf("p95 = %v, want 20ms", res.P95)
	}
	if res.Max != 20*time.Millisecond {
		t.Errorf("max = %v, want 20ms", res.Max)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	res := computeStats(nil)
	if res.Min != 0 || res.P50 != 0 || res.P95 != 0 || res.Max != 0 {
		t.Errorf("empty input should yield zero stats, got %+v", res)
	}
}

func TestCompare(t *testing.T) {
	embedded := Result{Backend: "sqlite", Ops: 500, OpsPerSec: 1200, P95: 2 * time.Millisecond}
	networked := Result{Backend: "postgres", Ops: 500, OpsPerSec: 800, P95: 5 * time.Millisecond}

	c := Compare(embedded, networked)
	if c.Winner != "sqlite" {
		t.Errorf("winner = %q, want %q", c.Winner, "sqlite")
	}
	if c.ThroughputDeltaPct != 50 {
		t.Errorf("throughput delta = %.1f, want 50", c.ThroughputDeltaPct)
	}
	if c.P95DeltaPct != 60 {
		t.Errorf("p95 delta = %.1f, want 60", c.P95DeltaPct)
	}

	reversed := Compare(networked, embedded)
	if reversed.Winner != "sqlite" {
		t.Errorf("winner = %q, want %q", reversed.Winner, "sqlite")
	}
	if reversed.ThroughputDeltaPct >= 0 {
		t.Errorf("throughput delta = %.1f, want negative", reversed.ThroughputDeltaPct)
	}
}

func TestComparisonRender(t *testing.T) {
	c := Compare(
		Result{Backend: "sqlite", Ops: 500, OpsPerSec: 1200, P50: time.Millisecond, P95: 2 * time.Millisecond},
		Result{Backend: "postgres", Ops: 500, OpsPerSec: 800, P50: 3 * time.Millisecond, P95: 5 * time.Millisecond},
	)

	out := c.Render()
	for _, want := range []string{"SQLITE", "POSTGRES", "Ops/sec", "P95", "Verdict", "faster"} {
		if !strings.Contains(out, want) {
			t.Errorf("report is missing %q:\n%s", want, out)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "500ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{2500 * time.Microsecond, "2.50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
