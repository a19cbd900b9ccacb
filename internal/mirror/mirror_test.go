package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/reconcile"
	"github.com/lagoi/fieldsync/internal/store"
	_ "github.com/lagoi/fieldsync/internal/store/sqlite"
)

func openTestStore(t *testing.T, name string) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Backend: store.TypeSQLite,
		Path:    filepath.Join(t.TempDir(), name),
	})
	if err != nil {
		t.Fatalf("failed to open store %s: %v", name, err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store %s: %v", name, err)
	}
	return st
}

func newTestMirror(t *testing.T, primary, secondary store.Store) *Mirror {
	t.Helper()
	return New(primary, secondary, log.New(io.Discard, "", 0))
}

func seedSite(t *testing.T, st store.Store, code, name string) int64 {
	t.Helper()
	id, err := st.UpsertSite(context.Background(), &catalog.Site{SiteCode: code, SiteName: name})
	if err != nil {
		t.Fatalf("failed to seed site %s: %v", code, err)
	}
	return id
}

func seedFind(t *testing.T, st store.Store, siteID int64, number, material string) {
	t.Helper()
	_, err := st.UpsertFind(context.Background(), &catalog.Find{
		SiteID:       siteID,
		FindNumber:   number,
		MaterialType: material,
	})
	if err != nil {
		t.Fatalf("failed to seed find %s: %v", number, err)
	}
}

func findRecord(siteCode, findNumber string) *catalog.NormalizedRecord {
	return &catalog.NormalizedRecord{
		Kind:       catalog.RecordFindReport,
		FindReport: &catalog.FindReport{SiteCode: siteCode, FindNumber: findNumber},
	}
}

// TestApply_ReplaysToSecondary tests that an applied record shows up in the
// secondary backend after the mirror drains.
func TestApply_ReplaysToSecondary(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")
	m := newTestMirror(t, primary, secondary)

	m.Apply(findRecord("WRK01", "F-102"), reconcile.Meta{ReceivedAt: time.Now().UTC()})
	if err := m.Close(); err != nil {
		t.Fatalf("failed to drain mirror: %v", err)
	}

	ctx := context.Background()
	site, err := secondary.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site not replayed to secondary: %v", err)
	}
	if _, err := secondary.FindByNumber(ctx, site.ID, "F-102"); err != nil {
		t.Fatalf("find not replayed to secondary: %v", err)
	}
	if got := m.Divergences(); len(got) != 0 {
		t.Errorf("divergences = %d, want 0", len(got))
	}
}

// downStore answers every site lookup the way an unreachable secondary
// would.
type downStore struct {
	store.Store
}

func (s *downStore) SiteByCode(ctx context.Context, code string) (*catalog.Site, error) {
	return nil, fmt.Errorf("dial secondary: %w", store.ErrConnection)
}

// TestApply_SecondaryFailureIsAbsorbed tests that a broken secondary
// produces a divergence record and nothing else.
func TestApply_SecondaryFailureIsAbsorbed(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")

	m := newTestMirror(t, primary, &downStore{Store: secondary})
	m.Apply(findRecord("WRK01", "F-1"), reconcile.Meta{})
	if err := m.Close(); err != nil {
		t.Fatalf("drain returned error, want absorbed failure: %v", err)
	}

	got := m.Divergences()
	if len(got) != 1 {
		t.Fatalf("divergences = %d, want 1", len(got))
	}
	if got[0].Kind != catalog.RecordFindReport || got[0].Detail == "" {
		t.Errorf("divergence = %+v, want find_report with detail", got[0])
	}
}

// TestSweep_CleanWhenAligned tests that identical backends produce a clean
// report.
func TestSweep_CleanWhenAligned(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")
	ctx := context.Background()

	for _, st := range []store.Store{primary, secondary} {
		siteID := seedSite(t, st, "WRK01", "North Reef Wreck")
		seedFind(t, st, siteID, "F-1", "ceramic")
		if _, _, err := st.InsertMedia(ctx, &catalog.Media{
			MediaType: "photo", FileName: "f1.jpg", Checksum: "abc123",
		}); err != nil {
			t.Fatalf("failed to seed media: %v", err)
		}
		if _, err := st.UpsertWorker(ctx, &catalog.Worker{
			FullName: "Anna Petrova", MessengerUsername: "diveranna", IsActive: true,
		}); err != nil {
			t.Fatalf("failed to seed worker: %v", err)
		}
	}

	m := newTestMirror(t, primary, secondary)
	report, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !report.Clean() {
		t.Errorf("report not clean: %+v", report.Entities)
	}
	if len(report.Entities) != 5 {
		t.Errorf("compared kinds = %d, want 5", len(report.Entities))
	}
}

// TestSweep_FlagsDriftedRows tests detection of rows missing from one side
// and rows present in both but differing.
func TestSweep_FlagsDriftedRows(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")
	ctx := context.Background()

	pSite := seedSite(t, primary, "WRK01", "North Reef Wreck")
	seedFind(t, primary, pSite, "F-1", "ceramic")
	seedFind(t, primary, pSite, "F-2", "metal")

	sSite := seedSite(t, secondary, "WRK01", "North Reef Wreck")
	seedFind(t, secondary, sSite, "F-1", "glass") // drifted field
	seedFind(t, secondary, sSite, "F-3", "wood")  // desk-only row

	m := newTestMirror(t, primary, secondary)
	report, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("report clean despite drift")
	}

	var finds *EntityDelta
	for i := range report.Entities {
		if report.Entities[i].Kind == catalog.KindFind {
			finds = &report.Entities[i]
		}
	}
	if finds == nil {
		t.Fatal("no find delta in report")
	}

	if len(finds.OnlyPrimary) != 1 || finds.OnlyPrimary[0] != "WRK01/F-2" {
		t.Errorf("only primary = %v, want [WRK01/F-2]", finds.OnlyPrimary)
	}
	if len(finds.OnlySecondary) != 1 || finds.OnlySecondary[0] != "WRK01/F-3" {
		t.Errorf("only secondary = %v, want [WRK01/F-3]", finds.OnlySecondary)
	}
	if len(finds.Mismatched) != 1 || finds.Mismatched[0] != "WRK01/F-1" {
		t.Errorf("mismatched = %v, want [WRK01/F-1]", finds.Mismatched)
	}
	if finds.PrimaryCount != 2 || finds.SecondaryCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", finds.PrimaryCount, finds.SecondaryCount)
	}
}

// TestSweep_ReportOnly tests that a sweep writes nothing to either backend.
func TestSweep_ReportOnly(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")
	ctx := context.Background()

	siteID := seedSite(t, primary, "WRK01", "")
	seedFind(t, primary, siteID, "F-1", "ceramic")

	m := newTestMirror(t, primary, secondary)
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	stats, err := secondary.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to read secondary stats: %v", err)
	}
	if stats.Sites != 0 || stats.Finds != 0 {
		t.Errorf("secondary gained rows from sweep: %+v", stats)
	}
}

// TestReport_EncodeYAML tests the report round-trips through its YAML form.
func TestReport_EncodeYAML(t *testing.T) {
	report := &Report{
		GeneratedAt: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
		Primary:     "sqlite:primary.db",
		Secondary:   "postgres://db.example.com/excavation",
		Entities: []EntityDelta{
			{Kind: catalog.KindFind, PrimaryCount: 2, SecondaryCount: 1, OnlyPrimary: []string{"WRK01/F-2"}},
		},
	}

	var buf bytes.Buffer
	if err := report.EncodeYAML(&buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"primary: sqlite:primary.db", "kind: find", "WRK01/F-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded report missing %q:\n%s", want, out)
		}
	}

	var decoded Report
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Clean() {
		t.Error("decoded report clean, want divergent")
	}
	if len(decoded.Entities) != 1 || decoded.Entities[0].Kind != catalog.KindFind {
		t.Errorf("decoded entities = %+v", decoded.Entities)
	}
}

// TestDivergenceRetention tests the bounded divergence buffer drops oldest
// records first.
func TestDivergenceRetention(t *testing.T) {
	primary := openTestStore(t, "primary.db")
	secondary := openTestStore(t, "secondary.db")
	m := newTestMirror(t, primary, secondary)

	for i := 0; i < divergenceRetention+2; i++ {
		m.record(catalog.RecordMediaAsset, fmt.Errorf("d%03d", i))
	}

	got := m.Divergences()
	if len(got) != divergenceRetention {
		t.Fatalf("retained = %d, want %d", len(got), divergenceRetention)
	}
	if got[0].Detail != "d002" {
		t.Errorf("oldest retained = %s, want d002", got[0].Detail)
	}
	if got[len(got)-1].Detail != fmt.Sprintf("d%03d", divergenceRetention+1) {
		t.Errorf("newest retained = %s", got[len(got)-1].Detail)
	}
}
