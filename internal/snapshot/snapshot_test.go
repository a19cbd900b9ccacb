package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
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

// seedFixture fills a store with one of everything, including a relation by
// checksum and one by file path.
func seedFixture(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := st.UpsertWorker(ctx, &catalog.Worker{
		FullName: "Anna Petrova", MessengerUsername: "diveranna", Role: "diver", IsActive: true,
	}); err != nil {
		t.Fatalf("failed to seed worker: %v", err)
	}

	siteID, err := st.UpsertSite(ctx, &catalog.Site{
		SiteCode: "WRK01", SiteName: "North Reef Wreck", SiteType: "wreck", Status: "active",
	})
	if err != nil {
		t.Fatalf("failed to seed site: %v", err)
	}

	depth := 18.5
	findID, err := st.UpsertFind(ctx, &catalog.Find{
		SiteID: siteID, FindNumber: "F-102", MaterialType: "ceramic",
		ObjectType: "amphora", DepthM: &depth, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("failed to seed find: %v", err)
	}

	photoID, _, err := st.InsertMedia(ctx, &catalog.Media{
		MediaType: "photo", FileName: "f102.jpg", FilePath: "photos/f102.jpg", Checksum: "abc123",
	})
	if err != nil {
		t.Fatalf("failed to seed photo: %v", err)
	}
	if err := st.LinkMedia(ctx, &catalog.MediaRelation{
		MediaID: photoID, RelatedType: catalog.KindFind, RelatedID: findID, RelationType: "signature",
	}); err != nil {
		t.Fatalf("failed to link photo: %v", err)
	}

	overviewID, _, err := st.InsertMedia(ctx, &catalog.Media{
		MediaType: "photo", FileName: "site.jpg", FilePath: "photos/site-overview.jpg",
	})
	if err != nil {
		t.Fatalf("failed to seed overview photo: %v", err)
	}
	if err := st.LinkMedia(ctx, &catalog.MediaRelation{
		MediaID: overviewID, RelatedType: catalog.KindSite, RelatedID: siteID,
	}); err != nil {
		t.Fatalf("failed to link overview photo: %v", err)
	}

	if _, err := st.UpsertDiveLog(ctx, &catalog.DiveLog{
		SiteID: siteID, DiveNumber: "D-1", DiveStart: "09:10", DiveEnd: "09:52",
	}); err != nil {
		t.Fatalf("failed to seed dive log: %v", err)
	}

	expenseDate := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	if _, err := st.InsertExpense(ctx, &catalog.Expense{
		SiteID: siteID, Category: "fuel", Amount: 120.50, Currency: "EUR", ExpenseDate: &expenseDate,
	}); err != nil {
		t.Fatalf("failed to seed expense: %v", err)
	}
}

func assertFixture(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site missing after import: %v", err)
	}
	find, err := st.FindByNumber(ctx, site.ID, "F-102")
	if err != nil {
		t.Fatalf("find missing after import: %v", err)
	}
	if find.MaterialType != "ceramic" || find.DepthM == nil || *find.DepthM != 18.5 {
		t.Errorf("find fields lost in transit: %+v", find)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.Sites != 1 || stats.Finds != 1 || stats.Media != 2 ||
		stats.DiveLogs != 1 || stats.Workers != 1 || stats.Expenses != 1 {
		t.Errorf("stats after import = %+v", stats)
	}

	relations, err := st.ListMediaRelations(ctx)
	if err != nil {
		t.Fatalf("failed to list relations: %v", err)
	}
	if len(relations) != 2 {
		t.Fatalf("relations = %d, want 2", len(relations))
	}
	var signature bool
	for _, rel := range relations {
		if rel.RelatedType == catalog.KindFind && rel.RelationType == "signature" {
			signature = true
		}
	}
	if !signature {
		t.Error("signature relation type lost in transit")
	}
}

// TestExportImport_RoundTrip tests that a populated store survives the trip
// through JSONL into a fresh backend.
func TestExportImport_RoundTrip(t *testing.T) {
	from := openTestStore(t, "from.db")
	to := openTestStore(t, "to.db")
	seedFixture(t, from)

	var buf bytes.Buffer
	if err := Export(context.Background(), from, &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	result, err := Import(context.Background(), to, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("import errors: %v", result.Errors)
	}
	if result.Sites != 1 || result.Finds != 1 || result.Media != 2 ||
		result.Relations != 2 || result.DiveLogs != 1 || result.Workers != 1 || result.Expenses != 1 {
		t.Errorf("result = %+v", result)
	}

	assertFixture(t, to)
}

// TestImport_Idempotent tests that replaying the same stream changes
// nothing.
func TestImport_Idempotent(t *testing.T) {
	from := openTestStore(t, "from.db")
	to := openTestStore(t, "to.db")
	seedFixture(t, from)

	var buf bytes.Buffer
	if err := Export(context.Background(), from, &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		result, err := Import(context.Background(), to, bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("import %d failed: %v", i+1, err)
		}
		if len(result.Errors) != 0 {
			t.Fatalf("import %d errors: %v", i+1, result.Errors)
		}
	}

	assertFixture(t, to)
}

// TestCopy tests the direct backend-to-backend path.
func TestCopy(t *testing.T) {
	from := openTestStore(t, "from.db")
	to := openTestStore(t, "to.db")
	seedFixture(t, from)

	result, err := Copy(context.Background(), from, to)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("copy errors: %v", result.Errors)
	}
	if result.Total() != 9 {
		t.Errorf("copied rows = %d, want 9", result.Total())
	}

	assertFixture(t, to)
}

// TestExport_DependencyOrder tests that referenced kinds precede the kinds
// referencing them.
func TestExport_DependencyOrder(t *testing.T) {
	from := openTestStore(t, "from.db")
	seedFixture(t, from)

	var buf bytes.Buffer
	if err := Export(context.Background(), from, &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	position := map[string]int{}
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	idx := 0
	for dec.More() {
		var line struct {
			Kind string `json:"kind"`
		}
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("failed to scan line %d: %v", idx+1, err)
		}
		if _, seen := position[line.Kind]; !seen {
			position[line.Kind] = idx
		}
		idx++
	}

	if position["site"] > position["find"] {
		t.Error("sites must precede finds")
	}
	if position["find"] > position["relation"] {
		t.Error("finds must precede relations")
	}
	if position["media"] > position["relation"] {
		t.Error("media must precede relations")
	}
}

// TestImport_CollectsLineErrors tests that a bad line is reported without
// sinking the rest of the stream.
func TestImport_CollectsLineErrors(t *testing.T) {
	to := openTestStore(t, "to.db")

	stream := strings.Join([]string{
		`{"kind":"site","site":{"site_code":"WRK01"}}`,
		`{"kind":"find","find":{"site_code":"NOPE","find_number":"F-1"}}`,
		`{"kind":"find","find":{"site_code":"WRK01","find_number":"F-2"}}`,
	}, "\n")

	result, err := Import(context.Background(), to, strings.NewReader(stream))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.Sites != 1 || result.Finds != 1 {
		t.Errorf("result = %+v, want 1 site and 1 find applied", result)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "NOPE") {
		t.Errorf("errors = %v, want one naming the missing site", result.Errors)
	}
}

// TestImport_RejectsBadStream tests that undecodable input aborts.
func TestImport_RejectsBadStream(t *testing.T) {
	to := openTestStore(t, "to.db")

	if _, err := Import(context.Background(), to, strings.NewReader("not json")); err == nil {
		t.Fatal("import of garbage succeeded")
	}
}
