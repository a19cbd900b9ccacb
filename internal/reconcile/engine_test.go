package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/store"
	_ "github.com/lagoi/fieldsync/internal/store/sqlite"
)

// ===================
// Test helpers
// ===================

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Backend: store.TypeSQLite,
		Path:    filepath.Join(t.TempDir(), "canonical.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return st
}

func newTestEngine(t *testing.T, q *queue.Queue, st store.Store, cfg Config) *Engine {
	t.Helper()
	if cfg.Consumer == "" {
		cfg.Consumer = "test-engine"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	eng, err := New(q, st, cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng
}

func enqueueRecord(t *testing.T, q *queue.Queue, rec *catalog.NormalizedRecord, chatID, messageID, senderID string) int64 {
	t.Helper()
	entry, err := queue.NewEntry(rec, chatID, messageID, senderID, time.Time{})
	if err != nil {
		t.Fatalf("failed to build entry for %s/%s: %v", chatID, messageID, err)
	}
	id, created, err := q.Enqueue(entry)
	if err != nil {
		t.Fatalf("failed to enqueue %s/%s: %v", chatID, messageID, err)
	}
	if !created {
		t.Fatalf("expected a fresh entry for %s/%s", chatID, messageID)
	}
	return id
}

// drain runs the engine until exactly want entries have been processed.
func drain(t *testing.T, eng *Engine, want int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < want; i++ {
		processed, err := eng.RunOnce(ctx)
		if err != nil {
			t.Fatalf("pass %d failed: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("pass %d processed nothing, want %d entries total", i+1, want)
		}
	}
}

func seedWorker(t *testing.T, st store.Store, fullName, username string) {
	t.Helper()
	_, err := st.UpsertWorker(context.Background(), &catalog.Worker{
		FullName:          fullName,
		MessengerUsername: username,
		Role:              "diver",
		IsActive:          true,
	})
	if err != nil {
		t.Fatalf("failed to seed worker %s: %v", fullName, err)
	}
}

func findRecord(siteCode, findNumber string, mutate func(*catalog.FindReport)) *catalog.NormalizedRecord {
	report := &catalog.FindReport{SiteCode: siteCode, FindNumber: findNumber}
	if mutate != nil {
		mutate(report)
	}
	return &catalog.NormalizedRecord{Kind: catalog.RecordFindReport, FindReport: report}
}

func mediaRecord(kind, blobRef string, mutate func(*catalog.MediaAsset)) *catalog.NormalizedRecord {
	asset := &catalog.MediaAsset{Kind: kind, BlobRef: blobRef}
	if mutate != nil {
		mutate(asset)
	}
	return &catalog.NormalizedRecord{Kind: catalog.RecordMediaAsset, MediaAsset: asset}
}

func pinRecord(lat, lon float64, relatedRef string) *catalog.NormalizedRecord {
	return &catalog.NormalizedRecord{
		Kind:        catalog.RecordLocationPin,
		LocationPin: &catalog.LocationPin{Lat: lat, Lon: lon, RelatedRef: relatedRef},
	}
}

// ===================
// Constructor
// ===================

// TestNew_Defaults tests that New fills in sensible defaults.
func TestNew_Defaults(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	eng, err := New(q, st, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !strings.HasPrefix(eng.Consumer(), "reconcile-") {
		t.Errorf("default consumer = %q, want reconcile- prefix", eng.Consumer())
	}
	if eng.cfg.PollInterval != defaultPollInterval {
		t.Errorf("poll interval = %v, want %v", eng.cfg.PollInterval, defaultPollInterval)
	}
	if eng.cfg.Workers != 1 {
		t.Errorf("workers = %d, want 1", eng.cfg.Workers)
	}
}

// TestNew_RequiresQueueAndStore tests constructor validation.
func TestNew_RequiresQueueAndStore(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	if _, err := New(nil, st, Config{}); err == nil {
		t.Error("New with nil queue should fail")
	}
	if _, err := New(q, nil, Config{}); err == nil {
		t.Error("New with nil store should fail")
	}
}

// ===================
// Apply paths
// ===================

// TestApply_FindReport tests the straight-line path: a find report creates
// its site stub, attributes the finder, and lands as an applied entry.
func TestApply_FindReport(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	seedWorker(t, st, "Anna Petrova", "diveranna")

	depth := 18.5
	rec := findRecord("WRK01", "F-102", func(r *catalog.FindReport) {
		r.MaterialType = "ceramic"
		r.ObjectType = "amphora"
		r.Description = "intact neck, rim chipped"
		r.DepthM = &depth
		r.Quantity = 1
		r.FinderRef = "@diveranna"
	})
	enqueueRecord(t, q, rec, "chat-1", "m-1", "diveranna")

	eng := newTestEngine(t, q, st, Config{})
	drain(t, eng, 1)

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site was not provisioned: %v", err)
	}
	if site.Status != "unverified" {
		t.Errorf("provisioned site status = %q, want unverified", site.Status)
	}

	find, err := st.FindByNumber(ctx, site.ID, "F-102")
	if err != nil {
		t.Fatalf("find was not created: %v", err)
	}
	if find.FinderName != "Anna Petrova" {
		t.Errorf("finder name = %q, want Anna Petrova", find.FinderName)
	}
	if find.SyncSource != catalog.SyncSourceField {
		t.Errorf("sync source = %q, want %q", find.SyncSource, catalog.SyncSourceField)
	}
	if find.MaterialType != "ceramic" || find.ObjectType != "amphora" {
		t.Errorf("find fields not applied: %+v", find)
	}

	counts, err := q.Counts()
	if err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}
	if counts.Applied != 1 || counts.Pending != 0 {
		t.Errorf("queue counts = %+v, want 1 applied", counts)
	}

	stamp, err := st.Setting(ctx, store.SettingLastFieldSync)
	if err != nil {
		t.Fatalf("last field sync was not recorded: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, stamp); err != nil {
		t.Errorf("last field sync %q is not RFC3339: %v", stamp, err)
	}
}

// TestApply_UnknownFinderKeepsUsername tests that a submission from a
// worker the roster does not know still records who sent it.
func TestApply_UnknownFinderKeepsUsername(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	rec := findRecord("WRK01", "F-7", func(r *catalog.FindReport) {
		r.FinderRef = "@Stranger"
	})
	enqueueRecord(t, q, rec, "chat-1", "m-1", "")

	eng := newTestEngine(t, q, st, Config{})
	drain(t, eng, 1)

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	find, err := st.FindByNumber(ctx, site.ID, "F-7")
	if err != nil {
		t.Fatalf("find lookup failed: %v", err)
	}
	if find.FinderName != "" {
		t.Errorf("finder name = %q, want empty for unknown worker", find.FinderName)
	}
	if find.CreatedBy != "stranger" {
		t.Errorf("created by = %q, want normalized username stranger", find.CreatedBy)
	}
}

// TestApply_MediaBeforeFind tests late binding when the photo arrives ahead
// of the find report it documents.
func TestApply_MediaBeforeFind(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	media := mediaRecord("photo", "photos/amphora-102.jpg", func(a *catalog.MediaAsset) {
		a.Checksum = "aaaa1111"
		a.Caption = "amphora in situ F-102"
		a.RelatedRef = "F-102"
	})
	enqueueRecord(t, q, media, "chat-1", "m-1", "diveranna")
	enqueueRecord(t, q, findRecord("WRK01", "F-102", nil), "chat-1", "m-2", "diveranna")

	eng := newTestEngine(t, q, st, Config{})

	// First pass stores the media unlinked with a marker on F-102.
	drain(t, eng, 1)
	pending, err := st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending links after media = %d, want 1", len(pending))
	}
	if pending[0].AwaitKind != catalog.KindFind || pending[0].AwaitKey != "F-102" {
		t.Errorf("marker awaits %s %q, want find F-102", pending[0].AwaitKind, pending[0].AwaitKey)
	}

	// Second pass applies the find and claims the marker.
	drain(t, eng, 1)
	pending, err = st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending links after find = %d, want 0", len(pending))
	}

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	find, err := st.FindByNumber(ctx, site.ID, "F-102")
	if err != nil {
		t.Fatalf("find lookup failed: %v", err)
	}
	attached, err := st.MediaFor(ctx, catalog.KindFind, find.ID)
	if err != nil {
		t.Fatalf("failed to list media for find: %v", err)
	}
	if len(attached) != 1 || attached[0].FilePath != "photos/amphora-102.jpg" {
		t.Fatalf("media not bound to find, got %d rows", len(attached))
	}
}

// TestApply_FindBeforeMedia tests the reverse order: the find report names a
// photo that has not arrived, and the photo's arrival completes the link.
func TestApply_FindBeforeMedia(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	find := findRecord("WRK01", "F-103", func(r *catalog.FindReport) {
		r.PhotoRefs = []string{"photos/helm-103.jpg"}
	})
	enqueueRecord(t, q, find, "chat-1", "m-1", "")
	enqueueRecord(t, q, mediaRecord("photo", "photos/helm-103.jpg", nil), "chat-1", "m-2", "")

	eng := newTestEngine(t, q, st, Config{})
	drain(t, eng, 2)

	pending, err := st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending links = %d, want 0 after both sides arrived", len(pending))
	}

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	fnd, err := st.FindByNumber(ctx, site.ID, "F-103")
	if err != nil {
		t.Fatalf("find lookup failed: %v", err)
	}
	attached, err := st.MediaFor(ctx, catalog.KindFind, fnd.ID)
	if err != nil {
		t.Fatalf("failed to list media for find: %v", err)
	}
	if len(attached) != 1 {
		t.Fatalf("media for find = %d, want 1", len(attached))
	}
}

// TestApply_DuplicateMediaChecksum tests that a photo resent through another
// message collapses onto the stored row.
func TestApply_DuplicateMediaChecksum(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	first := mediaRecord("photo", "photos/one.jpg", func(a *catalog.MediaAsset) {
		a.Checksum = "cafe0123"
	})
	resent := mediaRecord("photo", "photos/one-copy.jpg", func(a *catalog.MediaAsset) {
		a.Checksum = "cafe0123"
	})
	enqueueRecord(t, q, first, "chat-1", "m-1", "")
	enqueueRecord(t, q, resent, "chat-1", "m-2", "")

	eng := newTestEngine(t, q, st, Config{})
	drain(t, eng, 2)

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.Media != 1 {
		t.Errorf("media rows = %d, want 1 (checksum dedupe)", stats.Media)
	}

	counts, err := q.Counts()
	if err != nil {
		t.Fatalf("failed to count queue: %v", err)
	}
	if counts.Applied != 2 {
		t.Errorf("applied = %d, want 2 (both entries applied)", counts.Applied)
	}
}

// TestApply_PinMergesIntoFind tests that a GPS pin referencing an existing
// find fills its missing coordinates.
func TestApply_PinMergesIntoFind(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	enqueueRecord(t, q, findRecord("WRK01", "F-104", nil), "chat-1", "m-1", "")
	enqueueRecord(t, q, pinRecord(36.434167, 28.224722, "WRK01/F-104"), "chat-1", "m-2", "")

	eng := newTestEngine(t, q, st, Config{})
	drain(t, eng, 2)

	site, err := st.SiteByCode(ctx, "WRK01")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	find, err := st.FindByNumber(ctx, site.ID, "F-104")
	if err != nil {
		t.Fatalf("find lookup failed: %v", err)
	}
	if find.Location == nil {
		t.Fatal("find location not merged from pin")
	}
	if find.Location.Lat != 36.434167 || find.Location.Lon != 28.224722 {
		t.Errorf("find location = %v, want 36.434167,28.224722", find.Location)
	}
}

// TestApply_UnlinkedPinBindsLater tests that a pin for a find nobody has
// reported yet survives as location media and attaches when the find lands.
func TestApply_UnlinkedPinBindsLater(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	enqueueRecord(t, q, pinRecord(36.1, 28.2, "F-200"), "chat-1", "m-1", "")
	enqueueRecord(t, q, findRecord("WRK02", "F-200", nil), "chat-1", "m-2", "")

	eng := newTestEngine(t, q, st, Config{})

	drain(t, eng, 1)
	pending, err := st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending links after pin = %d, want 1", len(pending))
	}

	drain(t, eng, 1)
	site, err := st.SiteByCode(ctx, "WRK02")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	find, err := st.FindByNumber(ctx, site.ID, "F-200")
	if err != nil {
		t.Fatalf("find lookup failed: %v", err)
	}
	attached, err := st.MediaFor(ctx, catalog.KindFind, find.ID)
	if err != nil {
		t.Fatalf("failed to list media for find: %v", err)
	}
	if len(attached) != 1 {
		t.Fatalf("media for find = %d, want 1 location row", len(attached))
	}
	if attached[0].MediaType != "location" {
		t.Errorf("attached media type = %q, want location", attached[0].MediaType)
	}
	if !strings.HasPrefix(attached[0].FilePath, "geo:") {
		t.Errorf("attached media path = %q, want geo: URI", attached[0].FilePath)
	}
}

// TestApply_MediaBeforeSite tests that an overview shot captioned with a
// site nobody has reported yet attaches once the site is provisioned.
func TestApply_MediaBeforeSite(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)
	ctx := context.Background()

	media := mediaRecord("photo", "photos/wrk03-overview.jpg", func(a *catalog.MediaAsset) {
		a.Checksum = "bbbb2222"
		a.Caption = "debris field overview"
		a.RelatedRef = "site:WRK03"
	})
	enqueueRecord(t, q, media, "chat-1", "m-1", "")
	enqueueRecord(t, q, findRecord("WRK03", "F-1", nil), "chat-1", "m-2", "")

	eng := newTestEngine(t, q, st, Config{})

	drain(t, eng, 1)
	pending, err := st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending links after media = %d, want 1", len(pending))
	}
	if pending[0].AwaitKind != catalog.KindSite || pending[0].AwaitKey != "WRK03" {
		t.Errorf("marker awaits %s %q, want site WRK03", pending[0].AwaitKind, pending[0].AwaitKey)
	}

	drain(t, eng, 1)
	pending, err = st.ListPendingLinks(ctx)
	if err != nil {
		t.Fatalf("failed to list pending links: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending links after site arrival = %d, want 0", len(pending))
	}

	site, err := st.SiteByCode(ctx, "WRK03")
	if err != nil {
		t.Fatalf("site lookup failed: %v", err)
	}
	attached, err := st.MediaFor(ctx, catalog.KindSite, site.ID)
	if err != nil {
		t.Fatalf("failed to list media for site: %v", err)
	}
	if len(attached) != 1 || attached[0].FilePath != "photos/wrk03-overview.jpg" {
		t.Fatalf("media not bound to site, got %d rows", len(attached))
	}
}

// ===================
// Failure handling
// ===================

// TestProcess_CorruptPayloadParks tests that an undecodable payload goes
// straight to failed without burning the retry budget.
func TestProcess_CorruptPayloadParks(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	entry := &queue.Entry{
		Kind:      catalog.RecordFindReport,
		Payload:   []byte(`{"kind":"find_report"}`), // no body
		ChatID:    "chat-1",
		MessageID: "m-1",
	}
	id, created, err := q.Enqueue(entry)
	if err != nil || !created {
		t.Fatalf("failed to enqueue corrupt entry: created=%v err=%v", created, err)
	}

	var transitions []Transition
	eng := newTestEngine(t, q, st, Config{
		OnTransition: func(tr Transition) { transitions = append(transitions, tr) },
	})
	drain(t, eng, 1)

	got, err := q.Get(id)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries for corrupt payloads)", got.Attempts)
	}

	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].To != queue.StatusFailed || transitions[0].Error == "" {
		t.Errorf("transition = %+v, want to=failed with error detail", transitions[0])
	}
}

// timeoutSiteStore fails every site lookup the way a saturated backend would.
type timeoutSiteStore struct {
	store.Store
}

func (s *timeoutSiteStore) SiteByCode(ctx context.Context, code string) (*catalog.Site, error) {
	return nil, fmt.Errorf("lookup site %s: %w", code, store.ErrTimeout)
}

// TestProcess_TransientFailureReschedules tests that a timeout puts the
// entry back to pending with backoff instead of parking it.
func TestProcess_TransientFailureReschedules(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	id := enqueueRecord(t, q, findRecord("WRK01", "F-1", nil), "chat-1", "m-1", "")

	var transitions []Transition
	eng := newTestEngine(t, q, &timeoutSiteStore{Store: st}, Config{
		OnTransition: func(tr Transition) { transitions = append(transitions, tr) },
	})
	drain(t, eng, 1)

	got, err := q.Get(id)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("status = %s, want pending for transient failure", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.RunAfter == nil {
		t.Error("run_after not set, want backoff window")
	}

	if len(transitions) != 1 || transitions[0].To != queue.StatusPending {
		t.Fatalf("transitions = %+v, want one processing->pending", transitions)
	}
}

// constraintFindStore rejects find upserts the way a schema violation would.
type constraintFindStore struct {
	store.Store
}

func (s *constraintFindStore) UpsertFind(ctx context.Context, find *catalog.Find) (int64, error) {
	return 0, fmt.Errorf("upsert find %s: %w", find.FindNumber, store.ErrConstraint)
}

// TestProcess_PermanentFailureParks tests that a constraint violation parks
// the entry immediately, attempts budget notwithstanding.
func TestProcess_PermanentFailureParks(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	id := enqueueRecord(t, q, findRecord("WRK01", "F-1", nil), "chat-1", "m-1", "")

	var transitions []Transition
	eng := newTestEngine(t, q, &constraintFindStore{Store: st}, Config{
		OnTransition: func(tr Transition) { transitions = append(transitions, tr) },
	})
	drain(t, eng, 1)

	got, err := q.Get(id)
	if err != nil {
		t.Fatalf("failed to load entry: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (parked on first permanent failure)", got.Attempts)
	}
	if len(transitions) != 1 || transitions[0].To != queue.StatusFailed {
		t.Fatalf("transitions = %+v, want one processing->failed", transitions)
	}
}

// ===================
// Loop behavior
// ===================

// TestRunOnce_EmptyQueue tests the drained signal.
func TestRunOnce_EmptyQueue(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	eng := newTestEngine(t, q, st, Config{})
	processed, err := eng.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if processed {
		t.Error("RunOnce on empty queue reported work")
	}
}

// TestRun_DrainsAndStops tests the polling loop end to end: concurrent
// workers drain entries from independent chats, then cancellation stops Run.
func TestRun_DrainsAndStops(t *testing.T) {
	q := openTestQueue(t)
	st := openTestStore(t)

	enqueueRecord(t, q, findRecord("WRK01", "F-1", nil), "chat-1", "m-1", "")
	enqueueRecord(t, q, findRecord("WRK01", "F-2", nil), "chat-1", "m-2", "")
	enqueueRecord(t, q, findRecord("WRK02", "F-1", nil), "chat-2", "m-1", "")
	enqueueRecord(t, q, mediaRecord("photo", "photos/x.jpg", nil), "chat-2", "m-2", "")

	eng := newTestEngine(t, q, st, Config{Workers: 2, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		counts, err := q.Counts()
		if err != nil {
			t.Fatalf("failed to count queue: %v", err)
		}
		if counts.Applied == 4 {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("queue not drained in time: %+v", counts)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

// ===================
// Helpers under test
// ===================

// TestRelationTypeFor tests the media relation mapping.
func TestRelationTypeFor(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"signature", "signature"},
		{"photo", ""},
		{"video", ""},
		{"location", ""},
	}
	for _, tt := range tests {
		if got := relationTypeFor(tt.kind); got != tt.want {
			t.Errorf("relationTypeFor(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

// TestPinChecksum_Deterministic tests that retrying the same pin reproduces
// the same media identity while different pins do not collide.
func TestPinChecksum_Deterministic(t *testing.T) {
	pin := &catalog.LocationPin{Lat: 36.1, Lon: 28.2, RelatedRef: "F-1"}
	meta := Meta{ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}

	if pinChecksum(pin, meta) != pinChecksum(pin, meta) {
		t.Error("same pin and receipt produced different checksums")
	}

	later := Meta{ReceivedAt: meta.ReceivedAt.Add(time.Minute)}
	if pinChecksum(pin, meta) == pinChecksum(pin, later) {
		t.Error("different receipts produced the same checksum")
	}

	moved := &catalog.LocationPin{Lat: 36.2, Lon: 28.2, RelatedRef: "F-1"}
	if pinChecksum(pin, meta) == pinChecksum(moved, meta) {
		t.Error("different coordinates produced the same checksum")
	}
}
