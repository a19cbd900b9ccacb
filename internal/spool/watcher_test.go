package spool

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/normalize"
	"github.com/lagoi/fieldsync/internal/queue"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func newTestIngester(t *testing.T) *Ingester {
	t.Helper()
	return &Ingester{
		Normalizer: normalize.New(nil),
		Queue:      openTestQueue(t),
		Logger:     log.New(io.Discard, "", 0),
	}
}

// TestIngestBundle tests the happy path: every message normalizes and lands
// in the queue as pending.
func TestIngestBundle(t *testing.T) {
	ing := newTestIngester(t)

	res, err := ing.IngestBundle(context.Background(), sampleBundle())
	if err != nil {
		t.Fatalf("IngestBundle() error = %v", err)
	}
	if res.ReceiptID != "r-20250614-01" {
		t.Errorf("ReceiptID = %q, want r-20250614-01", res.ReceiptID)
	}
	if res.Enqueued != 3 || res.Duplicates != 0 || res.Malformed != 0 {
		t.Errorf("Result = %+v, want 3 enqueued and nothing else", *res)
	}

	stats, err := ing.Queue.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if stats.Pending != 3 {
		t.Errorf("queue pending = %d, want 3", stats.Pending)
	}
}

// TestIngestBundle_CountsDuplicates tests that replaying a bundle counts
// duplicates instead of enqueueing twice.
func TestIngestBundle_CountsDuplicates(t *testing.T) {
	ing := newTestIngester(t)

	if _, err := ing.IngestBundle(context.Background(), sampleBundle()); err != nil {
		t.Fatalf("first IngestBundle() error = %v", err)
	}
	res, err := ing.IngestBundle(context.Background(), sampleBundle())
	if err != nil {
		t.Fatalf("second IngestBundle() error = %v", err)
	}
	if res.Enqueued != 0 || res.Duplicates != 3 {
		t.Errorf("replay Result = %+v, want 3 duplicates", *res)
	}

	stats, err := ing.Queue.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if stats.Pending != 3 {
		t.Errorf("queue pending = %d, want 3", stats.Pending)
	}
}

// TestIngestBundle_MaxAttemptsOverride tests that the ingester's retry
// budget override lands on every enqueued entry.
func TestIngestBundle_MaxAttemptsOverride(t *testing.T) {
	ing := newTestIngester(t)
	ing.MaxAttempts = 9

	if _, err := ing.IngestBundle(context.Background(), sampleBundle()); err != nil {
		t.Fatalf("IngestBundle() error = %v", err)
	}

	entries, err := ing.Queue.List(queue.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for _, e := range entries {
		if e.MaxAttempts != 9 {
			t.Errorf("entry %d MaxAttempts = %d, want 9", e.ID, e.MaxAttempts)
		}
	}
}

// TestIngestBundle_CountsMalformed tests that messages the normalizer
// rejects are counted and skipped without sinking the rest of the bundle.
func TestIngestBundle_CountsMalformed(t *testing.T) {
	ing := newTestIngester(t)
	bundle := &Bundle{
		ReceiptID: "r-mixed",
		Messages: []normalize.Envelope{
			{ChatID: "c", MessageID: "1", UserID: "u1", Kind: catalog.MessageFind, Text: "WRK01 F-1 ceramic"},
			{ChatID: "c", MessageID: "2", UserID: "u1", Kind: catalog.MessageFind, Text: "WRK01 F-9 ceramic\nqty: many"},
			{ChatID: "c", MessageID: "3", UserID: "u1", Kind: catalog.MessagePhoto}, // photo without a blob
		},
	}

	res, err := ing.IngestBundle(context.Background(), bundle)
	if err != nil {
		t.Fatalf("IngestBundle() error = %v", err)
	}
	if res.Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1", res.Enqueued)
	}
	if res.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", res.Malformed)
	}

	stats, err := ing.Queue.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("queue pending = %d, want 1", stats.Pending)
	}
}

// TestProcess_MovesToDone tests that a processed bundle leaves the spool
// directory for done/ and reports through the OnIngest hook.
func TestProcess_MovesToDone(t *testing.T) {
	ing := newTestIngester(t)
	var reported []Result
	ing.OnIngest = func(r Result) { reported = append(reported, r) }

	dir := t.TempDir()
	path, err := WriteBundleFile(dir, sampleBundle())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ing.Process(context.Background(), path)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Enqueued != 3 {
		t.Errorf("Enqueued = %d, want 3", res.Enqueued)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("bundle still in spool directory after Process")
	}
	if _, err := os.Stat(filepath.Join(dir, doneDirName, filepath.Base(path))); err != nil {
		t.Errorf("bundle not moved to done/: %v", err)
	}

	if len(reported) != 1 || reported[0].ReceiptID != res.ReceiptID {
		t.Errorf("OnIngest reports = %+v, want one for %s", reported, res.ReceiptID)
	}
}

// TestProcess_MovesToFailed tests that an unreadable bundle is quarantined
// in failed/.
func TestProcess_MovesToFailed(t *testing.T) {
	ing := newTestIngester(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("not a bundle"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ing.Process(context.Background(), path); err == nil {
		t.Fatal("Process() error = nil, want parse error")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("broken bundle still in spool directory")
	}
	if _, err := os.Stat(filepath.Join(dir, failedDirName, "broken.json")); err != nil {
		t.Errorf("broken bundle not moved to failed/: %v", err)
	}
}

// TestScanDir tests the startup sweep: good bundles processed, garbage
// quarantined, nothing stops the scan.
func TestScanDir(t *testing.T) {
	ing := newTestIngester(t)
	dir := t.TempDir()

	if _, err := WriteBundleFile(dir, sampleBundle()); err != nil {
		t.Fatal(err)
	}
	second := sampleBundle()
	second.ReceiptID = "r-20250614-02"
	for i := range second.Messages {
		second.Messages[i].ChatID = "chat-9"
		second.Messages[i].MessageID = fmt.Sprintf("msg-%d", i+1)
	}
	if _, err := WriteBundleFile(dir, second); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := ScanDir(context.Background(), dir, ing)
	if err != nil {
		t.Fatalf("ScanDir() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ScanDir() = %d bundles, want 2", n)
	}

	stats, err := ing.Queue.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if stats.Pending != 6 {
		t.Errorf("queue pending = %d, want 6", stats.Pending)
	}

	if _, err := os.Stat(filepath.Join(dir, failedDirName, "broken.json")); err != nil {
		t.Errorf("broken bundle not moved to failed/: %v", err)
	}
}

// TestWatcher_PicksUpNewBundle tests the event path end to end: a bundle
// dropped into a watched directory is ingested and archived.
func TestWatcher_PicksUpNewBundle(t *testing.T) {
	ing := newTestIngester(t)
	ingested := make(chan Result, 4)
	ing.OnIngest = func(r Result) {
		select {
		case ingested <- r:
		default:
		}
	}

	dir := t.TempDir()
	w, err := NewWatcher(dir, ing, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	path, err := WriteBundleFile(dir, sampleBundle())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-ingested:
		if res.Enqueued != 3 {
			t.Errorf("Enqueued = %d, want 3", res.Enqueued)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not pick up the bundle")
	}

	if _, err := os.Stat(filepath.Join(dir, doneDirName, filepath.Base(path))); err != nil {
		t.Errorf("bundle not moved to done/: %v", err)
	}
}

// TestWatcher_SweepsBacklogAtStart tests that bundles dropped while nothing
// was watching are picked up by the startup scan.
func TestWatcher_SweepsBacklogAtStart(t *testing.T) {
	ing := newTestIngester(t)
	ingested := make(chan Result, 4)
	ing.OnIngest = func(r Result) {
		select {
		case ingested <- r:
		default:
		}
	}

	dir := t.TempDir()
	if _, err := WriteBundleFile(dir, sampleBundle()); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(dir, ing, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	select {
	case res := <-ingested:
		if res.ReceiptID != "r-20250614-01" {
			t.Errorf("ReceiptID = %q, want r-20250614-01", res.ReceiptID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("startup scan did not ingest the backlog")
	}
}

// TestWatcher_StartStop tests the lifecycle guards.
func TestWatcher_StartStop(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), newTestIngester(t), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !w.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() error = nil, want already-running error")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}
}
