package queue_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/queue"
)

// Example_submissionLifecycle walks one find report from enqueue to applied,
// including the duplicate delivery every messaging transport eventually makes.
func Example_submissionLifecycle() {
	dir, err := os.MkdirTemp("", "fsq-queue-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	rec := &catalog.NormalizedRecord{
		Kind: catalog.RecordFindReport,
		FindReport: &catalog.FindReport{
			SiteCode:     "WRK01",
			FindNumber:   "F-102",
			MaterialType: "ceramic",
		},
	}
	received := time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC)

	entry, err := queue.NewEntry(rec, "chat-1", "msg-1", "u-1", received)
	if err != nil {
		log.Fatal(err)
	}
	id, created, err := q.Enqueue(entry)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("enqueued id=%d created=%v\n", id, created)

	// Re-delivery of the same transport message converges on the first entry.
	dup, err := queue.NewEntry(rec, "chat-1", "msg-1", "u-1", received)
	if err != nil {
		log.Fatal(err)
	}
	dupID, created, err := q.Enqueue(dup)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("re-delivered id=%d created=%v\n", dupID, created)

	claimed, err := q.ClaimNext("worker-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("claimed %s from %s\n", claimed.Kind, claimed.Origin())

	if err := q.MarkApplied(claimed.ID); err != nil {
		log.Fatal(err)
	}
	counts, err := q.Counts()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("applied=%d pending=%d\n", counts.Applied, counts.Pending)

	// Output:
	// enqueued id=1 created=true
	// re-delivered id=1 created=false
	// claimed find_report from chat-1/msg-1
	// applied=1 pending=0
}

// ExampleQueue_Requeue shows the operator path for a permanently failed entry.
func ExampleQueue_Requeue() {
	dir, err := os.MkdirTemp("", "fsq-queue-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	rec := &catalog.NormalizedRecord{
		Kind:        catalog.RecordLocationPin,
		LocationPin: &catalog.LocationPin{Lat: 36.4341, Lon: 28.2247, AccuracyM: 8},
	}
	entry, err := queue.NewEntry(rec, "chat-2", "msg-9", "u-2", time.Now().UTC())
	if err != nil {
		log.Fatal(err)
	}
	id, _, err := q.Enqueue(entry)
	if err != nil {
		log.Fatal(err)
	}

	claimed, err := q.ClaimNext("worker-1")
	if err != nil {
		log.Fatal(err)
	}

	// A constraint violation parks the entry until an operator looks at it.
	if err := q.MarkFailed(claimed.ID, "constraint violation: finds.site_id", true); err != nil {
		log.Fatal(err)
	}
	failed, err := q.ListFailed(0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("failed entries: %d\n", len(failed))

	if err := q.Requeue(id, true); err != nil {
		log.Fatal(err)
	}
	counts, err := q.Counts()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("pending=%d failed=%d\n", counts.Pending, counts.Failed)

	// Output:
	// failed entries: 1
	// pending=1 failed=0
}
