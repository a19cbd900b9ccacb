package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/normalize"
)

// sampleBundle returns a bundle with one find report, one photo, and one GPS
// pin, the way a field device exports an offline session.
func sampleBundle() *Bundle {
	sent := time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC)
	return &Bundle{
		ReceiptID: "r-20250614-01",
		Messages: []normalize.Envelope{
			{
				ChatID:    "chat-1",
				MessageID: "msg-1",
				UserID:    "u1",
				Username:  "@diveranna",
				Kind:      catalog.MessageFind,
				Text:      "WRK01 F-102 ceramic amphora\ndepth: 18.5",
				SentAt:    sent,
			},
			{
				ChatID:    "chat-1",
				MessageID: "msg-2",
				UserID:    "u1",
				Username:  "@diveranna",
				Kind:      catalog.MessagePhoto,
				Text:      "find F-102",
				Blob:      &normalize.BlobMeta{Ref: "photos/amphora.jpg", FileName: "amphora.jpg"},
				SentAt:    sent.Add(2 * time.Minute),
			},
			{
				ChatID:    "chat-2",
				MessageID: "msg-1",
				UserID:    "u2",
				Username:  "@mkaravas",
				Kind:      catalog.MessageLocation,
				Text:      "find F-102",
				Lat:       36.434167,
				Lon:       28.224722,
				AccuracyM: 8,
				SentAt:    sent.Add(5 * time.Minute),
			},
		},
	}
}

// TestWriteReadBundleFile_RoundTrip tests that a written bundle reads back
// intact under its receipt-derived filename.
func TestWriteReadBundleFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteBundleFile(dir, sampleBundle())
	if err != nil {
		t.Fatalf("WriteBundleFile() error = %v", err)
	}
	if got, want := filepath.Base(path), "r-20250614-01.json"; got != want {
		t.Errorf("bundle filename = %q, want %q", got, want)
	}

	bundle, err := ReadBundleFile(path)
	if err != nil {
		t.Fatalf("ReadBundleFile() error = %v", err)
	}
	if bundle.ReceiptID != "r-20250614-01" {
		t.Errorf("ReceiptID = %q, want %q", bundle.ReceiptID, "r-20250614-01")
	}
	if len(bundle.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(bundle.Messages))
	}

	first := bundle.Messages[0]
	if first.ChatID != "chat-1" || first.MessageID != "msg-1" {
		t.Errorf("first message origin = %s/%s, want chat-1/msg-1", first.ChatID, first.MessageID)
	}
	if first.Kind != catalog.MessageFind {
		t.Errorf("first message kind = %q, want %q", first.Kind, catalog.MessageFind)
	}
	if !strings.Contains(first.Text, "F-102") {
		t.Errorf("first message text lost: %q", first.Text)
	}
	if blob := bundle.Messages[1].Blob; blob == nil || blob.Ref != "photos/amphora.jpg" {
		t.Errorf("photo blob ref lost: %+v", blob)
	}

	// The atomic write must not leave its temp file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file still present after write")
	}
}

// TestWriteBundleFile_AssignsReceiptID tests that bundles written without a
// receipt id get a uuid and are named after it.
func TestWriteBundleFile_AssignsReceiptID(t *testing.T) {
	bundle := sampleBundle()
	bundle.ReceiptID = ""

	path, err := WriteBundleFile(t.TempDir(), bundle)
	if err != nil {
		t.Fatalf("WriteBundleFile() error = %v", err)
	}
	if bundle.ReceiptID == "" {
		t.Fatal("WriteBundleFile() left ReceiptID empty")
	}
	if _, err := uuid.Parse(bundle.ReceiptID); err != nil {
		t.Errorf("ReceiptID %q is not a uuid: %v", bundle.ReceiptID, err)
	}
	if got, want := filepath.Base(path), bundle.ReceiptID+".json"; got != want {
		t.Errorf("bundle filename = %q, want %q", got, want)
	}
}

// TestReadBundleFile_AssignsReceiptID tests that bundles exported by tooling
// that does not mint receipt ids still get one at read time.
func TestReadBundleFile_AssignsReceiptID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	raw := `{"messages":[{"chat_id":"chat-1","message_id":"msg-1","user_id":"u1","kind":"find","text":"WRK01 F-1 ceramic"}]}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	bundle, err := ReadBundleFile(path)
	if err != nil {
		t.Fatalf("ReadBundleFile() error = %v", err)
	}
	if bundle.ReceiptID == "" {
		t.Fatal("ReadBundleFile() left ReceiptID empty")
	}
	if _, err := uuid.Parse(bundle.ReceiptID); err != nil {
		t.Errorf("ReceiptID %q is not a uuid: %v", bundle.ReceiptID, err)
	}
}

// TestReadBundleFile_Errors tests rejection of unreadable and invalid
// bundle files.
func TestReadBundleFile_Errors(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.json")},
		{"invalid json", write("garbage.json", "not a bundle")},
		{"no messages", write("empty.json", `{"receipt_id":"r-1","messages":[]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadBundleFile(tt.path); err == nil {
				t.Error("ReadBundleFile() error = nil, want error")
			}
		})
	}
}
