// Package spool ingests offline submission bundles.
//
// Devices that worked out of coverage export their accumulated messages as a
// single JSON bundle file and drop it, plus any sidecar media files, into the
// spool directory. The watcher picks bundles up as they land, normalizes each
// message, enqueues the results, and moves the file to done/ or failed/.
// Re-dropping a bundle is safe: the queue dedupes on (chat_id, message_id),
// so replayed messages count as duplicates instead of applying twice.
//
// Sidecar media files are referenced by blob refs relative to the spool
// directory. Give the Ingester's Normalizer a BaseDir pointing there so those
// refs hash the actual file contents.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lagoi/fieldsync/internal/normalize"
)

// Bundle is one offline submission batch. Bundles are append-only exports:
// nothing in the pipeline ever rewrites one after it is dropped.
type Bundle struct {
	// ReceiptID identifies the bundle in logs and dashboard events. Bundles
	// written without one are assigned a fresh uuid at read time.
	ReceiptID string `json:"receipt_id,omitempty"`

	// Messages are the submissions in capture order.
	Messages []normalize.Envelope `json:"messages"`
}

// Validate checks the parts every bundle must carry. Per-message problems are
// not checked here: a bad message inside an otherwise fine bundle is counted
// as malformed during ingest rather than rejecting the whole file.
func (b *Bundle) Validate() error {
	if len(b.Messages) == 0 {
		return fmt.Errorf("bundle has no messages")
	}
	return nil
}

// Filename returns the canonical filename for this bundle: {receipt_id}.json
func (b *Bundle) Filename() string {
	return fmt.Sprintf("%s.json", b.ReceiptID)
}

// ReadBundleFile reads and parses a bundle JSON file from the given path.
// Returns the parsed Bundle or an error if reading/parsing fails.
func ReadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle file %s: %w", path, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle file %s: %w", path, err)
	}

	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle file %s: %w", path, err)
	}

	if bundle.ReceiptID == "" {
		bundle.ReceiptID = uuid.NewString()
	}

	return &bundle, nil
}

// WriteBundleFile writes a bundle to dir as {receipt_id}.json, assigning a
// receipt id if the bundle has none. The write is atomic (temp file, then
// rename) so a watcher on dir never sees a half-written bundle. Returns the
// final path.
func WriteBundleFile(dir string, bundle *Bundle) (string, error) {
	if bundle.ReceiptID == "" {
		bundle.ReceiptID = uuid.NewString()
	}
	if err := bundle.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid bundle: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle %s: %w", bundle.ReceiptID, err)
	}

	path := filepath.Join(dir, bundle.Filename())
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return path, nil
}
