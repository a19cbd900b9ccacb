// Package queue provides the durable sync queue for field-captured records.
//
// Every message that survives normalization is enqueued here before any
// canonical-store write happens. The queue is an embedded SQLite database
// (ncruces/go-sqlite3) opened in WAL mode with synchronous=FULL so that an
// acknowledged enqueue survives process crashes and power loss.
//
// Lifecycle of an entry:
//
//	pending ──claim──▶ processing ──markApplied──▶ applied
//	    ▲                  │
//	    └──markFailed──────┘ (transient, attempts < max; run_after backoff)
//	                       │
//	                       └──markFailed──▶ failed (permanent or retries exhausted)
//
// Ordering guarantees:
//   - Entries are idempotent on their origin: (chat_id, message_id) is UNIQUE,
//     re-enqueueing the same message returns the existing entry untouched.
//   - Claims are FIFO within an origin chat: an entry is only claimable when no
//     earlier entry from the same chat is still pending or processing. Entries
//     from different chats may be processed concurrently.
//
// Crash recovery: entries stuck in processing (claimed by a worker that died)
// are reset to pending by RecoverInFlight, typically at daemon startup.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lagoi/fieldsync/internal/catalog"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
)

// ParseStatus validates and canonicalizes a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusApplied:
		return StatusApplied, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("invalid queue status: %q", s)
}

const (
	// DefaultMaxAttempts is the retry budget before a transiently failing
	// entry is parked as failed.
	DefaultMaxAttempts = 5

	// backoffCap bounds the exponential retry delay.
	backoffCap = 10 * time.Minute
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("queue entry not found")

// Entry is one durably queued record awaiting reconciliation.
type Entry struct {
	ID          int64              `json:"id"`
	Kind        catalog.RecordKind `json:"kind"`
	Payload     []byte             `json:"payload"`
	SenderID    string             `json:"sender_id,omitempty"`
	ChatID      string             `json:"chat_id"`
	MessageID   string             `json:"message_id"`
	Status      Status             `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	ClaimedBy   string             `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time         `json:"claimed_at,omitempty"`
	RunAfter    *time.Time         `json:"run_after,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}

// Origin identifies the source message, unique per entry.
func (e *Entry) Origin() string {
	return e.ChatID + "/" + e.MessageID
}

// Record decodes the entry payload back into a normalized record.
func (e *Entry) Record() (*catalog.NormalizedRecord, error) {
	rec, err := catalog.DecodeRecord(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload of entry %d: %w", e.ID, err)
	}
	return rec, nil
}

// NewEntry builds a pending entry from a normalized record and its origin.
func NewEntry(rec *catalog.NormalizedRecord, chatID, messageID, senderID string, receivedAt time.Time) (*Entry, error) {
	payload, err := catalog.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return &Entry{
		Kind:        rec.Kind,
		Payload:     payload,
		SenderID:    senderID,
		ChatID:      chatID,
		MessageID:   messageID,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		ReceivedAt:  receivedAt,
	}, nil
}

// Queue wraps the embedded SQLite database holding the sync queue.
type Queue struct {
	conn *sql.DB
	path string

	// now is replaceable for deterministic backoff tests.
	now func() time.Time
}

// Open creates a queue database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads and
// synchronous=FULL so acknowledged enqueues survive power loss. If the
// database doesn't exist it is created along with the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*Queue, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	q := &Queue{
		conn: conn,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}

	// Enable WAL mode for concurrent reads
	if _, err := q.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Acknowledged enqueues must survive power loss, not just process crashes
	if _, err := q.conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := q.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := q.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := q.InitSchema(); err != nil {
		_ = q.Close()
		return nil, err
	}

	return q, nil
}

// Path returns the queue database file path.
func (q *Queue) Path() string {
	return q.path
}

// Close closes the queue database.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := q.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := q.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}

	q.conn = nil
	return nil
}

// InitSchema creates the queue schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (q *Queue) InitSchema() error {
	return q.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue schema with context support.
func (q *Queue) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		sender_id TEXT,
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		error_detail TEXT,
		claimed_by TEXT,
		claimed_at TEXT,
		run_after TEXT,
		received_at TEXT NOT NULL,
		processed_at TEXT,

		-- One entry per source message; duplicate deliveries are no-ops
		UNIQUE (chat_id, message_id)
	);

	-- Indexes for claim and inspection queries
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_chat ON sync_queue(chat_id, status);
	CREATE INDEX IF NOT EXISTS idx_queue_claim
	    ON sync_queue(status, run_after, received_at, id);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// ===================
// Enqueue
// ===================

// Enqueue inserts a new pending entry.
//
// Enqueue is idempotent on (chat_id, message_id): if an entry for that origin
// already exists in ANY state, nothing is written and the existing id is
// returned with created=false.
func (q *Queue) Enqueue(e *Entry) (int64, bool, error) {
	return q.EnqueueContext(context.Background(), e)
}

// EnqueueContext inserts a new pending entry with context support.
func (q *Queue) EnqueueContext(ctx context.Context, e *Entry) (int64, bool, error) {
	if e == nil {
		return 0, false, fmt.Errorf("invalid entry: nil")
	}
	if e.ChatID == "" || e.MessageID == "" {
		return 0, false, fmt.Errorf("invalid entry: chat_id and message_id are required")
	}
	if e.Kind == "" {
		return 0, false, fmt.Errorf("invalid entry: kind is required")
	}
	if len(e.Payload) == 0 {
		return 0, false, fmt.Errorf("invalid entry: payload is required")
	}

	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = q.now()
	}

	query := `
	INSERT INTO sync_queue (
		kind, payload, sender_id, chat_id, message_id,
		status, attempts, max_attempts, received_at
	) VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)
	ON CONFLICT(chat_id, message_id) DO NOTHING
	`

	res, err := q.conn.ExecContext(ctx, query,
		string(e.Kind),
		string(e.Payload),
		e.SenderID,
		e.ChatID,
		e.MessageID,
		maxAttempts,
		receivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to enqueue %s: %w", e.Origin(), err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to enqueue %s: %w", e.Origin(), err)
	}
	if affected == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to enqueue %s: %w", e.Origin(), err)
		}
		e.ID = id
		e.Status = StatusPending
		return id, true, nil
	}

	// Duplicate delivery: hand back the id of the existing entry.
	var id int64
	err = q.conn.QueryRowContext(ctx,
		`SELECT id FROM sync_queue WHERE chat_id = ? AND message_id = ?`,
		e.ChatID, e.MessageID,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up duplicate entry %s: %w", e.Origin(), err)
	}
	return id, false, nil
}

// ===================
// Claim
// ===================

// ClaimNext atomically claims the oldest eligible pending entry for consumer.
//
// An entry is eligible when its backoff window has elapsed and no earlier
// entry from the same chat is still pending or processing, which keeps
// processing FIFO within each origin even with concurrent consumers.
//
// Returns (nil, nil) when no entry is eligible.
func (q *Queue) ClaimNext(consumer string) (*Entry, error) {
	return q.ClaimNextContext(context.Background(), consumer)
}

// ClaimNextContext claims the next eligible entry with context support.
func (q *Queue) ClaimNextContext(ctx context.Context, consumer string) (*Entry, error) {
	// Under concurrent consumers the CAS update can lose the race; retry the
	// select a few times before reporting an empty queue.
	for attempt := 0; attempt < 3; attempt++ {
		entry, err := q.tryClaim(ctx, consumer)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		// Distinguish "lost the race" from "queue drained": peek again
		// without claiming. If nothing is eligible, stop retrying.
		eligible, err := q.hasEligible(ctx)
		if err != nil {
			return nil, err
		}
		if !eligible {
			return nil, nil
		}
	}
	return nil, nil
}

const eligibleWhere = `
	q.status = 'pending'
	AND (q.run_after IS NULL OR q.run_after <= ?)
	AND NOT EXISTS (
		SELECT 1 FROM sync_queue e
		WHERE e.chat_id = q.chat_id
		  AND e.status IN ('pending', 'processing')
		  AND (e.received_at < q.received_at
		       OR (e.received_at = q.received_at AND e.id < q.id))
	)`

func (q *Queue) tryClaim(ctx context.Context, consumer string) (*Entry, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := q.now()

	query := `
	SELECT ` + entryColumns + `
	FROM sync_queue q
	WHERE ` + eligibleWhere + `
	ORDER BY q.received_at ASC, q.id ASC
	LIMIT 1
	`

	row := tx.QueryRowContext(ctx, query, now.Format(time.RFC3339))
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claimable entry: %w", err)
	}

	// Compare-and-set: only the consumer that flips pending -> processing
	// owns the entry.
	res, err := tx.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'processing', claimed_by = ?, claimed_at = ?
	WHERE id = ? AND status = 'pending'
	`, consumer, now.Format(time.RFC3339), entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry %d: %w", entry.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry %d: %w", entry.ID, err)
	}
	if affected != 1 {
		// Another consumer won; caller retries.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of entry %d: %w", entry.ID, err)
	}

	entry.Status = StatusProcessing
	entry.ClaimedBy = consumer
	claimedAt := now
	entry.ClaimedAt = &claimedAt
	return entry, nil
}

func (q *Queue) hasEligible(ctx context.Context) (bool, error) {
	var one int
	err := q.conn.QueryRowContext(ctx, `
	SELECT 1 FROM sync_queue q
	WHERE `+eligibleWhere+`
	LIMIT 1
	`, q.now().Format(time.RFC3339)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for eligible entries: %w", err)
	}
	return true, nil
}

// ===================
// Completion
// ===================

// MarkApplied transitions a processing entry to applied.
// Calling it again for an already-applied entry is a no-op.
func (q *Queue) MarkApplied(id int64) error {
	return q.MarkAppliedContext(context.Background(), id)
}

// MarkAppliedContext marks an entry applied with context support.
func (q *Queue) MarkAppliedContext(ctx context.Context, id int64) error {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'applied', processed_at = ?, error_detail = NULL,
	    claimed_by = NULL, claimed_at = NULL, run_after = NULL
	WHERE id = ? AND status = 'processing'
	`, q.now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d applied: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark entry %d applied: %w", id, err)
	}
	if affected == 1 {
		return nil
	}

	status, err := q.statusOf(ctx, id)
	if err != nil {
		return err
	}
	if status == StatusApplied {
		return nil // already applied, idempotent
	}
	return fmt.Errorf("cannot mark entry %d applied from status %s", id, status)
}

// MarkFailed records a failed processing attempt.
//
// Transient failures increment attempts and reschedule the entry with capped
// exponential backoff. Permanent failures, or transient failures that exhaust
// the attempt budget, park the entry as failed for operator review.
func (q *Queue) MarkFailed(id int64, detail string, permanent bool) error {
	return q.MarkFailedContext(context.Background(), id, detail, permanent)
}

// MarkFailedContext records a failed attempt with context support.
func (q *Queue) MarkFailedContext(ctx context.Context, id int64, detail string, permanent bool) error {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin failure transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM sync_queue WHERE id = ?`, id,
	).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load entry %d: %w", id, err)
	}

	if Status(status) == StatusFailed {
		return nil // already parked, idempotent
	}
	if Status(status) != StatusProcessing {
		return fmt.Errorf("cannot mark entry %d failed from status %s", id, status)
	}

	attempts++
	now := q.now()

	if permanent || attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', attempts = ?, error_detail = ?,
		    processed_at = ?, claimed_by = NULL, claimed_at = NULL, run_after = NULL
		WHERE id = ?
		`, attempts, detail, now.Format(time.RFC3339), id)
	} else {
		runAfter := now.Add(backoff(attempts))
		_, err = tx.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', attempts = ?, error_detail = ?,
		    run_after = ?, claimed_by = NULL, claimed_at = NULL
		WHERE id = ?
		`, attempts, detail, runAfter.Format(time.RFC3339), id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failure of entry %d: %w", id, err)
	}
	return nil
}

// backoff returns the retry delay after the given number of attempts:
// 2s, 4s, 8s, ... capped at backoffCap.
func backoff(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Requeue returns a failed entry to pending for another round of processing.
// With resetAttempts the retry budget starts over; otherwise a single
// transient failure will park the entry again.
func (q *Queue) Requeue(id int64, resetAttempts bool) error {
	return q.RequeueContext(context.Background(), id, resetAttempts)
}

// RequeueContext requeues a failed entry with context support.
func (q *Queue) RequeueContext(ctx context.Context, id int64, resetAttempts bool) error {
	set := `status = 'pending', error_detail = NULL, run_after = NULL,
	        claimed_by = NULL, claimed_at = NULL, processed_at = NULL`
	if resetAttempts {
		set += `, attempts = 0`
	}

	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue SET `+set+`
	WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", id, err)
	}
	if affected == 1 {
		return nil
	}

	status, err := q.statusOf(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot requeue entry %d from status %s", id, status)
}

// ===================
// Recovery
// ===================

// RecoverInFlight resets processing entries whose claim is older than
// olderThan back to pending. Run at startup to reclaim work from consumers
// that died mid-apply; with olderThan=0 every in-flight entry is reset.
//
// Returns the number of recovered entries.
func (q *Queue) RecoverInFlight(olderThan time.Duration) (int, error) {
	return q.RecoverInFlightContext(context.Background(), olderThan)
}

// RecoverInFlightContext resets stale in-flight entries with context support.
func (q *Queue) RecoverInFlightContext(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'pending', claimed_by = NULL, claimed_at = NULL
	WHERE status = 'processing'
	  AND (claimed_at IS NULL OR claimed_at <= ?)
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	return int(affected), nil
}

// PurgeApplied deletes applied entries processed more than olderThan ago.
// Returns the number of deleted entries.
func (q *Queue) PurgeApplied(olderThan time.Duration) (int, error) {
	return q.PurgeAppliedContext(context.Background(), olderThan)
}

// PurgeAppliedContext deletes old applied entries with context support.
func (q *Queue) PurgeAppliedContext(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	res, err := q.conn.ExecContext(ctx, `
	DELETE FROM sync_queue
	WHERE status = 'applied'
	  AND processed_at IS NOT NULL
	  AND processed_at <= ?
	`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge applied entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge applied entries: %w", err)
	}
	return int(affected), nil
}

// ===================
// Inspection
// ===================

// Get retrieves a single entry by id.
// Returns ErrNotFound if the entry does not exist.
func (q *Queue) Get(id int64) (*Entry, error) {
	return q.GetContext(context.Background(), id)
}

// GetContext retrieves a single entry with context support.
func (q *Queue) GetContext(ctx context.Context, id int64) (*Entry, error) {
	row := q.conn.QueryRowContext(ctx, `
	SELECT `+entryColumns+` FROM sync_queue q WHERE q.id = ?
	`, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %d: %w", id, err)
	}
	return entry, nil
}

// ListFilter configures the List query.
type ListFilter struct {
	// Status filters by entry status (empty = all statuses)
	Status Status
	// ChatID filters to entries from a specific chat (empty = all)
	ChatID string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns entries matching the filter, oldest first.
func (q *Queue) List(filter ListFilter) ([]*Entry, error) {
	return q.ListContext(context.Background(), filter)
}

// ListContext returns matching entries with context support.
func (q *Queue) ListContext(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "q.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ChatID != "" {
		conditions = append(conditions, "q.chat_id = ?")
		args = append(args, filter.ChatID)
	}

	query := `SELECT ` + entryColumns + ` FROM sync_queue q`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY q.received_at ASC, q.id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListFailed returns failed entries with their error detail, oldest first.
func (q *Queue) ListFailed(limit int) ([]*Entry, error) {
	return q.List(ListFilter{Status: StatusFailed, Limit: limit})
}

// Stats summarizes queue depth per lifecycle state.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
}

// Total returns the entry count across all states.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Applied + s.Failed
}

// Counts returns per-status entry counts.
func (q *Queue) Counts() (Stats, error) {
	return q.CountsContext(context.Background())
}

// CountsContext returns per-status entry counts with context support.
func (q *Queue) CountsContext(ctx context.Context) (Stats, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusApplied:
			stats.Applied = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating counts: %w", err)
	}
	return stats, nil
}

func (q *Queue) statusOf(ctx context.Context, id int64) (Status, error) {
	var status string
	err := q.conn.QueryRowContext(ctx,
		`SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load status of entry %d: %w", id, err)
	}
	return Status(status), nil
}

// ===================
// Scanning
// ===================

const entryColumns = `
	q.id, q.kind, q.payload, q.sender_id, q.chat_id, q.message_id,
	q.status, q.attempts, q.max_attempts, q.error_detail,
	q.claimed_by, q.claimed_at, q.run_after, q.received_at, q.processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var kind, payload, receivedAt string
	var senderID, errorDetail, claimedBy sql.NullString
	var claimedAt, runAfter, processedAt sql.NullString
	var status string

	err := row.Scan(
		&e.ID,
		&kind,
		&payload,
		&senderID,
		&e.ChatID,
		&e.MessageID,
		&status,
		&e.Attempts,
		&e.MaxAttempts,
		&errorDetail,
		&claimedBy,
		&claimedAt,
		&runAfter,
		&receivedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = catalog.RecordKind(kind)
	e.Payload = []byte(payload)
	e.Status = Status(status)
	e.SenderID = senderID.String
	e.ErrorDetail = errorDetail.String
	e.ClaimedBy = claimedBy.String

	if t, err := time.Parse(time.RFC3339, receivedAt); err == nil {
		e.ReceivedAt = t
	}
	e.ClaimedAt = nullStringToTime(claimedAt)
	e.RunAfter = nullStringToTime(runAfter)
	e.ProcessedAt = nullStringToTime(processedAt)

	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
