package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lagoi/fieldsync/internal/normalize"
	"github.com/lagoi/fieldsync/internal/queue"
)

const (
	// debounceDelay is how long a bundle file must sit quiet before it is
	// processed. Atomic writers produce a single rename; the delay covers
	// non-atomic drops (scp, network shares) that create and then write.
	debounceDelay = 200 * time.Millisecond

	doneDirName   = "done"
	failedDirName = "failed"
)

var defaultLogger = log.New(os.Stderr, "[spool] ", log.LstdFlags)

// ===================
// Ingester
// ===================

// Result summarizes one bundle's pass through the queue.
type Result struct {
	ReceiptID  string `json:"receipt_id"`
	Enqueued   int    `json:"enqueued"`
	Duplicates int    `json:"duplicates"`
	Malformed  int    `json:"malformed"`
}

// Ingester turns bundle files into queue entries.
type Ingester struct {
	// Normalizer converts envelopes to records. Set its BaseDir to the spool
	// directory so relative blob refs hash sidecar file contents.
	Normalizer *normalize.Normalizer

	// Queue receives the normalized entries.
	Queue *queue.Queue

	// MaxAttempts overrides the retry budget on enqueued entries when > 0.
	MaxAttempts int

	// Logger defaults to a stderr logger with a [spool] prefix.
	Logger *log.Logger

	// OnIngest, when set, is called after each successfully processed
	// bundle. The daemon hangs dashboard broadcasts off it.
	OnIngest func(Result)
}

func (ing *Ingester) logger() *log.Logger {
	if ing.Logger != nil {
		return ing.Logger
	}
	return defaultLogger
}

// Ingest reads the bundle at path and enqueues every message that
// normalizes. Malformed messages are logged and counted, never enqueued.
// The file itself is left in place; Process handles the move to done/ or
// failed/.
func (ing *Ingester) Ingest(ctx context.Context, path string) (*Result, error) {
	bundle, err := ReadBundleFile(path)
	if err != nil {
		return nil, err
	}
	return ing.IngestBundle(ctx, bundle)
}

// IngestBundle enqueues the bundle's messages. Exposed for callers that
// already hold a parsed bundle, like `fsq ingest` reading from stdin.
//
// A queue error aborts the pass and returns the counts so far; rerunning the
// bundle afterwards is safe because the already-enqueued messages come back
// as duplicates.
func (ing *Ingester) IngestBundle(ctx context.Context, bundle *Bundle) (*Result, error) {
	res := &Result{ReceiptID: bundle.ReceiptID}

	for i := range bundle.Messages {
		env := &bundle.Messages[i]

		rec, err := ing.Normalizer.Normalize(env)
		if err != nil {
			res.Malformed++
			ing.logger().Printf("WARNING: bundle %s: dropping message %s/%s: %v",
				bundle.ReceiptID, env.ChatID, env.MessageID, err)
			continue
		}

		entry, err := queue.NewEntry(rec, env.ChatID, env.MessageID, env.SenderRef(), env.SentAt)
		if err != nil {
			res.Malformed++
			ing.logger().Printf("WARNING: bundle %s: dropping message %s/%s: %v",
				bundle.ReceiptID, env.ChatID, env.MessageID, err)
			continue
		}
		if ing.MaxAttempts > 0 {
			entry.MaxAttempts = ing.MaxAttempts
		}

		_, created, err := ing.Queue.EnqueueContext(ctx, entry)
		if err != nil {
			return res, fmt.Errorf("failed to enqueue message %s/%s: %w", env.ChatID, env.MessageID, err)
		}
		if created {
			res.Enqueued++
		} else {
			res.Duplicates++
		}
	}

	return res, nil
}

// Process ingests the bundle at path and moves the file into the done/
// subdirectory next to it, or failed/ when the bundle cannot be read or the
// queue rejects it.
func (ing *Ingester) Process(ctx context.Context, path string) (*Result, error) {
	res, err := ing.Ingest(ctx, path)
	if err != nil {
		if mvErr := moveBundle(path, failedDirName); mvErr != nil {
			ing.logger().Printf("WARNING: %v", mvErr)
		}
		return res, err
	}

	if err := moveBundle(path, doneDirName); err != nil {
		// The bundle is fully enqueued; a rescan would only count duplicates.
		ing.logger().Printf("WARNING: %v", err)
	}

	ing.logger().Printf("Ingested bundle %s: %d enqueued, %d duplicates, %d malformed",
		res.ReceiptID, res.Enqueued, res.Duplicates, res.Malformed)
	if ing.OnIngest != nil {
		ing.OnIngest(*res)
	}
	return res, nil
}

func moveBundle(path, subdir string) error {
	destDir := filepath.Join(filepath.Dir(path), subdir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", subdir, err)
	}
	if err := os.Rename(path, filepath.Join(destDir, filepath.Base(path))); err != nil {
		return fmt.Errorf("failed to move bundle to %s/: %w", subdir, err)
	}
	return nil
}

// ScanDir processes every bundle already sitting in dir, oldest name first.
// Per-bundle failures are logged and do not stop the scan. Returns the
// number of bundles successfully processed.
func ScanDir(ctx context.Context, dir string, ing *Ingester) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spool directory: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := ing.Process(ctx, filepath.Join(dir, entry.Name())); err != nil {
			ing.logger().Printf("WARNING: bundle %s failed: %v", entry.Name(), err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ===================
// Watcher
// ===================

// Watcher drives an Ingester from file system events on the spool directory.
// It uses fsnotify for cross-platform file system event monitoring and
// processes bundles one at a time, in arrival order.
type Watcher struct {
	dir      string
	ingester *Ingester
	logger   *log.Logger

	watcher *fsnotify.Watcher
	ready   chan string
	done    chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher for the given spool directory. The watcher
// must be started with Start() before it picks anything up.
func NewWatcher(dir string, ing *Ingester, logger *log.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if ing == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	if logger == nil {
		logger = defaultLogger
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		ingester: ing,
		logger:   logger,
		watcher:  fw,
		ready:    make(chan string, 16),
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the spool directory, creating it if needed, and
// sweeps bundles that were dropped while nothing was watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.dir, err)
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.running = true

	w.wg.Add(2)
	go w.processEvents()
	go func() {
		defer w.wg.Done()
		n, err := ScanDir(w.ctx, w.dir, w.ingester)
		if err != nil && w.ctx.Err() == nil {
			w.logger.Printf("WARNING: spool scan failed: %v", err)
		}
		if n > 0 {
			w.logger.Printf("Recovered %d spooled bundle(s)", n)
		}
	}()

	return nil
}

// Stop stops watching and waits for in-flight bundle processing to finish.
// It is safe to call Stop on a watcher that never started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.cancel()
	close(w.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents is the main loop: it debounces raw fsnotify events and runs
// the ingester for each bundle once its debounce window expires.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("WARNING: watch error: %v", err)

		case path := <-w.ready:
			w.process(path)
		}
	}
}

// schedule arms (or re-arms) the per-path debounce timer. Non-atomic writers
// emit a create plus several writes; processing starts once the file has
// settled for debounceDelay.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) process(path string) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Already swept by the startup scan, or taken away by hand.
			return
		}
		w.logger.Printf("WARNING: failed to stat %s: %v", path, err)
		return
	}

	if _, err := w.ingester.Process(w.ctx, path); err != nil && w.ctx.Err() == nil {
		w.logger.Printf("WARNING: bundle %s failed: %v", filepath.Base(path), err)
	}
}
