// Package reconcile drains the sync queue into the canonical store.
//
// The engine claims entries in origin order, decodes each normalized record
// and applies it through an Applier: finds are upserted by natural key,
// media rows are checksum-deduplicated and bound to the entities their
// captions name, and GPS pins merge coordinates into finds or sites.
// Out-of-order arrivals leave pending-link markers that the counterpart's
// arrival claims, so media sent before its find (or the reverse) still ends
// up linked.
//
// Apply errors are classified: transient failures reschedule the entry with
// backoff, permanent ones park it as failed for operator review.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/store"
)

// defaultPollInterval is the idle wait between queue polls.
const defaultPollInterval = 2 * time.Second

// MirrorHook receives successfully applied records for best-effort replay
// against a secondary backend.
type MirrorHook interface {
	Apply(rec *catalog.NormalizedRecord, meta Meta)
}

// Transition describes one queue-entry state change. The daemon forwards
// these to the dashboard.
type Transition struct {
	EntryID  int64              `json:"entry_id"`
	Kind     catalog.RecordKind `json:"kind"`
	ChatID   string             `json:"chat_id"`
	Origin   string             `json:"origin"`
	From     queue.Status       `json:"from"`
	To       queue.Status       `json:"to"`
	Attempts int                `json:"attempts"`
	Error    string             `json:"error,omitempty"`
}

// Config tunes an Engine.
type Config struct {
	// Consumer identifies this engine's claims in the queue. Defaults to a
	// random "reconcile-xxxxxxxx" name.
	Consumer string

	// PollInterval is the idle wait between queue polls.
	PollInterval time.Duration

	// Workers is the number of concurrent claim loops. Origin-FIFO is
	// preserved regardless; workers only add concurrency across chats.
	Workers int

	// Logger receives progress output; nil means stderr.
	Logger *log.Logger

	// OnTransition, when set, observes entry state changes.
	OnTransition func(Transition)

	// Mirror, when set, receives applied records for secondary replay.
	Mirror MirrorHook
}

// Engine claims queue entries and applies them to the canonical store.
type Engine struct {
	queue   *queue.Queue
	store   store.Store
	applier *Applier
	cfg     Config
	logger  *log.Logger
}

// New creates an engine over an open queue and store.
func New(q *queue.Queue, st store.Store, cfg Config) (*Engine, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	if cfg.Consumer == "" {
		cfg.Consumer = "reconcile-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}

	return &Engine{
		queue:   q,
		store:   st,
		applier: NewApplier(st, logger),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Consumer returns the engine's claim identity.
func (e *Engine) Consumer() string {
	return e.cfg.Consumer
}

// Run claims and applies entries until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		consumer := e.cfg.Consumer
		if e.cfg.Workers > 1 {
			consumer = fmt.Sprintf("%s-%d", consumer, i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.loop(ctx, consumer)
		}()
	}
	wg.Wait()
}

func (e *Engine) loop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := e.runOnce(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Printf("WARNING: reconcile pass failed: %v", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// RunOnce claims and applies at most one entry. Returns whether an entry
// was processed; false with a nil error means nothing was eligible.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	return e.runOnce(ctx, e.cfg.Consumer)
}

func (e *Engine) runOnce(ctx context.Context, consumer string) (bool, error) {
	entry, err := e.queue.ClaimNextContext(ctx, consumer)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	e.process(ctx, entry)
	return true, nil
}

// process applies one claimed entry. Entry-level failures are absorbed into
// the queue state rather than returned; the loop must keep draining.
func (e *Engine) process(ctx context.Context, entry *queue.Entry) {
	rec, err := entry.Record()
	if err != nil {
		// A payload that does not decode can never apply.
		e.fail(ctx, entry, err, true)
		return
	}

	meta := Meta{SenderRef: entry.SenderID, ReceivedAt: entry.ReceivedAt}
	if err := e.applier.Apply(ctx, rec, meta); err != nil {
		e.fail(ctx, entry, err, store.Classify(err) == store.OutcomePermanent)
		return
	}

	if err := e.queue.MarkAppliedContext(ctx, entry.ID); err != nil {
		// The write landed; a crash here re-applies the entry, which the
		// upsert semantics absorb. Bookkeeping failure is only a warning.
		e.logger.Printf("WARNING: failed to mark entry %d applied: %v", entry.ID, err)
	}
	e.notify(entry, queue.StatusApplied, entry.Attempts, "")
	e.logger.Printf("Applied %s from %s", entry.Kind, entry.Origin())

	if err := e.store.SetSetting(ctx, store.SettingLastFieldSync,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Printf("WARNING: failed to update %s: %v", store.SettingLastFieldSync, err)
	}

	if e.cfg.Mirror != nil {
		e.cfg.Mirror.Apply(rec, meta)
	}
}

// fail records a failed attempt and emits the resulting transition.
func (e *Engine) fail(ctx context.Context, entry *queue.Entry, cause error, permanent bool) {
	if err := e.queue.MarkFailedContext(ctx, entry.ID, cause.Error(), permanent); err != nil {
		e.logger.Printf("WARNING: failed to record failure of entry %d: %v", entry.ID, err)
		return
	}

	attempts := entry.Attempts + 1
	to := queue.StatusPending
	if permanent || attempts >= entry.MaxAttempts {
		to = queue.StatusFailed
	}
	e.notify(entry, to, attempts, cause.Error())

	if to == queue.StatusFailed {
		e.logger.Printf("WARNING: parked entry %d (%s) as failed after %d attempt(s): %v",
			entry.ID, entry.Origin(), attempts, cause)
	} else {
		e.logger.Printf("WARNING: entry %d (%s) failed attempt %d/%d, will retry: %v",
			entry.ID, entry.Origin(), attempts, entry.MaxAttempts, cause)
	}
}

func (e *Engine) notify(entry *queue.Entry, to queue.Status, attempts int, detail string) {
	if e.cfg.OnTransition == nil {
		return
	}
	e.cfg.OnTransition(Transition{
		EntryID:  entry.ID,
		Kind:     entry.Kind,
		ChatID:   entry.ChatID,
		Origin:   entry.Origin(),
		From:     queue.StatusProcessing,
		To:       to,
		Attempts: attempts,
		Error:    detail,
	})
}
