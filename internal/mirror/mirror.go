// Package mirror keeps a secondary canonical store trailing the primary.
//
// After each successful primary apply the engine hands the record over; the
// mirror replays it against the secondary asynchronously and strictly
// best-effort: a secondary failure becomes a logged divergence record and
// never blocks, retries into, or fails the primary path. The periodic sweep
// compares both backends by natural key and reports; it never auto-resolves.
package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/reconcile"
	"github.com/lagoi/fieldsync/internal/store"
)

const (
	// applyConcurrency bounds in-flight secondary applies.
	applyConcurrency = 4

	// applyTimeout bounds one secondary apply; the secondary is typically
	// networked and must not hold Close open indefinitely.
	applyTimeout = 30 * time.Second

	// divergenceRetention is how many divergence records are kept.
	divergenceRetention = 128
)

// Divergence records one failed or dropped secondary apply.
type Divergence struct {
	At     time.Time          `json:"at" yaml:"at"`
	Kind   catalog.RecordKind `json:"kind" yaml:"kind"`
	Detail string             `json:"detail" yaml:"detail"`
}

// Mirror replays applied records against a secondary store and compares the
// two backends on demand.
type Mirror struct {
	primary   store.Store
	secondary store.Store
	applier   *reconcile.Applier
	logger    *log.Logger
	group     *errgroup.Group

	mu          sync.Mutex
	divergences []Divergence
}

// New creates a mirror between two open stores. If logger is nil, a default
// logger writing to stderr is used.
func New(primary, secondary store.Store, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	group := &errgroup.Group{}
	group.SetLimit(applyConcurrency)

	return &Mirror{
		primary:   primary,
		secondary: secondary,
		applier:   reconcile.NewApplier(secondary, logger),
		logger:    logger,
		group:     group,
	}
}

// Apply schedules a best-effort replay of rec against the secondary. It
// satisfies the engine's mirror hook: it never reports failure to the
// caller, and when all apply slots are busy the record is dropped rather
// than blocking the primary path. The sweep catches whatever this misses.
func (m *Mirror) Apply(rec *catalog.NormalizedRecord, meta reconcile.Meta) {
	scheduled := m.group.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		defer cancel()

		if err := m.applier.Apply(ctx, rec, meta); err != nil {
			m.record(rec.Kind, err)
		}
		return nil
	})
	if !scheduled {
		m.record(rec.Kind, fmt.Errorf("mirror saturated (%d applies in flight), record dropped", applyConcurrency))
	}
}

// Close waits for in-flight secondary applies to finish.
func (m *Mirror) Close() error {
	return m.group.Wait()
}

// Divergences returns the retained divergence records, oldest first.
func (m *Mirror) Divergences() []Divergence {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Divergence, len(m.divergences))
	copy(out, m.divergences)
	return out
}

func (m *Mirror) record(kind catalog.RecordKind, err error) {
	m.logger.Printf("WARNING: secondary apply of %s diverged: %v", kind, err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.divergences) == divergenceRetention {
		copy(m.divergences, m.divergences[1:])
		m.divergences = m.divergences[:divergenceRetention-1]
	}
	m.divergences = append(m.divergences, Divergence{
		At:     time.Now().UTC(),
		Kind:   kind,
		Detail: err.Error(),
	})
}
