// Package daemon composes the field sync pipeline into a single process.
//
// The daemon:
// 1. Opens the sync queue and recovers stale in-flight claims
// 2. Opens the canonical store (and the mirror secondary when configured)
// 3. Runs reconcile engine workers against the queue
// 4. Watches the spool directory for offline submission bundles
// 5. Periodically re-runs claim recovery and the mirror divergence sweep
// 6. Optionally serves the operator dashboard over WebSocket
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lagoi/fieldsync/internal/dashboard"
	"github.com/lagoi/fieldsync/internal/mirror"
	"github.com/lagoi/fieldsync/internal/normalize"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/reconcile"
	"github.com/lagoi/fieldsync/internal/spool"
	"github.com/lagoi/fieldsync/internal/store"
	"github.com/lagoi/fieldsync/internal/vocab"
)

// Config holds configuration for the daemon.
type Config struct {
	// QueuePath is the sync queue database file.
	QueuePath string

	// Store configures the primary canonical store.
	Store store.Config

	// Mirror, when non-nil, configures the secondary backend. Applied
	// records are replayed against it and the sweep ticker reports drift.
	Mirror *store.Config

	// SpoolDir, when set, is watched for offline submission bundles.
	SpoolDir string

	// VocabPath, when set, loads the controlled vocabulary for
	// normalization from a YAML file instead of the built-in one.
	VocabPath string

	// PollInterval is the engine's idle wait between queue polls.
	PollInterval time.Duration

	// Workers is the number of concurrent engine claim loops.
	Workers int

	// MaxAttempts overrides the retry budget on spool-ingested entries
	// when > 0.
	MaxAttempts int

	// RecoverInterval is how often stale processing claims are reset.
	RecoverInterval time.Duration

	// StaleClaimAge is how old a processing claim must be before the
	// recovery pass returns it to pending.
	StaleClaimAge time.Duration

	// AppliedRetention is how long applied entries stay in the queue for
	// audit before the recovery pass purges them. Zero keeps them forever.
	AppliedRetention time.Duration

	// SweepInterval is how often to run the mirror divergence sweep.
	// Ignored without a mirror.
	SweepInterval time.Duration

	// DashboardPort, when positive, serves the operator dashboard.
	DashboardPort int

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueuePath:        "fieldsync-queue.db",
		Store:            store.Config{Backend: store.TypeSQLite, Path: "fieldsync.db"},
		PollInterval:     2 * time.Second,
		Workers:          1,
		RecoverInterval:  time.Minute,
		StaleClaimAge:    5 * time.Minute,
		AppliedRetention: 7 * 24 * time.Hour,
		SweepInterval:    15 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the queue, engine, spool watcher, mirror, and dashboard
// together and manages their shared lifecycle.
type Daemon struct {
	config *Config

	queue     *queue.Queue
	primary   store.Store
	secondary store.Store
	mir       *mirror.Mirror
	engine    *reconcile.Engine
	watcher   *spool.Watcher
	dash      *dashboard.Server
	handler   *dashboard.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a daemon with default tuning for the given queue and store.
//
// Use Start() to open the resources and begin draining.
func New(queuePath string, storeCfg store.Config) (*Daemon, error) {
	config := DefaultConfig()
	config.QueuePath = queuePath
	config.Store = storeCfg
	return NewWithConfig(config)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueuePath == "" {
		return nil, fmt.Errorf("queue path cannot be empty")
	}
	if _, err := store.ParseType(string(config.Store.Backend)); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if config.Mirror != nil {
		if _, err := store.ParseType(string(config.Mirror.Backend)); err != nil {
			return nil, fmt.Errorf("invalid mirror config: %w", err)
		}
	}

	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.RecoverInterval <= 0 {
		config.RecoverInterval = defaults.RecoverInterval
	}
	if config.StaleClaimAge <= 0 {
		config.StaleClaimAge = defaults.StaleClaimAge
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens the daemon's resources and drains the queue until ctx is
// cancelled. A wiring failure tears down whatever was already opened and
// returns the cause.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	if err := d.wire(ctx); err != nil {
		d.closeResources()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	d.config.Logger.Printf("Daemon ready: queue=%s backend=%s workers=%d",
		d.config.QueuePath, d.config.Store.Backend, d.config.Workers)

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// wire opens every configured resource and starts the background loops.
// The last step starts goroutines, so a non-nil return means none are
// running and closeResources alone unwinds the partial state.
func (d *Daemon) wire(ctx context.Context) error {
	q, err := queue.Open(d.config.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	d.mu.Lock()
	d.queue = q
	d.mu.Unlock()

	n, err := q.RecoverInFlightContext(ctx, d.config.StaleClaimAge)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	if n > 0 {
		d.config.Logger.Printf("Recovered %d stale claim(s)", n)
	}

	primary, err := store.Open(d.config.Store)
	if err != nil {
		return fmt.Errorf("failed to open primary store: %w", err)
	}
	d.primary = primary
	if err := primary.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize primary store: %w", err)
	}

	if d.config.Mirror != nil {
		secondary, err := store.Open(*d.config.Mirror)
		if err != nil {
			return fmt.Errorf("failed to open mirror store: %w", err)
		}
		d.secondary = secondary
		if err := secondary.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize mirror store: %w", err)
		}
		d.mir = mirror.New(primary, secondary, d.config.Logger)
	}

	if d.config.DashboardPort > 0 {
		d.dash = dashboard.NewServer(&dashboard.Config{
			Port:   d.config.DashboardPort,
			Logger: d.config.Logger,
		})
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.handler = dashboard.NewHandler(d.dash, d.config.Logger)
	}

	engCfg := reconcile.Config{
		PollInterval: d.config.PollInterval,
		Workers:      d.config.Workers,
		Logger:       d.config.Logger,
	}
	if d.mir != nil {
		engCfg.Mirror = d.mir
	}
	if d.handler != nil {
		engCfg.OnTransition = d.onTransition
	}
	eng, err := reconcile.New(q, primary, engCfg)
	if err != nil {
		return fmt.Errorf("failed to create reconcile engine: %w", err)
	}
	d.engine = eng

	if d.config.SpoolDir != "" {
		norm := &normalize.Normalizer{BaseDir: d.config.SpoolDir}
		if d.config.VocabPath != "" {
			voc, err := vocab.Load(d.config.VocabPath)
			if err != nil {
				return fmt.Errorf("failed to load vocabulary: %w", err)
			}
			norm.Vocab = voc
		}
		ing := &spool.Ingester{
			Normalizer:  norm,
			Queue:       q,
			MaxAttempts: d.config.MaxAttempts,
			Logger:      d.config.Logger,
		}
		if d.handler != nil {
			ing.OnIngest = d.handler.OnSpoolIngest
		}
		w, err := spool.NewWatcher(d.config.SpoolDir, ing, d.config.Logger)
		if err != nil {
			return fmt.Errorf("failed to create spool watcher: %w", err)
		}
		d.watcher = w
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start spool watcher: %w", err)
		}
		d.config.Logger.Printf("Watching spool: %s", d.config.SpoolDir)
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.engine.Run(d.ctx)
	}()
	go d.recoverLoop()

	if d.mir != nil {
		d.wg.Add(1)
		go d.sweepLoop()
	}

	return nil
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.config.Logger.Println("Stopping daemon")

	// Signal shutdown and wait for the loops
	d.cancel()
	d.wg.Wait()

	d.closeResources()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// closeResources tears everything down in reverse dependency order: intake
// first, queue last so in-flight spool ingest can still enqueue.
func (d *Daemon) closeResources() {
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping spool watcher: %v", err)
		}
		d.watcher = nil
	}
	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
		d.dash = nil
		d.handler = nil
	}
	if d.mir != nil {
		// Close drains the in-flight secondary applies.
		if err := d.mir.Close(); err != nil {
			d.config.Logger.Printf("Error draining mirror: %v", err)
		}
		d.mir = nil
	}
	if d.secondary != nil {
		if err := d.secondary.Close(); err != nil {
			d.config.Logger.Printf("Error closing mirror store: %v", err)
		}
		d.secondary = nil
	}
	if d.primary != nil {
		if err := d.primary.Close(); err != nil {
			d.config.Logger.Printf("Error closing store: %v", err)
		}
		d.primary = nil
	}

	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()
	if q != nil {
		// Close checkpoints the WAL before releasing the file.
		if err := q.Close(); err != nil {
			d.config.Logger.Printf("Error closing queue: %v", err)
		}
	}
}

// IsRunning returns true if the daemon is currently running.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats reports the queue counters. Fails when the daemon is not running.
func (d *Daemon) Stats() (queue.Stats, error) {
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()

	if q == nil {
		return queue.Stats{}, fmt.Errorf("daemon is not running")
	}
	return q.Counts()
}

// onTransition forwards entry state changes to the dashboard, trailed by a
// fresh set of queue counters.
func (d *Daemon) onTransition(tr reconcile.Transition) {
	d.handler.OnTransition(tr)
	if stats, err := d.queue.Counts(); err == nil {
		d.handler.OnQueueStats(stats)
	}
}

// recoverLoop periodically returns stale processing claims to pending and
// purges applied entries past their audit retention.
func (d *Daemon) recoverLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if n, err := d.queue.RecoverInFlightContext(d.ctx, d.config.StaleClaimAge); err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Error recovering stale claims: %v", err)
				}
			} else if n > 0 {
				d.config.Logger.Printf("Recovered %d stale claim(s)", n)
			}

			if d.config.AppliedRetention <= 0 {
				continue
			}
			if n, err := d.queue.PurgeAppliedContext(d.ctx, d.config.AppliedRetention); err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Error purging applied entries: %v", err)
				}
			} else if n > 0 {
				d.config.Logger.Printf("Purged %d applied entries past retention", n)
			}
		}
	}
}

// sweepLoop periodically compares the primary and secondary backends and
// reports divergence.
func (d *Daemon) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			report, err := d.mir.Sweep(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Error running divergence sweep: %v", err)
				}
				continue
			}
			if d.handler != nil {
				d.handler.OnSweepReport(report)
			}
		}
	}
}
