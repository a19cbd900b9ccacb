package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/config"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/store"

	// Which backends this binary can talk to is decided here, not in the
	// store package: the registry entries and the database/sql driver the
	// postgres store opens by name.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lagoi/fieldsync/internal/store/postgres"
	_ "github.com/lagoi/fieldsync/internal/store/sqlite"
)

// Version is stamped by the release build via -ldflags.
var Version = "0.4.0-dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fsq",
	Short: "Field sync queue for excavation records",
	Long: `fsq moves field-captured excavation records into the canonical catalog.

Messages from the field (find reports, photos, GPS pins) are normalized,
queued durably, and reconciled into a SQLite or Postgres store. The daemon
watches a spool directory for offline bundles, retries transient store
failures with capped backoff, and can mirror every applied record to a
secondary backend.

Typical usage:
  fsq serve --spool ./spool         Run the sync daemon in the foreground
  fsq ingest bundle.json            Enqueue one bundle by hand
  fsq queue status                  Show queue depth by state
  fsq db migrate --to postgres      Move the catalog between backends`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fsq version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fsq version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default fieldsync.yaml, then $HOME/.config/fieldsync)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Sync Pipeline Commands:"},
		&cobra.Group{ID: "store", Title: "Catalog Store Commands:"},
		&cobra.Group{ID: "ops", Title: "Operations Commands:"},
	)

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration (flags > env > file >
// defaults) or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return &cfg
}

// openQueue opens the sync queue at the configured path or exits.
func openQueue(cfg *config.Config) *queue.Queue {
	q, err := queue.Open(cfg.ResolvePath(cfg.QueuePath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
		os.Exit(1)
	}
	return q
}

// openStore opens the configured canonical store or exits. The schema is
// not touched; commands that need it call Init or Verify themselves.
func openStore(cfg *config.Config) store.Store {
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return st
}
