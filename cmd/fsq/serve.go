package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/daemon"
	"github.com/lagoi/fieldsync/internal/logging"
	"github.com/lagoi/fieldsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "pipeline",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon claims queued records and reconciles them into the canonical
store, watches the spool directory for offline bundles, recovers stale
claims on a timer, and (when configured) mirrors applied records to a
secondary backend and serves the live dashboard.

Examples:
  fsq serve
  fsq serve --spool ./spool --workers 2
  fsq serve --dashboard --dashboard-port 9090
  fsq serve --no-mirror`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("spool", "", "Spool directory to watch for offline bundles")
	serveCmd.Flags().Int("workers", 0, "Reconcile worker count (overrides config)")
	serveCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	serveCmd.Flags().Int("dashboard-port", 0, "Dashboard port (implies --dashboard)")
	serveCmd.Flags().Bool("no-mirror", false, "Ignore the configured mirror backend")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if spoolDir, _ := cmd.Flags().GetString("spool"); spoolDir != "" {
		cfg.SpoolDir = spoolDir
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Workers = workers
	}
	if on, _ := cmd.Flags().GetBool("dashboard"); on {
		cfg.Dashboard.Enabled = true
	}
	if port, _ := cmd.Flags().GetInt("dashboard-port"); port > 0 {
		cfg.Dashboard.Enabled = true
		cfg.Dashboard.Port = port
	}
	if off, _ := cmd.Flags().GetBool("no-mirror"); off {
		cfg.Mirror.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.Setup("daemon", cfg.Log)
	defer closeLog()

	dcfg := daemon.DefaultConfig()
	dcfg.QueuePath = cfg.ResolvePath(cfg.QueuePath)
	dcfg.Store = cfg.StoreConfig()
	dcfg.Mirror = cfg.MirrorStoreConfig()
	dcfg.PollInterval = cfg.PollInterval
	dcfg.Workers = cfg.Workers
	dcfg.MaxAttempts = cfg.MaxAttempts
	dcfg.SweepInterval = cfg.SweepInterval
	dcfg.Logger = logger
	if cfg.SpoolDir != "" {
		dcfg.SpoolDir = cfg.ResolvePath(cfg.SpoolDir)
	}
	if cfg.VocabPath != "" {
		dcfg.VocabPath = cfg.ResolvePath(cfg.VocabPath)
	}
	if cfg.Dashboard.Enabled {
		dcfg.DashboardPort = cfg.Dashboard.Port
	}

	d, err := daemon.NewWithConfig(dcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s fsq daemon starting (backend: %s)\n", ui.RenderAccent("🔄"), cfg.Backend)
	if cfg.Dashboard.Enabled {
		fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
	}
	fmt.Println("   Press Ctrl+C to stop")

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running daemon: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Daemon stopped cleanly\n", ui.RenderPass("✓"))
}
