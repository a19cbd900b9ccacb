package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/dashboard"
	"github.com/lagoi/fieldsync/internal/logging"
	"github.com/lagoi/fieldsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "ops",
	Short:   "Serve the queue dashboard without the daemon",
	Long: `Serve the queue dashboard without the daemon.

Broadcasts queue depth over websocket on a fixed interval. Useful for
watching a queue that another process (or nothing) is draining; when the
daemon is running with dashboard.enabled, use its dashboard instead to
get per-entry updates.

Examples:
  fsq dashboard
  fsq dashboard --port 3000 --refresh 5s`,
	Run: runDashboard,
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to serve on (default from config)")
	dashboardCmd.Flags().Duration("refresh", 2*time.Second, "Stats broadcast interval")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	refresh, _ := cmd.Flags().GetDuration("refresh")
	cfg := loadConfig()
	if port <= 0 {
		port = cfg.Dashboard.Port
	}
	if port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "Error: invalid port %d\n", port)
		os.Exit(1)
	}

	q := openQueue(cfg)
	defer q.Close()

	logger := logging.New("dashboard")
	server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
		os.Exit(1)
	}
	handler := dashboard.NewHandler(server, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s Dashboard running at http://localhost:%d\n", ui.RenderAccent("🔄"), port)
	fmt.Println("   Press Ctrl+C to stop")

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("\n%s Dashboard stopped\n", ui.RenderPass("✓"))
			return
		case <-ticker.C:
			stats, err := q.Counts()
			if err != nil {
				logger.Printf("WARNING: failed to read queue stats: %v", err)
				continue
			}
			handler.OnQueueStats(stats)
		}
	}
}
