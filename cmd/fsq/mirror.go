package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/logging"
	"github.com/lagoi/fieldsync/internal/mirror"
	"github.com/lagoi/fieldsync/internal/store"
	"github.com/lagoi/fieldsync/internal/ui"
)

var mirrorCmd = &cobra.Command{
	Use:     "mirror",
	GroupID: "ops",
	Short:   "Operate the secondary backend mirror",
}

var mirrorSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Compare primary and mirror backends",
	Long: `Compare primary and mirror backends.

Walks both catalogs by natural key and reports rows that exist on only
one side or differ between them. The sweep never writes; divergence is
reported for an operator to resolve.

Exits non-zero when the backends diverge.

Examples:
  fsq mirror sweep
  fsq mirror sweep --out divergence.yaml`,
	Run: runMirrorSweep,
}

func init() {
	mirrorSweepCmd.Flags().StringP("out", "o", "", "Write the full report as YAML to this file")
	mirrorCmd.AddCommand(mirrorSweepCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func runMirrorSweep(cmd *cobra.Command, args []string) {
	outPath, _ := cmd.Flags().GetString("out")
	cfg := loadConfig()

	mcfg := cfg.MirrorStoreConfig()
	if mcfg == nil {
		fmt.Fprintf(os.Stderr, "Error: no mirror configured; set mirror.enabled in the config\n")
		os.Exit(1)
	}

	primary := openStore(cfg)
	defer primary.Close()

	secondary, err := store.Open(*mcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening mirror store: %v\n", err)
		os.Exit(1)
	}
	defer secondary.Close()

	m := mirror.New(primary, secondary, logging.New("mirror"))
	report, err := m.Sweep(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sweeping: %v\n", err)
		os.Exit(1)
	}

	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating report file: %v\n", err)
			os.Exit(1)
		}
		if err := report.EncodeYAML(f); err != nil {
			f.Close()
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Sweep %s vs %s\n", report.Primary, report.Secondary)
	for _, delta := range report.Entities {
		if delta.Clean() {
			fmt.Printf("  %s %-9s %d rows on both sides\n", ui.RenderPass("✓"), delta.Kind, delta.PrimaryCount)
			continue
		}
		fmt.Printf("  %s %-9s primary=%d mirror=%d", ui.RenderFail("✗"), delta.Kind,
			delta.PrimaryCount, delta.SecondaryCount)
		if n := len(delta.OnlyPrimary); n > 0 {
			fmt.Printf("  only-primary=%d", n)
		}
		if n := len(delta.OnlySecondary); n > 0 {
			fmt.Printf("  only-mirror=%d", n)
		}
		if n := len(delta.Mismatched); n > 0 {
			fmt.Printf("  mismatched=%d", n)
		}
		fmt.Println()
	}
	if outPath != "" {
		fmt.Printf("Report written to %s\n", outPath)
	}

	if !report.Clean() {
		fmt.Fprintf(os.Stderr, "Error: backends diverge; see the report for row-level detail\n")
		os.Exit(1)
	}
	fmt.Printf("%s Backends agree\n", ui.RenderPass("✓"))
}
