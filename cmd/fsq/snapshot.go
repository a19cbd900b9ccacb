package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/snapshot"
	"github.com/lagoi/fieldsync/internal/ui"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "store",
	Short:   "Export and import catalog snapshots",
	Long: `Export and import catalog snapshots.

Snapshots are JSONL: one typed line per site, find, media row, relation,
dive log, worker and expense, written in dependency order. Rows are keyed
by natural key (site code, site/find number, media checksum), so importing
a snapshot into a non-empty catalog merges instead of duplicating.`,
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <file.jsonl>",
	Short: "Write the catalog to a JSONL snapshot",
	Long: `Write the catalog to a JSONL snapshot.

Use "-" to write to stdout.

Examples:
  fsq snapshot export catalog-2025-08-25.jsonl
  fsq snapshot export - | gzip > catalog.jsonl.gz`,
	Args: cobra.ExactArgs(1),
	Run:  runSnapshotExport,
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Merge a JSONL snapshot into the catalog",
	Long: `Merge a JSONL snapshot into the catalog.

Rows upsert by natural key; lines that fail to apply are reported and
skipped without aborting the rest of the file. Use "-" to read from
stdin.`,
	Args: cobra.ExactArgs(1),
	Run:  runSnapshotImport,
}

func init() {
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// lineCounter counts newlines flowing through a MultiWriter.
type lineCounter struct{ n int }

func (l *lineCounter) Write(p []byte) (int, error) {
	l.n += bytes.Count(p, []byte{'\n'})
	return len(p), nil
}

func runSnapshotExport(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	out := os.Stdout
	if args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating snapshot file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	var lc lineCounter
	if err := snapshot.Export(context.Background(), st, io.MultiWriter(out, &lc)); err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting snapshot: %v\n", err)
		os.Exit(1)
	}

	if args[0] != "-" {
		fmt.Printf("%s Exported %d rows to %s\n", ui.RenderPass("✓"), lc.n, args[0])
	}
}

func runSnapshotImport(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	in := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening snapshot file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing store: %v\n", err)
		os.Exit(1)
	}

	result, err := snapshot.Import(ctx, st, in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing snapshot: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Imported %d rows: %d sites, %d finds, %d media, %d relations, %d dive logs, %d workers, %d expenses\n",
		ui.RenderPass("✓"), result.Total(),
		result.Sites, result.Finds, result.Media, result.Relations,
		result.DiveLogs, result.Workers, result.Expenses)

	if len(result.Errors) > 0 {
		fmt.Printf("%s %d lines failed:\n", ui.RenderWarn("⚠"), len(result.Errors))
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", msg)
		}
		os.Exit(1)
	}
}
