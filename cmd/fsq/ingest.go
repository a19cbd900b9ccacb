package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/normalize"
	"github.com/lagoi/fieldsync/internal/spool"
	"github.com/lagoi/fieldsync/internal/ui"
	"github.com/lagoi/fieldsync/internal/vocab"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest <bundle.json>...",
	GroupID: "pipeline",
	Short:   "Enqueue offline bundles by hand",
	Long: `Enqueue offline submission bundles by hand.

Each bundle is normalized and enqueued exactly as the spool watcher would
do it: malformed messages are dropped with a warning, already-seen origins
count as duplicates, and the files are left in place. Blob references
inside a bundle resolve relative to the bundle's own directory.

Examples:
  fsq ingest spool/bundle-2025-06-14.json
  fsq ingest spool/*.json --json`,
	Args: cobra.MinimumNArgs(1),
	Run:  runIngest,
}

func init() {
	ingestCmd.Flags().Bool("json", false, "Emit per-file results as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := loadConfig()

	var voc *vocab.Vocabulary
	if cfg.VocabPath != "" {
		v, err := vocab.Load(cfg.ResolvePath(cfg.VocabPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading vocabulary: %v\n", err)
			os.Exit(1)
		}
		voc = v
	}

	q := openQueue(cfg)
	defer q.Close()

	type fileResult struct {
		File       string `json:"file"`
		ReceiptID  string `json:"receipt_id,omitempty"`
		Enqueued   int    `json:"enqueued"`
		Duplicates int    `json:"duplicates"`
		Malformed  int    `json:"malformed"`
		Error      string `json:"error,omitempty"`
	}

	ctx := context.Background()
	results := make([]fileResult, 0, len(args))
	var enqueued, duplicates, malformed, failed int

	for _, path := range args {
		ing := &spool.Ingester{
			Normalizer:  &normalize.Normalizer{Vocab: voc, BaseDir: filepath.Dir(path)},
			Queue:       q,
			MaxAttempts: cfg.MaxAttempts,
		}
		res, err := ing.Ingest(ctx, path)
		fr := fileResult{File: path}
		if res != nil {
			fr.ReceiptID = res.ReceiptID
			fr.Enqueued = res.Enqueued
			fr.Duplicates = res.Duplicates
			fr.Malformed = res.Malformed
			enqueued += res.Enqueued
			duplicates += res.Duplicates
			malformed += res.Malformed
		}
		if err != nil {
			fr.Error = err.Error()
			failed++
		}
		results = append(results, fr)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
			os.Exit(1)
		}
	} else {
		for _, fr := range results {
			switch {
			case fr.Error != "":
				fmt.Printf("%s %s: %s\n", ui.RenderFail("✗"), fr.File, fr.Error)
			case fr.Malformed > 0:
				fmt.Printf("%s %s: %d enqueued, %d duplicates, %d malformed (receipt %s)\n",
					ui.RenderWarn("⚠"), fr.File, fr.Enqueued, fr.Duplicates, fr.Malformed, fr.ReceiptID)
			default:
				fmt.Printf("%s %s: %d enqueued, %d duplicates (receipt %s)\n",
					ui.RenderPass("✓"), fr.File, fr.Enqueued, fr.Duplicates, fr.ReceiptID)
			}
		}
		if len(args) > 1 {
			fmt.Printf("\nTotal: %d enqueued, %d duplicates, %d malformed across %d bundles\n",
				enqueued, duplicates, malformed, len(args))
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
