package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "pipeline",
	Short:   "Inspect and repair the sync queue",
	Long: `Inspect and repair the sync queue.

Entries move pending -> processing -> applied on success. Transient store
failures send them back to pending with backoff; permanent failures (and
exhausted retries) park them as failed until an operator requeues them.`,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by state",
	Run:   runQueueStatus,
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed entries",
	Long: `List failed entries, oldest first.

Shows the origin, record kind, attempt count and the last error for each
parked entry. Use "fsq queue show <id>" for the full payload and
"fsq queue requeue" to send entries back to pending.`,
	Run: runQueueFailed,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one queue entry in full",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueShow,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue [ids...]",
	Short: "Send failed entries back to pending",
	Long: `Send failed entries back to pending.

Entries can be named by id, selected interactively with --pick, or
requeued wholesale with --all. Attempt counters are preserved unless
--reset-attempts is given, so an entry three retries into a five-attempt
budget keeps only two more tries.

Examples:
  fsq queue requeue 42 57
  fsq queue requeue --pick
  fsq queue requeue --all --reset-attempts`,
	Run: runQueueRequeue,
}

func init() {
	queueStatusCmd.Flags().Bool("json", false, "Output as JSON")
	queueFailedCmd.Flags().IntP("limit", "n", 20, "Maximum entries to list (0 = all)")
	queueFailedCmd.Flags().Bool("json", false, "Output as JSON")
	queueShowCmd.Flags().Bool("json", false, "Output as JSON")
	queueRequeueCmd.Flags().Bool("all", false, "Requeue every failed entry")
	queueRequeueCmd.Flags().Bool("pick", false, "Choose entries interactively")
	queueRequeueCmd.Flags().Bool("reset-attempts", false, "Restart the retry budget from zero")

	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueStatus(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := loadConfig()
	q := openQueue(cfg)
	defer q.Close()

	stats, err := q.Counts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(stats)
		return
	}

	fmt.Printf("Queue: %s\n", q.Path())
	fmt.Printf("  pending:    %d\n", stats.Pending)
	fmt.Printf("  processing: %d\n", stats.Processing)
	fmt.Printf("  applied:    %d\n", stats.Applied)
	if stats.Failed > 0 {
		fmt.Printf("  failed:     %s\n", ui.RenderFail(strconv.Itoa(stats.Failed)))
	} else {
		fmt.Printf("  failed:     0\n")
	}
	fmt.Printf("  total:      %d\n", stats.Total())
}

func runQueueFailed(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := loadConfig()
	q := openQueue(cfg)
	defer q.Close()

	entries, err := q.ListFailed(limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing failed entries: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(entries)
		return
	}

	if len(entries) == 0 {
		fmt.Printf("%s No failed entries\n", ui.RenderPass("✓"))
		return
	}

	fmt.Printf("%-6s %-22s %-10s %-9s %s\n", "ID", "ORIGIN", "KIND", "ATTEMPTS", "LAST ERROR")
	for _, e := range entries {
		fmt.Printf("%-6d %-22s %-10s %-9s %s\n",
			e.ID, e.Origin(), e.Kind,
			fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts),
			truncateError(e.ErrorDetail, 48))
	}
	fmt.Printf("\n%d failed entr%s. Requeue with: fsq queue requeue --pick\n",
		len(entries), pluralY(len(entries)))
}

func runQueueShow(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid entry id %q\n", args[0])
		os.Exit(1)
	}

	cfg := loadConfig()
	q := openQueue(cfg)
	defer q.Close()

	entry, err := q.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(entry)
		return
	}

	fmt.Printf("Entry #%d\n", entry.ID)
	fmt.Printf("  origin:     %s\n", entry.Origin())
	fmt.Printf("  kind:       %s\n", entry.Kind)
	fmt.Printf("  status:     %s\n", renderStatus(entry.Status))
	fmt.Printf("  attempts:   %d/%d\n", entry.Attempts, entry.MaxAttempts)
	fmt.Printf("  received:   %s\n", entry.ReceivedAt.Format(time.RFC3339))
	if entry.SenderID != "" {
		fmt.Printf("  sender:     %s\n", entry.SenderID)
	}
	if entry.ClaimedBy != "" {
		fmt.Printf("  claimed by: %s\n", entry.ClaimedBy)
	}
	if entry.RunAfter != nil {
		fmt.Printf("  run after:  %s\n", entry.RunAfter.Format(time.RFC3339))
	}
	if entry.ProcessedAt != nil {
		fmt.Printf("  processed:  %s\n", entry.ProcessedAt.Format(time.RFC3339))
	}
	if entry.ErrorDetail != "" {
		fmt.Printf("  last error: %s\n", ui.RenderFail(entry.ErrorDetail))
	}

	rec, err := entry.Record()
	if err != nil {
		fmt.Printf("  payload:    %s\n", ui.RenderWarn(err.Error()))
		return
	}
	fmt.Printf("  payload:\n")
	raw, _ := json.MarshalIndent(rec, "    ", "  ")
	fmt.Printf("    %s\n", raw)
}

func runQueueRequeue(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	pick, _ := cmd.Flags().GetBool("pick")
	reset, _ := cmd.Flags().GetBool("reset-attempts")

	modes := 0
	if len(args) > 0 {
		modes++
	}
	if all {
		modes++
	}
	if pick {
		modes++
	}
	if modes != 1 {
		fmt.Fprintf(os.Stderr, "Error: name entry ids, or pass exactly one of --all / --pick\n")
		os.Exit(1)
	}

	cfg := loadConfig()
	q := openQueue(cfg)
	defer q.Close()

	var ids []int64
	switch {
	case len(args) > 0:
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid entry id %q\n", arg)
				os.Exit(1)
			}
			ids = append(ids, id)
		}
	case all:
		entries, err := q.ListFailed(0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed entries: %v\n", err)
			os.Exit(1)
		}
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
	case pick:
		picked, err := pickFailedEntries(q)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ids = picked
	}

	if len(ids) == 0 {
		fmt.Printf("%s Nothing to requeue\n", ui.RenderPass("✓"))
		return
	}

	requeued := 0
	for _, id := range ids {
		if err := q.Requeue(id, reset); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		requeued++
	}

	glyph := ui.RenderPass("✓")
	if requeued < len(ids) {
		glyph = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Requeued %d of %d entr%s\n", glyph, requeued, len(ids), pluralY(len(ids)))
	if requeued > 0 {
		fmt.Println("Entries are pending again; a running daemon will pick them up on its next poll.")
	}
}

// pickFailedEntries runs the interactive multi-select over failed entries.
func pickFailedEntries(q *queue.Queue) ([]int64, error) {
	entries, err := q.ListFailed(0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	options := make([]huh.Option[int64], 0, len(entries))
	for _, e := range entries {
		label := fmt.Sprintf("#%d  %s  %s  %d/%d  %s",
			e.ID, e.Origin(), e.Kind, e.Attempts, e.MaxAttempts,
			truncateError(e.ErrorDetail, 40))
		options = append(options, huh.NewOption(label, e.ID))
	}

	var picked []int64
	form := huh.NewForm(huh.NewGroup(
		huh.NewMultiSelect[int64]().
			Title("Requeue which failed entries?").
			Description("Space toggles, enter confirms.").
			Options(options...).
			Value(&picked),
	))
	if err := form.Run(); err != nil {
		return nil, err
	}
	return picked, nil
}

func renderStatus(s queue.Status) string {
	switch s {
	case queue.StatusApplied:
		return ui.RenderPass(string(s))
	case queue.StatusFailed:
		return ui.RenderFail(string(s))
	case queue.StatusProcessing:
		return ui.RenderAccent(string(s))
	default:
		return string(s)
	}
}

func truncateError(detail string, max int) string {
	detail = strings.ReplaceAll(detail, "\n", " ")
	if len(detail) <= max {
		return detail
	}
	return detail[:max-1] + "…"
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
