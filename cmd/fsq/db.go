package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lagoi/fieldsync/internal/snapshot"
	"github.com/lagoi/fieldsync/internal/store"
	"github.com/lagoi/fieldsync/internal/ui"
)

var dbCmd = &cobra.Command{
	Use:     "db",
	GroupID: "store",
	Short:   "Manage the canonical catalog store",
	Long: `Manage the canonical catalog store.

The catalog lives in an embedded SQLite file or a Postgres database,
selected by the configured backend. All subcommands work against the
configured store; migrate additionally opens a destination backend.`,
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the catalog schema",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		if err := st.Init(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing store: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Catalog schema ready: %s\n", ui.RenderPass("✓"), st.Description())
	},
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check store connectivity and schema version",
	Long: `Check store connectivity and schema version.

Verifies the configured backend and, when the mirror is enabled, the
mirror backend too. A schema version mismatch means the store was
initialized by an incompatible fsq build.`,
	Run: runDBVerify,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog row counts",
	Run:   runDBStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate --to <backend>",
	Short: "Copy the catalog to another backend",
	Long: `Copy the catalog to another backend.

Exports every site, find, media row, relation, dive log, worker and
expense from the configured store and upserts them into the destination
in dependency order. The copy is idempotent: rerunning it after a partial
failure converges on the same rows.

Stop the daemon first. Writes that land in the source while the copy runs
are not carried over.

Examples:
  fsq db migrate --to postgres --dsn postgres://fsq@localhost/fieldsync
  fsq db migrate --to sqlite --db ./catalog-copy.db`,
	Run: runDBMigrate,
}

func init() {
	dbStatsCmd.Flags().Bool("json", false, "Output as JSON")
	dbMigrateCmd.Flags().String("to", "", "Destination backend (sqlite or postgres)")
	dbMigrateCmd.Flags().String("db", "", "Destination database file (sqlite)")
	dbMigrateCmd.Flags().String("dsn", "", "Destination connection string (postgres)")
	dbMigrateCmd.MarkFlagRequired("to")

	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}

func runDBVerify(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	failed := false

	verify := func(label string, scfg store.Config) {
		st, err := store.Open(scfg)
		if err != nil {
			fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), label, err)
			failed = true
			return
		}
		defer st.Close()

		if err := st.Verify(ctx); err != nil {
			fmt.Printf("%s %s (%s): %v\n", ui.RenderFail("✗"), label, st.Description(), err)
			failed = true
			return
		}
		fmt.Printf("%s %s: %s\n", ui.RenderPass("✓"), label, st.Description())
	}

	verify("primary", cfg.StoreConfig())
	if mcfg := cfg.MirrorStoreConfig(); mcfg != nil {
		verify("mirror", *mcfg)
	}

	if failed {
		os.Exit(1)
	}
}

func runDBStats(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := loadConfig()
	st := openStore(cfg)
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(stats)
		return
	}

	fmt.Printf("Catalog: %s\n", st.Description())
	fmt.Printf("  sites:     %d\n", stats.Sites)
	fmt.Printf("  finds:     %d  (%d in the last 7 days)\n", stats.Finds, stats.FindsLast7Days)
	fmt.Printf("  media:     %d\n", stats.Media)
	fmt.Printf("  dive logs: %d\n", stats.DiveLogs)
	fmt.Printf("  workers:   %d\n", stats.Workers)
	fmt.Printf("  expenses:  %d\n", stats.Expenses)
}

func runDBMigrate(cmd *cobra.Command, args []string) {
	toArg, _ := cmd.Flags().GetString("to")
	dbPath, _ := cmd.Flags().GetString("db")
	dsn, _ := cmd.Flags().GetString("dsn")

	toType, err := store.ParseType(toArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	dstCfg := store.Config{Backend: toType, Path: dbPath, DSN: dsn}
	if toType == store.TypeSQLite && dstCfg.Path == "" {
		fmt.Fprintf(os.Stderr, "Error: --db is required for a sqlite destination\n")
		os.Exit(1)
	}
	if toType == store.TypePostgres && dstCfg.DSN == "" {
		fmt.Fprintf(os.Stderr, "Error: --dsn is required for a postgres destination\n")
		os.Exit(1)
	}

	src := openStore(cfg)
	defer src.Close()

	dst, err := store.Open(dstCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening destination: %v\n", err)
		os.Exit(1)
	}
	defer dst.Close()

	ctx := context.Background()
	if err := dst.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing destination: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Copying %s -> %s\n", ui.RenderAccent("🔄"), src.Description(), dst.Description())

	result, err := snapshot.Copy(ctx, src, dst)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error migrating: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Migrated %d rows: %d sites, %d finds, %d media, %d relations, %d dive logs, %d workers, %d expenses\n",
		ui.RenderPass("✓"), result.Total(),
		result.Sites, result.Finds, result.Media, result.Relations,
		result.DiveLogs, result.Workers, result.Expenses)

	if len(result.Errors) > 0 {
		fmt.Printf("%s %d rows were skipped:\n", ui.RenderWarn("⚠"), len(result.Errors))
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", msg)
		}
		os.Exit(1)
	}
	fmt.Println("Point the config at the new backend to finish the cutover.")
}
