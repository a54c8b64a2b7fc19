package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jchantrell/ggpkfs/internal/database"
	"github.com/jchantrell/ggpkfs/internal/namespace"
	"github.com/jchantrell/ggpkfs/internal/utils"
	"github.com/spf13/cobra"
)

var (
	manifestPath  string
	manifestRoot  string
	batchSize     int
	queryParent   string
	queryKind     string
	queryName     string
	queryLimit    int
	queryShowStat bool
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Write the archive tree into a SQLite database and query it",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cmd.Flags().Changed("database") {
			cfg.Manifest = manifestPath
		}
		return nil
	},
}

var manifestBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Walk the archive and record every node",
	Long: `Build lists every directory below --root breadth first and writes each
node, with its size and compression, into the manifest database. Name
collisions found along the way go into the conflicts table. An existing
manifest is replaced.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		db, err := database.NewDatabase(database.DefaultDatabaseOptions(cfg.Manifest))
		if err != nil {
			return fmt.Errorf("opening manifest: %w", err)
		}
		defer db.Close()

		slog.Info("Building manifest", "archive", cfg.Archive, "manifest", cfg.Manifest, "root", manifestRoot)

		progress := utils.NewProgress("manifest", 0, showProgress())
		dirs := 0

		result, err := database.BuildManifest(ctx, db, g, database.ManifestOptions{
			Root:      manifestRoot,
			BatchSize: batchSize,
			Conflicts: g.Conflicts,
			OnProgress: func(entries int, dir string) {
				// the total is unknown until the walk ends, so the bar tracks directories
				dirs++
				progress.Update(dirs, dirs+1, dir)
			},
		})
		if err != nil {
			progress.Abort()
			return fmt.Errorf("building manifest: %w", err)
		}
		progress.Finish()

		if err := db.SetMeta(ctx, "archive", cfg.Archive); err != nil {
			return err
		}
		if err := db.SetMeta(ctx, "policy", cfg.Policy); err != nil {
			return err
		}

		fmt.Printf("Entries written: %s\n", utils.Number(int64(result.Entries)))
		fmt.Printf("Conflicts: %d\n", result.Conflicts)
		fmt.Printf("Unreadable directories: %d\n", len(result.Skipped))
		for _, dir := range result.Skipped {
			fmt.Printf("  /%s\n", dir)
		}
		fmt.Printf("Duration: %s\n", utils.Duration(result.Duration))

		rate := 0.0
		if s := result.Duration.Seconds(); s > 0 {
			rate = float64(result.Entries) / s
		}
		fmt.Printf("Insertion rate: %.0f entries/sec\n", rate)
		fmt.Println("Try running: ggpkfs manifest query --stats")

		return nil
	},
}

var manifestQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a manifest written by build",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if _, err := os.Stat(cfg.Manifest); err != nil {
			return fmt.Errorf("no manifest at %s, run ggpkfs manifest build first", cfg.Manifest)
		}

		db, err := database.NewDatabase(database.DefaultDatabaseOptions(cfg.Manifest))
		if err != nil {
			return fmt.Errorf("opening manifest: %w", err)
		}
		defer db.Close()

		if queryShowStat {
			return printStats(cmd, db)
		}

		var filter database.EntryFilter
		if cmd.Flags().Changed("parent") {
			parent, err := namespace.CleanPath(queryParent)
			if err != nil {
				return err
			}
			filter.Parent = &parent
		}
		if queryKind != "" {
			kind, err := namespace.ParseKind(queryKind)
			if err != nil {
				return err
			}
			filter.Kind = &kind
		}
		if queryName != "" {
			filter.NameLike = strings.ReplaceAll(queryName, "*", "%")
		}
		filter.Limit = queryLimit

		slog.Debug("Querying manifest", "manifest", cfg.Manifest, "parent", queryParent, "kind", queryKind, "name", queryName)

		entries, err := db.QueryEntries(ctx, filter)
		if err != nil {
			return fmt.Errorf("querying entries: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tSIZE\tMETHOD\tPATH")
		for _, e := range entries {
			method := e.Method
			if method == "" {
				method = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t/%s\n", e.Kind, utils.Bytes(e.Size), method, e.Path)
		}
		return w.Flush()
	},
}

func printStats(cmd *cobra.Command, db *database.Database) error {
	ctx := cmd.Context()

	stats, err := db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	archive, _ := db.Meta(ctx, "archive")
	built, _ := db.Meta(ctx, "built_at")

	fmt.Printf("Archive: %s\n", archive)
	if built != "" {
		if t, err := time.Parse(time.RFC3339, built); err == nil {
			built = t.Local().Format(time.DateTime)
		}
		fmt.Printf("Built: %s\n", built)
	}
	fmt.Printf("Directories: %s\n", utils.Number(int64(stats.Directories)))
	fmt.Printf("Loose files: %s\n", utils.Number(int64(stats.LooseFiles)))
	fmt.Printf("Bundled files: %s\n", utils.Number(int64(stats.BundleFiles)))
	fmt.Printf("Total size: %s\n", utils.Bytes(stats.TotalSize))
	fmt.Printf("Compressed size of bundled files: %s\n", utils.Bytes(stats.CompressedSize))
	fmt.Printf("Conflicts: %d\n", stats.Conflicts)
	return nil
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestBuildCmd, manifestQueryCmd)

	manifestCmd.PersistentFlags().StringVarP(&manifestPath, "database", "d", "", "manifest database file path")

	manifestBuildCmd.Flags().StringVar(&manifestRoot, "root", "", "only record the tree below this directory")
	manifestBuildCmd.Flags().IntVar(&batchSize, "batch-size", 1000, "rows per insert transaction")

	manifestQueryCmd.Flags().StringVar(&queryParent, "parent", "", "only list the children of this directory")
	manifestQueryCmd.Flags().StringVar(&queryKind, "kind", "", "only list one kind (directory, loose, bundle)")
	manifestQueryCmd.Flags().StringVar(&queryName, "name", "", "name pattern, * matches anything")
	manifestQueryCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum rows to print, 0 for all")
	manifestQueryCmd.Flags().BoolVar(&queryShowStat, "stats", false, "show entry counts and sizes")
}
