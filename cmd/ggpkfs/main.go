package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/jchantrell/ggpkfs/internal/config"
	"github.com/jchantrell/ggpkfs/internal/gateway"
	"github.com/jchantrell/ggpkfs/internal/namespace"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	cfg     *config.Config
	cfgFile string

	archivePath string
	policy      string
	logLevel    string
	logFormat   string
	noProgress  bool
)

var rootCmd = &cobra.Command{
	Use:   "ggpkfs",
	Short: "Browse, search and extract Path of Exile game archives",
	Long: `ggpkfs opens a Path of Exile archive, either a Content.ggpk file or a Steam
install directory, and presents its native records and the files of its bundle
index as one directory tree.

Files can be listed, printed, searched for by name and extracted to a directory
or a tar archive. The manifest command writes the whole tree into a SQLite
database for offline queries.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if cmd.Flags().Changed("archive") {
			cfg.Archive = archivePath
		}
		if cmd.Flags().Changed("policy") {
			cfg.Policy = policy
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.LogFormat = logFormat
		}
		if noProgress {
			cfg.Progress = false
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		var level slog.Level
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var handler slog.Handler
		if cfg.LogFormat == "json" {
			handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})
		} else {
			handler = tint.NewHandler(os.Stderr, &tint.Options{
				Level: level,
			})
		}

		slog.SetDefault(slog.New(handler))

		slog.Debug("Configuration",
			"archive", cfg.Archive,
			"policy", cfg.Policy,
			"manifest", cfg.Manifest,
			"log_level", cfg.LogLevel,
			"log_format", cfg.LogFormat,
			"extract_compression", cfg.Extract.Compression,
			"decode_text", cfg.Extract.DecodeText)

		return nil
	},
}

// openGateway opens the configured archive
func openGateway() (*gateway.Gateway, error) {
	if cfg.Archive == "" {
		return nil, fmt.Errorf("no archive given: use --archive, GGPKFS_ARCHIVE or the archive config key")
	}

	p, err := namespace.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	g, err := gateway.Open(cfg.Archive, gateway.Options{
		Policy:     p,
		Logger:     slog.Default(),
		DecodeText: cfg.Extract.DecodeText,
	})
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", cfg.Archive, err)
	}

	slog.Debug("Archive opened", "archive", cfg.Archive, "policy", p)
	return g, nil
}

// showProgress reports whether progress bars should be drawn. Bars and
// structured or debug logs on the same stream do not mix.
func showProgress() bool {
	return cfg.Progress && cfg.LogFormat != "json" && cfg.LogLevel != "debug"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ggpkfs.yaml in home or pwd)")
	rootCmd.PersistentFlags().StringVarP(&archivePath, "archive", "a", "", "Content.ggpk file or install directory")
	rootCmd.PersistentFlags().StringVar(&policy, "policy", "", "which record wins a name collision (native, bundle)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
}
