package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jchantrell/ggpkfs/internal/extract"
	"github.com/jchantrell/ggpkfs/internal/gateway"
	"github.com/jchantrell/ggpkfs/internal/utils"
	"github.com/spf13/cobra"
)

var (
	outDir         string
	tarFile        string
	tarCompression string
	decodeText     bool
	showFailures   bool
	includes       []string
	excludes       []string
)

var extractCmd = &cobra.Command{
	Use:   "extract <path...>",
	Short: "Copy files and directories out of the archive",
	Long: `Extract copies each given file or directory subtree out of the archive,
either below a directory (--out) or into a tar archive (--tar). A tar file name
ending in .zst or .lz4 selects that compression; "-" writes the tar stream to
stdout.

--include and --exclude take gitignore style patterns matched against the full
path of each file below a directory; files named directly are always written.
Files that cannot be read are reported and skipped. Interrupting the command
stops it after the file being written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start := time.Now()

		if (outDir == "") == (tarFile == "") {
			return errors.New("exactly one of --out or --tar is required")
		}

		decode := cfg.Extract.DecodeText
		if cmd.Flags().Changed("decode-text") {
			decode = decodeText
		}

		if cmd.Flags().Changed("include") {
			cfg.Extract.Include = includes
		}
		if cmd.Flags().Changed("exclude") {
			cfg.Extract.Exclude = excludes
		}
		filter, err := extract.NewFilter(cfg.Extract.Include, cfg.Extract.Exclude)
		if err != nil {
			return err
		}

		req := gateway.Request{
			Op:         gateway.OpExtract,
			Paths:      args,
			DecodeText: &decode,
			Filter:     filter,
		}

		var closeSink func() error
		if tarFile != "" {
			sink, closer, err := openTarSink(cmd)
			if err != nil {
				return err
			}
			req.Sink = sink
			closeSink = closer
		} else {
			req.Destination = outDir
		}

		g, err := openGateway()
		if err != nil {
			if closeSink != nil {
				closeSink()
			}
			return err
		}
		defer g.Close()

		progress := utils.NewProgress("extract", 0, showProgress() && tarFile != "-")
		req.OnProgress = func(done, total int, path string) {
			progress.Update(done, total, path)
		}

		slog.Info("Extracting", "paths", args, "out", outDir, "tar", tarFile, "decode_text", decode)

		f, err := g.Submit(req)
		if err != nil {
			return err
		}

		// leave cancellation to the gateway so the summary stays intact
		res, err := f.Wait(ctx)
		if ctx.Err() != nil {
			g.Cancel(f.ID())
			res, err = f.Wait(context.WithoutCancel(ctx))
		}

		if res.Cancelled {
			progress.Abort()
		} else {
			progress.Finish()
		}

		if closeSink != nil {
			if cerr := closeSink(); cerr != nil && err == nil {
				err = fmt.Errorf("closing tar archive: %w", cerr)
			}
		}

		printSummary(res.Summary, time.Since(start))
		if err != nil {
			return err
		}
		if n := len(res.Summary.Failed); n > 0 {
			return fmt.Errorf("%d of %d entries failed", n, res.Summary.Total)
		}
		return nil
	},
}

// openTarSink opens the --tar target and returns a sink and a function that
// flushes it and closes the file
func openTarSink(cmd *cobra.Command) (extract.Sink, func() error, error) {
	compression, err := tarCompressionFor(cmd, tarFile)
	if err != nil {
		return nil, nil, err
	}

	var w io.WriteCloser = nopWriteCloser{os.Stdout}
	if tarFile != "-" {
		file, err := os.Create(tarFile)
		if err != nil {
			return nil, nil, fmt.Errorf("creating %s: %w", tarFile, err)
		}
		w = file
	}

	sink, err := extract.NewTarSink(w, compression)
	if err != nil {
		w.Close()
		return nil, nil, err
	}

	slog.Debug("Writing tar archive", "file", tarFile, "compression", compression)

	return sink, func() error {
		return errors.Join(sink.Close(), w.Close())
	}, nil
}

// tarCompressionFor lets an explicit flag win, then the file extension,
// then the configured default. A plain .tar name is never compressed.
func tarCompressionFor(cmd *cobra.Command, name string) (extract.Compression, error) {
	if cmd.Flags().Changed("compression") {
		return extract.ParseCompression(tarCompression)
	}
	if c := extract.CompressionForPath(name); c != extract.CompressionNone {
		return c, nil
	}
	if strings.HasSuffix(strings.ToLower(name), ".tar") {
		return extract.CompressionNone, nil
	}
	return extract.ParseCompression(cfg.Extract.Compression)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func printSummary(s extract.Summary, d time.Duration) {
	out := os.Stdout
	if tarFile == "-" {
		out = os.Stderr
	}

	fmt.Fprintf(out, "Entries extracted: %s/%s\n", utils.Number(int64(s.Succeeded)), utils.Number(int64(s.Total)))
	if s.Filtered > 0 {
		fmt.Fprintf(out, "Filtered out: %s\n", utils.Number(int64(s.Filtered)))
	}
	fmt.Fprintf(out, "Failures: %d\n", len(s.Failed))
	if s.Cancelled {
		fmt.Fprintln(out, "Cancelled: yes")
	}
	fmt.Fprintf(out, "Duration: %s\n", utils.Duration(d))

	if len(s.Failed) == 0 {
		return
	}
	if !showFailures {
		fmt.Fprintln(out, "Run with --failures to list failed entries")
		return
	}
	for _, f := range s.Failed {
		fmt.Fprintf(out, "  %s: %v\n", f.Path, f.Err)
	}
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&outDir, "out", "o", "", "destination directory")
	extractCmd.Flags().StringVar(&tarFile, "tar", "", "destination tar file, - for stdout")
	extractCmd.Flags().StringVar(&tarCompression, "compression", "", "tar compression (none, zstd, lz4)")
	extractCmd.Flags().BoolVar(&decodeText, "decode-text", false, "convert UTF-16LE .txt files to UTF-8")
	extractCmd.Flags().BoolVar(&showFailures, "failures", false, "list every entry that failed")
	extractCmd.Flags().StringSliceVar(&includes, "include", nil, "only extract files matching these patterns")
	extractCmd.Flags().StringSliceVar(&excludes, "exclude", nil, "skip files matching these patterns")
}
