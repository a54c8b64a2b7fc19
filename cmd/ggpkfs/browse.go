package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jchantrell/ggpkfs/internal/extract"
	"github.com/jchantrell/ggpkfs/internal/gateway"
	"github.com/jchantrell/ggpkfs/internal/namespace"
	"github.com/jchantrell/ggpkfs/internal/utils"
	"github.com/spf13/cobra"
)

var (
	longListing bool
	decodeCat   bool
	allConflict bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory of the archive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		path := ""
		if len(args) > 0 {
			path = args[0]
		}

		nodes, err := g.List(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("listing %q: %w", path, err)
		}

		if !longListing {
			for _, n := range nodes {
				if n.IsDir() {
					fmt.Println(n.Name + "/")
				} else {
					fmt.Println(n.Name)
				}
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t %s\t\n", n.Kind, sizeColumn(n), methodColumn(n), displayName(n))
		}
		return w.Flush()
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show what backs a path and how it is stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		n, err := g.Stat(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Path: /%s\n", n.Path)
		fmt.Printf("Kind: %s\n", n.Kind)
		if n.IsDir() {
			return nil
		}

		fmt.Printf("Size: %s (%s)\n", utils.Number(n.Size), utils.Bytes(n.Size))
		if !n.ModTime.IsZero() {
			fmt.Printf("Modified: %s\n", n.ModTime.Format(time.RFC3339))
		}
		if n.Kind == namespace.BundleFile {
			fmt.Printf("Bundle path: %s\n", n.BundlePath())
		}
		if c := n.Compression; c != nil {
			fmt.Printf("Compression: %s\n", c.Method)
			fmt.Printf("Compressed size: %s (%s of uncompressed)\n",
				utils.Bytes(c.CompressedSize), utils.Ratio(c.CompressedSize, c.UncompressedSize))
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Write the contents of a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		data, err := g.Read(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if decodeCat && extract.LooksUTF16LE(data) {
			text, err := extract.DecodeUTF16LE(data)
			if err != nil {
				slog.Warn("Printing file undecoded", "path", args[0], "error", err)
			} else {
				data = []byte(text)
			}
		}

		_, err = os.Stdout.Write(data)
		return err
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts [path...]",
	Short: "Show names claimed by both a native record and a bundle entry",
	Long: `Conflicts lists the given directories, the root when none are given, and
prints every name that was backed by more than one record. With --all the whole
tree below each path is loaded first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		if len(args) == 0 {
			args = []string{""}
		}
		for _, path := range args {
			if err := loadTree(cmd, g, path, allConflict); err != nil {
				return err
			}
		}

		conflicts, err := g.Conflicts(ctx)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tKEPT\tDROPPED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s (%s)\t%s (%s)\n", c.Path, c.Kept, c.KeptFrom, c.Dropped, c.DroppedFrom)
		}
		return w.Flush()
	},
}

// loadTree lists path, and every directory below it when recursive is set.
// Directories that cannot be listed are logged and skipped.
func loadTree(cmd *cobra.Command, g *gateway.Gateway, path string, recursive bool) error {
	queue := []string{path}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		nodes, err := g.List(cmd.Context(), dir)
		if err != nil {
			if ctxErr := cmd.Context().Err(); ctxErr != nil {
				return ctxErr
			}
			if dir == path {
				return fmt.Errorf("listing %q: %w", dir, err)
			}
			slog.Warn("Skipping unreadable directory", "path", dir, "error", err)
			continue
		}
		if !recursive {
			continue
		}
		for _, n := range nodes {
			if n.IsDir() {
				queue = append(queue, n.Path)
			}
		}
	}
	return nil
}

func displayName(n namespace.Node) string {
	if n.IsDir() {
		return n.Name + "/"
	}
	return n.Name
}

func sizeColumn(n namespace.Node) string {
	if n.IsDir() {
		return "-"
	}
	return utils.Bytes(n.Size)
}

func methodColumn(n namespace.Node) string {
	if n.Compression == nil {
		return "-"
	}
	return n.Compression.Method.String()
}

func init() {
	rootCmd.AddCommand(lsCmd, statCmd, catCmd, conflictsCmd)
	lsCmd.Flags().BoolVarP(&longListing, "long", "l", false, "show kind, size and compression")
	catCmd.Flags().BoolVar(&decodeCat, "decode", false, "convert UTF-16LE text to UTF-8")
	conflictsCmd.Flags().BoolVar(&allConflict, "all", false, "load every directory below each path")
}
