package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jchantrell/ggpkfs/internal/gateway"
	"github.com/jchantrell/ggpkfs/internal/search"
	"github.com/spf13/cobra"
)

var (
	searchIn    string
	useRegex    bool
	matchCase   bool
	recursive   bool
	showMatches bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find files and directories by name or path",
	Long: `Search matches the query against the name of every node below --in, and
against its full path when the name does not match. Without --recursive only
the immediate children of --in are searched. Matches are printed as they are
found, breadth first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		g, err := openGateway()
		if err != nil {
			return err
		}
		defer g.Close()

		f, err := g.Submit(gateway.Request{
			Op:    gateway.OpSearch,
			Paths: []string{searchIn},
			Query: args[0],
			SearchOptions: search.Options{
				MatchCase:           matchCase,
				UseRegex:            useRegex,
				ScopeAllDirectories: recursive,
			},
			Stream: true,
		})
		if err != nil {
			return err
		}

		stop := context.AfterFunc(ctx, func() { g.Cancel(f.ID()) })
		defer stop()

		count := 0
		for m := range f.Matches() {
			printMatch(m)
			count++
		}

		res, err := f.Wait(context.WithoutCancel(ctx))
		for _, w := range res.Warnings {
			slog.Warn("Search incomplete", "error", w)
		}
		if err != nil {
			if errors.Is(err, search.ErrInvalidQuery) {
				return err
			}
			if !res.Cancelled {
				return fmt.Errorf("searching %q: %w", searchIn, err)
			}
		}

		slog.Info("Search finished", "query", args[0], "matches", count, "cancelled", res.Cancelled)
		return nil
	},
}

func printMatch(m search.Result) {
	name := "/" + m.Node.Path
	if m.Node.IsDir() {
		name += "/"
	}
	if !showMatches {
		fmt.Println(name)
		return
	}

	s := m.Node.Path
	if m.Field == search.FieldName {
		s = m.Node.Name
	}
	fmt.Printf("%s\t%s[%s]%s\n", name, s[:m.Start], s[m.Start:m.End], s[m.End:])
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVar(&searchIn, "in", "", "directory to search below")
	searchCmd.Flags().BoolVarP(&useRegex, "regex", "E", false, "treat the query as a regular expression")
	searchCmd.Flags().BoolVarP(&matchCase, "match-case", "c", false, "match case sensitively")
	searchCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "search every directory below --in")
	searchCmd.Flags().BoolVar(&showMatches, "show-match", false, "mark the matched part of each result")
}
