// Package extract copies files and directory subtrees out of the namespace
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// ErrCancelled wraps the context error of a cancelled extraction
var ErrCancelled = errors.New("extraction cancelled")

// Tree is the part of the resolver the extractor needs
type Tree interface {
	ListChildren(node namespace.Node) ([]namespace.Node, error)
	ReadBytes(ctx context.Context, node namespace.Node) ([]byte, error)
}

// ProgressCallback is called after each file with the number of files done,
// the total and the path just processed
type ProgressCallback func(done int, total int, path string)

// Options configures an Extractor
type Options struct {
	// DecodeText converts UTF-16LE .txt files to UTF-8
	DecodeText bool
	// Filter limits directory extraction to matching files. File nodes
	// passed to Extract or ExtractFile directly are never filtered.
	Filter *Filter
	Logger *slog.Logger
}

// Failure is one file or directory that could not be extracted
type Failure struct {
	Path string
	Err  error
}

// Summary is the outcome of a directory extraction
type Summary struct {
	Total     int
	Succeeded int
	Failed    []Failure
	// Filtered counts files left out by Options.Filter
	Filtered  int
	Cancelled bool
}

// Extractor copies namespace content to a Sink
type Extractor struct {
	tree    Tree
	options Options
	logger  *slog.Logger
}

// NewExtractor creates an extractor reading from tree
func NewExtractor(tree Tree, options Options) *Extractor {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{tree: tree, options: options, logger: logger}
}

// ExtractFile writes a single file node to destination on disk
func (e *Extractor) ExtractFile(ctx context.Context, node namespace.Node, destination string) error {
	if node.IsDir() {
		return fmt.Errorf("%s: is a directory", node.Path)
	}

	data, err := e.read(ctx, node)
	if err != nil {
		return err
	}

	return WriteFile(destination, data, node.ModTime)
}

func (e *Extractor) read(ctx context.Context, node namespace.Node) ([]byte, error) {
	data, err := e.tree.ReadBytes(ctx, node)
	if err != nil {
		return nil, err
	}
	if e.options.DecodeText && IsTextFile(node.Name) && LooksUTF16LE(data) {
		text, err := DecodeUTF16LE(data)
		if err != nil {
			// not UTF-16 after all, keep the original bytes
			e.logger.Debug("Keeping text file undecoded", "path", node.Path, "error", err)
			return data, nil
		}
		data = []byte(text)
	}
	return data, nil
}

// item is one leaf found while enumerating a subtree
type item struct {
	node namespace.Node
	rel  string
	dir  bool // an empty directory
}

// ExtractDirectory writes every file below node into sink. It is Extract
// with a single directory node.
func (e *Extractor) ExtractDirectory(ctx context.Context, node namespace.Node, sink Sink, progress ProgressCallback) (Summary, error) {
	if !node.IsDir() {
		return Summary{}, fmt.Errorf("%s: not a directory", node.Path)
	}
	return e.Extract(ctx, []namespace.Node{node}, sink, progress)
}

// Extract writes nodes into sink. A file is written under its own name and
// a directory subtree under the directory's name; the root's children go
// directly into the sink. Every node is enumerated before the first file is
// written, so progress reports one total for the whole call. A failing
// file is recorded and skipped. Cancellation is checked between files; a
// cancelled extraction returns the partial summary with Cancelled set and
// an error wrapping ErrCancelled.
func (e *Extractor) Extract(ctx context.Context, nodes []namespace.Node, sink Sink, progress ProgressCallback) (Summary, error) {
	var summary Summary
	var items []item

	for _, node := range nodes {
		if !node.IsDir() {
			items = append(items, item{node: node, rel: node.Name})
			continue
		}

		base := ""
		if !node.IsRoot() {
			base = node.Name
		}
		found, err := e.enumerate(ctx, node, base, &summary)
		if err != nil {
			summary.Cancelled = true
			return summary, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		items = append(items, found...)
	}

	summary.Total = len(items)
	if progress != nil {
		progress(0, summary.Total, "")
	}

	e.logger.Debug("Extracting", "roots", len(nodes), "files", summary.Total)

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			e.logger.Warn("Extraction cancelled", "done", i, "total", summary.Total)
			return summary, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		if err := e.extractItem(ctx, it, sink); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				summary.Cancelled = true
				return summary, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			e.logger.Warn("Failed to extract file", "path", it.node.Path, "error", err)
			summary.Failed = append(summary.Failed, Failure{Path: it.node.Path, Err: err})
		} else {
			summary.Succeeded++
		}

		if progress != nil {
			progress(i+1, summary.Total, it.node.Path)
		}
	}

	return summary, nil
}

func (e *Extractor) extractItem(ctx context.Context, it item, sink Sink) error {
	if it.dir {
		return sink.MakeDir(it.rel)
	}
	data, err := e.read(ctx, it.node)
	if err != nil {
		return err
	}
	return sink.WriteFile(it.rel, data, it.node.ModTime)
}

// enumerate lists every file below dir depth first. Directories that cannot
// be listed are recorded as failures. Only a context error is returned.
func (e *Extractor) enumerate(ctx context.Context, dir namespace.Node, rel string, summary *Summary) ([]item, error) {
	var items []item

	var walk func(dir namespace.Node, rel string) error
	walk = func(dir namespace.Node, rel string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		children, err := e.tree.ListChildren(dir)
		if err != nil {
			e.logger.Warn("Failed to list directory", "path", dir.Path, "error", err)
			summary.Failed = append(summary.Failed, Failure{Path: dir.Path, Err: err})
			return nil
		}

		if len(children) == 0 && rel != "" {
			if e.options.Filter.Keep(dir.Path, true) {
				items = append(items, item{node: dir, rel: rel, dir: true})
			}
			return nil
		}

		for _, child := range children {
			childRel := namespace.Join(rel, child.Name)
			if child.IsDir() {
				if err := walk(child, childRel); err != nil {
					return err
				}
				continue
			}
			if !e.options.Filter.Keep(child.Path, false) {
				summary.Filtered++
				continue
			}
			items = append(items, item{node: child, rel: childRel})
		}
		return nil
	}

	if err := walk(dir, rel); err != nil {
		return nil, err
	}
	return items, nil
}

// IsTextFile reports whether name is a text file the game stores as UTF-16LE
func IsTextFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".text")
}
