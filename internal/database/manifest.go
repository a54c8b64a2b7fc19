package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// Lister lists directories by path. The gateway satisfies it.
type Lister interface {
	List(ctx context.Context, path string) ([]namespace.Node, error)
}

// ProgressCallback is called after each directory with the number of
// entries written so far and the directory just listed
type ProgressCallback func(entries int, dir string)

// ManifestOptions configures BuildManifest
type ManifestOptions struct {
	Root       string
	BatchSize  int
	Conflicts  func(ctx context.Context) ([]namespace.Conflict, error)
	OnProgress ProgressCallback
}

// ManifestResult summarizes a manifest build
type ManifestResult struct {
	Entries   int
	Conflicts int
	// Skipped are directories that could not be listed
	Skipped  []string
	Duration time.Duration
}

// BuildManifest walks the namespace below options.Root breadth first and
// writes every node to db, replacing its previous contents.
func BuildManifest(ctx context.Context, db *Database, lister Lister, options ManifestOptions) (ManifestResult, error) {
	start := time.Now()
	var result ManifestResult

	if err := db.CreateSchema(ctx); err != nil {
		return result, err
	}
	if err := db.Reset(ctx); err != nil {
		return result, err
	}

	inserter := NewBulkInserter(db, &BulkInsertOptions{BatchSize: options.BatchSize})
	batchSize := inserter.batchSize

	var pending []Entry
	flush := func() error {
		if err := inserter.InsertEntries(ctx, pending); err != nil {
			return err
		}
		result.Entries += len(pending)
		pending = pending[:0]
		return nil
	}

	queue := []string{options.Root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		dir := queue[0]
		queue = queue[1:]

		children, err := lister.List(ctx, dir)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			slog.Warn("Skipping directory", "path", dir, "error", err)
			result.Skipped = append(result.Skipped, dir)
			continue
		}

		for _, child := range children {
			pending = append(pending, EntryFromNode(child))
			if child.IsDir() {
				queue = append(queue, child.Path)
			}
		}

		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}

		if options.OnProgress != nil {
			options.OnProgress(result.Entries+len(pending), dir)
		}
	}

	if err := flush(); err != nil {
		return result, err
	}

	if options.Conflicts != nil {
		conflicts, err := options.Conflicts(ctx)
		if err != nil {
			return result, fmt.Errorf("collecting conflicts: %w", err)
		}
		if err := inserter.InsertConflicts(ctx, conflicts); err != nil {
			return result, err
		}
		result.Conflicts = len(conflicts)
	}

	if err := db.SetMeta(ctx, "root", options.Root); err != nil {
		return result, err
	}
	if err := db.SetMeta(ctx, "built_at", start.UTC().Format(time.RFC3339)); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	slog.Info("Manifest written", "path", db.path, "entries", result.Entries, "conflicts", result.Conflicts, "skipped", len(result.Skipped), "duration", result.Duration)
	return result, nil
}
