package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path"

	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// Entry is one row of the entries table
type Entry struct {
	Path   string
	Name   string
	Parent string
	Kind   namespace.Kind
	Size   int64
	// Method and CompressedSize are only set for bundled files
	Method         string
	CompressedSize int64
	BundlePath     string
	ModTime        int64 // unix seconds, 0 when unknown
}

// EntryFromNode converts a namespace node into a manifest row
func EntryFromNode(n namespace.Node) Entry {
	parent := path.Dir(n.Path)
	if parent == "." {
		parent = ""
	}

	e := Entry{
		Path:   n.Path,
		Name:   n.Name,
		Parent: parent,
		Kind:   n.Kind,
		Size:   n.Size,
	}
	if !n.ModTime.IsZero() {
		e.ModTime = n.ModTime.Unix()
	}
	if n.Kind == namespace.BundleFile {
		e.BundlePath = n.BundlePath()
		if n.Compression != nil {
			e.Method = n.Compression.Method.String()
			e.CompressedSize = n.Compression.CompressedSize
		}
	}
	return e
}

// BulkInserter handles efficient batch insertion of manifest rows
type BulkInserter struct {
	db        *Database
	batchSize int
}

// BulkInsertOptions configures bulk insertion behavior
type BulkInsertOptions struct {
	// BatchSize determines how many rows to insert per transaction
	BatchSize int
}

// DefaultBulkInsertOptions returns sensible defaults for bulk insertion
func DefaultBulkInsertOptions() *BulkInsertOptions {
	return &BulkInsertOptions{
		BatchSize: 1000,
	}
}

// NewBulkInserter creates a new bulk inserter with the given database and options
func NewBulkInserter(db *Database, options *BulkInsertOptions) *BulkInserter {
	if options == nil {
		options = DefaultBulkInsertOptions()
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBulkInsertOptions().BatchSize
	}

	return &BulkInserter{
		db:        db,
		batchSize: options.BatchSize,
	}
}

const insertEntrySQL = `INSERT OR REPLACE INTO entries
    (path, name, parent, kind, size, method, compressed_size, bundle_path, mod_time)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertEntries inserts rows in transactions of at most BatchSize rows
func (bi *BulkInserter) InsertEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		slog.Debug("No entries to insert")
		return nil
	}

	for i := 0; i < len(entries); i += bi.batchSize {
		end := min(i+bi.batchSize, len(entries))

		if err := bi.insertBatch(ctx, entries[i:end]); err != nil {
			return fmt.Errorf("inserting batch %d-%d: %w", i, end-1, err)
		}
	}

	return nil
}

// insertBatch inserts a single batch of rows within a transaction
func (bi *BulkInserter) insertBatch(ctx context.Context, batch []Entry) error {
	tx, err := bi.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	stmt, err := tx.PrepareContext(ctx, insertEntrySQL)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			e.Path, e.Name, e.Parent, e.Kind.String(), e.Size,
			nullString(e.Method), nullInt(e.CompressedSize, e.Method != ""),
			nullString(e.BundlePath), nullInt(e.ModTime, e.ModTime != 0),
		); err != nil {
			return fmt.Errorf("inserting %s: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// InsertConflicts records name collisions in one transaction
func (bi *BulkInserter) InsertConflicts(ctx context.Context, conflicts []namespace.Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}

	tx, err := bi.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (path, kept, kept_from, dropped, dropped_from) VALUES (?, ?, ?, ?, ?)`,
			c.Path, c.Kept.String(), c.KeptFrom.String(), c.Dropped.String(), c.DroppedFrom.String(),
		); err != nil {
			return fmt.Errorf("inserting conflict %s: %w", c.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}
