package database

import (
	"context"
	"fmt"
	"log/slog"
)

// SchemaVersion is stored in the meta table and bumped on incompatible changes
const SchemaVersion = 1

// DDLRequest is one statement of the manifest schema
type DDLRequest struct {
	DDL         string
	Description string
}

var manifestSchema = []DDLRequest{
	{
		Description: "meta table",
		DDL: `CREATE TABLE IF NOT EXISTS _meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	},
	{
		Description: "entries table",
		DDL: `CREATE TABLE IF NOT EXISTS entries (
    path TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    parent TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('directory', 'loose', 'bundle')),
    size INTEGER NOT NULL DEFAULT 0,
    method TEXT,
    compressed_size INTEGER,
    bundle_path TEXT,
    mod_time INTEGER
)`,
	},
	{
		Description: "entries parent index",
		DDL:         `CREATE INDEX IF NOT EXISTS entries_parent ON entries(parent, name)`,
	},
	{
		Description: "conflicts table",
		DDL: `CREATE TABLE IF NOT EXISTS conflicts (
    path TEXT NOT NULL,
    kept TEXT NOT NULL,
    kept_from TEXT NOT NULL,
    dropped TEXT NOT NULL,
    dropped_from TEXT NOT NULL
)`,
	},
}

// CreateSchema creates the manifest tables in a single transaction. Existing
// tables are kept.
func (d *Database) CreateSchema(ctx context.Context) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	for _, req := range manifestSchema {
		if _, err := tx.ExecContext(ctx, req.DDL); err != nil {
			return fmt.Errorf("creating %s: %w", req.Description, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO _meta(key, value) VALUES ('schema_version', ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(SchemaVersion)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	slog.Debug("Created manifest schema", "path", d.path, "statements", len(manifestSchema))
	return nil
}

// Reset empties the manifest tables
func (d *Database) Reset(ctx context.Context) error {
	for _, table := range []string{"entries", "conflicts"} {
		if _, err := d.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// SetMeta stores a key in the meta table
func (d *Database) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.Exec(ctx,
		`INSERT INTO _meta(key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Meta reads a key from the meta table
func (d *Database) Meta(ctx context.Context, key string) (string, error) {
	var value string
	if err := d.QueryRow(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&value); err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}
