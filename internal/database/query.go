package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// EntryFilter narrows QueryEntries. Zero fields match everything.
type EntryFilter struct {
	// Parent limits results to the children of a directory when set
	Parent *string
	Kind   *namespace.Kind
	// NameLike is a SQL LIKE pattern applied to the entry name
	NameLike string
	Limit    int
}

// QueryEntries returns manifest rows ordered by path
func (d *Database) QueryEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	var where []string
	var args []any

	if filter.Parent != nil {
		where = append(where, "parent = ?")
		args = append(args, *filter.Parent)
	}
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind.String())
	}
	if filter.NameLike != "" {
		where = append(where, "name LIKE ?")
		args = append(args, filter.NameLike)
	}

	query := `SELECT path, name, parent, kind, size, method, compressed_size, bundle_path, mod_time FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY path"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			kind           string
			method, bundle sql.NullString
			csize, mtime   sql.NullInt64
		)
		if err := rows.Scan(&e.Path, &e.Name, &e.Parent, &kind, &e.Size, &method, &csize, &bundle, &mtime); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if e.Kind, err = namespace.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Path, err)
		}
		e.Method = method.String
		e.CompressedSize = csize.Int64
		e.BundlePath = bundle.String
		e.ModTime = mtime.Int64
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading entries: %w", err)
	}

	return entries, nil
}

// Stats aggregates a manifest
type Stats struct {
	Directories    int
	LooseFiles     int
	BundleFiles    int
	TotalSize      int64
	CompressedSize int64
	Conflicts      int
}

// Stats counts entries by kind and sums their sizes
func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	rows, err := d.Query(ctx, `SELECT kind, COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(compressed_size), 0) FROM entries GROUP BY kind`)
	if err != nil {
		return s, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind        string
			count       int
			size, csize int64
		)
		if err := rows.Scan(&kind, &count, &size, &csize); err != nil {
			return s, fmt.Errorf("scanning stats: %w", err)
		}
		switch kind {
		case namespace.Directory.String():
			s.Directories = count
		case namespace.LooseFile.String():
			s.LooseFiles = count
		case namespace.BundleFile.String():
			s.BundleFiles = count
		}
		s.TotalSize += size
		s.CompressedSize += csize
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("reading stats: %w", err)
	}
	// the connection pool holds one connection
	rows.Close()

	if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM conflicts`).Scan(&s.Conflicts); err != nil {
		return s, fmt.Errorf("counting conflicts: %w", err)
	}

	return s, nil
}
