package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
)

// DirSource exposes an install directory on disk (a Steam style layout with
// loose Bundles2 files) as a native record table.
type DirSource struct {
	name  string
	fsys  fs.FS
	paths []string
	refs  map[string]Ref

	// last opened file, reused by consecutive reads of the same record
	openRef  Ref
	openFile fs.File

	warnings []error
}

// OpenDir opens dir as a Source
func OpenDir(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &IOError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return NewFSSource(dir, os.DirFS(dir)), nil
}

// NewFSSource wraps an fs.FS. name is only used in errors.
func NewFSSource(name string, fsys fs.FS) *DirSource {
	return &DirSource{
		name:  name,
		fsys:  fsys,
		paths: []string{"."},
		refs:  map[string]Ref{".": 0},
	}
}

func (d *DirSource) Name() string {
	return d.name
}

// Warnings returns the entries skipped because their names cannot be
// addressed as a path segment
func (d *DirSource) Warnings() []error {
	return d.warnings
}

func (d *DirSource) Root() Ref {
	return 0
}

func (d *DirSource) ref(p string) Ref {
	if r, ok := d.refs[p]; ok {
		return r
	}
	r := Ref(len(d.paths))
	d.paths = append(d.paths, p)
	d.refs[p] = r
	return r
}

func (d *DirSource) lookup(ref Ref) (string, error) {
	if int(ref) >= len(d.paths) {
		return "", fmt.Errorf("unknown record reference %d", ref)
	}
	return d.paths[ref], nil
}

func (d *DirSource) ListChildren(ref Ref) ([]Entry, error) {
	dir, err := d.lookup(ref)
	if err != nil {
		return nil, err
	}

	dirents, err := fs.ReadDir(d.fsys, dir)
	if err != nil {
		return nil, &IOError{Path: path.Join(d.name, dir), Err: err}
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &IOError{Path: path.Join(d.name, dir, de.Name()), Err: err}
		}

		if err := CheckName(de.Name()); err != nil {
			d.warnings = append(d.warnings, &CorruptArchiveError{Path: path.Join(d.name, dir), Offset: -1, Err: err})
			continue
		}

		e := Entry{
			Name:    de.Name(),
			Ref:     d.ref(path.Join(dir, de.Name())),
			ModTime: info.ModTime(),
		}
		switch {
		case de.IsDir():
			e.Kind = KindDirectory
		case info.Mode().IsRegular():
			e.Kind = KindFile
			e.Size = info.Size()
		default:
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (d *DirSource) ReadAt(ref Ref, p []byte, off int64) (int, error) {
	name, err := d.lookup(ref)
	if err != nil {
		return 0, err
	}

	if d.openFile == nil || d.openRef != ref {
		d.closeOpen()
		f, err := d.fsys.Open(name)
		if err != nil {
			return 0, &IOError{Path: path.Join(d.name, name), Offset: off, Err: err}
		}
		d.openFile = f
		d.openRef = ref
	}

	ra, ok := d.openFile.(io.ReaderAt)
	if !ok {
		return 0, &IOError{Path: path.Join(d.name, name), Offset: off, Err: errors.New("file does not support random access")}
	}

	n, err := ra.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, &IOError{Path: path.Join(d.name, name), Offset: off, Err: err}
	}
	return n, err
}

func (d *DirSource) closeOpen() {
	if d.openFile != nil {
		d.openFile.Close()
		d.openFile = nil
	}
}

// Close releases the cached file handle
func (d *DirSource) Close() error {
	d.closeOpen()
	return nil
}
