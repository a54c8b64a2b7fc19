// Package archive defines the native record contract shared by the GGPK
// container reader and the loose directory reader, along with the error
// taxonomy every layer above reports through.
package archive

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind distinguishes native directory records from file records
type Kind uint8

const (
	KindDirectory Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Ref is an opaque handle to a native record. Its meaning is private to the
// Source that produced it.
type Ref uint64

// Entry describes one native record as listed by its parent directory
type Entry struct {
	Name    string
	Kind    Kind
	Size    int64
	Ref     Ref
	ModTime time.Time // zero when the backend records no time
}

// Source is the native record table of an open archive. Implementations are
// not safe for concurrent use.
type Source interface {
	// Root returns the reference of the top level directory
	Root() Ref
	// ListChildren returns the immediate children of a directory record
	ListChildren(ref Ref) ([]Entry, error)
	// ReadAt reads file record data starting at off
	ReadAt(ref Ref, p []byte, off int64) (int, error)
	// Name returns the path the source was opened from
	Name() string
	// Close releases the underlying storage
	Close() error
}

// CheckName rejects record names that cannot be a single path segment:
// empty names, "." and "..", and names containing a separator.
func CheckName(name string) error {
	switch {
	case name == "":
		return errors.New("empty record name")
	case name == "." || name == "..":
		return fmt.Errorf("reserved record name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("record name %q contains a separator", name)
	}
	return nil
}

// Find walks path from the root of src. Each segment is matched exactly
// first and case-insensitively second.
func Find(src Source, path string) (Entry, error) {
	return NewFinder(src).Find(path)
}

// Finder resolves native paths, remembering every directory listing it has
// read so repeated lookups below the same directories are cheap.
type Finder struct {
	src      Source
	listings map[Ref][]Entry
}

// NewFinder returns a Finder over src
func NewFinder(src Source) *Finder {
	return &Finder{src: src, listings: make(map[Ref][]Entry)}
}

// Find walks path from the root
func (f *Finder) Find(path string) (Entry, error) {
	current := Entry{Kind: KindDirectory, Ref: f.src.Root()}
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		if current.Kind != KindDirectory {
			return Entry{}, &NotFoundError{Path: path}
		}

		children, ok := f.listings[current.Ref]
		if !ok {
			var err error
			children, err = f.src.ListChildren(current.Ref)
			if err != nil {
				return Entry{}, fmt.Errorf("listing %s: %w", path, err)
			}
			f.listings[current.Ref] = children
		}

		next, ok := matchName(children, segment)
		if !ok {
			return Entry{}, &NotFoundError{Path: path}
		}
		current = next
	}
	return current, nil
}

func matchName(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// ReadAll reads the whole data of a file entry
func ReadAll(src Source, entry Entry) ([]byte, error) {
	if entry.Kind != KindFile {
		return nil, fmt.Errorf("%s is a directory", entry.Name)
	}
	data := make([]byte, entry.Size)
	n, err := src.ReadAt(entry.Ref, data, 0)
	if err != nil && !(err == io.EOF && int64(n) == entry.Size) {
		return nil, err
	}
	return data[:n], nil
}

// SectionReader adapts a file record to io.ReaderAt
func SectionReader(src Source, entry Entry) *io.SectionReader {
	return io.NewSectionReader(refReader{src: src, ref: entry.Ref}, 0, entry.Size)
}

type refReader struct {
	src Source
	ref Ref
}

func (r refReader) ReadAt(p []byte, off int64) (int, error) {
	return r.src.ReadAt(r.ref, p, off)
}
