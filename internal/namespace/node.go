// Package namespace merges the native records of an archive with the
// virtual paths of its bundle index into a single lazily materialized tree.
package namespace

import (
	"fmt"
	"strings"
	"time"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/bundle"
)

// Kind is the variant of a namespace node. It never changes once a node exists.
type Kind uint8

const (
	Directory Kind = iota
	LooseFile
	BundleFile
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case LooseFile:
		return "loose"
	case BundleFile:
		return "bundle"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "directory":
		return Directory, nil
	case "loose":
		return LooseFile, nil
	case "bundle":
		return BundleFile, nil
	default:
		return 0, fmt.Errorf("unknown node kind %q", s)
	}
}

// Node is an immutable snapshot of one path in the namespace. Nodes may be
// copied and shared freely.
type Node struct {
	Name string
	// Path is the canonical slash separated path from the root. The root's
	// path is the empty string.
	Path string
	Kind Kind
	// Size is 0 for directories and the uncompressed size for bundled files
	Size    int64
	ModTime time.Time
	// Compression is set for bundled files whose bundle head could be read
	Compression *bundle.Compression

	ref backingRef
}

// backingRef points at the records a node was built from
type backingRef struct {
	native    bool
	nativeRef archive.Ref
	// aliases are further native directory records sharing the name
	aliases []archive.Ref
	// bundled is set for directories that also exist as a prefix in the
	// bundle index and for bundled files
	bundled bool
	file    bundle.FileInfo
}

func (b backingRef) nativeRefs() []archive.Ref {
	if !b.native {
		return nil
	}
	return append([]archive.Ref{b.nativeRef}, b.aliases...)
}

// IsDir reports whether n is a directory
func (n Node) IsDir() bool {
	return n.Kind == Directory
}

// IsRoot reports whether n is the root directory
func (n Node) IsRoot() bool {
	return n.Kind == Directory && n.Path == ""
}

// BundlePath returns the index path of a bundled file
func (n Node) BundlePath() string {
	return n.ref.file.Path
}

// Conflict records a name claimed by more than one backing record at the
// same level. The kept record is visible in the namespace, the dropped one
// is not.
type Conflict struct {
	Path        string
	Kept        Kind
	KeptFrom    Source
	Dropped     Kind
	DroppedFrom Source
}

// Source names the hierarchy a record came from
type Source uint8

const (
	FromNative Source = iota
	FromBundle
)

func (s Source) String() string {
	if s == FromBundle {
		return "bundle"
	}
	return "native"
}

// Policy decides which record wins a name collision
type Policy uint8

const (
	// NativeFirst keeps the native record and drops the bundle entry
	NativeFirst Policy = iota
	// BundleFirst keeps the bundle entry and drops the native record
	BundleFirst
)

func (p Policy) String() string {
	if p == BundleFirst {
		return "bundle"
	}
	return "native"
}

// ParsePolicy accepts "native" or "bundle"
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "native":
		return NativeFirst, nil
	case "bundle":
		return BundleFirst, nil
	default:
		return 0, fmt.Errorf("unknown collision policy %q (want native or bundle)", s)
	}
}

// CleanPath canonicalizes a caller supplied path. Backslashes are treated as
// separators, empty and "." segments are dropped and ".." is rejected.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	segments := strings.Split(p, "/")
	out := segments[:0]
	for _, s := range segments {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", &archive.NotFoundError{Path: p}
		}
		out = append(out, s)
	}
	return strings.Join(out, "/"), nil
}

// Join appends name to a directory path
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
