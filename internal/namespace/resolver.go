package namespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/bundle"
)

// Options configures a Resolver
type Options struct {
	Policy Policy
	Logger *slog.Logger
}

// Resolver translates logical paths into nodes. Directory children are
// materialized on first use and cached until the handle is closed.
// A Resolver is not safe for concurrent use.
type Resolver struct {
	handle *Handle
	policy Policy
	logger *slog.Logger

	root      Node
	dirs      map[string]*directory
	conflicts []Conflict
	warnings  []error
}

// directory is the cached materialization of one directory node
type directory struct {
	node           Node
	childrenLoaded bool
	children       []Node // sorted by name
	byName         map[string]int
}

// New builds a resolver over an open handle
func New(h *Handle, options Options) *Resolver {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	root := Node{
		Kind: Directory,
		ref: backingRef{
			native:    true,
			nativeRef: h.Source.Root(),
			bundled:   h.Store != nil,
		},
	}

	return &Resolver{
		handle: h,
		policy: options.Policy,
		logger: options.Logger,
		root:   root,
		dirs: map[string]*directory{
			"": {node: root},
		},
	}
}

// Root returns the root directory node
func (r *Resolver) Root() Node {
	return r.root
}

// Policy returns the collision policy in effect
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Conflicts returns every name collision recorded so far
func (r *Resolver) Conflicts() []Conflict {
	out := make([]Conflict, len(r.conflicts))
	copy(out, r.conflicts)
	return out
}

// Warnings returns the records skipped while loading directories: entries
// whose names are not a single path segment and directory records that
// point back at one of their ancestors
func (r *Resolver) Warnings() []error {
	out := make([]error, len(r.warnings))
	copy(out, r.warnings)
	return out
}

func (r *Resolver) warn(err error) {
	r.warnings = append(r.warnings, err)
	r.logger.Warn("Skipping corrupt record", "error", err)
}

// Loaded reports whether the children of the directory at path have been
// materialized
func (r *Resolver) Loaded(path string) bool {
	d, ok := r.dirs[path]
	return ok && d.childrenLoaded
}

// Resolve walks path from the root, loading directories along the way
func (r *Resolver) Resolve(path string) (Node, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return Node{}, err
	}
	if clean == "" {
		return r.root, nil
	}

	current := r.root
	for _, segment := range strings.Split(clean, "/") {
		if current.Kind != Directory {
			return Node{}, &archive.NotFoundError{Path: clean}
		}
		d, err := r.load(current)
		if err != nil {
			return Node{}, err
		}
		i, ok := d.byName[segment]
		if !ok {
			return Node{}, &archive.NotFoundError{Path: clean}
		}
		current = d.children[i]
	}
	return current, nil
}

// ListChildren returns the immediate children of a directory node sorted by name
func (r *Resolver) ListChildren(node Node) ([]Node, error) {
	if node.Kind != Directory {
		return nil, fmt.Errorf("%s: not a directory", node.Path)
	}
	// only trust backing references handed out by this resolver
	canonical, err := r.Resolve(node.Path)
	if err != nil {
		return nil, err
	}
	if canonical.Kind != Directory {
		return nil, fmt.Errorf("%s: not a directory", node.Path)
	}
	d, err := r.load(canonical)
	if err != nil {
		return nil, err
	}
	out := make([]Node, len(d.children))
	copy(out, d.children)
	return out, nil
}

// List resolves path and lists its children
func (r *Resolver) List(path string) ([]Node, error) {
	node, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return r.ListChildren(node)
}

// ReadBytes returns the full contents of a file node. Bundled files are
// decompressed and checked against the uncompressed size in the index.
func (r *Resolver) ReadBytes(ctx context.Context, node Node) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch node.Kind {
	case LooseFile:
		data, err := archive.ReadAll(r.handle.Source, archive.Entry{
			Name: node.Name,
			Kind: archive.KindFile,
			Size: node.Size,
			Ref:  node.ref.nativeRef,
		})
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != node.Size {
			return nil, &archive.IOError{Path: node.Path, Offset: int64(len(data)), Err: errors.New("short read")}
		}
		return data, nil

	case BundleFile:
		if r.handle.Store == nil {
			return nil, fmt.Errorf("%s: archive has no bundle index", node.Path)
		}
		data, err := r.handle.Store.ReadFile(ctx, node.ref.file)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != node.Size {
			return nil, &archive.CorruptArchiveError{
				Path:   node.Path,
				Offset: -1,
				Err:    fmt.Errorf("decompressed %d bytes, expected %d", len(data), node.Size),
			}
		}
		return data, nil

	default:
		return nil, fmt.Errorf("%s: is a directory", node.Path)
	}
}

// Read resolves path and reads the file there
func (r *Resolver) Read(ctx context.Context, path string) ([]byte, error) {
	node, err := r.Resolve(path)
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(ctx, node)
}

// load returns the materialized directory for node, merging native and
// bundled children on first use
func (r *Resolver) load(node Node) (*directory, error) {
	d, ok := r.dirs[node.Path]
	if !ok {
		d = &directory{node: node}
		r.dirs[node.Path] = d
	}
	if d.childrenLoaded {
		return d, nil
	}

	m := merger{resolver: r, dir: node.Path, byName: make(map[string]int)}

	if node.ref.native {
		ancestors := r.nativeAncestors(node)
		for _, ref := range node.ref.nativeRefs() {
			entries, err := r.handle.Source.ListChildren(ref)
			if err != nil {
				return nil, fmt.Errorf("listing %q: %w", node.Path, err)
			}
			for _, e := range entries {
				if e.Kind == archive.KindDirectory && ancestors[e.Ref] {
					r.warn(&archive.CorruptArchiveError{
						Path:   Join(node.Path, e.Name),
						Offset: int64(e.Ref),
						Err:    errors.New("directory record refers back to an ancestor"),
					})
					continue
				}
				m.addNative(e)
			}
		}
	}

	if node.ref.bundled && r.handle.Store != nil {
		for _, c := range r.handle.Store.Index().Children(node.Path) {
			if err := archive.CheckName(c.Name); err != nil {
				r.warn(&archive.CorruptArchiveError{Path: Join(node.Path, c.Name), Offset: -1, Err: err})
				continue
			}
			m.addBundled(c)
		}
	}

	sort.Slice(m.children, func(i, j int) bool {
		return m.children[i].Name < m.children[j].Name
	})
	byName := make(map[string]int, len(m.children))
	for i, c := range m.children {
		byName[c.Name] = i
	}

	d.children = m.children
	d.byName = byName
	d.childrenLoaded = true

	r.logger.Debug("Loaded directory", "path", node.Path, "children", len(d.children))
	return d, nil
}

// nativeAncestors collects the native records of node and of every
// directory above it. Ancestors are always loaded before their
// descendants, so each prefix of the path is already cached.
func (r *Resolver) nativeAncestors(node Node) map[archive.Ref]bool {
	seen := make(map[archive.Ref]bool)
	mark := func(refs []archive.Ref) {
		for _, ref := range refs {
			seen[ref] = true
		}
	}

	mark(node.ref.nativeRefs())
	mark(r.root.ref.nativeRefs())
	for i := 0; i < len(node.Path); i++ {
		if node.Path[i] != '/' {
			continue
		}
		if d, ok := r.dirs[node.Path[:i]]; ok {
			mark(d.node.ref.nativeRefs())
		}
	}
	return seen
}

// merger accumulates the children of one directory from both hierarchies
type merger struct {
	resolver *Resolver
	dir      string
	children []Node
	sources  []Source
	byName   map[string]int
}

func (m *merger) addNative(e archive.Entry) {
	n := Node{
		Name:    e.Name,
		Path:    Join(m.dir, e.Name),
		ModTime: e.ModTime,
		ref:     backingRef{native: true, nativeRef: e.Ref},
	}
	if e.Kind == archive.KindDirectory {
		n.Kind = Directory
	} else {
		n.Kind = LooseFile
		n.Size = e.Size
	}
	m.add(n, FromNative)
}

func (m *merger) addBundled(c bundle.Child) {
	n := Node{
		Name: c.Name,
		Path: Join(m.dir, c.Name),
	}
	if c.IsDir {
		n.Kind = Directory
		n.ref = backingRef{bundled: true}
	} else {
		n.Kind = BundleFile
		n.Size = int64(c.File.Size)
		n.ref = backingRef{bundled: true, file: c.File}

		comp, err := m.resolver.handle.Store.Compression(c.File)
		if err != nil {
			m.resolver.logger.Warn("Unable to read bundle head", "path", n.Path, "error", err)
		} else {
			n.Compression = &comp
		}
	}
	m.add(n, FromBundle)
}

func (m *merger) add(n Node, from Source) {
	i, exists := m.byName[n.Name]
	if !exists {
		m.byName[n.Name] = len(m.children)
		m.children = append(m.children, n)
		m.sources = append(m.sources, from)
		return
	}

	existing := m.children[i]

	// the same directory in both hierarchies is a merge, not a collision
	if existing.Kind == Directory && n.Kind == Directory {
		merged := existing
		switch {
		case n.ref.native && existing.ref.native:
			// two native records with one name are listed as one directory
			merged.ref.aliases = withAlias(existing.ref, n.ref.nativeRef)
			m.resolver.logger.Warn("Merging duplicate directory record", "path", n.Path)
		case n.ref.native:
			merged.ref.native = true
			merged.ref.nativeRef = n.ref.nativeRef
			merged.ModTime = n.ModTime
		}
		merged.ref.bundled = merged.ref.bundled || n.ref.bundled
		m.children[i] = merged
		return
	}

	keepNew := false
	existingFrom := m.sources[i]
	if existingFrom != from {
		keepNew = (m.resolver.policy == BundleFirst) == (from == FromBundle)
	} else if n.Kind == Directory {
		// duplicate within one hierarchy: a directory hides a file of the same name
		keepNew = true
	}

	kept, keptFrom, dropped, droppedFrom := existing, existingFrom, n, from
	if keepNew {
		kept, keptFrom, dropped, droppedFrom = n, from, existing, existingFrom
		m.children[i] = n
		m.sources[i] = from
	}

	c := Conflict{
		Path:        n.Path,
		Kept:        kept.Kind,
		KeptFrom:    keptFrom,
		Dropped:     dropped.Kind,
		DroppedFrom: droppedFrom,
	}
	m.resolver.conflicts = append(m.resolver.conflicts, c)
	m.resolver.logger.Warn("Name collision",
		"path", c.Path,
		"kept", c.Kept, "kept_from", c.KeptFrom,
		"dropped", c.Dropped, "dropped_from", c.DroppedFrom)
}

// withAlias returns the aliases of b with ref added, leaving b untouched
func withAlias(b backingRef, ref archive.Ref) []archive.Ref {
	if slices.Contains(b.nativeRefs(), ref) {
		return b.aliases
	}
	return append(slices.Clone(b.aliases), ref)
}
