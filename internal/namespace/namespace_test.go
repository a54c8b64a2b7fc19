package namespace_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/archivetest"
	"github.com/jchantrell/ggpkfs/internal/bundle"
	"github.com/jchantrell/ggpkfs/internal/namespace"
)

func mixedArchive() archivetest.Archive {
	return archivetest.Archive{
		Granularity: 16,
		Loose: []archivetest.File{
			{Path: "Art/native.txt", Data: []byte("native art")},
			{Path: "Data/stats.dat", Data: []byte("native")},
			{Path: "Empty/"},
		},
		Bundles: map[string][]archivetest.File{
			"Art": {
				{Path: "Art/icon.png", Data: []byte("png bytes that span blocks")},
				{Path: "Art/2DArt/frame.png", Data: []byte("frame")},
			},
			"Data": {
				{Path: "Data/stats.dat", Data: []byte("bundled!")},
				{Path: "Data/mods.dat", Data: []byte("mods")},
				{Path: "Metadata/items.it", Data: []byte("items")},
			},
		},
	}
}

// backends opens the same archive as a GGPK container and as an install directory
func backends(t *testing.T, a archivetest.Archive) map[string]*namespace.Handle {
	t.Helper()
	out := map[string]*namespace.Handle{}
	for name, path := range map[string]string{"ggpk": a.WriteGGPK(t), "dir": a.WriteDir(t)} {
		h, err := namespace.OpenHandle(path, namespace.OpenOptions{})
		require.NoError(t, err, name)
		t.Cleanup(func() { h.Close() })
		out[name] = h
	}
	return out
}

func names(nodes []namespace.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestMergedDirectory(t *testing.T) {
	for name, h := range backends(t, mixedArchive()) {
		t.Run(name, func(t *testing.T) {
			r := namespace.New(h, namespace.Options{})

			art, err := r.Resolve("Art")
			require.NoError(t, err)
			assert.Equal(t, namespace.Directory, art.Kind)

			children, err := r.ListChildren(art)
			require.NoError(t, err)
			assert.Equal(t, []string{"2DArt", "icon.png", "native.txt"}, names(children))

			icon := children[1]
			assert.Equal(t, namespace.BundleFile, icon.Kind)
			assert.Equal(t, "Art/icon.png", icon.Path)
			assert.Equal(t, "Art/icon.png", icon.BundlePath())
			assert.Equal(t, namespace.LooseFile, children[2].Kind)
			assert.Equal(t, namespace.Directory, children[0].Kind)

			root, err := r.ListChildren(r.Root())
			require.NoError(t, err)
			assert.Equal(t, []string{"Art", "Bundles2", "Data", "Empty", "Metadata"}, names(root))
		})
	}
}

func TestCollisionPolicy(t *testing.T) {
	for name, h := range backends(t, mixedArchive()) {
		t.Run(name, func(t *testing.T) {
			r := namespace.New(h, namespace.Options{})
			assert.Equal(t, namespace.NativeFirst, r.Policy())

			node, err := r.Resolve("Data/stats.dat")
			require.NoError(t, err)
			assert.Equal(t, namespace.LooseFile, node.Kind)
			assert.Nil(t, node.Compression)

			data, err := r.ReadBytes(context.Background(), node)
			require.NoError(t, err)
			assert.Equal(t, []byte("native"), data)

			conflicts := r.Conflicts()
			require.Len(t, conflicts, 1)
			assert.Equal(t, namespace.Conflict{
				Path:        "Data/stats.dat",
				Kept:        namespace.LooseFile,
				KeptFrom:    namespace.FromNative,
				Dropped:     namespace.BundleFile,
				DroppedFrom: namespace.FromBundle,
			}, conflicts[0])

			// the loaded directory is cached, so the conflict is recorded once
			_, err = r.List("Data")
			require.NoError(t, err)
			assert.Len(t, r.Conflicts(), 1)

			bundled := namespace.New(h, namespace.Options{Policy: namespace.BundleFirst})
			data, err = bundled.Read(context.Background(), "Data/stats.dat")
			require.NoError(t, err)
			assert.Equal(t, []byte("bundled!"), data)
			require.Len(t, bundled.Conflicts(), 1)
			assert.Equal(t, namespace.FromBundle, bundled.Conflicts()[0].KeptFrom)
		})
	}
}

// walk visits every node below dir
func walk(t *testing.T, r *namespace.Resolver, dir namespace.Node, visit func(namespace.Node)) {
	t.Helper()
	children, err := r.ListChildren(dir)
	require.NoError(t, err)
	for _, c := range children {
		visit(c)
		if c.IsDir() {
			walk(t, r, c, visit)
		}
	}
}

func TestResolveProperties(t *testing.T) {
	for name, h := range backends(t, mixedArchive()) {
		t.Run(name, func(t *testing.T) {
			r := namespace.New(h, namespace.Options{})
			ctx := context.Background()

			walk(t, r, r.Root(), func(n namespace.Node) {
				first, err := r.Resolve(n.Path)
				require.NoError(t, err)
				second, err := r.Resolve(n.Path)
				require.NoError(t, err)
				assert.Equal(t, first.Path, second.Path)
				assert.Equal(t, first.Kind, second.Kind)
				assert.Equal(t, first.Size, second.Size)

				if n.IsDir() {
					children, err := r.ListChildren(n)
					require.NoError(t, err)
					seen := map[string]bool{}
					for _, c := range children {
						assert.False(t, seen[c.Name], "duplicate child %s in %s", c.Name, n.Path)
						seen[c.Name] = true
					}
				}

				if n.Kind == namespace.BundleFile {
					require.NotNil(t, n.Compression, n.Path)
					data, err := r.ReadBytes(ctx, n)
					require.NoError(t, err)
					assert.Equal(t, n.Compression.UncompressedSize, int64(len(data)), n.Path)
					assert.Equal(t, bundle.MethodNone, n.Compression.Method)
				}
			})
		})
	}
}

func TestLazyLoading(t *testing.T) {
	h := backends(t, mixedArchive())["ggpk"]
	r := namespace.New(h, namespace.Options{})

	assert.False(t, r.Loaded(""))
	assert.False(t, r.Loaded("Metadata"))

	_, err := r.Resolve("Metadata")
	require.NoError(t, err)
	assert.True(t, r.Loaded(""))
	assert.False(t, r.Loaded("Metadata"))

	items, err := r.List("Metadata")
	require.NoError(t, err)
	assert.Equal(t, []string{"items.it"}, names(items))
	assert.True(t, r.Loaded("Metadata"))
}

func TestPathCanonicalization(t *testing.T) {
	h := backends(t, mixedArchive())["dir"]
	r := namespace.New(h, namespace.Options{})

	want, err := r.Resolve("Art/2DArt/frame.png")
	require.NoError(t, err)

	for _, p := range []string{"/Art/2DArt/frame.png", `Art\2DArt\frame.png`, "./Art//2DArt/frame.png/"} {
		got, err := r.Resolve(p)
		require.NoError(t, err, p)
		assert.Equal(t, want.Path, got.Path, p)
	}

	_, err = r.Resolve("Art/../Data")
	assert.ErrorIs(t, err, archive.ErrNotFound)

	_, err = r.Resolve("Art/missing.png")
	var nf *archive.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "Art/missing.png", nf.Path)

	_, err = r.Resolve("Data/stats.dat/child")
	assert.ErrorIs(t, err, archive.ErrNotFound)

	root, err := r.Resolve("")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
}

func TestListChildrenRejectsFiles(t *testing.T) {
	h := backends(t, mixedArchive())["ggpk"]
	r := namespace.New(h, namespace.Options{})

	node, err := r.Resolve("Data/mods.dat")
	require.NoError(t, err)
	_, err = r.ListChildren(node)
	assert.Error(t, err)

	_, err = r.ReadBytes(context.Background(), r.Root())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ReadBytes(ctx, node)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNativeOnlyArchive(t *testing.T) {
	a := archivetest.Archive{Loose: []archivetest.File{{Path: "Data/stats.dat", Data: []byte("native")}}}
	h, err := namespace.OpenHandle(a.WriteGGPK(t), namespace.OpenOptions{})
	require.NoError(t, err)
	defer h.Close()

	assert.Nil(t, h.Store)
	assert.Empty(t, h.Warnings)

	r := namespace.New(h, namespace.Options{})
	data, err := r.Read(context.Background(), "Data/stats.dat")
	require.NoError(t, err)
	assert.Equal(t, []byte("native"), data)
}

func TestCorruptIndexFallsBackToNative(t *testing.T) {
	a := archivetest.Archive{Loose: []archivetest.File{
		{Path: "Data/stats.dat", Data: []byte("native")},
		{Path: bundle.IndexPath, Data: []byte("not an index")},
	}}
	h, err := namespace.OpenHandle(a.WriteDir(t), namespace.OpenOptions{})
	require.NoError(t, err)
	defer h.Close()

	assert.Nil(t, h.Store)
	require.Len(t, h.Warnings, 1)
	assert.True(t, archive.IsCorrupt(h.Warnings[0]))

	r := namespace.New(h, namespace.Options{})
	_, err = r.Resolve("Data/stats.dat")
	assert.NoError(t, err)
}

func TestOpenHandleErrors(t *testing.T) {
	_, err := namespace.OpenHandle(t.TempDir()+"/missing", namespace.OpenOptions{})
	var ioErr *archive.IOError
	assert.True(t, errors.As(err, &ioErr))
}

func TestParsers(t *testing.T) {
	p, err := namespace.ParsePolicy("Bundle")
	require.NoError(t, err)
	assert.Equal(t, namespace.BundleFirst, p)
	_, err = namespace.ParsePolicy("newest")
	assert.Error(t, err)

	for _, k := range []namespace.Kind{namespace.Directory, namespace.LooseFile, namespace.BundleFile} {
		parsed, err := namespace.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	clean, err := namespace.CleanPath(`\Art\\icon.png`)
	require.NoError(t, err)
	assert.Equal(t, "Art/icon.png", clean)
	assert.Equal(t, "Art/icon.png", namespace.Join("Art", "icon.png"))
	assert.Equal(t, "Art", namespace.Join("", "Art"))
}

func openImage(t *testing.T, img archivetest.Image) *namespace.Resolver {
	t.Helper()
	h, err := namespace.OpenHandle(archivetest.WriteImage(t, img), namespace.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return namespace.New(h, namespace.Options{})
}

func TestDirectoryCycleIsSkipped(t *testing.T) {
	tests := []struct {
		name    string
		files   []archivetest.File
		dir     string // directory whose first child is redirected
		target  string
		want    []string
		skipped string
	}{
		{
			name: "self",
			files: []archivetest.File{
				{Path: "A/B/leaf.txt", Data: []byte("leaf")},
				{Path: "A/file.txt", Data: []byte("file")},
			},
			dir:     "A",
			target:  "A",
			want:    []string{"A", "A/file.txt"},
			skipped: "A/A",
		},
		{
			name: "ancestor",
			files: []archivetest.File{
				{Path: "A/B/C/leaf.txt", Data: []byte("leaf")},
				{Path: "A/B/b.txt", Data: []byte("b")},
			},
			dir:     "A/B",
			target:  "A",
			want:    []string{"A", "A/B", "A/B/b.txt"},
			skipped: "A/B/A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := archivetest.GGPK(3, tt.files...)
			img.Redirect(tt.dir, 0, tt.target)
			r := openImage(t, img)

			var visited []string
			walk(t, r, r.Root(), func(n namespace.Node) {
				visited = append(visited, n.Path)
			})
			assert.Equal(t, tt.want, visited)

			warnings := r.Warnings()
			require.Len(t, warnings, 1)
			var cae *archive.CorruptArchiveError
			require.True(t, errors.As(warnings[0], &cae), "got %v", warnings[0])
			assert.Equal(t, tt.skipped, cae.Path)
			assert.Equal(t, img.Offsets[tt.target], cae.Offset)

			_, err := r.Resolve(tt.skipped)
			assert.ErrorIs(t, err, archive.ErrNotFound)
		})
	}
}

func TestDuplicateNativeDirectoriesAreMerged(t *testing.T) {
	img := archivetest.GGPK(3,
		archivetest.File{Path: "Data/a.dat", Data: []byte("a")},
		archivetest.File{Path: "Datb/b.dat", Data: []byte("b")},
	)
	img.Rename("Datb", "Data")
	r := openImage(t, img)

	root, err := r.ListChildren(r.Root())
	require.NoError(t, err)
	assert.Equal(t, []string{"Data"}, names(root))

	children, err := r.List("Data")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dat", "b.dat"}, names(children))

	data, err := r.Read(context.Background(), "Data/b.dat")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)
	assert.Empty(t, r.Conflicts())
}

func TestUnaddressableNamesAreSkipped(t *testing.T) {
	a := archivetest.Archive{
		Loose: []archivetest.File{
			{Path: "Data/ok.dat", Data: []byte("ok")},
			{Path: "Data/../evil.dat", Data: []byte("evil")},
		},
		Bundles: map[string][]archivetest.File{
			"Art": {
				{Path: "Art/icon.png", Data: []byte("icon")},
				{Path: "Art//hidden.png", Data: []byte("hidden")},
			},
		},
	}
	r := openImage(t, a.GGPK())

	data, err := r.List("Data")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.dat"}, names(data))

	art, err := r.List("Art")
	require.NoError(t, err)
	assert.Equal(t, []string{"icon.png"}, names(art))

	warnings := r.Warnings()
	require.Len(t, warnings, 1)
	assert.True(t, archive.IsCorrupt(warnings[0]))
}
