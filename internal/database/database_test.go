package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/archivetest"
	"github.com/jchantrell/ggpkfs/internal/database"
	"github.com/jchantrell/ggpkfs/internal/gateway"
	"github.com/jchantrell/ggpkfs/internal/namespace"
)

func openDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.NewDatabase(database.DefaultDatabaseOptions(filepath.Join(t.TempDir(), "nested", "manifest.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	a := archivetest.Archive{
		Loose: []archivetest.File{
			{Path: "Data/stats.dat", Data: []byte("native")},
			{Path: "Art/readme.txt", Data: []byte("readme")},
		},
		Bundles: map[string][]archivetest.File{
			"Art": {
				{Path: "Art/icon.png", Data: []byte("icon")},
				{Path: "Data/stats.dat", Data: []byte("bundled")},
			},
		},
	}
	g, err := gateway.Open(a.WriteGGPK(t), gateway.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func conflicts(g *gateway.Gateway) func(ctx context.Context) ([]namespace.Conflict, error) {
	return func(ctx context.Context) ([]namespace.Conflict, error) {
		f, err := g.Submit(gateway.Request{Op: gateway.OpConflicts})
		if err != nil {
			return nil, err
		}
		res, err := f.Wait(ctx)
		return res.Conflicts, err
	}
}

func TestBuildManifest(t *testing.T) {
	db := openDB(t)
	g := openGateway(t)
	ctx := context.Background()

	var progress []string
	result, err := database.BuildManifest(ctx, db, g, database.ManifestOptions{
		BatchSize:  2,
		Conflicts:  conflicts(g),
		OnProgress: func(entries int, dir string) { progress = append(progress, dir) },
	})
	require.NoError(t, err)

	// Art, Bundles2, Data, Art/icon.png, Art/readme.txt, two bundle files, Data/stats.dat
	assert.Equal(t, 8, result.Entries)
	assert.Equal(t, 1, result.Conflicts)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, []string{"", "Art", "Bundles2", "Data"}, progress)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Directories)
	assert.Equal(t, 4, stats.LooseFiles)
	assert.Equal(t, 1, stats.BundleFiles)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Positive(t, stats.CompressedSize)

	art := "Art"
	entries, err := db.QueryEntries(ctx, database.EntryFilter{Parent: &art})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Art/icon.png", entries[0].Path)
	assert.Equal(t, namespace.BundleFile, entries[0].Kind)
	assert.Equal(t, "none", entries[0].Method)
	assert.Equal(t, int64(4), entries[0].Size)
	assert.Equal(t, "Art/icon.png", entries[0].BundlePath)
	assert.Equal(t, namespace.LooseFile, entries[1].Kind)
	assert.Empty(t, entries[1].Method)

	kind := namespace.Directory
	dirs, err := db.QueryEntries(ctx, database.EntryFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Len(t, dirs, 3)

	limited, err := db.QueryEntries(ctx, database.EntryFilter{NameLike: "%.dat", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Data/stats.dat", limited[0].Path)
	assert.Equal(t, "Data", limited[0].Parent)

	root, err := db.Meta(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "", root)
	version, err := db.Meta(ctx, "schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	// rebuilding replaces the previous contents
	result, err = database.BuildManifest(ctx, db, g, database.ManifestOptions{Root: "Art"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Entries)
	stats, err = db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Directories)
	assert.Equal(t, 0, stats.Conflicts)
}

type flakyLister struct {
	database.Lister
	broken string
}

func (f flakyLister) List(ctx context.Context, path string) ([]namespace.Node, error) {
	if path == f.broken {
		return nil, errors.New("unreadable")
	}
	return f.Lister.List(ctx, path)
}

func TestBuildManifestSkipsUnreadableDirectories(t *testing.T) {
	db := openDB(t)
	g := openGateway(t)

	result, err := database.BuildManifest(context.Background(), db, flakyLister{Lister: g, broken: "Art"}, database.ManifestOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Art"}, result.Skipped)
	assert.Equal(t, 6, result.Entries)
}

func TestBuildManifestCancelled(t *testing.T) {
	db := openDB(t)
	g := openGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := database.BuildManifest(ctx, db, g, database.ManifestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEntryFromNode(t *testing.T) {
	e := database.EntryFromNode(namespace.Node{Name: "Data", Path: "Data", Kind: namespace.Directory})
	assert.Equal(t, "", e.Parent)
	assert.Zero(t, e.ModTime)

	e = database.EntryFromNode(namespace.Node{Name: "a.dat", Path: "Data/Sub/a.dat", Kind: namespace.LooseFile, Size: 3})
	assert.Equal(t, "Data/Sub", e.Parent)
	assert.Equal(t, int64(3), e.Size)
}

func TestNewDatabaseValidatesOptions(t *testing.T) {
	_, err := database.NewDatabase(nil)
	assert.Error(t, err)
	_, err = database.NewDatabase(&database.DatabaseOptions{})
	assert.Error(t, err)
}
