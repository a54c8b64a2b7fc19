package extract_test

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/archivetest"
	"github.com/jchantrell/ggpkfs/internal/bundle"
	"github.com/jchantrell/ggpkfs/internal/extract"
	"github.com/jchantrell/ggpkfs/internal/namespace"
)

func utf16le(s string) []byte {
	out := []byte{0xff, 0xfe}
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

// damagedArchive holds one bundle whose second block cannot be decompressed
func damagedArchive() archivetest.Archive {
	return archivetest.Archive{Loose: []archivetest.File{
		{Path: "Art/native.txt", Data: utf16le("hello")},
		{Path: "Art/empty/"},
		{Path: bundle.BundlePath("Art"), Data: archivetest.BundleWithBlocks(12, 4, [][]byte{
			[]byte("aaaa"),
			[]byte("bb"),
			[]byte("cccc"),
		})},
		{Path: bundle.IndexPath, Data: archivetest.Index(
			[]bundle.BundleInfo{{Name: "Art", UncompressedSize: 12}},
			[]archivetest.IndexFile{
				{Path: "Art/x/a.dat", Offset: 0, Size: 4},
				{Path: "Art/x/b.dat", Offset: 4, Size: 4},
				{Path: "Art/c.dat", Offset: 8, Size: 4},
			},
		)},
	}}
}

func open(t *testing.T, a archivetest.Archive) *namespace.Resolver {
	t.Helper()
	h, err := namespace.OpenHandle(a.WriteDir(t), namespace.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return namespace.New(h, namespace.Options{})
}

func TestExtractDirectoryRecordsFailures(t *testing.T) {
	r := open(t, damagedArchive())
	art, err := r.Resolve("Art")
	require.NoError(t, err)

	dest := t.TempDir()
	var calls []int
	ex := extract.NewExtractor(r, extract.Options{})
	summary, err := ex.ExtractDirectory(context.Background(), art, extract.NewDirSink(dest), func(done, total int, path string) {
		calls = append(calls, done)
		assert.Equal(t, 5, total)
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.False(t, summary.Cancelled)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "Art/x/b.dat", summary.Failed[0].Path)
	assert.True(t, archive.IsCorrupt(summary.Failed[0].Err))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, calls)

	got, err := os.ReadFile(filepath.Join(dest, "Art", "x", "a.dat"))
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), got)
	got, err = os.ReadFile(filepath.Join(dest, "Art", "c.dat"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cccc"), got)
	assert.DirExists(t, filepath.Join(dest, "Art", "empty"))
	assert.NoFileExists(t, filepath.Join(dest, "Art", "x", "b.dat"))

	// text is left alone unless asked for
	got, err = os.ReadFile(filepath.Join(dest, "Art", "native.txt"))
	require.NoError(t, err)
	assert.Equal(t, utf16le("hello"), got)
}

func TestExtractDirectoryCancellation(t *testing.T) {
	r := open(t, damagedArchive())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := extract.NewExtractor(r, extract.Options{})
	summary, err := ex.ExtractDirectory(ctx, r.Root(), extract.NewDirSink(t.TempDir()), func(done, total int, path string) {
		if done == 1 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, extract.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Greater(t, summary.Total, 1)

	// the resolver is still usable afterwards
	children, err := r.List("Art")
	require.NoError(t, err)
	assert.NotEmpty(t, children)
}

func TestExtractMixedNodesShareOneTotal(t *testing.T) {
	r := open(t, damagedArchive())
	dir, err := r.Resolve("Art/x")
	require.NoError(t, err)
	file, err := r.Resolve("Art/c.dat")
	require.NoError(t, err)

	dest := t.TempDir()
	var calls []int
	ex := extract.NewExtractor(r, extract.Options{})
	summary, err := ex.Extract(context.Background(), []namespace.Node{dir, file}, extract.NewDirSink(dest), func(done, total int, path string) {
		calls = append(calls, done)
		assert.Equal(t, 3, total)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "Art/x/b.dat", summary.Failed[0].Path)
	assert.Equal(t, []int{0, 1, 2, 3}, calls)
	assert.FileExists(t, filepath.Join(dest, "x", "a.dat"))
	assert.FileExists(t, filepath.Join(dest, "c.dat"))

	_, err = ex.ExtractDirectory(context.Background(), file, extract.NewDirSink(dest), nil)
	assert.Error(t, err)
}

func TestExtractFileDecodesText(t *testing.T) {
	r := open(t, damagedArchive())
	node, err := r.Resolve("Art/native.txt")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out", "native.txt")
	ex := extract.NewExtractor(r, extract.Options{DecodeText: true})
	require.NoError(t, ex.ExtractFile(context.Background(), node, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.WithinDuration(t, node.ModTime, info.ModTime(), time.Second)

	art, err := r.Resolve("Art")
	require.NoError(t, err)
	assert.Error(t, ex.ExtractFile(context.Background(), art, dest))
}

func TestTarSink(t *testing.T) {
	for _, c := range []extract.Compression{extract.CompressionNone, extract.CompressionZstd, extract.CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			sink, err := extract.NewTarSink(&buf, c)
			require.NoError(t, err)

			mtime := time.Unix(1700000000, 0)
			require.NoError(t, sink.WriteFile("Data/stats.dat", []byte("stats"), mtime))
			require.NoError(t, sink.MakeDir("Data/empty"))
			require.NoError(t, sink.Close())

			var r io.Reader = &buf
			switch c {
			case extract.CompressionZstd:
				dec, err := zstd.NewReader(&buf)
				require.NoError(t, err)
				defer dec.Close()
				r = dec
			case extract.CompressionLZ4:
				r = lz4.NewReader(&buf)
			}

			tr := tar.NewReader(r)
			hdr, err := tr.Next()
			require.NoError(t, err)
			assert.Equal(t, "Data/stats.dat", hdr.Name)
			assert.True(t, mtime.Equal(hdr.ModTime))
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.Equal(t, []byte("stats"), data)

			hdr, err = tr.Next()
			require.NoError(t, err)
			assert.Equal(t, "Data/empty/", hdr.Name)
			assert.Equal(t, byte(tar.TypeDir), hdr.Typeflag)

			_, err = tr.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestDirSinkRefusesEscapes(t *testing.T) {
	sink := extract.NewDirSink(t.TempDir())
	assert.Error(t, sink.WriteFile("../outside.txt", []byte("x"), time.Time{}))
	assert.Error(t, sink.MakeDir("a/../../b"))
	assert.NoError(t, sink.WriteFile("a/../inside.txt", []byte("x"), time.Time{}))
}

func TestCompressionNames(t *testing.T) {
	c, err := extract.ParseCompression("ZST")
	require.NoError(t, err)
	assert.Equal(t, extract.CompressionZstd, c)
	_, err = extract.ParseCompression("gzip")
	assert.Error(t, err)

	assert.Equal(t, extract.CompressionZstd, extract.CompressionForPath("out.tar.zst"))
	assert.Equal(t, extract.CompressionLZ4, extract.CompressionForPath("out.tar.LZ4"))
	assert.Equal(t, extract.CompressionNone, extract.CompressionForPath("out.tar"))
}

func TestText(t *testing.T) {
	assert.True(t, extract.IsTextFile("Metadata/Notes.TXT"))
	assert.False(t, extract.IsTextFile("Data/stats.dat"))

	assert.True(t, extract.LooksUTF16LE(utf16le("abc")))
	assert.True(t, extract.LooksUTF16LE(utf16le("abc")[2:]))
	assert.False(t, extract.LooksUTF16LE([]byte("plain ascii!")))
	assert.False(t, extract.LooksUTF16LE([]byte("odd")))

	s, err := extract.DecodeUTF16LE(utf16le("Ünï"))
	require.NoError(t, err)
	assert.Equal(t, "Ünï", s)

	_, err = extract.DecodeUTF16LE([]byte{1})
	assert.Error(t, err)
}

func TestExtractDirectoryFilter(t *testing.T) {
	r := open(t, damagedArchive())
	art, err := r.Resolve("Art")
	require.NoError(t, err)

	filter, err := extract.NewFilter([]string{"*.DAT"}, []string{"b.dat"})
	require.NoError(t, err)

	dest := t.TempDir()
	ex := extract.NewExtractor(r, extract.Options{Filter: filter})
	summary, err := ex.ExtractDirectory(context.Background(), art, extract.NewDirSink(dest), nil)
	require.NoError(t, err)

	// b.dat is excluded before it is read, so the damaged block never fails
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Filtered)
	assert.Empty(t, summary.Failed)

	assert.FileExists(t, filepath.Join(dest, "Art", "x", "a.dat"))
	assert.FileExists(t, filepath.Join(dest, "Art", "c.dat"))
	assert.NoFileExists(t, filepath.Join(dest, "Art", "native.txt"))
	assert.NoDirExists(t, filepath.Join(dest, "Art", "empty"))
}

func TestFilterKeep(t *testing.T) {
	none, err := extract.NewFilter(nil, []string{" ", ""})
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.True(t, none.Keep("anything", false))

	exclude, err := extract.NewFilter(nil, []string{`/Art\x/`})
	require.NoError(t, err)
	assert.False(t, exclude.Keep("Art/x/a.dat", false))
	assert.True(t, exclude.Keep("Art/c.dat", false))
	assert.True(t, exclude.Keep("Data/x/a.dat", false))
}
