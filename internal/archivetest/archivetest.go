// Package archivetest builds synthetic GGPK containers, bundles and bundle
// indexes for tests. Bundles are written with the stored method so no
// encoder is needed; OodleBundle wraps streams prepared by hand.
package archivetest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"testing/fstest"
	"time"
	"unicode/utf16"

	"github.com/jchantrell/ggpkfs/internal/bundle"
	"github.com/jchantrell/ggpkfs/internal/ggpk"
)

// File is one file to place in a synthetic archive. A path ending in a
// slash declares an empty directory.
type File struct {
	Path string
	Data []byte
}

// Archive describes a synthetic archive: loose native files plus bundles
// whose contents are addressed through the bundle index.
type Archive struct {
	Version uint32 // GGPK version, 3 when zero
	Loose   []File
	// Bundles maps bundle names to the files they hold
	Bundles map[string][]File
	// Granularity is the uncompressed block size of written bundles
	Granularity int
}

// Image is an encoded GGPK container
type Image struct {
	Version uint32
	Data    []byte
	// Offsets maps native paths to the offset of their record
	Offsets map[string]int64
}

// Redirect rewrites the i-th child entry of the directory record at dir to
// point at the record at target, in the order the children were declared
func (img Image) Redirect(dir string, i int, target string) {
	off := img.Offsets[dir]
	nameLen := int64(binary.LittleEndian.Uint32(img.Data[off+8:]))
	entry := off + 16 + 32 + nameLen*img.charSize() + int64(i)*12
	binary.LittleEndian.PutUint64(img.Data[entry+4:], uint64(img.Offsets[target]))
}

// Rename overwrites the name of the record at path. The new name must
// encode to the same length as the old one.
func (img Image) Rename(path, name string) {
	off := img.Offsets[path]
	start := off + 12 + 32 // FILE: length, tag, name length, hash
	if string(img.Data[off+4:off+8]) == "PDIR" {
		start += 4 // entry count
	}
	nameLen := int64(binary.LittleEndian.Uint32(img.Data[off+8:]))

	encoded := (&ggpkWriter{version: img.Version}).encodeName(name)
	if int64(len(encoded)) != nameLen*img.charSize() {
		panic(fmt.Sprintf("archivetest: cannot rename %q to %q of a different length", path, name))
	}
	copy(img.Data[start:], encoded)
}

func (img Image) charSize() int64 {
	if img.Version == 4 {
		return 4
	}
	return 2
}

// NativeFiles returns every loose file plus the bundle files and index that
// the bundles require
func (a Archive) NativeFiles() []File {
	files := append([]File{}, a.Loose...)
	if len(a.Bundles) == 0 {
		return files
	}

	granularity := a.Granularity
	if granularity == 0 {
		granularity = 256 * 1024
	}

	names := make([]string, 0, len(a.Bundles))
	for name := range a.Bundles {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []IndexFile
	var infos []bundle.BundleInfo
	for id, name := range names {
		var payload bytes.Buffer
		for _, f := range a.Bundles[name] {
			entries = append(entries, IndexFile{
				Path:     f.Path,
				BundleID: uint32(id),
				Offset:   uint32(payload.Len()),
				Size:     uint32(len(f.Data)),
			})
			payload.Write(f.Data)
		}
		infos = append(infos, bundle.BundleInfo{Name: name, UncompressedSize: uint32(payload.Len())})
		files = append(files, File{Path: bundle.BundlePath(name), Data: Bundle(payload.Bytes(), granularity)})
	}

	files = append(files, File{Path: bundle.IndexPath, Data: Index(infos, entries)})
	return files
}

// GGPK encodes the archive as a GGPK container
func (a Archive) GGPK() Image {
	version := a.Version
	if version == 0 {
		version = 3
	}
	return GGPK(version, a.NativeFiles()...)
}

// MapFS returns the archive as a loose directory tree
func (a Archive) MapFS() fstest.MapFS {
	m := fstest.MapFS{}
	for _, f := range a.NativeFiles() {
		if strings.HasSuffix(f.Path, "/") {
			m[strings.TrimSuffix(f.Path, "/")] = &fstest.MapFile{Mode: fs.ModeDir | 0o755}
			continue
		}
		m[f.Path] = &fstest.MapFile{Data: f.Data, Mode: 0o644, ModTime: time.Unix(1700000000, 0)}
	}
	return m
}

// WriteImage writes an encoded container to a temporary directory and
// returns its path
func WriteImage(tb testing.TB, img Image) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "Content.ggpk")
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		tb.Fatalf("writing ggpk: %v", err)
	}
	return path
}

// WriteGGPK writes the archive as a GGPK file in a temporary directory and
// returns its path
func (a Archive) WriteGGPK(tb testing.TB) string {
	tb.Helper()
	return WriteImage(tb, a.GGPK())
}

// WriteDir writes the archive as a loose install directory and returns its path
func (a Archive) WriteDir(tb testing.TB) string {
	tb.Helper()
	root := tb.TempDir()
	for _, f := range a.NativeFiles() {
		p := filepath.Join(root, filepath.FromSlash(f.Path))
		if strings.HasSuffix(f.Path, "/") {
			if err := os.MkdirAll(p, 0o755); err != nil {
				tb.Fatalf("creating %s: %v", p, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			tb.Fatalf("creating %s: %v", p, err)
		}
		if err := os.WriteFile(p, f.Data, 0o644); err != nil {
			tb.Fatalf("writing %s: %v", p, err)
		}
	}
	return root
}

type bundleHead struct {
	UncompressedSize             uint32
	TotalPayloadSize             uint32
	HeadPayloadSize              uint32
	FirstFileEncode              uint32
	Unknown                      uint32
	UncompressedSize2            int64
	TotalPayloadSize2            int64
	BlockCount                   uint32
	UncompressedBlockGranularity uint32
	Reserved                     [4]uint32
}

// Bundle encodes data as a bundle of stored blocks
func Bundle(data []byte, granularity int) []byte {
	var blocks [][]byte
	for off := 0; off < len(data); off += granularity {
		end := off + granularity
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[off:end])
	}
	return encodeBundle(bundle.MethodNone, len(data), granularity, blocks)
}

// BundleWithBlocks encodes a bundle from explicit block payloads, which lets
// tests declare blocks whose stored length disagrees with the head
func BundleWithBlocks(size, granularity int, blocks [][]byte) []byte {
	return encodeBundle(bundle.MethodNone, size, granularity, blocks)
}

// OodleBundle encodes a bundle whose blocks are already Oodle streams
func OodleBundle(size, granularity int, blocks [][]byte) []byte {
	return encodeBundle(bundle.MethodOodle, size, granularity, blocks)
}

func encodeBundle(method bundle.Method, size, granularity int, blocks [][]byte) []byte {
	payload := 0
	for _, b := range blocks {
		payload += len(b)
	}

	head := bundleHead{
		UncompressedSize:             uint32(size),
		TotalPayloadSize:             uint32(payload),
		HeadPayloadSize:              uint32(48 + 4*len(blocks)),
		FirstFileEncode:              bundle.EncodeFor(method),
		UncompressedSize2:            int64(size),
		TotalPayloadSize2:            int64(payload),
		BlockCount:                   uint32(len(blocks)),
		UncompressedBlockGranularity: uint32(granularity),
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, head)
	for _, b := range blocks {
		binary.Write(&buf, binary.LittleEndian, uint32(len(b)))
	}
	for _, b := range blocks {
		buf.Write(b)
	}
	return buf.Bytes()
}

// IndexFile is one file record of a bundle index
type IndexFile struct {
	Path     string
	BundleID uint32
	Offset   uint32
	Size     uint32
}

// Index encodes a bundle index, itself wrapped in a bundle as the game stores it
func Index(bundles []bundle.BundleInfo, files []IndexFile) []byte {
	var raw bytes.Buffer
	le := func(v any) { binary.Write(&raw, binary.LittleEndian, v) }

	le(uint32(len(bundles)))
	for _, b := range bundles {
		le(uint32(len(b.Name)))
		raw.WriteString(b.Name)
		le(b.UncompressedSize)
	}

	le(uint32(len(files)))
	for _, f := range files {
		le(bundle.MurmurHashPath(f.Path))
		le(f.BundleID)
		le(f.Offset)
		le(f.Size)
	}

	// a single path spec listing every path in full
	var spec bytes.Buffer
	for _, f := range files {
		binary.Write(&spec, binary.LittleEndian, uint32(1))
		spec.WriteString(f.Path)
		spec.WriteByte(0)
	}

	le(uint32(1))
	le(bundle.MurmurHashPath(""))
	le(uint32(0))
	le(uint32(spec.Len()))
	le(uint32(spec.Len()))

	raw.Write(Bundle(spec.Bytes(), 256*1024))

	return Bundle(raw.Bytes(), 256*1024)
}

// dirNode is an intermediate tree used while laying out a GGPK
type dirNode struct {
	name  string
	dirs  map[string]*dirNode
	files []File
	order []child
}

// child keeps directories and files in insertion order
type child struct {
	dir  string
	file int
}

func newDir(name string) *dirNode {
	return &dirNode{name: name, dirs: map[string]*dirNode{}}
}

func (d *dirNode) subdir(name string) *dirNode {
	if sub, ok := d.dirs[name]; ok {
		return sub
	}
	sub := newDir(name)
	d.dirs[name] = sub
	d.order = append(d.order, child{dir: name, file: -1})
	return sub
}

// GGPK encodes files as a GGPK container of the given version
func GGPK(version uint32, files ...File) Image {
	root := newDir("")
	for _, f := range files {
		segments := strings.Split(strings.Trim(f.Path, "/"), "/")
		d := root
		if strings.HasSuffix(f.Path, "/") {
			for _, s := range segments {
				d = d.subdir(s)
			}
			continue
		}
		for _, s := range segments[:len(segments)-1] {
			d = d.subdir(s)
		}
		d.files = append(d.files, File{Path: segments[len(segments)-1], Data: f.Data})
		d.order = append(d.order, child{file: len(d.files) - 1})
	}

	w := &ggpkWriter{version: version, offsets: map[string]int64{}}
	w.buf.Write(make([]byte, 28))
	rootOff := w.writeDir(root, "")

	freeOff := int64(w.buf.Len())
	binary.Write(&w.buf, binary.LittleEndian, uint32(16))
	w.buf.WriteString("FREE")
	binary.Write(&w.buf, binary.LittleEndian, uint64(0))

	data := w.buf.Bytes()
	binary.LittleEndian.PutUint32(data[0:], 28)
	copy(data[4:], "GGPK")
	binary.LittleEndian.PutUint32(data[8:], version)
	binary.LittleEndian.PutUint64(data[12:], uint64(rootOff))
	binary.LittleEndian.PutUint64(data[20:], uint64(freeOff))

	return Image{Version: version, Data: data, Offsets: w.offsets}
}

type ggpkWriter struct {
	version uint32
	buf     bytes.Buffer
	offsets map[string]int64
}

func (w *ggpkWriter) encodeName(name string) []byte {
	var out bytes.Buffer
	if w.version == 4 {
		for _, r := range name {
			binary.Write(&out, binary.LittleEndian, uint32(r))
		}
		binary.Write(&out, binary.LittleEndian, uint32(0))
		return out.Bytes()
	}
	for _, u := range utf16.Encode([]rune(name)) {
		binary.Write(&out, binary.LittleEndian, u)
	}
	binary.Write(&out, binary.LittleEndian, uint16(0))
	return out.Bytes()
}

func (w *ggpkWriter) nameLength(name string) uint32 {
	if w.version == 4 {
		return uint32(len([]rune(name)) + 1)
	}
	return uint32(len(utf16.Encode([]rune(name))) + 1)
}

type pdirEntry struct {
	hash   uint32
	offset int64
}

func (w *ggpkWriter) writeDir(d *dirNode, path string) int64 {
	var entries []pdirEntry
	for _, item := range d.order {
		if item.file < 0 {
			name := item.dir
			off := w.writeDir(d.dirs[name], join(path, name))
			entries = append(entries, pdirEntry{hash: ggpk.NameHash(name), offset: off})
			continue
		}
		f := d.files[item.file]
		off := w.writeFile(f.Path, f.Data)
		w.offsets[join(path, f.Path)] = off
		entries = append(entries, pdirEntry{hash: ggpk.NameHash(f.Path), offset: off})
	}

	name := w.encodeName(d.name)
	length := 8 + 4 + 4 + 32 + len(name) + 12*len(entries)

	off := int64(w.buf.Len())
	binary.Write(&w.buf, binary.LittleEndian, uint32(length))
	w.buf.WriteString("PDIR")
	binary.Write(&w.buf, binary.LittleEndian, w.nameLength(d.name))
	binary.Write(&w.buf, binary.LittleEndian, uint32(len(entries)))
	w.buf.Write(make([]byte, 32))
	w.buf.Write(name)
	for _, e := range entries {
		binary.Write(&w.buf, binary.LittleEndian, e.hash)
		binary.Write(&w.buf, binary.LittleEndian, uint64(e.offset))
	}

	w.offsets[path] = off
	return off
}

func (w *ggpkWriter) writeFile(name string, data []byte) int64 {
	encoded := w.encodeName(name)
	length := 8 + 4 + 32 + len(encoded) + len(data)

	off := int64(w.buf.Len())
	binary.Write(&w.buf, binary.LittleEndian, uint32(length))
	w.buf.WriteString("FILE")
	binary.Write(&w.buf, binary.LittleEndian, w.nameLength(name))
	w.buf.Write(make([]byte, 32))
	w.buf.Write(encoded)
	w.buf.Write(data)
	return off
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
