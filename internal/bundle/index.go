package bundle

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// IndexPath is the location of the bundle index within the native tree
const IndexPath = "Bundles2/_.index.bin"

// BundlePath returns the native path of the named bundle
func BundlePath(name string) string {
	return "Bundles2/" + name + ".bundle.bin"
}

// Index maps virtual paths to ranges of bundles. It is immutable once loaded.
type Index struct {
	bundles []BundleInfo
	files   []FileInfo // sorted by path
}

// BundleInfo describes one bundle listed by the index
type BundleInfo struct {
	Name             string
	UncompressedSize uint32
}

// FileInfo locates one virtual file inside a bundle
type FileInfo struct {
	Path     string
	Hash     uint64
	BundleID uint32
	Offset   uint32
	Size     uint32
}

type bundlePathrep struct {
	offset        uint32
	size          uint32
	recursiveSize uint32
}

// indexReader is a bounds-checked little endian cursor over raw index data
type indexReader struct {
	data []byte
	p    int
	err  error
}

func (r *indexReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.p+n > len(r.data) {
		r.err = fmt.Errorf("index truncated at offset %d: need %d bytes, have %d", r.p, n, len(r.data)-r.p)
		return false
	}
	return true
}

func (r *indexReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.p:])
	r.p += 4
	return v
}

func (r *indexReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.p:])
	r.p += 8
	return v
}

func (r *indexReader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.p : r.p+n]
	r.p += n
	return b
}

// LoadIndex parses index data. The data may be the compressed bundle as
// stored on disk or the already decompressed index payload.
func LoadIndex(data []byte, codec Codec) (*Index, error) {
	if codec == nil {
		codec = DefaultCodec{}
	}

	// Try to determine if this is compressed bundle data or raw index data
	// by attempting to read it as a bundle first
	if indexBundle, err := OpenBundle(bytes.NewReader(data)); err == nil {
		raw, err := readWhole(indexBundle, codec)
		if err != nil {
			return nil, fmt.Errorf("unable to read index bundle: %w", err)
		}
		data = raw
	}

	return loadIndexFromRawData(data, codec)
}

func readWhole(b *Bundle, codec Codec) ([]byte, error) {
	return b.ReadRange(context.Background(), codec, 0, b.Size())
}

func loadIndexFromRawData(indexData []byte, codec Codec) (*Index, error) {
	// Check if we have enough data to read at least the bundle count
	if len(indexData) < 4 {
		return nil, fmt.Errorf("index data too small: got %d bytes, need at least 4", len(indexData))
	}

	r := &indexReader{data: indexData}

	bundleCount := int(r.u32())
	if !r.need(bundleCount * 8) {
		return nil, r.err
	}
	bundles := make([]BundleInfo, bundleCount)
	for i := range bundles {
		nameLen := int(r.u32())
		name := string(r.bytes(nameLen))
		bundles[i] = BundleInfo{Name: name, UncompressedSize: r.u32()}
	}

	fileCount := int(r.u32())
	if !r.need(fileCount * 20) {
		return nil, r.err
	}
	files := make([]FileInfo, fileCount)
	filemap := make(map[uint64]int, fileCount)
	for i := range files {
		hash := r.u64()
		files[i] = FileInfo{
			Hash:     hash,
			BundleID: r.u32(),
			Offset:   r.u32(),
			Size:     r.u32(),
		}
		if _, exists := filemap[hash]; exists {
			return nil, fmt.Errorf("duplicate file hash %016x in index", hash)
		}
		if int(files[i].BundleID) >= len(bundles) && r.err == nil {
			return nil, fmt.Errorf("file %016x references bundle %d of %d", hash, files[i].BundleID, len(bundles))
		}
		filemap[hash] = i
	}

	pathrepCount := int(r.u32())
	if !r.need(pathrepCount * 20) {
		return nil, r.err
	}
	pathreps := make([]bundlePathrep, 0, pathrepCount)
	seen := make(map[uint64]bool, pathrepCount)
	for i := 0; i < pathrepCount; i++ {
		hash := r.u64()
		pr := bundlePathrep{
			offset:        r.u32(),
			size:          r.u32(),
			recursiveSize: r.u32(),
		}
		if seen[hash] {
			return nil, fmt.Errorf("duplicate path hash %016x in index", hash)
		}
		seen[hash] = true
		pathreps = append(pathreps, pr)
	}
	if r.err != nil {
		return nil, r.err
	}

	if r.p >= len(indexData) {
		return nil, fmt.Errorf("pathrep bundle offset %d exceeds data length %d", r.p, len(indexData))
	}

	pathrepBundle, err := OpenBundle(bytes.NewReader(indexData[r.p:]))
	if err != nil {
		return nil, fmt.Errorf("unable to read pathrep bundle at offset %d: %w", r.p, err)
	}

	pathData, err := readWhole(pathrepBundle, codec)
	if err != nil {
		return nil, fmt.Errorf("unable to read pathrep bundle: %w", err)
	}

	for _, pr := range pathreps {
		if uint64(pr.offset)+uint64(pr.size) > uint64(len(pathData)) {
			return nil, fmt.Errorf("path spec [%d, %d) exceeds path data length %d", pr.offset, pr.offset+pr.size, len(pathData))
		}
		data := pathData[pr.offset : pr.offset+pr.size]
		for _, path := range readPathspec(data) {
			// Try modern hash first (MurmurHash64A for PoE ≥3.21.2)
			if fe, found := filemap[MurmurHashPath(path)]; found {
				files[fe].Path = path
				continue
			}
			// Fallback to legacy hash (FNV1a for PoE ≤3.21.2).
			// Paths without a file entry are normal and ignored.
			if fe, found := filemap[FNVHashPath(path)]; found {
				files[fe].Path = path
			}
		}
	}

	// files whose path never appeared in a path spec cannot be addressed
	named := files[:0]
	for _, f := range files {
		if f.Path != "" {
			named = append(named, f)
		}
	}

	sort.Slice(named, func(i, j int) bool {
		return named[i].Path < named[j].Path
	})

	return &Index{
		bundles: bundles,
		files:   named,
	}, nil
}

func readPathspec(data []byte) []string {
	p := int(0)
	phase := 1
	names := make([]string, 0, 128)
	output := make([]string, 0, 128)

	for p+4 <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[p:]))
		p += 4
		if n == 0 {
			phase = 1 - phase
			continue
		}

		str := readPathspecString(data, &p)
		if n-1 < len(names) {
			str = names[n-1] + str
		}
		if phase == 0 {
			names = append(names, str)
		} else {
			output = append(output, str)
		}
	}

	return output
}

func readPathspecString(data []byte, offset *int) string {
	p := *offset
	for p < len(data) && data[p] != 0 {
		p++
	}
	s := string(data[*offset:p])
	*offset = p + 1
	return s
}

// ErrFileNotInIndex is returned by Lookup for unknown paths
var ErrFileNotInIndex = errors.New("file not found in index")

// Lookup returns the location of a file
func (idx *Index) Lookup(path string) (FileInfo, error) {
	files := idx.files

	// Binary search for the file
	i := sort.Search(len(files), func(i int) bool {
		return files[i].Path >= path
	})

	if i < len(files) && files[i].Path == path {
		return files[i], nil
	}

	return FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotInIndex, path)
}

// IsDir reports whether any indexed file lives below dir. The empty string
// is the root and is always a directory.
func (idx *Index) IsDir(dir string) bool {
	if dir == "" {
		return true
	}
	prefix := dir + "/"
	i := sort.Search(len(idx.files), func(i int) bool {
		return idx.files[i].Path >= prefix
	})
	return i < len(idx.files) && strings.HasPrefix(idx.files[i].Path, prefix)
}

// Child is one immediate child of an index directory
type Child struct {
	Name  string
	IsDir bool
	File  FileInfo // set when IsDir is false
}

// Children returns the immediate children of dir ("" for the root).
// Directories are synthesized from file path prefixes since the index
// carries no explicit directory records.
func (idx *Index) Children(dir string) []Child {
	files := idx.files
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	prefixLen := len(prefix)

	offset := sort.Search(len(files), func(i int) bool {
		return files[i].Path >= prefix
	})

	children := []Child{}
	for offset < len(files) {
		fi := &files[offset]
		if !strings.HasPrefix(fi.Path, prefix) {
			break
		}

		slashIdx := strings.Index(fi.Path[prefixLen:], "/")
		if slashIdx != -1 {
			sub := fi.Path[:prefixLen+slashIdx]
			children = append(children, Child{Name: fi.Path[prefixLen : prefixLen+slashIdx], IsDir: true})
			offset += sort.Search(len(files)-offset, func(i int) bool {
				return files[offset+i].Path >= sub+"/\xff"
			})
		} else {
			children = append(children, Child{Name: fi.Path[prefixLen:], File: *fi})
			offset++
		}
	}

	return children
}

// Bundle returns the bundle with the given id
func (idx *Index) Bundle(id uint32) (BundleInfo, error) {
	if int(id) >= len(idx.bundles) {
		return BundleInfo{}, fmt.Errorf("bundle id %d out of range (%d bundles)", id, len(idx.bundles))
	}
	return idx.bundles[id], nil
}

// Bundles returns all bundles listed by the index
func (idx *Index) Bundles() []BundleInfo {
	return idx.bundles
}

// Files returns all addressable files sorted by path
func (idx *Index) Files() []FileInfo {
	return idx.files
}

// Len returns the number of addressable files
func (idx *Index) Len() int {
	return len(idx.files)
}
