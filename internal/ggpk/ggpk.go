// Package ggpk reads the GGPK content container used by the standalone
// Path of Exile client. The container is a flat sequence of length-prefixed
// records: one GGPK header pointing at the root PDIR (directory) record,
// PDIR records listing child offsets, FILE records holding data inline and
// FREE records marking reusable space.
package ggpk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"unicode/utf16"

	"github.com/jchantrell/ggpkfs/internal/archive"
)

const (
	tagGGPK = "GGPK"
	tagPDIR = "PDIR"
	tagFILE = "FILE"
	tagFREE = "FREE"

	MinVersion = 2
	MaxVersion = 4

	headerSize    = 28 // length, tag, version, root offset, free offset
	recordPrefix  = 8  // length, tag
	hashSize      = 32 // sha256 of the record payload
	pdirEntrySize = 12 // name hash, offset
)

type ggpkHeader struct {
	Length  uint32
	Tag     [4]byte
	Version uint32
	Root    int64
	Free    int64
}

// fileRecord locates the data region of a FILE record
type fileRecord struct {
	name       string
	dataOffset int64
	dataSize   int64
}

// Archive is an open GGPK container. It is not safe for concurrent use.
type Archive struct {
	name    string
	r       io.ReaderAt
	closer  io.Closer
	size    int64
	version uint32
	root    int64
	logger  *slog.Logger

	files    map[archive.Ref]fileRecord
	warnings []error
}

// Open opens the GGPK file at path
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &archive.IOError{Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &archive.IOError{Path: path, Err: err}
	}

	a, err := NewReader(path, f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	a.closer = f
	return a, nil
}

// NewReader reads a GGPK container of the given size from r. name is used
// in errors only.
func NewReader(name string, r io.ReaderAt, size int64) (*Archive, error) {
	var hdr ggpkHeader
	if size < headerSize {
		return nil, &archive.NotAnArchiveError{Path: name}
	}
	if err := binary.Read(io.NewSectionReader(r, 0, headerSize), binary.LittleEndian, &hdr); err != nil {
		return nil, &archive.NotAnArchiveError{Path: name}
	}
	if string(hdr.Tag[:]) != tagGGPK {
		return nil, &archive.NotAnArchiveError{Path: name}
	}
	if hdr.Version < MinVersion || hdr.Version > MaxVersion {
		return nil, &archive.UnsupportedVersionError{Found: hdr.Version}
	}
	if hdr.Length < headerSize {
		return nil, &archive.CorruptArchiveError{Path: name, Offset: 0, Err: fmt.Errorf("header length %d too small", hdr.Length)}
	}

	a := &Archive{
		name:    name,
		r:       r,
		size:    size,
		version: hdr.Version,
		root:    hdr.Root,
		logger:  slog.Default(),
		files:   make(map[archive.Ref]fileRecord),
	}

	// the root must parse; everything below it is best effort
	tag, _, err := a.readRecordHeader(hdr.Root)
	if err != nil {
		return nil, err
	}
	if tag != tagPDIR {
		return nil, a.corrupt(hdr.Root, fmt.Errorf("root record tagged %q, want %s", tag, tagPDIR))
	}
	if _, _, err := a.readDirectory(hdr.Root); err != nil {
		return nil, err
	}

	return a, nil
}

// SetLogger replaces the logger used for recoverable parse warnings
func (a *Archive) SetLogger(logger *slog.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Version returns the container format version
func (a *Archive) Version() uint32 {
	return a.version
}

func (a *Archive) Name() string {
	return a.name
}

func (a *Archive) Root() archive.Ref {
	return archive.Ref(a.root)
}

// Warnings returns the recoverable corruption encountered while listing
func (a *Archive) Warnings() []error {
	return a.warnings
}

// ListChildren parses the PDIR record at ref and the header of every child.
// Children whose records are malformed or whose names are not a valid path
// segment are skipped and remembered as warnings.
func (a *Archive) ListChildren(ref archive.Ref) ([]archive.Entry, error) {
	off := int64(ref)
	tag, _, err := a.readRecordHeader(off)
	if err != nil {
		return nil, err
	}
	if tag != tagPDIR {
		return nil, a.corrupt(off, fmt.Errorf("record tagged %q is not a directory", tag))
	}

	_, children, err := a.readDirectory(off)
	if err != nil {
		return nil, err
	}

	entries := make([]archive.Entry, 0, len(children))
	for _, childOff := range children {
		entry, err := a.readEntry(childOff)
		if err != nil {
			if errors.Is(err, errFreeRecord) {
				continue
			}
			var ioErr *archive.IOError
			if errors.As(err, &ioErr) {
				return nil, err
			}
			a.warnings = append(a.warnings, err)
			a.logger.Warn("Skipping corrupt record", "archive", a.name, "offset", childOff, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

var errFreeRecord = errors.New("free record")

func (a *Archive) readEntry(off int64) (archive.Entry, error) {
	tag, _, err := a.readRecordHeader(off)
	if err != nil {
		return archive.Entry{}, err
	}

	switch tag {
	case tagPDIR:
		name, _, err := a.readDirectory(off)
		if err != nil {
			return archive.Entry{}, err
		}
		if err := archive.CheckName(name); err != nil {
			return archive.Entry{}, a.corrupt(off, err)
		}
		return archive.Entry{Name: name, Kind: archive.KindDirectory, Ref: archive.Ref(off)}, nil
	case tagFILE:
		fr, err := a.readFile(off)
		if err != nil {
			return archive.Entry{}, err
		}
		if err := archive.CheckName(fr.name); err != nil {
			return archive.Entry{}, a.corrupt(off, err)
		}
		return archive.Entry{Name: fr.name, Kind: archive.KindFile, Size: fr.dataSize, Ref: archive.Ref(off)}, nil
	case tagFREE:
		return archive.Entry{}, errFreeRecord
	default:
		return archive.Entry{}, a.corrupt(off, fmt.Errorf("unknown record tag %q", tag))
	}
}

// ReadAt reads from the data region of the FILE record at ref
func (a *Archive) ReadAt(ref archive.Ref, p []byte, off int64) (int, error) {
	fr, ok := a.files[ref]
	if !ok {
		var err error
		if fr, err = a.readFile(int64(ref)); err != nil {
			return 0, err
		}
	}

	if off < 0 || off > fr.dataSize {
		return 0, &archive.IOError{Path: a.name + ":" + fr.name, Offset: off, Err: errors.New("read outside bounds of file")}
	}

	want := p
	if remaining := fr.dataSize - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}

	n, err := a.r.ReadAt(want, fr.dataOffset+off)
	if err != nil && !(err == io.EOF && n == len(want)) {
		return n, &archive.IOError{Path: a.name + ":" + fr.name, Offset: fr.dataOffset + off, Err: err}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close releases the file handle when the archive was opened from a path
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func (a *Archive) corrupt(off int64, err error) error {
	return &archive.CorruptArchiveError{Path: a.name, Offset: off, Err: err}
}

// readRecordHeader returns the tag and total length of the record at off
func (a *Archive) readRecordHeader(off int64) (string, int64, error) {
	if off < 0 || off+recordPrefix > a.size {
		return "", 0, a.corrupt(off, fmt.Errorf("record offset outside of archive (size %d)", a.size))
	}

	var buf [recordPrefix]byte
	if _, err := a.r.ReadAt(buf[:], off); err != nil {
		return "", 0, &archive.IOError{Path: a.name, Offset: off, Err: err}
	}

	length := int64(binary.LittleEndian.Uint32(buf[0:4]))
	if length < recordPrefix || off+length > a.size {
		return "", 0, a.corrupt(off, fmt.Errorf("record length %d invalid", length))
	}

	return string(buf[4:8]), length, nil
}

// readBody returns the record payload following the length and tag
func (a *Archive) readBody(off int64) ([]byte, error) {
	_, length, err := a.readRecordHeader(off)
	if err != nil {
		return nil, err
	}
	body := make([]byte, length-recordPrefix)
	if _, err := a.r.ReadAt(body, off+recordPrefix); err != nil {
		return nil, &archive.IOError{Path: a.name, Offset: off, Err: err}
	}
	return body, nil
}

// readDirectory parses a PDIR record into its name and child offsets
func (a *Archive) readDirectory(off int64) (string, []int64, error) {
	body, err := a.readBody(off)
	if err != nil {
		return "", nil, err
	}
	if len(body) < 8+hashSize {
		return "", nil, a.corrupt(off, errors.New("directory record truncated"))
	}

	nameLen := int(binary.LittleEndian.Uint32(body[0:4]))
	count := int(binary.LittleEndian.Uint32(body[4:8]))
	p := 8 + hashSize

	nameBytes := nameLen * a.charSize()
	if nameLen < 0 || p+nameBytes > len(body) {
		return "", nil, a.corrupt(off, fmt.Errorf("directory name length %d exceeds record", nameLen))
	}
	name := a.decodeName(body[p : p+nameBytes])
	p += nameBytes

	if count < 0 || p+count*pdirEntrySize > len(body) {
		return "", nil, a.corrupt(off, fmt.Errorf("directory entry count %d exceeds record", count))
	}

	children := make([]int64, count)
	for i := range children {
		// skip the name hash, only the offset matters for traversal
		children[i] = int64(binary.LittleEndian.Uint64(body[p+4:]))
		p += pdirEntrySize
	}

	return name, children, nil
}

// readFile parses the header of a FILE record and caches its data region
func (a *Archive) readFile(off int64) (fileRecord, error) {
	if fr, ok := a.files[archive.Ref(off)]; ok {
		return fr, nil
	}

	tag, length, err := a.readRecordHeader(off)
	if err != nil {
		return fileRecord{}, err
	}
	if tag != tagFILE {
		return fileRecord{}, a.corrupt(off, fmt.Errorf("record tagged %q is not a file", tag))
	}

	var buf [4]byte
	if _, err := a.r.ReadAt(buf[:], off+recordPrefix); err != nil {
		return fileRecord{}, &archive.IOError{Path: a.name, Offset: off, Err: err}
	}
	nameLen := int64(binary.LittleEndian.Uint32(buf[:]))

	headerLen := recordPrefix + 4 + hashSize + nameLen*int64(a.charSize())
	if headerLen > length {
		return fileRecord{}, a.corrupt(off, fmt.Errorf("file name length %d exceeds record", nameLen))
	}

	nameBytes := make([]byte, nameLen*int64(a.charSize()))
	if _, err := a.r.ReadAt(nameBytes, off+recordPrefix+4+hashSize); err != nil {
		return fileRecord{}, &archive.IOError{Path: a.name, Offset: off, Err: err}
	}

	fr := fileRecord{
		name:       a.decodeName(nameBytes),
		dataOffset: off + headerLen,
		dataSize:   length - headerLen,
	}
	a.files[archive.Ref(off)] = fr
	return fr, nil
}

func (a *Archive) charSize() int {
	if a.version == 4 {
		return 4
	}
	return 2
}

// decodeName decodes a NUL-terminated record name
func (a *Archive) decodeName(data []byte) string {
	if a.charSize() == 4 {
		runes := make([]rune, 0, len(data)/4)
		for i := 0; i+4 <= len(data); i += 4 {
			r := rune(binary.LittleEndian.Uint32(data[i:]))
			if r == 0 {
				break
			}
			runes = append(runes, r)
		}
		return string(runes)
	}

	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+2 <= len(data); i += 2 {
		u := binary.LittleEndian.Uint16(data[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
