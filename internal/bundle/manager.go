package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jchantrell/ggpkfs/internal/archive"
)

// ErrNoIndex is returned by OpenStore when the native tree has no bundle index
var ErrNoIndex = errors.New("no bundle index")

// StoreOptions configures a Store
type StoreOptions struct {
	Codec  Codec
	Logger *slog.Logger
}

// Store reads bundled files through the native records of an archive. It is
// not safe for concurrent use.
type Store struct {
	src    archive.Source
	finder *archive.Finder
	index  *Index
	codec  Codec
	logger *slog.Logger

	// bundle heads parsed so far, keyed by bundle id
	heads map[uint32]*Bundle
}

// OpenStore locates and loads the bundle index of src
func OpenStore(src archive.Source, options StoreOptions) (*Store, error) {
	if options.Codec == nil {
		options.Codec = DefaultCodec{}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	entry, err := archive.Find(src, IndexPath)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, ErrNoIndex
		}
		return nil, fmt.Errorf("locating bundle index: %w", err)
	}

	data, err := archive.ReadAll(src, entry)
	if err != nil {
		return nil, fmt.Errorf("reading bundle index: %w", err)
	}

	index, err := LoadIndex(data, options.Codec)
	if err != nil {
		return nil, &archive.CorruptArchiveError{Path: IndexPath, Offset: -1, Err: err}
	}

	options.Logger.Debug("Bundle index loaded", "bundle_count", len(index.bundles), "file_count", index.Len())

	return NewStore(src, index, options), nil
}

// NewStore wraps an already loaded index
func NewStore(src archive.Source, index *Index, options StoreOptions) *Store {
	if options.Codec == nil {
		options.Codec = DefaultCodec{}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Store{
		src:    src,
		finder: archive.NewFinder(src),
		index:  index,
		codec:  options.Codec,
		logger: options.Logger,
		heads:  make(map[uint32]*Bundle),
	}
}

// Index returns the loaded bundle index
func (s *Store) Index() *Index {
	return s.index
}

// openBundle returns the parsed head of a bundle, opening it on first use
func (s *Store) openBundle(id uint32) (*Bundle, error) {
	if b, ok := s.heads[id]; ok {
		return b, nil
	}

	info, err := s.index.Bundle(id)
	if err != nil {
		return nil, err
	}

	bundlePath := BundlePath(info.Name)
	entry, err := s.finder.Find(bundlePath)
	if err != nil {
		return nil, &archive.IOError{Path: bundlePath, Offset: -1, Err: fmt.Errorf("unable to open bundle: %w", err)}
	}

	b, err := OpenBundle(archive.SectionReader(s.src, entry))
	if err != nil {
		return nil, &archive.CorruptArchiveError{Path: bundlePath, Offset: 0, Err: fmt.Errorf("unable to load bundle: %w", err)}
	}

	s.logger.Debug("Opened bundle", "bundle", info.Name, "size", b.Size(), "method", b.Method())
	s.heads[id] = b
	return b, nil
}

// Compression returns the storage descriptor of a bundled file
func (s *Store) Compression(fi FileInfo) (Compression, error) {
	b, err := s.openBundle(fi.BundleID)
	if err != nil {
		return Compression{}, err
	}
	return Compression{
		Method:           b.Method(),
		CompressedSize:   b.CompressedSize(int64(fi.Offset), int64(fi.Size)),
		UncompressedSize: int64(fi.Size),
	}, nil
}

// ReadFile decompresses the blocks holding fi and returns its bytes. ctx is
// checked before every block.
func (s *Store) ReadFile(ctx context.Context, fi FileInfo) ([]byte, error) {
	b, err := s.openBundle(fi.BundleID)
	if err != nil {
		return nil, err
	}

	data, err := b.ReadRange(ctx, s.codec, int64(fi.Offset), int64(fi.Size))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var blockErr *BlockError
		if errors.As(err, &blockErr) && !blockErr.Corrupt {
			return nil, &archive.IOError{Path: fi.Path, Offset: blockErr.Offset, Err: err}
		}
		offset := int64(-1)
		if blockErr != nil {
			offset = blockErr.Offset
		}
		return nil, &archive.CorruptArchiveError{Path: fi.Path, Offset: offset, Err: err}
	}

	if len(data) != int(fi.Size) {
		return nil, &archive.CorruptArchiveError{
			Path:   fi.Path,
			Offset: -1,
			Err:    fmt.Errorf("read %d bytes, index records %d", len(data), fi.Size),
		}
	}

	return data, nil
}
