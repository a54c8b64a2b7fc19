package namespace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/bundle"
	"github.com/jchantrell/ggpkfs/internal/ggpk"
)

// Handle owns the storage of an open archive: the native record table and,
// when present, the bundle index. Everything built on a Handle is invalid
// once it is closed.
type Handle struct {
	Source archive.Source
	Store  *bundle.Store // nil when the archive has no bundle index
	// Warnings holds recoverable errors met while opening
	Warnings []error
}

// OpenOptions configures OpenHandle
type OpenOptions struct {
	Codec  bundle.Codec
	Logger *slog.Logger
}

// OpenHandle opens a GGPK file, or an install directory when path is a
// directory, and loads its bundle index. On error nothing is left open.
func OpenHandle(path string, options OpenOptions) (*Handle, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &archive.IOError{Path: path, Err: err}
	}

	var src archive.Source
	if info.IsDir() {
		src, err = archive.OpenDir(path)
	} else {
		var a *ggpk.Archive
		a, err = ggpk.Open(path)
		if err == nil {
			a.SetLogger(options.Logger)
			src = a
		}
	}
	if err != nil {
		return nil, err
	}

	h, err := NewHandle(src, options)
	if err != nil {
		src.Close()
		return nil, err
	}
	return h, nil
}

// NewHandle loads the bundle index of an already open source. A missing
// index is not an error; the namespace is then purely native. A corrupt
// index is recorded in Warnings and likewise leaves a native namespace.
func NewHandle(src archive.Source, options OpenOptions) (*Handle, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	store, err := bundle.OpenStore(src, bundle.StoreOptions{Codec: options.Codec, Logger: options.Logger})
	if err != nil {
		if errors.Is(err, bundle.ErrNoIndex) {
			options.Logger.Debug("Archive has no bundle index", "archive", src.Name())
			return &Handle{Source: src}, nil
		}
		if archive.IsCorrupt(err) {
			options.Logger.Warn("Ignoring corrupt bundle index", "archive", src.Name(), "error", err)
			return &Handle{Source: src, Warnings: []error{err}}, nil
		}
		return nil, fmt.Errorf("loading bundle index: %w", err)
	}

	return &Handle{Source: src, Store: store}, nil
}

// Close releases the archive storage
func (h *Handle) Close() error {
	if h.Source == nil {
		return nil
	}
	err := h.Source.Close()
	h.Source = nil
	h.Store = nil
	return err
}
