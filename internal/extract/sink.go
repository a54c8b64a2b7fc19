package extract

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Sink receives extracted files. Paths are slash separated and relative to
// the extraction root.
type Sink interface {
	WriteFile(path string, data []byte, modTime time.Time) error
	MakeDir(path string) error
	Close() error
}

// DirSink writes files below a directory on disk
type DirSink struct {
	root string
}

// NewDirSink returns a sink rooted at root. The directory is created on first write.
func NewDirSink(root string) *DirSink {
	return &DirSink{root: root}
}

func (s *DirSink) target(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to write outside of %s: %s", s.root, path)
	}
	return filepath.Join(s.root, clean), nil
}

// WriteFile creates or truncates the file at path
func (s *DirSink) WriteFile(path string, data []byte, modTime time.Time) error {
	target, err := s.target(path)
	if err != nil {
		return err
	}
	return WriteFile(target, data, modTime)
}

// MakeDir creates the directory at path
func (s *DirSink) MakeDir(path string) error {
	target, err := s.target(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", target, err)
	}
	return nil
}

func (s *DirSink) Close() error {
	return nil
}

// WriteFile writes data to a new file at target, creating parent
// directories. A non-zero modTime is applied to the written file.
func WriteFile(target string, data []byte, modTime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("writing file %s: %w", target, err)
	}

	if !modTime.IsZero() {
		if err := os.Chtimes(target, modTime, modTime); err != nil {
			return fmt.Errorf("setting modification time of %s: %w", target, err)
		}
	}

	return nil
}

// Compression selects the stream compression of a TarSink
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// ParseCompression parses a compression name
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, zstd or lz4)", name)
	}
}

// CompressionForPath picks a compression from an output file extension
func CompressionForPath(path string) Compression {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zst"), strings.HasSuffix(lower, ".tzst"):
		return CompressionZstd
	case strings.HasSuffix(lower, ".lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// TarSink writes extracted files as a tar stream, optionally compressed
type TarSink struct {
	tw         *tar.Writer
	compressor io.WriteCloser
}

// NewTarSink wraps w. Closing the sink flushes the archive but does not close w.
func NewTarSink(w io.Writer, compression Compression) (*TarSink, error) {
	s := &TarSink{}

	switch compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.compressor = enc
		w = enc
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		s.compressor = lw
		w = lw
	}

	s.tw = tar.NewWriter(w)
	return s, nil
}

func tarTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0)
	}
	return t
}

func (s *TarSink) WriteFile(path string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  tarTime(modTime),
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := s.tw.Write(data); err != nil {
		return fmt.Errorf("writing tar data for %s: %w", path, err)
	}
	return nil
}

func (s *TarSink) MakeDir(path string) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     strings.TrimSuffix(path, "/") + "/",
		Mode:     0755,
		ModTime:  tarTime(time.Time{}),
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	return nil
}

// Close finishes the tar stream and flushes the compressor
func (s *TarSink) Close() error {
	if err := s.tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if s.compressor != nil {
		if err := s.compressor.Close(); err != nil {
			return fmt.Errorf("closing compressed stream: %w", err)
		}
	}
	return nil
}
