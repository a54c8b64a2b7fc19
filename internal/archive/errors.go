package archive

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a path does not resolve to any entry
var ErrNotFound = errors.New("not found")

// NotAnArchiveError reports a file whose signature is not a recognised archive
type NotAnArchiveError struct {
	Path string
}

func (e *NotAnArchiveError) Error() string {
	return fmt.Sprintf("%s: not an archive", e.Path)
}

// CorruptArchiveError reports malformed data at a byte offset. Offset is -1
// when the corruption was detected after decompression rather than at a
// known position in the container.
type CorruptArchiveError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s: corrupt archive: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: corrupt archive at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error {
	return e.Err
}

// UnsupportedVersionError reports a container format version this package cannot read
type UnsupportedVersionError struct {
	Found uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported archive version %d", e.Found)
}

// IOError reports a failed read against the backing storage
type IOError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("reading %s at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NotFoundError wraps ErrNotFound with the path that failed to resolve
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsCorrupt reports whether err is, or wraps, a CorruptArchiveError
func IsCorrupt(err error) bool {
	var ce *CorruptArchiveError
	return errors.As(err, &ce)
}
