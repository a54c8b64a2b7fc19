package bundle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Bundle is an opened bundle container. Data is stored as a sequence of
// independently compressed blocks of `granularity` uncompressed bytes.
type Bundle struct {
	data        io.ReaderAt
	size        int64
	granularity int64 // size of each chunk of uncompressed data, usually 256KiB
	method      Method
	blocks      []bundleBlock
}

// descriptions of compressed blocks relative to Bundle.data
type bundleBlock struct {
	offset int64
	length int64
}

type bundleHead struct {
	UncompressedSize             uint32
	TotalPayloadSize             uint32
	HeadPayloadSize              uint32
	FirstFileEncode              uint32
	_                            uint32
	UncompressedSize2            int64
	TotalPayloadSize2            int64
	BlockCount                   uint32
	UncompressedBlockGranularity uint32
	_                            [4]uint32
}

// HeadSize is the encoded size of the fixed bundle head
var HeadSize = binary.Size(bundleHead{})

// maxBlocks bounds the block table so a corrupt head cannot force a huge allocation
const maxBlocks = 1 << 20

// OpenBundle parses the head and block table of the bundle in r
func OpenBundle(r io.ReaderAt) (*Bundle, error) {
	rs := io.NewSectionReader(r, 0, 1<<62)

	var bh bundleHead
	if err := binary.Read(rs, binary.LittleEndian, &bh); err != nil {
		return nil, fmt.Errorf("failed to read bundle head: %w", err)
	}

	if bh.BlockCount > maxBlocks {
		return nil, fmt.Errorf("bundle block count %d is implausible", bh.BlockCount)
	}

	blockSizes := make([]uint32, bh.BlockCount)
	if err := binary.Read(rs, binary.LittleEndian, &blockSizes); err != nil {
		return nil, fmt.Errorf("failed to read bundle block sizes (BlockCount=%d): %w", bh.BlockCount, err)
	}

	blocks := make([]bundleBlock, bh.BlockCount)
	p := int64(binary.Size(bh) + binary.Size(blockSizes))
	for i := range blockSizes {
		sz := int64(blockSizes[i])
		blocks[i] = bundleBlock{offset: p, length: sz}
		p += sz
	}

	method, err := methodForEncode(bh.FirstFileEncode)
	if err != nil {
		return nil, err
	}

	b := Bundle{
		data:        r,
		size:        bh.UncompressedSize2,
		granularity: int64(bh.UncompressedBlockGranularity),
		method:      method,
		blocks:      blocks,
	}

	// do a quick sanity check here
	if b.granularity == 0 {
		return nil, errors.New("bundle block granularity is 0")
	}
	if b.size < 0 {
		return nil, fmt.Errorf("bundle size %d is negative", b.size)
	}

	expectedBlocks := b.size / b.granularity
	if b.size%b.granularity > 0 {
		expectedBlocks += 1
	}

	if int(expectedBlocks) != len(blocks) {
		return nil, fmt.Errorf(
			"got %d blocks of size %d for %d bytes data",
			len(blocks),
			b.granularity,
			b.size,
		)
	}

	return &b, nil
}

// Size returns the uncompressed size of the bundle
func (b *Bundle) Size() int64 {
	return b.size
}

// Method returns the compression method of the bundle's blocks
func (b *Bundle) Method() Method {
	return b.method
}

// blockRange returns the indices of the first and last blocks overlapping [off, off+n)
func (b *Bundle) blockRange(off, n int64) (int, int) {
	if n == 0 {
		return int(off / b.granularity), int(off/b.granularity) - 1
	}
	return int(off / b.granularity), int((off + n - 1) / b.granularity)
}

// CompressedSize returns the total compressed length of the blocks that
// must be read to produce [off, off+n)
func (b *Bundle) CompressedSize(off, n int64) int64 {
	first, last := b.blockRange(off, n)
	var total int64
	for i := first; i <= last && i < len(b.blocks); i++ {
		total += b.blocks[i].length
	}
	return total
}

// ReadRange decompresses the blocks overlapping [off, off+n) and returns
// exactly n bytes. ctx is checked before each block is decompressed.
func (b *Bundle) ReadRange(ctx context.Context, codec Codec, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > b.size {
		return nil, fmt.Errorf("range [%d, %d) outside bounds of bundle (size %d)", off, off+n, b.size)
	}

	out := make([]byte, 0, n)
	first, last := b.blockRange(off, n)
	for blkId := first; blkId <= last; blkId++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		blk := &b.blocks[blkId]
		rawSize := b.granularity
		if blkId == len(b.blocks)-1 {
			rawSize = b.size - int64(blkId)*b.granularity
		}

		compressed := make([]byte, blk.length)
		if n, err := b.data.ReadAt(compressed, blk.offset); n != len(compressed) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, &BlockError{Block: blkId, Offset: blk.offset, Err: err}
		}

		raw, err := codec.Decompress(b.method, compressed, int(rawSize))
		if err != nil {
			return nil, &BlockError{Block: blkId, Offset: blk.offset, Err: err, Corrupt: true}
		}
		if int64(len(raw)) != rawSize {
			return nil, &BlockError{
				Block:   blkId,
				Offset:  blk.offset,
				Err:     fmt.Errorf("decompressed %d bytes, expected %d", len(raw), rawSize),
				Corrupt: true,
			}
		}

		lo := int64(0)
		if blkId == first {
			lo = off - int64(blkId)*b.granularity
		}
		hi := rawSize
		if end := off + n - int64(blkId)*b.granularity; end < hi {
			hi = end
		}
		out = append(out, raw[lo:hi]...)
	}

	if int64(len(out)) != n {
		return nil, &BlockError{Block: last, Offset: -1, Err: fmt.Errorf("read %d bytes, expected %d", len(out), n), Corrupt: true}
	}
	return out, nil
}

// ReadAt implements io.ReaderAt over the decompressed bundle with the default codec
func (b *Bundle) ReadAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > b.size {
		return 0, errors.New("read outside bounds of bundle")
	}
	data, err := b.ReadRange(context.Background(), DefaultCodec{}, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// Read returns the entire contents of the bundle decompressed
func (b *Bundle) Read() ([]byte, error) {
	data, err := b.ReadRange(context.Background(), DefaultCodec{}, 0, b.size)
	if err != nil {
		return nil, fmt.Errorf("reading bundle data: %w", err)
	}
	return data, nil
}

// BlockError reports a block that could not be read or decompressed
type BlockError struct {
	Block   int
	Offset  int64
	Err     error
	Corrupt bool // decompression or length mismatch, as opposed to a read failure
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("bundle block %d: %v", e.Block, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}
