package bundle_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/archivetest"
	"github.com/jchantrell/ggpkfs/internal/bundle"
)

func TestReadRangeAcrossBlocks(t *testing.T) {
	data := []byte("abcdefghij")
	b, err := bundle.OpenBundle(bytes.NewReader(archivetest.Bundle(data, 4)))
	require.NoError(t, err)

	assert.Equal(t, int64(10), b.Size())
	assert.Equal(t, bundle.MethodNone, b.Method())

	got, err := b.ReadRange(context.Background(), bundle.DefaultCodec{}, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("cdefg"), got)
	assert.Equal(t, int64(8), b.CompressedSize(2, 5))
	assert.Equal(t, int64(2), b.CompressedSize(8, 2))

	all, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, data, all)

	buf := make([]byte, 3)
	n, err := b.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("hij"), buf)

	_, err = b.ReadRange(context.Background(), bundle.DefaultCodec{}, 8, 5)
	assert.Error(t, err)
}

func TestReadRangeChecksContext(t *testing.T) {
	b, err := bundle.OpenBundle(bytes.NewReader(archivetest.Bundle([]byte("abcdefgh"), 4)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.ReadRange(ctx, bundle.DefaultCodec{}, 0, 8)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadRangeReportsBadBlock(t *testing.T) {
	raw := archivetest.BundleWithBlocks(10, 4, [][]byte{
		[]byte("abcd"),
		[]byte("ef"), // stored blocks must be exactly granularity bytes
		[]byte("ij"),
	})
	b, err := bundle.OpenBundle(bytes.NewReader(raw))
	require.NoError(t, err)

	got, err := b.ReadRange(context.Background(), bundle.DefaultCodec{}, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)

	_, err = b.ReadRange(context.Background(), bundle.DefaultCodec{}, 0, 10)
	var blockErr *bundle.BlockError
	require.True(t, errors.As(err, &blockErr), "got %v", err)
	assert.Equal(t, 1, blockErr.Block)
	assert.True(t, blockErr.Corrupt)

	truncated := archivetest.Bundle([]byte("abcdefgh"), 4)
	b, err = bundle.OpenBundle(bytes.NewReader(truncated[:len(truncated)-2]))
	require.NoError(t, err)
	_, err = b.ReadRange(context.Background(), bundle.DefaultCodec{}, 4, 4)
	require.True(t, errors.As(err, &blockErr))
	assert.False(t, blockErr.Corrupt)
}

func TestOpenBundleMethods(t *testing.T) {
	raw := archivetest.Bundle([]byte("abcd"), 4)

	// first file encode lives at offset 12 of the head
	binary.LittleEndian.PutUint32(raw[12:], 8)
	b, err := bundle.OpenBundle(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, bundle.MethodOodle, b.Method())
	assert.Equal(t, "oodle", b.Method().String())

	binary.LittleEndian.PutUint32(raw[12:], 99)
	_, err = bundle.OpenBundle(bytes.NewReader(raw))
	assert.Error(t, err)

	_, err = bundle.OpenBundle(bytes.NewReader(raw[:bundle.HeadSize-1]))
	assert.Error(t, err)
}

func TestOpenBundleRejectsInconsistentHead(t *testing.T) {
	raw := archivetest.BundleWithBlocks(10, 4, [][]byte{[]byte("abcd")})
	_, err := bundle.OpenBundle(bytes.NewReader(raw))
	assert.Error(t, err)

	raw = archivetest.BundleWithBlocks(10, 0, nil)
	_, err = bundle.OpenBundle(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestDefaultCodecStored(t *testing.T) {
	out, err := bundle.DefaultCodec{}.Decompress(bundle.MethodNone, []byte("abc"), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	_, err = bundle.DefaultCodec{}.Decompress(bundle.MethodNone, []byte("abc"), 4)
	assert.Error(t, err)

	assert.Equal(t, uint32(13), bundle.EncodeFor(bundle.MethodOodle))
	assert.Equal(t, uint32(3), bundle.EncodeFor(bundle.MethodNone))
}

// storedQuantum encodes payload as one Oodle quantum whose compressed size
// equals its output size, which the decoder copies verbatim
func storedQuantum(decoder byte, payload []byte) []byte {
	size := len(payload) - 1
	return append([]byte{0x8c, decoder, byte(size >> 16), byte(size >> 8), byte(size)}, payload...)
}

// memsetQuantum is a single-quantum Oodle stream that fills the output with b
func memsetQuantum(b byte) []byte {
	return []byte{0x8c, 0x06, 0x07, 0xff, 0xff, b}
}

func TestDefaultCodecOodle(t *testing.T) {
	tests := []struct {
		name  string
		block []byte
		size  int
		want  []byte
	}{
		{"kraken stored quantum", storedQuantum(6, []byte("hello")), 5, []byte("hello")},
		{"mermaid stored quantum", storedQuantum(10, []byte("mermaid")), 7, []byte("mermaid")},
		{"leviathan stored quantum", storedQuantum(12, []byte("leviathan")), 9, []byte("leviathan")},
		{"kraken memset quantum", memsetQuantum('z'), 16, bytes.Repeat([]byte("z"), 16)},
		{"kraken uncompressed block", append([]byte{0xcc, 0x06}, "raw block"...), 9, []byte("raw block")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := bundle.DefaultCodec{}.Decompress(bundle.MethodOodle, tt.block, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestDefaultCodecOodleRejectsForeignHeaders(t *testing.T) {
	for _, block := range [][]byte{
		nil,
		{0x8c},
		[]byte("abcdef"),
		{0xbc, 0x06, 0x00},
		{0x8c, 0x07, 0x00, 0x00, 0x00, 'a'},
	} {
		_, err := bundle.DefaultCodec{}.Decompress(bundle.MethodOodle, block, 1)
		assert.Error(t, err, "%x", block)
	}
}

func TestReadRangeOodleBlocks(t *testing.T) {
	raw := archivetest.OodleBundle(10, 4, [][]byte{
		storedQuantum(6, []byte("abcd")),
		memsetQuantum('e'),
		storedQuantum(6, []byte("ij")),
	})
	b, err := bundle.OpenBundle(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, bundle.MethodOodle, b.Method())

	got, err := b.ReadRange(context.Background(), bundle.DefaultCodec{}, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("cdeeeeij"), got)
}
