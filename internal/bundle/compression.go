package bundle

import (
	"fmt"

	"github.com/oriath-net/gooz"
)

// Method identifies how the blocks of a bundle are compressed
type Method uint8

const (
	MethodNone Method = iota
	MethodOodle
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodOodle:
		return "oodle"
	default:
		return fmt.Sprintf("method(%d)", m)
	}
}

// Oodle compressor ids as stored in the bundle head's first file encode field
const (
	encodeNone      = 3
	encodeLZNA      = 7
	encodeKraken    = 8
	encodeMermaid   = 9
	encodeBitKnit   = 10
	encodeSelkie    = 11
	encodeHydra     = 12
	encodeLeviathan = 13
)

// methodForEncode maps a compressor id to a Method
func methodForEncode(encode uint32) (Method, error) {
	switch encode {
	case encodeNone:
		return MethodNone, nil
	case encodeLZNA, encodeKraken, encodeMermaid, encodeBitKnit, encodeSelkie, encodeHydra, encodeLeviathan:
		return MethodOodle, nil
	default:
		return 0, fmt.Errorf("unknown compressor id %d", encode)
	}
}

// EncodeFor returns the compressor id for a Method. Oodle bundles are
// written as Leviathan by the game client.
func EncodeFor(m Method) uint32 {
	if m == MethodOodle {
		return encodeLeviathan
	}
	return encodeNone
}

// Codec decompresses a single bundle block
type Codec interface {
	Decompress(method Method, src []byte, uncompressedLen int) ([]byte, error)
}

// DefaultCodec decompresses Oodle blocks with gooz and passes stored blocks through
type DefaultCodec struct{}

func (DefaultCodec) Decompress(method Method, src []byte, uncompressedLen int) ([]byte, error) {
	switch method {
	case MethodNone:
		if len(src) != uncompressedLen {
			return nil, fmt.Errorf("stored block is %d bytes, expected %d", len(src), uncompressedLen)
		}
		out := make([]byte, uncompressedLen)
		copy(out, src)
		return out, nil

	case MethodOodle:
		if err := checkOodleHeader(src); err != nil {
			return nil, err
		}
		out := make([]byte, uncompressedLen)
		n, err := gooz.Decompress(src, out)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		if n != uncompressedLen {
			return nil, fmt.Errorf("decompressed %d bytes, expected %d", n, uncompressedLen)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression method %s", method)
	}
}

// checkOodleHeader rejects blocks whose two byte stream header gooz would
// refuse. The decoder runs in C and does not survive every malformed
// stream, so obviously foreign data is stopped here.
func checkOodleHeader(src []byte) error {
	if len(src) < 2 {
		return fmt.Errorf("oodle block of %d bytes has no header", len(src))
	}
	if src[0]&0x0f != 0x0c || (src[0]>>4)&3 != 0 {
		return fmt.Errorf("bad oodle block header %#02x", src[0])
	}
	// lzna, kraken, mermaid, bitknit, leviathan
	switch decoder := src[1] & 0x7f; decoder {
	case 5, 6, 10, 11, 12:
		return nil
	default:
		return fmt.Errorf("unknown oodle decoder type %d", decoder)
	}
}
