package bundle

// Compression describes how a bundled file is stored
type Compression struct {
	Method Method
	// CompressedSize is the total length of the compressed blocks that hold
	// the file. Blocks may be shared with neighbouring files.
	CompressedSize   int64
	UncompressedSize int64
}
