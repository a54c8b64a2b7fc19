package ggpk

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// MurmurHash2 implements the 32-bit MurmurHash2 algorithm
func MurmurHash2(data []byte, seed uint32) uint32 {
	const (
		m = 0x5bd1e995
		r = 24
	)

	h := seed ^ uint32(len(data))

	for len(data) >= 4 {
		k := binary.LittleEndian.Uint32(data)
		k *= m
		k ^= k >> r
		k *= m

		h *= m
		h ^= k

		data = data[4:]
	}

	switch len(data) {
	case 3:
		h ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[0])
		h *= m
	}

	h ^= h >> 13
	h *= m
	h ^= h >> 15

	return h
}

// NameHash computes the directory entry hash stored alongside each child
// offset in a PDIR record: MurmurHash2 over the lowercased UTF-16LE name
func NameHash(name string) uint32 {
	units := utf16.Encode([]rune(strings.ToLower(name)))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return MurmurHash2(buf, 0)
}
