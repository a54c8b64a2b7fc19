package extract

import (
	"fmt"
	"unicode/utf16"
)

// DecodeUTF16LE decodes UTF-16LE byte data to a string, dropping a leading
// byte order mark
func DecodeUTF16LE(data []byte) (string, error) {
	if len(data)%2 != 0 {
		return "", fmt.Errorf("invalid UTF-16LE data: odd number of bytes")
	}

	if len(data) >= 2 && data[0] == 0xff && data[1] == 0xfe {
		data = data[2:]
	}

	u16 := make([]uint16, len(data)/2)
	for i := 0; i < len(u16); i++ {
		u16[i] = uint16(data[i*2]) | uint16(data[i*2+1])<<8
	}

	return string(utf16.Decode(u16)), nil
}

// LooksUTF16LE reports whether data carries a UTF-16LE byte order mark or
// mostly ASCII code units in UTF-16LE form
func LooksUTF16LE(data []byte) bool {
	if len(data) < 2 || len(data)%2 != 0 {
		return false
	}
	if data[0] == 0xff && data[1] == 0xfe {
		return true
	}

	units, zeros := 0, 0
	for i := 1; i < len(data) && units < 64; i += 2 {
		units++
		if data[i] == 0 {
			zeros++
		}
	}
	return zeros*4 >= units*3
}
