// Package hexcodec converts between bytes and the hex text used by the sfs
// key stores.
//
// Stored keys are written low nibble first: the byte 0x1f is encoded as "f1".
// Encode and Decode use that order so existing key files stay readable.
// EncodeStd and DecodeStd use the conventional high-nibble-first order.
package hexcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrOddLength is returned when the input has an odd number of characters.
	ErrOddLength = errors.New("hexcodec: odd length hex string")
	// ErrInvalidChar is returned when the input contains a non-hex character.
	ErrInvalidChar = errors.New("hexcodec: invalid hex character")
)

// SyntaxError reports the position of the first character that is not a hex digit.
type SyntaxError struct {
	Offset int
	Char   byte
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("hexcodec: invalid character %q at offset %d", e.Char, e.Offset)
}

func (e *SyntaxError) Unwrap() error {
	return ErrInvalidChar
}

// EncodedLen returns the length of the encoding of n bytes.
func EncodedLen(n int) int { return n * 2 }

// DecodedLen returns the length of the decoding of n characters.
func DecodedLen(n int) int { return n / 2 }

// Encode returns src as low-nibble-first lowercase hex.
func Encode(src []byte) string {
	dst := make([]byte, EncodedLen(len(src)))
	hex.Encode(dst, src)
	swapPairs(dst)
	return string(dst)
}

// Decode parses low-nibble-first hex. Upper and lower case digits are accepted.
func Decode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrOddLength
	}
	buf := []byte(s)
	swapPairs(buf)
	out := make([]byte, DecodedLen(len(buf)))
	if _, err := hex.Decode(out, buf); err != nil {
		return nil, translate(err, buf, true)
	}
	return out, nil
}

// EncodeStd returns src as conventional lowercase hex.
func EncodeStd(src []byte) string {
	return hex.EncodeToString(src)
}

// DecodeStd parses conventional hex.
func DecodeStd(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrOddLength
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, translate(err, []byte(s), false)
	}
	return out, nil
}

func swapPairs(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

// translate maps encoding/hex errors onto this package's errors. Offsets
// are reported against the caller's original string.
func translate(err error, buf []byte, swapped bool) error {
	var ibe hex.InvalidByteError
	if errors.As(err, &ibe) {
		for i, c := range buf {
			if c == byte(ibe) {
				off := i
				if swapped {
					off ^= 1
				}
				return &SyntaxError{Offset: off, Char: c}
			}
		}
		return &SyntaxError{Offset: -1, Char: byte(ibe)}
	}
	if errors.Is(err, hex.ErrLength) {
		return ErrOddLength
	}
	return err
}
