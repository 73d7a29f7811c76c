package sfs

import (
	"fmt"
	"strings"

	"github.com/absfs/sfs/hexcodec"
)

// Input validation helpers

// ValidateBlock checks that buf is exactly one cipher block
func ValidateBlock(buf []byte) error {
	if len(buf) != BlockSize {
		return &ValidationError{
			Field:   "block",
			Value:   len(buf),
			Message: fmt.Sprintf("invalid block size: got %d bytes, expected %d bytes", len(buf), BlockSize),
		}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrInvalidOffset,
		}
	}
	return nil
}

// ValidateFileSize checks a plaintext file size
func ValidateFileSize(size int64) error {
	if size < 0 {
		return &ValidationError{
			Field:   "size",
			Value:   size,
			Message: "size cannot be negative",
			Err:     ErrInvalidSize,
		}
	}
	return nil
}

// ValidateSize checks if a size parameter is valid
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
			Err:     ErrInvalidSize,
		}
	}
	if minSize >= 0 && size < minSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, minSize),
			Err:     ErrInvalidSize,
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
			Err:     ErrInvalidSize,
		}
	}
	return nil
}

// ValidateKey checks that key is file key text: a non-empty, even run of
// hex digits as made by GenerateSymKey
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be empty",
			Err:     ErrInvalidKey,
		}
	}
	if _, err := hexcodec.Decode(string(key)); err != nil {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: "key is not hex text",
			Err:     fmt.Errorf("%w: %w", ErrInvalidKey, err),
		}
	}
	return nil
}

// ValidateFilePath checks if a file path is valid (not empty)
func ValidateFilePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "file path cannot be empty",
		}
	}
	return nil
}

// ValidateRecordName checks that name can be stored in a record row
func ValidateRecordName(name string) error {
	if name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "name cannot be empty",
		}
	}
	if strings.ContainsAny(name, ":/\n\x00") {
		return &ValidationError{
			Field:   "name",
			Value:   name,
			Message: "name cannot contain ':', '/', newline or NUL",
		}
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}
