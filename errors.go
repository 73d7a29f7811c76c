package sfs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt", "decrypt", "seal" or "unseal"
	Path      string // File path, if applicable
	Block     int64  // Block index, or -1
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.Block >= 0 {
		return fmt.Sprintf("%s error: %s (block %d): %s", e.Operation, e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a file system I/O error
type IOError struct {
	Operation string // "read", "write", "rename", "open", "close", etc.
	Path      string // File path
	Offset    int64  // File offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents stored data that cannot be decoded
type CorruptionError struct {
	Path    string // File path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents an authentication or authorization failure
type AuthenticationError struct {
	Path    string // File path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// KeyError reports a failed lookup or update of a key record
type KeyError struct {
	Tier Tier   // Tier of the record
	ID   int    // uid or gid; ignored for TierAll
	Name string // File or key name
	Err  error  // Underlying error
}

func (e *KeyError) Error() string {
	if e.Tier == TierAll {
		return fmt.Sprintf("key error: %s %s: %v", e.Tier, e.Name, e.Err)
	}
	return fmt.Sprintf("key error: %s %d %s: %v", e.Tier, e.ID, e.Name, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrNilConfig        = errors.New("config cannot be nil")
	ErrNilKeyProvider   = errors.New("key provider cannot be nil")
	ErrNilBuffer        = errors.New("buffer cannot be nil")
	ErrInvalidOffset    = errors.New("invalid file offset")
	ErrInvalidSize      = errors.New("invalid size parameter")
	ErrNegativeOffset   = fmt.Errorf("%w: negative offset not allowed", ErrInvalidOffset)
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordExists     = errors.New("record already exists")
	ErrAlreadyEncrypted = errors.New("file is already encrypted")
	ErrNotEncrypted     = errors.New("file is not encrypted")
	ErrNotRegular       = errors.New("not a regular file")
	ErrNotOwner         = errors.New("not the file owner")
	ErrNoFileKey        = errors.New("no readable key for file")
	ErrUserExists       = errors.New("user already exists")
	ErrBadPassword      = errors.New("wrong password")
	ErrNoSession        = errors.New("no session for user")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Block:     -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, err error) error {
	return &CorruptionError{
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, err error) error {
	return &AuthenticationError{
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// NewKeyError creates a new key record error
func NewKeyError(tier Tier, id int, name string, err error) error {
	return &KeyError{
		Tier: tier,
		ID:   id,
		Name: name,
		Err:  err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsKeyError checks if an error is a key record error
func IsKeyError(err error) bool {
	var ke *KeyError
	return errors.As(err, &ke)
}
