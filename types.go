package sfs

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"os"

	"github.com/absfs/sfs/feistel"
)

const (
	// BlockSize is the granularity of encrypted file content. Stored
	// content is always a whole number of blocks.
	BlockSize = feistel.BlockSize

	// FileKeySize is the number of random bytes behind a file key. The key
	// is used as its hex text, so the block cipher sees twice as many bytes.
	FileKeySize = 20

	// ModeEncrypted is the mode bit that asks Chmod to encrypt a file. Stat
	// reports it on files that carry a key record.
	ModeEncrypted os.FileMode = 0o100000
)

// Tier selects which copy of a file key a record belongs to.
type Tier uint8

const (
	// TierUser records are keyed by uid and sealed to the user's key.
	TierUser Tier = iota
	// TierGroup records are keyed by gid and sealed to the group key.
	TierGroup
	// TierAll records have a single copy sealed to the world key.
	TierAll
)

// Tiers lists the tiers in the order a file key is resolved.
var Tiers = [...]Tier{TierUser, TierGroup, TierAll}

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierUser:
		return "user"
	case TierGroup:
		return "group"
	case TierAll:
		return "all"
	default:
		return "unknown"
	}
}

// FileState is the encryption state of a regular file.
type FileState uint8

const (
	// StatePlain files are stored as-is.
	StatePlain FileState = iota
	// StateEncrypted files are stored as whole cipher blocks under a file
	// key held by at least one tier.
	StateEncrypted
)

// String returns the string representation of the state
func (s FileState) String() string {
	if s == StateEncrypted {
		return "encrypted"
	}
	return "plain"
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// New returns the hash constructor for hf.
func (hf HashFunc) New() (func() hash.Hash, error) {
	switch hf {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedHash
	}
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      `yaml:"iterations" validate:"omitempty,min=1000"`
	HashFunc   HashFunc `yaml:"hash" validate:"max=1"`
	SaltSize   int      `yaml:"salt_size" validate:"omitempty,min=8,max=256"`
	KeySize    int      `yaml:"key_size" validate:"omitempty,min=8,max=56"` // at most feistel.MaxKeySize
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 `yaml:"memory" validate:"omitempty,min=8192,max=4194304"` // KiB
	Iterations  uint32 `yaml:"iterations" validate:"omitempty,max=100"`          // time parameter
	Parallelism uint8  `yaml:"parallelism"`                                      // lanes
	SaltSize    int    `yaml:"salt_size" validate:"omitempty,min=8,max=256"`
	KeySize     int    `yaml:"key_size" validate:"omitempty,min=8,max=56"`
}

// KeyProvider derives the key that seals a user's private key.
type KeyProvider interface {
	// DeriveKey derives a sealing key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

// ErrUnsupportedHash is returned for an unknown HashFunc.
var ErrUnsupportedHash = errors.New("unsupported hash function")
