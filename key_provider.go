package sfs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/absfs/sfs/hexcodec"
	"github.com/absfs/sfs/mrsa"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// LegacyKeyProvider uses the password bytes themselves as the sealing key.
// This reads and writes shadow records of existing key directories.
type LegacyKeyProvider struct {
	password []byte
}

// NewLegacyKeyProvider creates a key provider that ignores salts
func NewLegacyKeyProvider(password []byte) *LegacyKeyProvider {
	return &LegacyKeyProvider{password: password}
}

// DeriveKey returns the password
func (p *LegacyKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	return p.password, nil
}

// GenerateSalt returns no salt; legacy records carry none
func (p *LegacyKeyProvider) GenerateSalt() ([]byte, error) {
	return nil, nil
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	// Set defaults
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  false,
		pbkdf2Params: params,
	}
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	// Set defaults
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = 32
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// DeriveKey derives a sealing key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		key := argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			uint32(p.argon2Params.KeySize),
		)
		return key, nil
	}

	hashFunc, err := p.pbkdf2Params.HashFunc.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, p.pbkdf2Params.HashFunc)
	}

	key := pbkdf2.Key(
		p.password,
		salt,
		p.pbkdf2Params.Iterations,
		p.pbkdf2Params.KeySize,
		hashFunc,
	)
	return key, nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	var saltSize int
	if p.useArgon2id {
		saltSize = p.argon2Params.SaltSize
	} else {
		saltSize = p.pbkdf2Params.SaltSize
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewKeyProvider returns the provider cfg selects for password.
func NewKeyProvider(cfg KDFConfig, password []byte) (KeyProvider, error) {
	switch cfg.Algorithm {
	case KDFLegacy, "":
		return NewLegacyKeyProvider(password), nil
	case KDFArgon2id:
		return NewPasswordKeyProvider(password, cfg.Argon2id), nil
	case KDFPBKDF2:
		return NewPasswordKeyProviderPBKDF2(password, cfg.PBKDF2), nil
	default:
		return nil, NewValidationError("kdf.algorithm", cfg.Algorithm, "unsupported key derivation")
	}
}

// saltSep separates a hex salt from the sealed blob. Legacy records have no
// salt and are plain hex.
const saltSep = "."

// SealPrivateKey encrypts the binary form of k under a key from kp and
// returns the shadow record value.
func SealPrivateKey(kp KeyProvider, k *mrsa.KeyPair) (string, error) {
	if kp == nil {
		return "", ErrNilKeyProvider
	}
	salt, err := kp.GenerateSalt()
	if err != nil {
		return "", err
	}
	key, err := kp.DeriveKey(salt)
	if err != nil {
		return "", NewEncryptionError("seal", "", err)
	}
	blob, err := k.MarshalBinary()
	if err != nil {
		return "", NewEncryptionError("seal", "", err)
	}
	sealed := hexcodec.Encode(SymEncrypt(key, blob))
	if len(salt) > 0 {
		sealed = hexcodec.EncodeStd(salt) + saltSep + sealed
	}
	return sealed, nil
}

// UnsealPrivateKey reverses SealPrivateKey. A wrong password is not
// detected here; it yields a key that does not match the published one.
func UnsealPrivateKey(kp KeyProvider, sealed string) (*mrsa.KeyPair, error) {
	if kp == nil {
		return nil, ErrNilKeyProvider
	}
	var salt []byte
	blobHex := sealed
	if saltHex, rest, ok := strings.Cut(sealed, saltSep); ok {
		var err error
		if salt, err = hexcodec.DecodeStd(saltHex); err != nil {
			return nil, NewCorruptionError("", fmt.Errorf("sealed key salt: %w", err))
		}
		blobHex = rest
	}
	key, err := kp.DeriveKey(salt)
	if err != nil {
		return nil, NewEncryptionError("unseal", "", err)
	}
	ct, err := hexcodec.Decode(blobHex)
	if err != nil {
		return nil, NewCorruptionError("", fmt.Errorf("sealed key: %w", err))
	}
	k := new(mrsa.KeyPair)
	if err := k.UnmarshalBinary(SymDecrypt(key, ct)); err != nil {
		return nil, NewCorruptionError("", fmt.Errorf("sealed key: %w", err))
	}
	return k, nil
}

// escrow encrypts the binary form of priv to pub for a gshadow or ashadow
// record.
func escrow(pub *mrsa.KeyPair, priv *mrsa.KeyPair) (string, error) {
	blob, err := priv.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hexcodec.Encode(mrsa.StreamEncrypt(pub.PublicKey(), blob)), nil
}

// unescrow opens an escrow record with holder's private key.
func unescrow(holder *mrsa.KeyPair, sealed string) (*mrsa.KeyPair, error) {
	ct, err := hexcodec.Decode(sealed)
	if err != nil {
		return nil, NewCorruptionError("", fmt.Errorf("escrowed key: %w", err))
	}
	pt, err := holder.StreamDecrypt(ct)
	if err != nil {
		return nil, NewCorruptionError("", fmt.Errorf("escrowed key: %w", err))
	}
	k := new(mrsa.KeyPair)
	if err := k.UnmarshalBinary(pt); err != nil {
		return nil, NewCorruptionError("", fmt.Errorf("escrowed key: %w", err))
	}
	return k, nil
}
