package sfs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/absfs/sfs/mpi"
	"github.com/absfs/sfs/mrsa"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultKeyDir is where the key directory lives unless configured.
const DefaultKeyDir = "/etc/sfs"

// Entropy sources for key generation.
const (
	EntropyCrypto = "crypto"
	EntropyLCG    = "lcg"
)

// KDF algorithms for sealing private keys.
const (
	KDFLegacy   = "legacy"
	KDFArgon2id = "argon2id"
	KDFPBKDF2   = "pbkdf2"
)

// validate is a singleton validator instance
var validate = validator.New()

// KeyBits bounds the prime size of generated keys.
type KeyBits struct {
	Min int `yaml:"min" validate:"min=33,max=62"`
	Max int `yaml:"max" validate:"min=33,max=62,gtefield=Min"`
}

// KDFConfig selects how passwords become sealing keys.
type KDFConfig struct {
	Algorithm string         `yaml:"algorithm" validate:"oneof=legacy argon2id pbkdf2"`
	Argon2id  Argon2idParams `yaml:"argon2id"`
	PBKDF2    PBKDF2Params   `yaml:"pbkdf2"`
}

// DaemonConfig configures sfsd.
type DaemonConfig struct {
	// Listen is a mangos URL such as tcp://127.0.0.1:7711 or ipc:///run/sfsd.sock
	Listen string `yaml:"listen" validate:"required"`

	MaxUsers int `yaml:"max_users" validate:"min=1,max=65536"`
	MaxFiles int `yaml:"max_files" validate:"min=1,max=1048576"`

	// TokenSecret signs session tokens. Empty means a random secret per start.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl" validate:"min=0"`

	RecvTimeout time.Duration `yaml:"recv_timeout" validate:"min=0"`

	// Compress snappy-frames request and reply bodies.
	Compress bool `yaml:"compress"`

	// MetricsListen is an HTTP address for /metrics. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`
}

// Config contains configuration for the encrypting filesystem and the daemon
type Config struct {
	// KeyDir holds passwd, shadow, groups, gshadow, all and ashadow
	KeyDir string `yaml:"key_dir" validate:"required"`

	// FileKeySize is the number of random bytes in a file key
	FileKeySize int `yaml:"file_key_size" validate:"min=1,max=28"`

	KeyBits        KeyBits `yaml:"key_bits"`
	MaxKeyAttempts int     `yaml:"max_key_attempts" validate:"min=1"`
	// MaxPrimeSteps bounds each prime search; -1 searches without bound
	MaxPrimeSteps int `yaml:"max_prime_steps" validate:"min=-1"`

	// Entropy is "crypto" or "lcg"; the LCG is predictable and for tests only
	Entropy string `yaml:"entropy" validate:"oneof=crypto lcg"`
	LCGSeed uint16 `yaml:"lcg_seed"`

	KDF      KDFConfig      `yaml:"kdf"`
	Parallel ParallelConfig `yaml:"parallel"`
	Daemon   DaemonConfig   `yaml:"daemon"`

	// Logger receives operational logs. Nil means logrus.StandardLogger().
	Logger logrus.FieldLogger `yaml:"-" validate:"-"`

	srcOnce sync.Once
	src     mpi.Source
}

// DefaultConfig returns a configuration with every field set.
func DefaultConfig() *Config {
	return &Config{
		KeyDir:         DefaultKeyDir,
		FileKeySize:    FileKeySize,
		KeyBits:        KeyBits{Min: mrsa.DefaultMinBits, Max: mrsa.DefaultMaxBits},
		MaxKeyAttempts: mrsa.DefaultMaxAttempts,
		MaxPrimeSteps:  mrsa.DefaultMaxPrimeSteps,
		Entropy:        EntropyCrypto,
		LCGSeed:        mpi.DefaultLCGSeed,
		KDF: KDFConfig{
			Algorithm: KDFLegacy,
			Argon2id: Argon2idParams{
				Memory:      64 * 1024,
				Iterations:  3,
				Parallelism: 4,
				SaltSize:    32,
				KeySize:     32,
			},
			PBKDF2: PBKDF2Params{
				Iterations: 100000,
				HashFunc:   SHA256,
				SaltSize:   32,
				KeySize:    32,
			},
		},
		Parallel: DefaultParallelConfig(),
		Daemon: DaemonConfig{
			Listen:      "ipc:///tmp/sfsd.sock",
			MaxUsers:    100,
			MaxFiles:    256,
			TokenTTL:    12 * time.Hour,
			RecvTimeout: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewIOError("read", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ValidationError{Message: "cannot parse config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if err := c.Parallel.Validate(); err != nil {
		return &ValidationError{Field: "Parallel", Message: err.Error(), Err: err}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return &ValidationError{Message: err.Error(), Err: err}
	}

	// Report the first failure
	e := validationErrs[0]
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return NewValidationError(field, e.Value(), "field is required")
	case "min":
		return NewValidationError(field, e.Value(), fmt.Sprintf("must be at least %s", e.Param()))
	case "max":
		return NewValidationError(field, e.Value(), fmt.Sprintf("must not exceed %s", e.Param()))
	case "oneof":
		return NewValidationError(field, e.Value(), fmt.Sprintf("must be one of %s", e.Param()))
	case "gtefield":
		return NewValidationError(field, e.Value(), fmt.Sprintf("must not be below %s", e.Param()))
	default:
		return NewValidationError(field, e.Value(), fmt.Sprintf("validation failed (%s)", e.Tag()))
	}
}

func (c *Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// source returns the shared entropy source for key generation.
func (c *Config) source() mpi.Source {
	c.srcOnce.Do(func() {
		if c.Entropy == EntropyLCG {
			c.src = &lockedSource{src: mpi.NewLCG(c.LCGSeed)}
			return
		}
		c.src = mpi.NewCryptoSource()
	})
	return c.src
}

// generator returns a key generator for the configured sizes.
func (c *Config) generator() *mrsa.Generator {
	return &mrsa.Generator{
		Source:        c.source(),
		MinBits:       c.KeyBits.Min,
		MaxBits:       c.KeyBits.Max,
		MaxAttempts:   c.MaxKeyAttempts,
		MaxPrimeSteps: c.MaxPrimeSteps,
	}
}

// lockedSource serialises a Source that is not safe for concurrent use.
type lockedSource struct {
	mu  sync.Mutex
	src mpi.Source
}

func (l *lockedSource) Uint16() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Uint16()
}
