package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 10
	algorithmID           = "argon2id"

	// DefaultMaxPasswordBytes caps the input handed to Argon2 when
	// Config.MaxPasswordBytes is zero.
	DefaultMaxPasswordBytes = 1024
)

var (
	ErrPasswordTooShort = errors.New("password must be at least 10 bytes")
	ErrPasswordTooLong  = errors.New("password exceeds maximum length")
	ErrInvalidHash      = errors.New("invalid argon2id hash")
)

// Config holds the Argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory           uint32
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
}

// Argon2 hashes and verifies passwords as PHC strings. It is safe for
// concurrent use.
type Argon2 struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func NewArgon2(cfg Config) (*Argon2, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.MaxPasswordBytes == 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	return &Argon2{config: cfg}, nil
}

// Hash derives a fresh salted hash. Passwords are hashed byte-for-byte with
// no Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", ErrPasswordTooShort
	}
	if len(password) > a.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encodedHash. The comparison runs in
// constant time with the parameters recorded in the hash.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	if len(password) > a.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(computed, p.hash) == 1, nil
}

// NeedsRehash reports whether encodedHash was produced with weaker
// parameters than the hasher's current configuration.
func (a *Argon2) NeedsRehash(encodedHash string) (bool, error) {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	return a.config.Memory > p.memory ||
		a.config.Time > p.time ||
		a.config.Parallelism > p.parallelism ||
		a.config.KeyLength != uint32(len(p.hash)), nil
}

func parsePHC(encodedHash string) (*phc, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: format", ErrInvalidHash)
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, fmt.Errorf("%w: version", ErrInvalidHash)
	}

	p := &phc{}
	if err := parseParams(parts[3], p); err != nil {
		return nil, err
	}

	p.salt, err = decodeSegment(parts[4])
	if err != nil || len(p.salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: salt", ErrInvalidHash)
	}
	p.hash, err = decodeSegment(parts[5])
	if err != nil || len(p.hash) == 0 {
		return nil, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return p, nil
}

// decodeSegment accepts both the unpadded PHC encoding and padded base64.
func decodeSegment(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func parseParams(part string, p *phc) error {
	var seen [3]bool
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return fmt.Errorf("%w: parameters", ErrInvalidHash)
	}

	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("%w: parameter %q", ErrInvalidHash, pair)
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return fmt.Errorf("%w: memory", ErrInvalidHash)
			}
			p.memory, seen[0] = uint32(v), true
		case "t":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return fmt.Errorf("%w: time", ErrInvalidHash)
			}
			p.time, seen[1] = uint32(v), true
		case "p":
			v, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return fmt.Errorf("%w: parallelism", ErrInvalidHash)
			}
			p.parallelism, seen[2] = uint8(v), true
		default:
			return fmt.Errorf("%w: parameter %q", ErrInvalidHash, name)
		}
	}
	if !seen[0] || !seen[1] || !seen[2] {
		return fmt.Errorf("%w: missing parameters", ErrInvalidHash)
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Memory < minMemoryKB:
		return errors.New("password memory must be >= 8192 KB")
	case cfg.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return errors.New("password key length must be >= 16")
	case cfg.MaxPasswordBytes < 0:
		return errors.New("password max bytes must be >= 0")
	}
	return nil
}
