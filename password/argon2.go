package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	defaultMinPass        = 10
	algorithmID           = "argon2id"
)

// ErrTooShort is returned by Hash when the password fails the length policy.
var ErrTooShort = errors.New("password below minimum length")

// Config holds argon2id cost parameters and the length policy applied
// before hashing.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// Hasher produces and verifies argon2id hashes in PHC string format.
// A Hasher is immutable after construction and safe for concurrent use.
type Hasher struct {
	config Config
}

func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Memory < minMemoryKB {
		return nil, errors.New("password: memory must be >= 8192 KB")
	}
	if cfg.Time < 1 {
		return nil, errors.New("password: time cost must be >= 1")
	}
	if cfg.Parallelism < 1 {
		return nil, errors.New("password: parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return nil, errors.New("password: salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return nil, errors.New("password: key length must be >= 16")
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = defaultMinPass
	}

	return &Hasher{config: cfg}, nil
}

// Hash derives an argon2id hash of pass and encodes it as a PHC string.
// The length policy counts raw bytes, not runes; no Unicode normalization
// is applied.
func (h *Hasher) Hash(pass string) (string, error) {
	if len(pass) < h.config.MinLength {
		return "", ErrTooShort
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(pass),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether pass matches encoded. The comparison is constant
// time over the derived key.
func (h *Hasher) Verify(pass, encoded string) (bool, error) {
	memory, timeCost, parallelism, salt, want, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(pass), salt, timeCost, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodePHC(encoded string) (memory, timeCost uint32, parallelism uint8, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return 0, 0, 0, nil, nil, errors.New("password: invalid PHC format")
	}
	if parts[1] != algorithmID {
		return 0, 0, 0, nil, nil, errors.New("password: unsupported algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, errors.New("password: unsupported argon2 version")
	}

	var p uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &p); err != nil {
		return 0, 0, 0, nil, nil, errors.New("password: invalid parameters")
	}
	if memory < minMemoryKB || timeCost < 1 || p < 1 || p > 255 {
		return 0, 0, 0, nil, nil, errors.New("password: parameters out of range")
	}
	parallelism = uint8(p)

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || uint32(len(salt)) < minSaltLength {
		return 0, 0, 0, nil, nil, errors.New("password: invalid salt")
	}

	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return 0, 0, 0, nil, nil, errors.New("password: invalid key")
	}

	return memory, timeCost, parallelism, salt, key, nil
}
