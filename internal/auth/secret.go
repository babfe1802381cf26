// Package auth holds the process-wide shared secret peers must present before
// they may relay messages.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Supported hash algorithms.
const (
	AlgorithmArgon2ID = "argon2id"
	AlgorithmDJB2     = "djb2"
)

const saltLength = 16

var (
	// ErrEmptySecret is returned when the server is started without a secret.
	ErrEmptySecret = errors.New("auth: shared secret is empty")
	// ErrUnknownAlgorithm is returned by NewHasher for unsupported names.
	ErrUnknownAlgorithm = errors.New("auth: unknown hash algorithm")
)

// Hasher turns a secret into the string representation that is stored and
// compared. Implementations must be deterministic for the process lifetime.
type Hasher interface {
	Hash(secret string) string
}

// DJB2Hasher is the classic hash*33+c string digest. Only the low 32 bits are
// kept and rendered as a signed decimal, which is the form legacy
// user_auth.txt files hold. It is weak and only kept for deployments that
// still expect it.
type DJB2Hasher struct{}

// Hash implements Hasher.
func (DJB2Hasher) Hash(secret string) string {
	var h uint64 = 5381
	for i := 0; i < len(secret); i++ {
		h = h*33 + uint64(secret[i])
	}
	return strconv.FormatInt(int64(int32(uint32(h))), 10)
}

// Argon2Params tunes the argon2id derivation.
type Argon2Params struct {
	Time      uint32 `yaml:"time"`
	Memory    uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
	KeyLength uint32 `yaml:"key_length"`
}

// DefaultArgon2Params returns a moderate interactive profile.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:      2,
		Memory:    19 * 1024,
		Threads:   1,
		KeyLength: 32,
	}
}

func (p Argon2Params) sanitize() Argon2Params {
	def := DefaultArgon2Params()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.Memory == 0 {
		p.Memory = def.Memory
	}
	if p.Threads == 0 {
		p.Threads = def.Threads
	}
	if p.KeyLength == 0 {
		p.KeyLength = def.KeyLength
	}
	return p
}

// Argon2Hasher derives argon2id keys with a salt fixed at construction.
type Argon2Hasher struct {
	params Argon2Params
	salt   []byte
}

// NewArgon2Hasher draws a random salt and returns a hasher bound to it.
func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	return NewArgon2HasherWithSalt(params, salt), nil
}

// NewArgon2HasherWithSalt returns a hasher using the given salt.
func NewArgon2HasherWithSalt(params Argon2Params, salt []byte) *Argon2Hasher {
	return &Argon2Hasher{
		params: params.sanitize(),
		salt:   append([]byte(nil), salt...),
	}
}

// Hash implements Hasher. The result is a self-describing encoded string.
func (h *Argon2Hasher) Hash(secret string) string {
	p := h.params
	key := argon2.IDKey([]byte(secret), h.salt, p.Time, p.Memory, p.Threads, p.KeyLength)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// NewHasher builds the hasher named by algorithm.
func NewHasher(algorithm string, params Argon2Params) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", AlgorithmArgon2ID:
		return NewArgon2Hasher(params)
	case AlgorithmDJB2:
		return DJB2Hasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// Secret is the immutable server-wide credential. It is computed once at
// startup and shared by every session.
type Secret struct {
	hasher Hasher
	hash   string
}

// NewSecret hashes plain with hasher.
func NewSecret(plain string, hasher Hasher) (*Secret, error) {
	if plain == "" {
		return nil, ErrEmptySecret
	}
	if hasher == nil {
		return nil, errors.New("auth: hasher is nil")
	}
	return &Secret{hasher: hasher, hash: hasher.Hash(plain)}, nil
}

// Hash returns the stored hash string.
func (s *Secret) Hash() string {
	return s.hash
}

// Verify hashes candidate and compares the result with the stored hash.
func (s *Secret) Verify(candidate string) bool {
	if s == nil {
		return false
	}
	computed := s.hasher.Hash(candidate)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(s.hash)) == 1
}

// Persist writes the hash followed by a newline to path, replacing any
// previous content. The in-memory value stays authoritative.
func (s *Secret) Persist(path string) error {
	if err := os.WriteFile(path, []byte(s.hash+"\n"), 0o600); err != nil {
		return fmt.Errorf("auth: persist secret hash: %w", err)
	}
	return nil
}
