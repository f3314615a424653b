package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned for stored hashes in neither bcrypt nor argon2id format.
var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Argon2Params are the argon2id cost parameters used by HashPassword.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params follow the OWASP argon2id baseline.
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}

// HashPassword returns an argon2id hash in PHC string format.
func HashPassword(plain string) (string, error) {
	return HashPasswordWith(plain, DefaultArgon2Params)
}

func HashPasswordWith(plain string, p Argon2Params) (string, error) {
	if plain == "" {
		return "", errors.New("password is required")
	}

	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plain), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword compares plain against a stored bcrypt ($2a$, $2b$, $2y$) or
// argon2id hash. A mismatch is (false, nil); a malformed hash is an error.
func VerifyPassword(hash, plain string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt compare: %w", err)
		}
		return true, nil
	case strings.HasPrefix(hash, "$argon2id$"):
		return verifyArgon2id(hash, plain)
	}
	return false, ErrUnsupportedHash
}

func verifyArgon2id(hash, plain string) (bool, error) {
	// $argon2id$v=19$m=65536,t=3,p=2$salt$key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: argon2id segments", ErrUnsupportedHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: argon2id version", ErrUnsupportedHash)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: argon2id version %d", ErrUnsupportedHash, version)
	}

	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return false, fmt.Errorf("%w: argon2id params", ErrUnsupportedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: argon2id salt", ErrUnsupportedHash)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, fmt.Errorf("%w: argon2id key", ErrUnsupportedHash)
	}

	got := argon2.IDKey([]byte(plain), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// dummyHash is compared against when no identity exists so both paths cost one hash.
var dummyHash = func() string {
	h, err := HashPasswordWith("palmyra-timing-equalizer", DefaultArgon2Params)
	if err != nil {
		panic(err)
	}
	return h
}()

// EqualizeTiming spends one verification on a throwaway hash.
func EqualizeTiming(plain string) {
	_, _ = VerifyPassword(dummyHash, plain)
}
