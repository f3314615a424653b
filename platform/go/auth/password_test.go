package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var fastArgon2 = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashPasswordRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashPasswordWith("correct horse", fastArgon2)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := VerifyPassword(hash, "correct horse")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(hash, "wrong horse")
	require.NoError(t, err)
	require.False(t, ok)

	other, err := HashPasswordWith("correct horse", fastArgon2)
	require.NoError(t, err)
	require.NotEqual(t, hash, other, "salts must differ")
}

func TestVerifyPasswordBcryptVariants(t *testing.T) {
	t.Parallel()

	raw, err := bcrypt.GenerateFromPassword([]byte("s3cret!"), bcrypt.MinCost)
	require.NoError(t, err)
	hash := string(raw)

	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		variant := prefix + strings.TrimPrefix(hash, hash[:4])
		ok, err := VerifyPassword(variant, "s3cret!")
		require.NoError(t, err, prefix)
		require.True(t, ok, prefix)

		ok, err = VerifyPassword(variant, "nope")
		require.NoError(t, err, prefix)
		require.False(t, ok, prefix)
	}
}

func TestVerifyPasswordRejectsUnknownFormats(t *testing.T) {
	t.Parallel()

	for _, hash := range []string{"", "plaintext", "$1$abc$def", "$argon2i$v=19$m=1,t=1,p=1$c2FsdA$a2V5", "$argon2id$v=19$broken"} {
		_, err := VerifyPassword(hash, "x")
		require.ErrorIs(t, err, ErrUnsupportedHash, hash)
	}
}
