package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16})
	require.NoError(t, err)
	return h
}

func TestHasher_HashAndMatch(t *testing.T) {
	h := testHasher(t)

	digest, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "$argon2id$v=19$m=8192,t=1,p=1$"))

	assert.True(t, h.Matches("correct horse", digest))
	assert.False(t, h.Matches("correct horsE", digest))
}

func TestHasher_SaltsDiffer(t *testing.T) {
	h := testHasher(t)
	a, err := h.Hash("same")
	require.NoError(t, err)
	b, err := h.Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHasher_MalformedDigests(t *testing.T) {
	h := testHasher(t)
	for _, d := range []string{
		"",
		"plain",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$a2V5",
	} {
		assert.False(t, h.Matches("", d), d)
	}
}

func TestNewHasher_RejectsWeakConfig(t *testing.T) {
	_, err := NewHasher(Config{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	assert.Error(t, err)

	_, err = NewHasher(DefaultConfig())
	assert.NoError(t, err)
}
