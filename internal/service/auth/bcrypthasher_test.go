package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_BcryptHasher(t *testing.T) {
	t.Parallel()

	h := BcryptHasher{}

	t.Run("hash secret", func(t *testing.T) {
		got, err := h.Hash("secret")
		require.NoError(t, err)

		require.Len(t, got, 60)
		require.Equal(t, "$2a$", got[:4])
	})

	t.Run("compare secret ok", func(t *testing.T) {
		hash, err := h.Hash("secret")
		require.NoError(t, err)

		err = h.Compare(hash, "secret")

		require.NoError(t, err)
	})

	t.Run("fail compare if wrong secret", func(t *testing.T) {
		hash, err := h.Hash("secret")
		require.NoError(t, err)

		err = h.Compare(hash, "wrong")

		require.Error(t, err)
	})

	t.Run("long secrets differ after 72 bytes", func(t *testing.T) {
		prefix := strings.Repeat("a", 80)
		hash, err := h.Hash(prefix + "1")
		require.NoError(t, err)

		err = h.Compare(hash, prefix+"2")

		require.Error(t, err)
	})
}
