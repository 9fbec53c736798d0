package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_IssueVerifyRoundtrip(t *testing.T) {
	codec, err := NewCodec("test-secret", "HS256")
	require.NoError(t, err)

	issued, err := codec.Issue(42, time.Hour)
	require.NoError(t, err)
	assert.Len(t, strings.Split(issued, "."), 3)

	claims, err := codec.Verify(issued)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.PrincipalID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
}

func TestCodec_RejectsExpiredToken(t *testing.T) {
	codec, err := NewCodec("test-secret", "HS256")
	require.NoError(t, err)

	issued, err := codec.Issue(42, -time.Minute)
	require.NoError(t, err)

	claims, err := codec.Verify(issued)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCodec_RejectsTamperedToken(t *testing.T) {
	codec, err := NewCodec("test-secret", "HS256")
	require.NoError(t, err)

	issued, err := codec.Issue(42, time.Hour)
	require.NoError(t, err)

	segments := strings.Split(issued, ".")
	require.Len(t, segments, 3)

	flip := func(s string, i int) string {
		b := []byte(s)
		b[i] ^= 0x01
		return string(b)
	}

	t.Run("flipped payload bit", func(t *testing.T) {
		tampered := segments[0] + "." + flip(segments[1], 3) + "." + segments[2]
		claims, err := codec.Verify(tampered)
		assert.Nil(t, claims)
		assert.Error(t, err)
	})

	t.Run("flipped signature bit", func(t *testing.T) {
		tampered := segments[0] + "." + segments[1] + "." + flip(segments[2], 3)
		claims, err := codec.Verify(tampered)
		assert.Nil(t, claims)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestCodec_RejectsWrongSecret(t *testing.T) {
	issuer, err := NewCodec("secret-one", "HS256")
	require.NoError(t, err)
	verifier, err := NewCodec("secret-two", "HS256")
	require.NoError(t, err)

	issued, err := issuer.Issue(42, time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(issued)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCodec_RejectsMismatchedAlgorithm(t *testing.T) {
	codec, err := NewCodec("test-secret", "HS256")
	require.NoError(t, err)

	t.Run("token signed with a different HMAC variant", func(t *testing.T) {
		foreign := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := foreign.SignedString([]byte("test-secret"))
		require.NoError(t, err)

		claims, err := codec.Verify(signed)
		assert.Nil(t, claims)
		assert.Error(t, err)
	})

	t.Run("unsigned token", func(t *testing.T) {
		foreign := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := foreign.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		claims, err := codec.Verify(signed)
		assert.Nil(t, claims)
		assert.Error(t, err)
	})
}

func TestCodec_RejectsMalformedToken(t *testing.T) {
	codec, err := NewCodec("test-secret", "HS256")
	require.NoError(t, err)

	for _, garbage := range []string{"", "not-a-token", "a.b", "a.b.c.d"} {
		claims, err := codec.Verify(garbage)
		assert.Nil(t, claims)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}

func TestNewCodec_RejectsBadConfiguration(t *testing.T) {
	_, err := NewCodec("", "HS256")
	assert.Error(t, err)

	_, err = NewCodec("test-secret", "RS256")
	assert.Error(t, err)

	_, err = NewCodec("test-secret", "none")
	assert.Error(t, err)
}
