package auth

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwtlib.SigningMethod, secret string, claims jwtlib.MapClaims) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWT_RoundTrip(t *testing.T) {
	j, err := NewJWT("secret", "HS256")
	require.NoError(t, err)

	tok, err := j.Issue(42, time.Minute)
	require.NoError(t, err)

	id, err := j.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), id)
}

func TestJWT_NumericSub(t *testing.T) {
	j, _ := NewJWT("secret", "HS384")
	tok := sign(t, jwtlib.SigningMethodHS384, "secret", jwtlib.MapClaims{
		"sub": 7,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	id, err := j.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(7), id)
}

func TestJWT_Rejects(t *testing.T) {
	j, _ := NewJWT("secret", "HS256")
	future := time.Now().Add(time.Minute).Unix()

	cases := map[string]string{
		"wrong secret": sign(t, jwtlib.SigningMethodHS256, "other", jwtlib.MapClaims{"sub": "1", "exp": future}),
		"expired":      sign(t, jwtlib.SigningMethodHS256, "secret", jwtlib.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no exp":       sign(t, jwtlib.SigningMethodHS256, "secret", jwtlib.MapClaims{"sub": "1"}),
		"wrong alg":    sign(t, jwtlib.SigningMethodHS512, "secret", jwtlib.MapClaims{"sub": "1", "exp": future}),
		"refresh":      sign(t, jwtlib.SigningMethodHS256, "secret", jwtlib.MapClaims{"sub": "1", "exp": future, "type": "refresh"}),
		"bad sub":      sign(t, jwtlib.SigningMethodHS256, "secret", jwtlib.MapClaims{"sub": "abc", "exp": future}),
		"no sub":       sign(t, jwtlib.SigningMethodHS256, "secret", jwtlib.MapClaims{"exp": future}),
		"garbage":      "not-a-token",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := j.Verify(context.Background(), tok)
			assert.ErrorIs(t, err, core.ErrInvalidToken)
		})
	}
}

func TestNewJWT_Config(t *testing.T) {
	_, err := NewJWT("", "HS256")
	assert.Error(t, err)
	_, err = NewJWT("s", "RS256")
	assert.Error(t, err)
}
