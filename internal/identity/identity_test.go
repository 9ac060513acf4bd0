package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	token := sign(t, "secret", jwt.MapClaims{
		"sub":   "u1",
		"email": "u1@example.com",
		"name":  "User One",
	})

	ident, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Email: "u1@example.com", Name: "User One"}, ident)
}

func TestVerifySubjectOnly(t *testing.T) {
	v := NewJWTVerifier("secret")

	ident, err := v.Verify(sign(t, "secret", jwt.MapClaims{"sub": "u1"}))
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.UserID)
	assert.Empty(t, ident.Email)
	assert.Empty(t, ident.Name)
}

func TestVerifyRejections(t *testing.T) {
	v := NewJWTVerifier("secret")

	cases := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": sign(t, "other", jwt.MapClaims{"sub": "u1"}),
		"missing sub":  sign(t, "secret", jwt.MapClaims{"email": "u1@example.com"}),
		"empty sub":    sign(t, "secret", jwt.MapClaims{"sub": ""}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}
