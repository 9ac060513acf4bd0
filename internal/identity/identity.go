package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential is returned when a presented credential cannot be
// verified. Callers close the connection and create no state.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Identity is the verified result of a handshake credential.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Verifier turns an opaque credential into a verified identity.
// It is consulted exactly once per connection handshake.
type Verifier interface {
	Verify(credential string) (Identity, error)
}

// JWTVerifier validates HMAC-signed JWTs carrying sub/email/name claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(credential string) (Identity, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return Identity{}, ErrInvalidCredential
	}

	ident := Identity{UserID: userID}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	return ident, nil
}
