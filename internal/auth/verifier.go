// ABOUTME: Identity verification for the authenticate handshake
// ABOUTME: JWT HS256 verification plus an explicit insecure dev-mode verifier

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrMissingUser  = errors.New("missing user id")
)

// TokenVerifier resolves the authenticated user id from a handshake. It is
// a required capability of the gateway; there is no silent trust-the-client
// fallback. claimedUserID is what the client asserted, token is its
// credential. The returned id is the identity the connection is bound to.
type TokenVerifier interface {
	Verify(claimedUserID, token string) (userID string, err error)
}

// JWTVerifier verifies HS256 signed JWTs and binds the connection to the
// token's "sub" claim. The claimed user id is ignored; the token is the
// authority.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a JWT verifier with the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the user id from the "sub" claim.
func (v *JWTVerifier) Verify(_, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a signed JWT for the given user id with expiration.
// Handy for issuing dev tokens and in tests.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// InsecureVerifier trusts the client-supplied user id without checking any
// credential. Development only; selecting it requires auth.mode "insecure"
// in the config.
type InsecureVerifier struct{}

// Insecure returns the dev-mode verifier.
func Insecure() *InsecureVerifier {
	return &InsecureVerifier{}
}

// Verify accepts any non-empty claimed user id.
func (*InsecureVerifier) Verify(claimedUserID, _ string) (string, error) {
	if claimedUserID == "" {
		return "", ErrMissingUser
	}
	return claimedUserID, nil
}
