// Package dispatch implements the Execution Dispatcher described in
// spec.md section 4.G: per-tag fan-out of Invocations and wait-token
// minting for the suspend/resume/cancel API.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// waitTokenTTL bounds how long a suspended Invocation's wait token remains
// valid for a resume or cancel call (spec.md section 6).
const waitTokenTTL = 24 * time.Hour

// WaitTokenClaims is the payload minted into every wait token: it binds a
// future resume/cancel call to a specific invocation (by runId) and to the
// credential the invocation itself ran under.
type WaitTokenClaims struct {
	RunID string `json:"id"`
	Auth  string `json:"auth"`
	jwt.RegisteredClaims
}

// TokenSigner mints and validates wait tokens with an HMAC secret, the same
// pattern the teacher's internal/auth/adapters.JWTTokenManager uses for its
// access tokens.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a TokenSigner from a shared secret. The secret must
// be non-empty; an empty secret is a configuration error the caller should
// surface at startup, not at mint time.
func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

// Mint signs a wait token binding runID to authToken, expiring in 24h.
func (s *TokenSigner) Mint(runID, authToken string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("dispatch: token signer has no secret configured")
	}
	claims := WaitTokenClaims{
		RunID: runID,
		Auth:  authToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(waitTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates a wait token's signature and expiry, returning its claims.
func (s *TokenSigner) Parse(token string) (WaitTokenClaims, error) {
	var claims WaitTokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("dispatch: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return WaitTokenClaims{}, fmt.Errorf("dispatch: invalid wait token: %w", err)
	}
	if !parsed.Valid {
		return WaitTokenClaims{}, errors.New("dispatch: wait token failed validation")
	}
	return claims, nil
}
